package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-dispatch/pkg/logger"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// TestBus_TopicFiltering tests that subscribers only see their topics
func TestBus_TopicFiltering(t *testing.T) {
	bus := New(logger.NewNop())
	rides := bus.Subscribe(4, TopicRideAccepted)
	all := bus.Subscribe(4)

	bus.Publish(TopicDriverOnline, "d1", nil)
	bus.Publish(TopicRideAccepted, "r1", map[string]string{"ride_id": "r1"}, "u1")

	ev := receive(t, rides)
	assert.Equal(t, TopicRideAccepted, ev.Topic)
	assert.Equal(t, "r1", ev.Key)
	assert.Equal(t, []string{"u1"}, ev.Audience)

	assert.Equal(t, TopicDriverOnline, receive(t, all).Topic)
	assert.Equal(t, TopicRideAccepted, receive(t, all).Topic)
	assert.Len(t, rides.C(), 0)
}

// TestBus_SlowSubscriberDoesNotBlock tests bounded non-blocking delivery
func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	var droppedTopics []string
	var mu sync.Mutex
	bus := New(logger.NewNop(), WithDropHook(func(topic string) {
		mu.Lock()
		droppedTopics = append(droppedTopics, topic)
		mu.Unlock()
	}))

	slow := bus.Subscribe(2)
	fast := bus.Subscribe(100)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(TopicDriverLocationUpdate, "d1", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Len(t, slow.C(), 2)
	assert.Equal(t, uint64(48), slow.Dropped())
	assert.Len(t, fast.C(), 50)
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, uint64(48), bus.Dropped())

	mu.Lock()
	assert.Len(t, droppedTopics, 48)
	mu.Unlock()
}

// TestBus_CloseSubscription tests detaching a subscriber
func TestBus_CloseSubscription(t *testing.T) {
	bus := New(logger.NewNop())
	sub := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())

	bus.Publish(TopicDriverOnline, "d1", nil)
}

// TestBus_Close tests that closing the bus closes every subscription
func TestBus_Close(t *testing.T) {
	bus := New(logger.NewNop())
	a := bus.Subscribe(1)
	b := bus.Subscribe(1, TopicRideRequest)

	bus.Close()
	bus.Publish(TopicRideRequest, "r1", nil)

	_, okA := <-a.C()
	_, okB := <-b.C()
	assert.False(t, okA)
	assert.False(t, okB)

	late := bus.Subscribe(1)
	_, ok := <-late.C()
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	a.Close()
}

// TestBus_ConcurrentPublishAndUnsubscribe tests for races between fan-out and detach
func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := New(logger.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Publish(TopicDriverLocationUpdate, "d", j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s := bus.Subscribe(1)
				s.Close()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Subscribers())
}

// TestEvent_IsFor tests audience targeting
func TestEvent_IsFor(t *testing.T) {
	broadcast := Event{Topic: TopicDriverOnline}
	targeted := Event{Topic: TopicRideRequest, Audience: []string{"d1", "d2"}}

	assert.True(t, broadcast.IsBroadcast())
	assert.False(t, broadcast.IsFor("anyone"))
	assert.False(t, targeted.IsBroadcast())
	assert.True(t, targeted.IsFor("d2"))
	assert.False(t, targeted.IsFor("d3"))
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// TestKafkaSink_ForwardsEvents tests that events are keyed and encoded
func TestKafkaSink_ForwardsEvents(t *testing.T) {
	bus := New(logger.NewNop())
	w := &fakeWriter{}
	sink := newKafkaSink(w, time.Second, logger.NewNop())
	sub := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sink.Run(ctx, sub)
		close(done)
	}()

	bus.Publish(TopicRideAccepted, "ride-1", map[string]string{"driver_id": "d1"}, "rider-1")
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	bus.Close()
	<-done
	require.NoError(t, sink.Close())
	assert.True(t, w.closed)

	msg := w.messages[0]
	assert.Equal(t, "ride-1", string(msg.Key))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, TopicRideAccepted, body["type"])
	assert.Equal(t, []any{"rider-1"}, body["audience"])
	assert.Equal(t, map[string]any{"driver_id": "d1"}, body["data"])
}

// TestKafkaSink_WriteFailureIsSkipped tests best-effort delivery
func TestKafkaSink_WriteFailureIsSkipped(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	sink := newKafkaSink(w, time.Second, logger.NewNop())

	sink.write(context.Background(), Event{Topic: TopicDriverOffline, Key: "d1"})
	assert.Equal(t, 0, w.count())
}

// TestEncodeMessage_UnencodablePayload tests the encode error path
func TestEncodeMessage_UnencodablePayload(t *testing.T) {
	_, err := encodeMessage(Event{Topic: TopicRideRequest, Payload: make(chan int)})
	assert.Error(t, err)
}
