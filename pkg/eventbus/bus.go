// Package eventbus is a best-effort, in-process publish/subscribe fan-out.
//
// Publish never blocks: each subscriber owns a bounded buffer and an event that
// does not fit is dropped for that subscriber only. There is no persistence or
// replay, so a subscriber that is not attached misses events.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// Topics published by the dispatch core
const (
	TopicRideRequest          = "ride:request"
	TopicRideAccepted         = "ride:accepted"
	TopicRideRejected         = "ride:rejected"
	TopicRideStarted          = "ride:started"
	TopicRideCompleted        = "ride:completed"
	TopicRideCancelled        = "ride:cancelled"
	TopicRideNoDrivers        = "ride:no_drivers"
	TopicDriverStatusUpdate   = "driver:status:update"
	TopicDriverLocationUpdate = "driver:location:update"
	TopicDriverOnline         = "driver:online"
	TopicDriverOffline        = "driver:offline"
)

// DefaultBuffer is the per-subscriber queue length used when none is given
const DefaultBuffer = 64

// Event is a single notification
type Event struct {
	Topic       string    `json:"type"`
	Key         string    `json:"key,omitempty"`
	Payload     any       `json:"data"`
	Audience    []string  `json:"-"`
	PublishedAt time.Time `json:"timestamp"`
}

// Publisher is the narrow interface services depend on
type Publisher interface {
	Publish(topic, key string, payload any, audience ...string)
}

// Bus fans events out to subscribers
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	onDrop  func(topic string)
	logger  *logger.Logger
	now     func() time.Time
}

// Option configures a Bus
type Option func(*Bus)

// WithDropHook is called once per dropped delivery, e.g. to count it
func WithDropHook(fn func(topic string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a bus
func New(log *logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for the given topics, or all topics if none are given
func (b *Bus) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closeChannel()
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every matching subscriber without blocking
func (b *Bus) Publish(topic, key string, payload any, audience ...string) {
	ev := Event{
		Topic:       topic,
		Key:         key,
		Payload:     payload,
		Audience:    audience,
		PublishedAt: b.now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(topic)
			}
			b.logger.Debug("Dropped event for slow subscriber",
				logger.String("topic", topic),
				logger.Int64("subscription", int64(sub.id)),
			)
		}
	}
}

// Dropped returns the total number of dropped deliveries
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of attached subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber and closes their channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.closeChannel()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.closeChannel()
	}
}

// Subscription is one subscriber's bounded queue
type Subscription struct {
	id      uint64
	bus     *Bus
	topics  map[string]struct{}
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the delivery channel. It is closed after Close or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events did not fit this subscriber's buffer
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// closeChannel must be called with the bus write lock held
func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// IsBroadcast reports whether the event has no audience
func (e Event) IsBroadcast() bool {
	return len(e.Audience) == 0
}

// IsFor reports whether the given user is named in the audience. A broadcast
// names nobody; who receives it is up to the consumer.
func (e Event) IsFor(userID string) bool {
	return slices.Contains(e.Audience, userID)
}
