package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/geoindex"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/service/registry"
	"github.com/gocomet/ride-dispatch/internal/storage/memory"
	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

const rider = "rider-1"

var (
	pickup  = geo.Point{Longitude: 77.59, Latitude: 12.97}
	dropoff = geo.Point{Longitude: 77.64, Latitude: 12.93}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc      *Service
	rides    *lifecycle.Service
	registry *registry.Registry
	sub      *eventbus.Subscription
	seen     []eventbus.Event
}

// getTestConfig returns a config with timers long enough not to fire during a test
func getTestConfig() Config {
	cfg := DefaultConfig()
	cfg.OfferTimeout = time.Minute
	return cfg
}

func newHarness(t *testing.T, cfg Config, clock func() time.Time) *harness {
	t.Helper()
	log := logger.NewNop()
	bus := eventbus.New(log)
	t.Cleanup(bus.Close)

	fares := pricing.NewConfigStore()
	_, err := fares.Put(context.Background(), fare.Config{
		VehicleClass: driver.VehicleSedan,
		BaseFare:     20,
		PerKmRate:    8,
		MinimumFare:  50,
	})
	require.NoError(t, err)

	reg := registry.New(geoindex.NewGrid(0), bus, log, monitoring.Nop{}, registry.Options{Now: clock})
	rides := lifecycle.NewService(memory.NewRideStore(), reg, bus, log, monitoring.Nop{}, lifecycle.WithClock(clock))
	svc := NewService(rides, reg, pricing.NewService(fares, log, nil), bus, log, monitoring.Nop{}, cfg, WithClock(clock))
	t.Cleanup(svc.Close)

	return &harness{
		svc:      svc,
		rides:    rides,
		registry: reg,
		sub:      bus.Subscribe(1024, eventbus.TopicRideRequest, eventbus.TopicRideNoDrivers, eventbus.TopicRideCancelled),
	}
}

// events returns every event of the topic seen so far
func (h *harness) events(topic string) []eventbus.Event {
	for drained := false; !drained; {
		select {
		case ev := <-h.sub.C():
			h.seen = append(h.seen, ev)
		default:
			drained = true
		}
	}
	var out []eventbus.Event
	for _, ev := range h.seen {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// online places a driver roughly km kilometers east of the pickup
func (h *harness) online(t *testing.T, id string, class driver.VehicleClass, km float64) {
	t.Helper()
	p := geo.Point{Longitude: pickup.Longitude + km/108.4, Latitude: pickup.Latitude}
	_, err := h.registry.SetOnline(context.Background(), registry.Profile{ID: id, VehicleClass: class}, geo.Location{Point: p})
	require.NoError(t, err)
}

func (h *harness) request(t *testing.T) *ride.Ride {
	t.Helper()
	r, err := h.svc.RequestRide(context.Background(), RequestCommand{
		RequesterID:  rider,
		Pickup:       pickup,
		Dropoff:      dropoff,
		VehicleClass: driver.VehicleSedan,
	})
	require.NoError(t, err)
	return r
}

func recipients(events []eventbus.Event) []string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.Audience...)
	}
	return out
}

// TestRequestRide_Scenario tests pricing and dispatch of the reference trip
func TestRequestRide_Scenario(t *testing.T) {
	h := newHarness(t, getTestConfig(), time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)

	r := h.request(t)

	require.NotNil(t, r.FareEstimate)
	assert.Equal(t, 76.08, *r.FareEstimate)
	assert.Equal(t, 7.01, r.DistanceKM)
	assert.Equal(t, 14, r.EstimatedMinutes)
	assert.Equal(t, ride.StatusDriverAssigned, r.Status)
	assert.Equal(t, []string{"d1"}, r.Offers)

	offers := h.events(eventbus.TopicRideRequest)
	require.Len(t, offers, 1)
	assert.Equal(t, []string{"d1"}, offers[0].Audience)
	offer := offers[0].Payload.(RideOffer)
	assert.Equal(t, r.ID, offer.RideID)
	assert.Equal(t, 0.5, offer.PickupDistanceKM)
	assert.Equal(t, 1, h.svc.PendingTimers())
}

// TestDispatch_NoDrivers tests a dispatch with nobody in range
func TestDispatch_NoDrivers(t *testing.T) {
	h := newHarness(t, getTestConfig(), time.Now)
	h.online(t, "far", driver.VehicleSedan, 12)
	h.online(t, "auto", driver.VehicleAuto, 0.3)

	r := h.request(t)

	assert.Equal(t, ride.StatusSearching, r.Status)
	assert.Equal(t, 0, r.AssignmentAttempts)
	assert.NotNil(t, r.DispatchedAt)
	assert.Empty(t, h.events(eventbus.TopicRideRequest))

	none := h.events(eventbus.TopicRideNoDrivers)
	require.Len(t, none, 1)
	assert.Equal(t, []string{rider}, none[0].Audience)
}

// TestDispatch_Broadcast tests that every candidate gets the offer at once
func TestDispatch_Broadcast(t *testing.T) {
	cfg := getTestConfig()
	cfg.MaxCandidates = 3
	h := newHarness(t, cfg, time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.4)
	h.online(t, "d2", driver.VehicleSedan, 1.2)
	h.online(t, "d3", driver.VehicleSedan, 2.5)
	h.online(t, "d4", driver.VehicleSedan, 3.5)
	h.online(t, "busy", driver.VehicleSedan, 0.1)
	require.NoError(t, h.registry.Claim(context.Background(), "busy"))

	r := h.request(t)

	assert.Equal(t, []string{"d1", "d2", "d3"}, r.Offers)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, recipients(h.events(eventbus.TopicRideRequest)))
}

// TestDispatch_RequiresSearching tests dispatching a ride already offered
func TestDispatch_RequiresSearching(t *testing.T) {
	h := newHarness(t, getTestConfig(), time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)
	r := h.request(t)

	_, err := h.svc.Dispatch(context.Background(), r.ID)
	assert.ErrorIs(t, err, ride.ErrInvalidTransition)
}

// TestRejectRide_ReOffersExcludingRejecters tests the retry with a growing exclusion list
func TestRejectRide_ReOffersExcludingRejecters(t *testing.T) {
	cfg := getTestConfig()
	cfg.MaxCandidates = 1
	h := newHarness(t, cfg, time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)
	h.online(t, "d2", driver.VehicleSedan, 1.5)
	ctx := context.Background()

	r := h.request(t)
	require.Equal(t, []string{"d1"}, r.Offers)

	r, err := h.svc.RejectRide(ctx, r.ID, "d1")
	require.NoError(t, err)

	assert.Equal(t, ride.StatusDriverAssigned, r.Status)
	assert.Equal(t, []string{"d2"}, r.Offers)
	assert.Equal(t, 1, r.AssignmentAttempts)
	assert.Equal(t, []string{"d1", "d2"}, recipients(h.events(eventbus.TopicRideRequest)))

	r, err = h.svc.RejectRide(ctx, r.ID, "d2")
	require.NoError(t, err)

	assert.Equal(t, ride.StatusSearching, r.Status)
	assert.Equal(t, []string{"d1", "d2"}, r.Rejected)
	assert.Len(t, h.events(eventbus.TopicRideNoDrivers), 1)
	assert.Equal(t, 0, h.svc.PendingTimers())
}

// TestRejectRide_OtherOffersOutstanding tests that a broadcast round survives one rejection
func TestRejectRide_OtherOffersOutstanding(t *testing.T) {
	h := newHarness(t, getTestConfig(), time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)
	h.online(t, "d2", driver.VehicleSedan, 1.5)

	r := h.request(t)
	r, err := h.svc.RejectRide(context.Background(), r.ID, "d1")
	require.NoError(t, err)

	assert.Equal(t, ride.StatusDriverAssigned, r.Status)
	assert.Equal(t, []string{"d2"}, r.Offers)
	assert.Equal(t, 0, r.AssignmentAttempts)
	assert.Len(t, h.events(eventbus.TopicRideRequest), 2)
}

// TestRejectRide_MaxAttempts tests that re-offering stops at the cap
func TestRejectRide_MaxAttempts(t *testing.T) {
	cfg := getTestConfig()
	cfg.MaxCandidates = 1
	cfg.MaxAttempts = 1
	h := newHarness(t, cfg, time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)
	h.online(t, "d2", driver.VehicleSedan, 1.0)
	h.online(t, "d3", driver.VehicleSedan, 1.5)
	ctx := context.Background()

	r := h.request(t)
	r, err := h.svc.RejectRide(ctx, r.ID, "d1")
	require.NoError(t, err)
	require.Equal(t, []string{"d2"}, r.Offers)

	r, err = h.svc.RejectRide(ctx, r.ID, "d2")
	require.NoError(t, err)

	assert.Equal(t, ride.StatusSearching, r.Status)
	assert.Equal(t, 1, r.AssignmentAttempts)
	assert.NotContains(t, recipients(h.events(eventbus.TopicRideRequest)), "d3")
}

// TestOfferTimeout tests that silence counts as rejection and triggers re-dispatch
func TestOfferTimeout(t *testing.T) {
	cfg := getTestConfig()
	cfg.MaxCandidates = 1
	cfg.OfferTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)
	h.online(t, "d2", driver.VehicleSedan, 1.5)
	ctx := context.Background()

	r := h.request(t)
	require.Equal(t, []string{"d1"}, r.Offers)

	assert.Eventually(t, func() bool {
		got, err := h.rides.Get(ctx, r.ID)
		return err == nil && got.Status == ride.StatusSearching
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, got.Rejected)
	assert.Equal(t, 1, got.AssignmentAttempts)
	assert.Equal(t, []string{"d1", "d2"}, recipients(h.events(eventbus.TopicRideRequest)))
	assert.Len(t, h.events(eventbus.TopicRideNoDrivers), 1)
}

// TestAcceptRide_StopsTimer tests that acceptance disarms the round
func TestAcceptRide_StopsTimer(t *testing.T) {
	h := newHarness(t, getTestConfig(), time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)
	r := h.request(t)
	require.Equal(t, 1, h.svc.PendingTimers())

	accepted, err := h.svc.AcceptRide(context.Background(), r.ID, "d1")
	require.NoError(t, err)

	assert.Equal(t, ride.StatusDriverAccepted, accepted.Status)
	assert.Equal(t, 0, h.svc.PendingTimers())
}

// TestRequestRide_Scheduled tests lead-time dispatch and the search timeout
func TestRequestRide_Scheduled(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, getTestConfig(), clock.Now)
	ctx := context.Background()

	at := clock.Now().Add(time.Hour)
	r, err := h.svc.RequestRide(ctx, RequestCommand{
		RequesterID:   rider,
		Pickup:        pickup,
		Dropoff:       dropoff,
		VehicleClass:  driver.VehicleSedan,
		ScheduledTime: &at,
	})
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, r.Status)
	assert.Nil(t, r.DispatchedAt)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, PassResult{}, h.svc.Pass(ctx))

	h.online(t, "d1", driver.VehicleSedan, 0.5)
	clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, h.svc.Pass(ctx).Dispatched)

	got, err := h.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusDriverAssigned, got.Status)
}

// TestPass_CancelsAfterSearchTimeout tests the system cancellation of stale searches
func TestPass_CancelsAfterSearchTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, getTestConfig(), clock.Now)
	ctx := context.Background()

	r := h.request(t)
	require.Equal(t, ride.StatusSearching, r.Status)

	clock.Advance(9 * time.Minute)
	assert.Equal(t, 0, h.svc.Pass(ctx).Cancelled)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.svc.Pass(ctx).Cancelled)

	got, err := h.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, got.Status)
	assert.Equal(t, ReasonSearchTimeout, got.CancellationReason)
	assert.Equal(t, ride.SystemActor.ID, got.CancelledBy)
	assert.Len(t, h.events(eventbus.TopicRideCancelled), 1)
}

// TestRequestRide_MissingFareConfig tests both fare policies
func TestRequestRide_MissingFareConfig(t *testing.T) {
	cmd := RequestCommand{
		RequesterID:  rider,
		Pickup:       pickup,
		Dropoff:      dropoff,
		VehicleClass: driver.VehicleLuxury,
	}

	t.Run("Created without estimate", func(t *testing.T) {
		h := newHarness(t, getTestConfig(), time.Now)
		r, err := h.svc.RequestRide(context.Background(), cmd)
		require.NoError(t, err)
		assert.Nil(t, r.FareEstimate)
		assert.Equal(t, 7.01, r.DistanceKM)
	})

	t.Run("Rejected when estimate required", func(t *testing.T) {
		cfg := getTestConfig()
		cfg.RequireFareEstimate = true
		h := newHarness(t, cfg, time.Now)
		_, err := h.svc.RequestRide(context.Background(), cmd)
		assert.ErrorIs(t, err, fare.ErrConfigNotFound)
	})
}

// TestRequestRide_Validation tests request validation
func TestRequestRide_Validation(t *testing.T) {
	h := newHarness(t, getTestConfig(), time.Now)

	tests := []struct {
		name string
		cmd  RequestCommand
	}{
		{name: "Missing requester", cmd: RequestCommand{Pickup: pickup, Dropoff: dropoff, VehicleClass: driver.VehicleSedan}},
		{name: "Bad pickup", cmd: RequestCommand{RequesterID: rider, Pickup: geo.Point{Longitude: 181}, Dropoff: dropoff, VehicleClass: driver.VehicleSedan}},
		{name: "Unknown class", cmd: RequestCommand{RequesterID: rider, Pickup: pickup, Dropoff: dropoff, VehicleClass: "zeppelin"}},
		{name: "Unknown kind", cmd: RequestCommand{RequesterID: rider, Kind: "parcel", Pickup: pickup, Dropoff: dropoff, VehicleClass: driver.VehicleSedan}},
		{name: "Negative radius", cmd: RequestCommand{RequesterID: rider, Pickup: pickup, Dropoff: dropoff, VehicleClass: driver.VehicleSedan, SearchRadiusKM: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.RequestRide(context.Background(), tt.cmd)
			assert.ErrorIs(t, err, ride.ErrInvalidRequest)
		})
	}
}

// TestClose tests that closing disarms every timer
func TestClose(t *testing.T) {
	h := newHarness(t, getTestConfig(), time.Now)
	h.online(t, "d1", driver.VehicleSedan, 0.5)
	h.request(t)
	require.Equal(t, 1, h.svc.PendingTimers())

	h.svc.Close()
	assert.Equal(t, 0, h.svc.PendingTimers())
}
