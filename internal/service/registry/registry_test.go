package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/service/geoindex"
	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

var center = geo.Point{Longitude: 77.59, Latitude: 12.97}

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

type testEnv struct {
	registry *Registry
	bus      *eventbus.Bus
	sub      *eventbus.Subscription
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	bus := eventbus.New(logger.NewNop())
	t.Cleanup(bus.Close)

	reg := New(geoindex.NewGrid(0), bus, logger.NewNop(), monitoring.Nop{}, Options{
		StaleAfter: 10 * time.Minute,
		Now:        clock.Now,
	})
	return &testEnv{
		registry: reg,
		bus:      bus,
		sub:      bus.Subscribe(1024),
		clock:    clock,
	}
}

// drain returns the events delivered so far
func (e *testEnv) drain(topic string) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-e.sub.C():
			if topic == "" || ev.Topic == topic {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

// offset moves a point roughly km kilometers east
func offset(p geo.Point, km float64) geo.Point {
	return geo.Point{Longitude: p.Longitude + km/108.4, Latitude: p.Latitude}
}

func goOnline(t *testing.T, env *testEnv, id string, class driver.VehicleClass, p geo.Point) {
	t.Helper()
	_, err := env.registry.SetOnline(context.Background(), Profile{ID: id, VehicleClass: class}, geo.Location{Point: p})
	require.NoError(t, err)
}

// TestSetOnline tests registering a driver
func TestSetOnline(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.registry.SetOnline(context.Background(),
		Profile{ID: "d1", Name: "Asha", VehicleClass: driver.VehicleSedan},
		geo.Location{Point: center},
	)
	require.NoError(t, err)

	assert.True(t, d.Online)
	assert.Equal(t, driver.AvailabilityAvailable, d.Availability)
	assert.Equal(t, env.clock.Now(), d.LastSeen)
	assert.Equal(t, 1, env.registry.OnlineCount())
	assert.Len(t, env.drain(eventbus.TopicDriverOnline), 1)
}

// TestSetOnline_Validation tests bad profiles and positions
func TestSetOnline_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		profile Profile
		point   geo.Point
		wantErr error
	}{
		{name: "Empty id", profile: Profile{VehicleClass: driver.VehicleAuto}, point: center, wantErr: driver.ErrInvalidDriverID},
		{name: "Unknown class", profile: Profile{ID: "d1", VehicleClass: "rocket"}, point: center, wantErr: driver.ErrInvalidVehicleClass},
		{name: "Bad latitude", profile: Profile{ID: "d1", VehicleClass: driver.VehicleAuto}, point: geo.Point{Latitude: 91}, wantErr: geo.ErrInvalidCoordinates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.registry.SetOnline(ctx, tt.profile, geo.Location{Point: tt.point})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, env.registry.OnlineCount())
}

// TestSweep_MarksStaleDriverOfflineOnce tests the staleness sweep
func TestSweep_MarksStaleDriverOfflineOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)
	env.drain("")

	env.clock.Advance(9 * time.Minute)
	assert.Equal(t, 0, env.registry.Sweep(ctx))

	env.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, env.registry.Sweep(ctx))
	assert.Equal(t, 0, env.registry.Sweep(ctx))

	offline := env.drain(eventbus.TopicDriverOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, "d1", offline[0].Key)
	assert.Equal(t, "stale", offline[0].Payload.(StatusChange).Reason)

	d, err := env.registry.Get(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Online)
	assert.Equal(t, driver.AvailabilityOffline, d.Availability)
	assert.Equal(t, 0, env.registry.OnlineCount())

	nearby, err := env.registry.Nearby(ctx, Query{Center: center})
	require.NoError(t, err)
	assert.Empty(t, nearby)
}

// TestSweep_FreshUpdateKeepsDriverOnline tests that reporting resets the staleness clock
func TestSweep_FreshUpdateKeepsDriverOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)

	env.clock.Advance(8 * time.Minute)
	_, err := env.registry.UpdateLocation(ctx, "d1", LocationUpdate{Location: geo.Location{Point: offset(center, 0.2)}})
	require.NoError(t, err)

	env.clock.Advance(8 * time.Minute)
	assert.Equal(t, 0, env.registry.Sweep(ctx))
}

// TestUpdateLocation_RevivesOfflineDriver tests that a report after the sweep brings the driver back
func TestUpdateLocation_RevivesOfflineDriver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)

	env.clock.Advance(11 * time.Minute)
	require.Equal(t, 1, env.registry.Sweep(ctx))
	env.drain("")

	d, err := env.registry.UpdateLocation(ctx, "d1", LocationUpdate{Location: geo.Location{Point: center}, Speed: 20, Heading: 90})
	require.NoError(t, err)

	assert.True(t, d.Online)
	assert.Equal(t, driver.AvailabilityAvailable, d.Availability)
	assert.Equal(t, 20.0, d.Speed)
	assert.Len(t, env.drain(eventbus.TopicDriverOnline), 1)
	assert.Equal(t, 1, env.registry.OnlineCount())
}

// TestUpdateLocation_RevivedDriverKeepsTrip tests that a driver swept mid trip comes back busy
func TestUpdateLocation_RevivedDriverKeepsTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)
	require.NoError(t, env.registry.Claim(ctx, "d1"))

	env.clock.Advance(11 * time.Minute)
	require.Equal(t, 1, env.registry.Sweep(ctx))

	d, err := env.registry.UpdateLocation(ctx, "d1", LocationUpdate{Location: geo.Location{Point: center}})
	require.NoError(t, err)
	assert.True(t, d.Online)
	assert.Equal(t, driver.AvailabilityBusy, d.Availability)

	found, err := env.registry.Nearby(ctx, Query{Center: center})
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.ErrorIs(t, env.registry.Claim(ctx, "d1"), driver.ErrDriverNotAvailable)

	require.NoError(t, env.registry.CompleteTrip(ctx, "d1"))
	d, err = env.registry.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, driver.AvailabilityAvailable, d.Availability)
	assert.Equal(t, 1, d.TotalTrips)
}

// TestSetOnline_AfterOfflineMidTrip tests going offline and back on during a trip
func TestSetOnline_AfterOfflineMidTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)
	require.NoError(t, env.registry.Claim(ctx, "d1"))
	_, err := env.registry.SetOffline(ctx, "d1")
	require.NoError(t, err)

	goOnline(t, env, "d1", driver.VehicleSedan, center)
	d, err := env.registry.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, driver.AvailabilityBusy, d.Availability)

	_, err = env.registry.SetAvailability(ctx, "d1", driver.AvailabilityAvailable)
	assert.ErrorIs(t, err, driver.ErrDriverNotAvailable)

	require.NoError(t, env.registry.Release(ctx, "d1"))
	d, err = env.registry.SetAvailability(ctx, "d1", driver.AvailabilityAvailable)
	require.NoError(t, err)
	assert.Equal(t, driver.AvailabilityAvailable, d.Availability)
}

// TestUpdateLocation_UnknownDriver tests reports for drivers never seen
func TestUpdateLocation_UnknownDriver(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.registry.UpdateLocation(context.Background(), "ghost", LocationUpdate{Location: geo.Location{Point: center}})
	assert.ErrorIs(t, err, driver.ErrDriverNotFound)
}

// TestHistory_KeepsNewestSamples tests the bounded location trail
func TestHistory_KeepsNewestSamples(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleAuto, center)

	for i := 1; i <= 150; i++ {
		env.clock.Advance(time.Second)
		_, err := env.registry.UpdateLocation(ctx, "d1", LocationUpdate{
			Location: geo.Location{Point: center, Timestamp: env.clock.Now()},
			Speed:    float64(i),
		})
		require.NoError(t, err)
	}

	all, err := env.registry.History(ctx, "d1", 1000)
	require.NoError(t, err)
	require.Len(t, all, driver.HistoryCapacity)
	assert.Equal(t, 51.0, all[0].Speed)
	assert.Equal(t, 150.0, all[len(all)-1].Speed)

	recent, err := env.registry.History(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Len(t, recent, driver.DefaultHistoryLimit)
}

// TestNearby_Filters tests class, availability and exclusion filtering
func TestNearby_Filters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	goOnline(t, env, "near-sedan", driver.VehicleSedan, offset(center, 0.5))
	goOnline(t, env, "mid-sedan", driver.VehicleSedan, offset(center, 1.5))
	goOnline(t, env, "far-sedan", driver.VehicleSedan, offset(center, 8))
	goOnline(t, env, "auto", driver.VehicleAuto, offset(center, 0.2))
	goOnline(t, env, "busy-sedan", driver.VehicleSedan, offset(center, 0.1))
	require.NoError(t, env.registry.Claim(ctx, "busy-sedan"))

	tests := []struct {
		name     string
		query    Query
		expected []string
	}{
		{
			name:     "Class filter skips busy and far",
			query:    Query{Center: center, RadiusKM: 5, VehicleClass: driver.VehicleSedan},
			expected: []string{"near-sedan", "mid-sedan"},
		},
		{
			name:     "Any class",
			query:    Query{Center: center, RadiusKM: 5},
			expected: []string{"auto", "near-sedan", "mid-sedan"},
		},
		{
			name:     "Exclusion",
			query:    Query{Center: center, RadiusKM: 5, VehicleClass: driver.VehicleSedan, Exclude: []string{"near-sedan"}},
			expected: []string{"mid-sedan"},
		},
		{
			name:     "Limit",
			query:    Query{Center: center, RadiusKM: 10, VehicleClass: driver.VehicleSedan, Limit: 1},
			expected: []string{"near-sedan"},
		},
		{
			name:     "Wide radius",
			query:    Query{Center: center, RadiusKM: 10, VehicleClass: driver.VehicleSedan},
			expected: []string{"near-sedan", "mid-sedan", "far-sedan"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := env.registry.Nearby(ctx, tt.query)
			require.NoError(t, err)

			ids := make([]string, 0, len(found))
			for _, c := range found {
				ids = append(ids, c.Driver.ID)
				assert.Equal(t, geo.Round2(c.DistanceKM), c.DistanceKM)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

// TestClaim_ConcurrentSingleWinner tests that only one claim succeeds
func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.registry.Claim(ctx, "d1"); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, driver.ErrDriverNotAvailable)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	d, err := env.registry.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, driver.AvailabilityBusy, d.Availability)
}

// TestCompleteTrip tests the trip counter and availability reset
func TestCompleteTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)
	require.NoError(t, env.registry.Claim(ctx, "d1"))

	require.NoError(t, env.registry.CompleteTrip(ctx, "d1"))

	d, err := env.registry.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.TotalTrips)
	assert.Equal(t, driver.AvailabilityAvailable, d.Availability)
}

// TestRelease_OfflineDriverStaysOffline tests releasing a driver who went offline mid trip
func TestRelease_OfflineDriverStaysOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)
	require.NoError(t, env.registry.Claim(ctx, "d1"))
	_, err := env.registry.SetOffline(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, env.registry.Release(ctx, "d1"))

	d, err := env.registry.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, driver.AvailabilityOffline, d.Availability)
}

// TestSetAvailability tests manual availability changes
func TestSetAvailability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	goOnline(t, env, "d1", driver.VehicleSedan, center)
	env.drain("")

	d, err := env.registry.SetAvailability(ctx, "d1", driver.AvailabilityOffline)
	require.NoError(t, err)
	assert.False(t, d.Online)
	assert.Len(t, env.drain(eventbus.TopicDriverOffline), 1)

	found, err := env.registry.Nearby(ctx, Query{Center: center})
	require.NoError(t, err)
	assert.Empty(t, found)

	d, err = env.registry.SetAvailability(ctx, "d1", driver.AvailabilityAvailable)
	require.NoError(t, err)
	assert.True(t, d.Online)
	assert.Len(t, env.drain(eventbus.TopicDriverStatusUpdate), 1)

	found, err = env.registry.Nearby(ctx, Query{Center: center})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = env.registry.SetAvailability(ctx, "d1", "napping")
	assert.ErrorIs(t, err, driver.ErrInvalidAvailability)
}

// TestConcurrentUpdates tests many drivers reporting while dispatch queries run
func TestConcurrentUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const drivers = 50

	for i := 0; i < drivers; i++ {
		goOnline(t, env, fmt.Sprintf("d%d", i), driver.VehicleSedan, offset(center, float64(i)/20))
	}

	var wg sync.WaitGroup
	for i := 0; i < drivers; i++ {
		wg.Add(2)
		id := fmt.Sprintf("d%d", i)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := env.registry.UpdateLocation(ctx, id, LocationUpdate{Location: geo.Location{Point: offset(center, float64(j)/10)}})
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := env.registry.Nearby(ctx, Query{Center: center, VehicleClass: driver.VehicleSedan})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, drivers, env.registry.OnlineCount())
}
