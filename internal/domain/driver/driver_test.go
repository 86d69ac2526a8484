package driver

import (
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(i int) LocationSample {
	return LocationSample{
		Location: geo.At(geo.Point{Longitude: 77.5 + float64(i)*0.001, Latitude: 12.9}, time.Unix(int64(i), 0)),
		Speed:    float64(i),
	}
}

// TestLocationHistory_EvictsOldest tests that the buffer never grows past its capacity
func TestLocationHistory_EvictsOldest(t *testing.T) {
	h := NewLocationHistory(HistoryCapacity)
	for i := 0; i < 250; i++ {
		h.Push(sample(i))
	}

	assert.Equal(t, HistoryCapacity, h.Len())

	all := h.Recent(HistoryCapacity)
	require.Len(t, all, HistoryCapacity)
	assert.Equal(t, 150.0, all[0].Speed, "oldest kept sample")
	assert.Equal(t, 249.0, all[len(all)-1].Speed, "newest sample")
}

// TestLocationHistory_Recent tests limits and ordering
func TestLocationHistory_Recent(t *testing.T) {
	h := NewLocationHistory(5)
	for i := 0; i < 3; i++ {
		h.Push(sample(i))
	}

	tests := []struct {
		name   string
		limit  int
		speeds []float64
	}{
		{name: "Default limit", limit: 0, speeds: []float64{0, 1, 2}},
		{name: "Limit larger than size", limit: 10, speeds: []float64{0, 1, 2}},
		{name: "Newest two", limit: 2, speeds: []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Recent(tt.limit)
			speeds := make([]float64, len(got))
			for i, s := range got {
				speeds[i] = s.Speed
			}
			assert.Equal(t, tt.speeds, speeds)
		})
	}
}

// TestLocationHistory_RecentAfterWrap tests reading across the wrap point
func TestLocationHistory_RecentAfterWrap(t *testing.T) {
	h := NewLocationHistory(4)
	for i := 0; i < 6; i++ {
		h.Push(sample(i))
	}

	got := h.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{got[0].Speed, got[1].Speed, got[2].Speed})
}

// TestDriver_SetAvailability tests that online follows availability
func TestDriver_SetAvailability(t *testing.T) {
	tests := []struct {
		availability Availability
		online       bool
	}{
		{AvailabilityAvailable, true},
		{AvailabilityBusy, true},
		{AvailabilityOffline, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.availability), func(t *testing.T) {
			d := &Driver{}
			require.NoError(t, d.SetAvailability(tt.availability))
			assert.Equal(t, tt.online, d.Online)
		})
	}

	d := &Driver{}
	assert.ErrorIs(t, d.SetAvailability("napping"), ErrInvalidAvailability)
}

// TestDriver_CanAcceptRides tests the eligibility predicate
func TestDriver_CanAcceptRides(t *testing.T) {
	loc := geo.At(geo.Point{Longitude: 77.59, Latitude: 12.97}, time.Now())

	d := &Driver{Online: true, Availability: AvailabilityAvailable}
	assert.False(t, d.CanAcceptRides(), "no location yet")

	d.SetLocation(loc, 0, 0)
	assert.True(t, d.CanAcceptRides())

	d.Availability = AvailabilityBusy
	assert.False(t, d.CanAcceptRides())
}

// TestDriver_IsStale tests the staleness predicate
func TestDriver_IsStale(t *testing.T) {
	now := time.Now()
	d := &Driver{Online: true, LastSeen: now.Add(-11 * time.Minute)}

	assert.True(t, d.IsStale(now, 10*time.Minute))
	assert.False(t, d.IsStale(now, 15*time.Minute))

	d.Online = false
	assert.False(t, d.IsStale(now, 10*time.Minute), "offline drivers are never stale")
}

// TestVehicleClass_IsValid tests the class list
func TestVehicleClass_IsValid(t *testing.T) {
	for _, c := range VehicleClasses {
		assert.True(t, c.IsValid(), c)
	}
	assert.False(t, VehicleClass("spaceship").IsValid())
}
