package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHaversine_IdenticalPoints tests that a point is zero km from itself
func TestHaversine_IdenticalPoints(t *testing.T) {
	points := []Point{
		{Longitude: 0, Latitude: 0},
		{Longitude: 77.5946, Latitude: 12.9716},
		{Longitude: -180, Latitude: -90},
		{Longitude: 180, Latitude: 90},
		{Longitude: -73.9857, Latitude: 40.7484},
	}

	for _, p := range points {
		assert.Equal(t, 0.0, Haversine(p, p), "distance of %s to itself", p)
	}
}

// TestHaversine_Symmetric tests that distance does not depend on argument order
func TestHaversine_Symmetric(t *testing.T) {
	pairs := [][2]Point{
		{{Longitude: 77.59, Latitude: 12.97}, {Longitude: 77.64, Latitude: 12.93}},
		{{Longitude: -0.1276, Latitude: 51.5072}, {Longitude: 2.3522, Latitude: 48.8566}},
		{{Longitude: 10, Latitude: -10}, {Longitude: -10, Latitude: 10}},
	}

	for _, pair := range pairs {
		assert.Equal(t, Haversine(pair[0], pair[1]), Haversine(pair[1], pair[0]))
	}
}

// TestHaversine_KnownDistance tests against a well known city pair
func TestHaversine_KnownDistance(t *testing.T) {
	london := Point{Longitude: -0.1276, Latitude: 51.5072}
	paris := Point{Longitude: 2.3522, Latitude: 48.8566}

	assert.InDelta(t, 343.5, Haversine(london, paris), 1.0)
}

// TestHaversine_Bangalore tests the dispatch scenario coordinates
func TestHaversine_Bangalore(t *testing.T) {
	pickup := Point{Longitude: 77.59, Latitude: 12.97}
	dropoff := Point{Longitude: 77.64, Latitude: 12.93}

	assert.InDelta(t, 7.01, Haversine(pickup, dropoff), 0.02)
}

// TestPoint_Validate tests coordinate range checks
func TestPoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		point   Point
		wantErr bool
	}{
		{name: "Valid", point: Point{Longitude: 77.59, Latitude: 12.97}},
		{name: "Edge values", point: Point{Longitude: 180, Latitude: -90}},
		{name: "Longitude too large", point: Point{Longitude: 180.1, Latitude: 0}, wantErr: true},
		{name: "Latitude too small", point: Point{Longitude: 0, Latitude: -90.5}, wantErr: true},
		{name: "NaN", point: Point{Longitude: math.NaN(), Latitude: 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCoordinates)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestNewPoint_KeepsLonLatOrder tests that coordinates round-trip as [lon, lat]
func TestNewPoint_KeepsLonLatOrder(t *testing.T) {
	p, err := NewPoint(77.59, 12.97)
	require.NoError(t, err)

	assert.Equal(t, [2]float64{77.59, 12.97}, p.Coordinates())
}

// TestEstimateMinutes tests the 30 km/h travel time estimate
func TestEstimateMinutes(t *testing.T) {
	assert.Equal(t, 0, EstimateMinutes(0))
	assert.Equal(t, 20, EstimateMinutes(10))
	assert.Equal(t, 14, EstimateMinutes(6.99))
}

// TestRound2 tests cent rounding
func TestRound2(t *testing.T) {
	assert.Equal(t, 75.92, Round2(75.9189))
	assert.Equal(t, 0.13, Round2(0.125))
	assert.Equal(t, -0.13, Round2(-0.125))
}

func square() Polygon {
	return Polygon{
		{Longitude: 0, Latitude: 0},
		{Longitude: 10, Latitude: 0},
		{Longitude: 10, Latitude: 10},
		{Longitude: 0, Latitude: 10},
	}
}

// TestPolygon_Contains tests ray casting on a simple square
func TestPolygon_Contains(t *testing.T) {
	closed := append(square(), Point{Longitude: 0, Latitude: 0})

	tests := []struct {
		name  string
		point Point
		want  bool
	}{
		{name: "Strictly inside", point: Point{Longitude: 5, Latitude: 5}, want: true},
		{name: "Near corner inside", point: Point{Longitude: 0.001, Latitude: 9.999}, want: true},
		{name: "Far outside", point: Point{Longitude: 50, Latitude: 50}, want: false},
		{name: "Left of polygon", point: Point{Longitude: -1, Latitude: 5}, want: false},
		{name: "On edge", point: Point{Longitude: 10, Latitude: 5}, want: false},
		{name: "On bottom edge", point: Point{Longitude: 5, Latitude: 0}, want: false},
		{name: "On vertex", point: Point{Longitude: 0, Latitude: 0}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, square().Contains(tt.point), "open ring")
			assert.Equal(t, tt.want, closed.Contains(tt.point), "closed ring")
		})
	}
}

// TestPolygon_BoundaryIsStable tests that the boundary rule gives the same answer every call
func TestPolygon_BoundaryIsStable(t *testing.T) {
	poly := square()
	edge := Point{Longitude: 0, Latitude: 3}

	first := poly.Contains(edge)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, poly.Contains(edge))
	}
	assert.False(t, first)
}

// TestPolygon_Concave tests a concave ring
func TestPolygon_Concave(t *testing.T) {
	// U shape opening upwards
	u := Polygon{
		{Longitude: 0, Latitude: 0},
		{Longitude: 6, Latitude: 0},
		{Longitude: 6, Latitude: 6},
		{Longitude: 4, Latitude: 6},
		{Longitude: 4, Latitude: 2},
		{Longitude: 2, Latitude: 2},
		{Longitude: 2, Latitude: 6},
		{Longitude: 0, Latitude: 6},
	}

	assert.True(t, u.Contains(Point{Longitude: 1, Latitude: 4}))
	assert.True(t, u.Contains(Point{Longitude: 5, Latitude: 4}))
	assert.False(t, u.Contains(Point{Longitude: 3, Latitude: 4}), "inside the notch")
}

// TestPolygon_Degenerate tests rings with too few vertices
func TestPolygon_Degenerate(t *testing.T) {
	assert.False(t, Polygon{}.Contains(Point{}))
	assert.False(t, Polygon{{Longitude: 0, Latitude: 0}, {Longitude: 1, Latitude: 1}}.Contains(Point{Longitude: 0.5, Latitude: 0.2}))
}
