// Package geo holds the coordinate types shared by the dispatch core together
// with great-circle distance and polygon containment.
package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// EarthRadiusKM is the mean Earth radius used by Haversine.
const EarthRadiusKM = 6371.0

// AverageCitySpeedKMH is used to turn a distance into a rough travel time.
const AverageCitySpeedKMH = 30.0

var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Point is a WGS84 position. Coordinates are always handled in [lon, lat] order.
type Point struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// NewPoint builds a validated point from a [lon, lat] pair.
func NewPoint(lon, lat float64) (Point, error) {
	p := Point{Longitude: lon, Latitude: lat}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// Validate checks the coordinate ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Longitude) || math.IsNaN(p.Latitude) {
		return fmt.Errorf("%w: NaN component", ErrInvalidCoordinates)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range", ErrInvalidCoordinates, p.Longitude)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range", ErrInvalidCoordinates, p.Latitude)
	}
	return nil
}

// Coordinates returns the point as a [lon, lat] pair.
func (p Point) Coordinates() [2]float64 {
	return [2]float64{p.Longitude, p.Latitude}
}

func (p Point) String() string {
	return fmt.Sprintf("[%.6f, %.6f]", p.Longitude, p.Latitude)
}

// Location is a point observed at a given time.
type Location struct {
	Point
	Timestamp time.Time `json:"timestamp"`
}

// At stamps a point with a time.
func At(p Point, ts time.Time) Location {
	return Location{Point: p, Timestamp: ts}
}

// Haversine returns the great-circle distance between a and b in kilometers.
func Haversine(a, b Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * EarthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// EstimateMinutes converts a distance into whole minutes at average city speed.
func EstimateMinutes(distanceKM float64) int {
	if distanceKM <= 0 {
		return 0
	}
	return int(math.Round(distanceKM / AverageCitySpeedKMH * 60))
}

// Round2 rounds to two decimals, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
