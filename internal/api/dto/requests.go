package dto

import (
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// Point is a coordinate pair in a request body
type Point struct {
	Longitude *float64 `json:"longitude" binding:"required"`
	Latitude  *float64 `json:"latitude" binding:"required"`
}

// Geo converts the pair; callers validate ranges downstream
func (p Point) Geo() geo.Point {
	var out geo.Point
	if p.Longitude != nil {
		out.Longitude = *p.Longitude
	}
	if p.Latitude != nil {
		out.Latitude = *p.Latitude
	}
	return out
}

// CreateRideRequest represents a request to create a new ride
type CreateRideRequest struct {
	RequesterID    string              `json:"requester_id"`
	Kind           ride.Kind           `json:"kind"`
	Pickup         Point               `json:"pickup"`
	Dropoff        Point               `json:"dropoff"`
	PickupAddress  string              `json:"pickup_address"`
	DropoffAddress string              `json:"dropoff_address"`
	VehicleClass   driver.VehicleClass `json:"vehicle_class" binding:"required"`
	ScheduledTime  *time.Time          `json:"scheduled_time"`
	Notes          string              `json:"notes" binding:"max=500"`
	SearchRadiusKM float64             `json:"search_radius_km" binding:"gte=0"`
}

// CancelRideRequest carries an optional cancellation reason
type CancelRideRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

// FareEstimateRequest prices a trip without creating a ride
type FareEstimateRequest struct {
	Pickup          Point               `json:"pickup"`
	Dropoff         Point               `json:"dropoff"`
	VehicleClass    driver.VehicleClass `json:"vehicle_class" binding:"required"`
	DurationMinutes float64             `json:"duration_minutes" binding:"gte=0"`
}

// FareConfigRequest replaces the pricing table of the class in the path
type FareConfigRequest struct {
	BaseFare        float64            `json:"base_fare" binding:"gte=0"`
	PerKmRate       float64            `json:"per_km_rate" binding:"gte=0"`
	PerMinuteRate   float64            `json:"per_minute_rate" binding:"gte=0"`
	MinimumFare     float64            `json:"minimum_fare" binding:"gte=0"`
	SurgeMultiplier float64            `json:"surge_multiplier" binding:"gte=0"`
	Zones           []fare.ZonePolygon `json:"zones"`
}

// Config builds the domain config for class
func (r FareConfigRequest) Config(class driver.VehicleClass) fare.Config {
	return fare.Config{
		VehicleClass:    class,
		BaseFare:        r.BaseFare,
		PerKmRate:       r.PerKmRate,
		PerMinuteRate:   r.PerMinuteRate,
		MinimumFare:     r.MinimumFare,
		SurgeMultiplier: r.SurgeMultiplier,
		Zones:           r.Zones,
	}
}

// CreateFareConfigRequest adds the pricing table for a class that has none
type CreateFareConfigRequest struct {
	VehicleClass driver.VehicleClass `json:"vehicle_class" binding:"required"`
	FareConfigRequest
}

// GoOnlineRequest brings the calling driver online
type GoOnlineRequest struct {
	Name         string              `json:"name"`
	VehicleClass driver.VehicleClass `json:"vehicle_class" binding:"required"`
	Location     Point               `json:"location"`
}

// UpdateLocationRequest represents a driver location update
type UpdateLocationRequest struct {
	Longitude *float64   `json:"longitude" binding:"required"`
	Latitude  *float64   `json:"latitude" binding:"required"`
	Speed     float64    `json:"speed" binding:"gte=0"`
	Heading   float64    `json:"heading" binding:"gte=0,lt=360"`
	Timestamp *time.Time `json:"timestamp"`
}

// Point returns the reported coordinates
func (r UpdateLocationRequest) Point() geo.Point {
	return Point{Longitude: r.Longitude, Latitude: r.Latitude}.Geo()
}

// AvailabilityRequest sets the calling driver's availability
type AvailabilityRequest struct {
	Availability driver.Availability `json:"availability" binding:"required"`
}
