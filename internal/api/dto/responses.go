package dto

import (
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// RideList wraps a page of rides
type RideList struct {
	Rides []*ride.Ride `json:"rides"`
	Count int          `json:"count"`
}

// NewRideList builds a list response; an empty result encodes as []
func NewRideList(rides []*ride.Ride) RideList {
	if rides == nil {
		rides = []*ride.Ride{}
	}
	return RideList{Rides: rides, Count: len(rides)}
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status        string `json:"status"`
	DriversOnline int    `json:"drivers_online"`
	Connections   int    `json:"websocket_connections"`
}
