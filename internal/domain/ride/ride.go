package ride

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// Status represents ride status
type Status string

const (
	StatusSearching      Status = "searching"
	StatusDriverAssigned Status = "driver_assigned"
	StatusDriverAccepted Status = "driver_accepted"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// IsValid validates the status
func (s Status) IsValid() bool {
	switch s {
	case StatusSearching, StatusDriverAssigned, StatusDriverAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Kind distinguishes passenger rides from deliveries. Both share one lifecycle.
type Kind string

const (
	KindRide     Kind = "ride"
	KindDelivery Kind = "delivery"
)

// DefaultSearchRadiusKM is the dispatch radius used when a request does not set one
const DefaultSearchRadiusKM = 5.0

// Ride represents a ride request and its dispatch state
type Ride struct {
	ID                 uuid.UUID           `json:"id"`
	RequesterID        string              `json:"requester_id"`
	Kind               Kind                `json:"kind"`
	Status             Status              `json:"status"`
	VehicleClass       driver.VehicleClass `json:"vehicle_class"`
	Pickup             geo.Location        `json:"pickup"`
	Dropoff            geo.Location        `json:"dropoff"`
	PickupAddress      string              `json:"pickup_address,omitempty"`
	DropoffAddress     string              `json:"dropoff_address,omitempty"`
	Notes              string              `json:"notes,omitempty"`
	FareEstimate       *float64            `json:"fare_estimate,omitempty"`
	SurgeMultiplier    float64             `json:"surge_multiplier,omitempty"`
	DistanceKM         float64             `json:"distance_km"`
	EstimatedMinutes   int                 `json:"estimated_minutes"`
	SearchRadiusKM     float64             `json:"search_radius_km"`
	AssignedDriver     *string             `json:"assigned_driver,omitempty"`
	Offers             []string            `json:"offers,omitempty"`
	Rejected           []string            `json:"rejected,omitempty"`
	OfferRound         int                 `json:"offer_round"`
	AssignmentAttempts int                 `json:"assignment_attempts"`
	Version            int                 `json:"version"`
	ScheduledTime      *time.Time          `json:"scheduled_time,omitempty"`
	DispatchedAt       *time.Time          `json:"dispatched_at,omitempty"`
	RequestedAt        time.Time           `json:"requested_at"`
	AssignedAt         *time.Time          `json:"assigned_at,omitempty"`
	AcceptedAt         *time.Time          `json:"accepted_at,omitempty"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	CancelledAt        *time.Time          `json:"cancelled_at,omitempty"`
	CancelledBy        string              `json:"cancelled_by,omitempty"`
	CancellationReason string              `json:"cancellation_reason,omitempty"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// IsTerminal reports whether no further transition is possible
func (r *Ride) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// IsOffered reports whether driverID holds an outstanding offer for this ride
func (r *Ride) IsOffered(driverID string) bool {
	return slices.Contains(r.Offers, driverID)
}

// HasRejected reports whether driverID is excluded from this ride
func (r *Ride) HasRejected(driverID string) bool {
	return slices.Contains(r.Rejected, driverID)
}

// IsAssignedTo reports whether driverID is the ride's accepted driver
func (r *Ride) IsAssignedTo(driverID string) bool {
	return r.AssignedDriver != nil && *r.AssignedDriver == driverID
}

// DriverID returns the assigned driver or an empty string
func (r *Ride) DriverID() string {
	if r.AssignedDriver == nil {
		return ""
	}
	return *r.AssignedDriver
}

// DueAt is the moment dispatch should start: the scheduled time if any, else the request time
func (r *Ride) DueAt() time.Time {
	if r.ScheduledTime != nil {
		return *r.ScheduledTime
	}
	return r.RequestedAt
}

// Clone returns a deep copy so a caller can mutate it without touching shared state
func (r *Ride) Clone() *Ride {
	c := *r
	c.FareEstimate = clonePtr(r.FareEstimate)
	c.AssignedDriver = clonePtr(r.AssignedDriver)
	c.Offers = slices.Clone(r.Offers)
	c.Rejected = slices.Clone(r.Rejected)
	c.ScheduledTime = clonePtr(r.ScheduledTime)
	c.DispatchedAt = clonePtr(r.DispatchedAt)
	c.AssignedAt = clonePtr(r.AssignedAt)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
