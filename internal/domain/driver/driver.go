package driver

import (
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// Availability represents whether a driver can take a new ride
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityOffline   Availability = "offline"
)

// VehicleClass represents the class of vehicle a driver operates
type VehicleClass string

const (
	VehicleBikeDirect   VehicleClass = "bike_direct"
	VehicleAuto         VehicleClass = "auto"
	VehicleAutoPriority VehicleClass = "auto_priority"
	VehicleCabNonAC     VehicleClass = "cab_non_ac"
	VehicleCabAC        VehicleClass = "cab_ac"
	VehicleCabACSedan   VehicleClass = "cab_ac_sedan"
	VehicleCabPremium   VehicleClass = "cab_premium"
	VehicleCabXL        VehicleClass = "cab_xl"
	VehicleAutoPet      VehicleClass = "auto_pet"
	VehicleSedan        VehicleClass = "sedan"
	VehicleSUV          VehicleClass = "suv"
	VehicleHatchback    VehicleClass = "hatchback"
	VehicleLuxury       VehicleClass = "luxury"
)

// VehicleClasses lists every supported class in display order
var VehicleClasses = []VehicleClass{
	VehicleBikeDirect,
	VehicleAuto,
	VehicleAutoPriority,
	VehicleCabNonAC,
	VehicleCabAC,
	VehicleCabACSedan,
	VehicleCabPremium,
	VehicleCabXL,
	VehicleAutoPet,
	VehicleSedan,
	VehicleSUV,
	VehicleHatchback,
	VehicleLuxury,
}

// Driver is a point-in-time view of a driver as tracked by the registry
type Driver struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	Location     *geo.Location `json:"location,omitempty"`
	Availability Availability  `json:"availability"`
	Online       bool          `json:"online"`
	Speed        float64       `json:"speed,omitempty"`
	Heading      float64       `json:"heading,omitempty"`
	TotalTrips   int           `json:"total_trips"`
	LastSeen     time.Time     `json:"last_seen"`
}

// IsValid validates the availability state
func (a Availability) IsValid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityOffline:
		return true
	}
	return false
}

// IsValid validates the vehicle class
func (v VehicleClass) IsValid() bool {
	for _, c := range VehicleClasses {
		if c == v {
			return true
		}
	}
	return false
}

// CanAcceptRides returns true if driver can be offered a new ride
func (d *Driver) CanAcceptRides() bool {
	return d.Online && d.Availability == AvailabilityAvailable && d.Location != nil
}

// SetLocation records a new position and marks the driver as seen
func (d *Driver) SetLocation(loc geo.Location, speed, heading float64) {
	l := loc
	d.Location = &l
	d.Speed = speed
	d.Heading = heading
	d.LastSeen = loc.Timestamp
}

// SetAvailability updates availability and keeps Online consistent with it
func (d *Driver) SetAvailability(a Availability) error {
	if !a.IsValid() {
		return ErrInvalidAvailability
	}
	d.Availability = a
	d.Online = a != AvailabilityOffline
	return nil
}

// IsStale reports whether the driver has been silent longer than maxAge
func (d *Driver) IsStale(now time.Time, maxAge time.Duration) bool {
	return d.Online && now.Sub(d.LastSeen) > maxAge
}
