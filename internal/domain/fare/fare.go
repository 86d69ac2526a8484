package fare

import (
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// Defaults applied to configs that leave a field unset
const (
	DefaultPerMinuteRate   = 2.0
	DefaultMinimumFare     = 50.0
	DefaultSurgeMultiplier = 1.0
)

var (
	ErrConfigNotFound = errors.New("no active fare config for vehicle class")
	ErrConfigExists   = errors.New("fare config already exists for vehicle class")
	ErrInvalidConfig  = errors.New("invalid fare config")
)

// ZonePolygon is a named area with its own surge multiplier
type ZonePolygon struct {
	Name            string      `json:"name"`
	Ring            geo.Polygon `json:"ring"`
	SurgeMultiplier float64     `json:"surge_multiplier"`
}

// Config is the pricing table for one vehicle class
type Config struct {
	VehicleClass    driver.VehicleClass `json:"vehicle_class"`
	BaseFare        float64             `json:"base_fare"`
	PerKmRate       float64             `json:"per_km_rate"`
	PerMinuteRate   float64             `json:"per_minute_rate"`
	MinimumFare     float64             `json:"minimum_fare"`
	SurgeMultiplier float64             `json:"surge_multiplier"`
	Zones           []ZonePolygon       `json:"zones,omitempty"`
	Active          bool                `json:"active"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// WithDefaults fills the optional fields the way the pricing team expects
func (c Config) WithDefaults() Config {
	if c.PerMinuteRate == 0 {
		c.PerMinuteRate = DefaultPerMinuteRate
	}
	if c.MinimumFare == 0 {
		c.MinimumFare = DefaultMinimumFare
	}
	if c.SurgeMultiplier == 0 {
		c.SurgeMultiplier = DefaultSurgeMultiplier
	}
	return c
}

// Validate checks rates and zone geometry
func (c Config) Validate() error {
	if !c.VehicleClass.IsValid() {
		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, driver.ErrInvalidVehicleClass, c.VehicleClass)
	}
	if c.BaseFare < 0 || c.PerKmRate < 0 || c.PerMinuteRate < 0 || c.MinimumFare < 0 {
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidConfig)
	}
	if c.SurgeMultiplier < 0 {
		return fmt.Errorf("%w: surge multiplier must not be negative", ErrInvalidConfig)
	}
	for _, z := range c.Zones {
		if z.SurgeMultiplier < 0 {
			return fmt.Errorf("%w: zone %q has a negative surge multiplier", ErrInvalidConfig, z.Name)
		}
		if err := z.Ring.Validate(); err != nil {
			return fmt.Errorf("%w: zone %q: %w", ErrInvalidConfig, z.Name, err)
		}
	}
	return nil
}

// SurgeFor returns the surge that applies to a dropoff and the zone that set it.
// The first zone in declared order wins; a zone surge of 0 falls back to the base.
func (c Config) SurgeFor(dropoff geo.Point) (float64, string) {
	for _, z := range c.Zones {
		if z.Ring.Contains(dropoff) {
			if z.SurgeMultiplier > 0 {
				return z.SurgeMultiplier, z.Name
			}
			return c.SurgeMultiplier, z.Name
		}
	}
	return c.SurgeMultiplier, ""
}

// Breakdown itemizes an estimate
type Breakdown struct {
	BaseFare       float64 `json:"base_fare"`
	DistanceFare   float64 `json:"distance_fare"`
	DurationFare   float64 `json:"duration_fare"`
	Subtotal       float64 `json:"subtotal"`
	MinimumApplied bool    `json:"minimum_applied"`
}

// Estimate is the priced result for one trip
type Estimate struct {
	VehicleClass     driver.VehicleClass `json:"vehicle_class"`
	Fare             float64             `json:"fare"`
	DistanceKM       float64             `json:"distance_km"`
	DurationMinutes  float64             `json:"duration_minutes"`
	EstimatedMinutes int                 `json:"estimated_minutes"`
	SurgeMultiplier  float64             `json:"surge_multiplier"`
	SurgeApplied     bool                `json:"surge_applied"`
	Zone             string              `json:"zone,omitempty"`
	Breakdown        Breakdown           `json:"breakdown"`
}
