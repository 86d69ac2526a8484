package pricing

import (
	"context"
	"fmt"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

// ConfigSource resolves the active fare config for a vehicle class
type ConfigSource interface {
	Get(ctx context.Context, class driver.VehicleClass) (fare.Config, error)
}

// Service is the fare engine
type Service struct {
	configs  ConfigSource
	logger   *logger.Logger
	recorder monitoring.Recorder
}

// Request describes one trip to price
type Request struct {
	Pickup          geo.Point
	Dropoff         geo.Point
	VehicleClass    driver.VehicleClass
	DurationMinutes float64
}

// NewService creates a new pricing service
func NewService(configs ConfigSource, log *logger.Logger, recorder monitoring.Recorder) *Service {
	return &Service{
		configs:  configs,
		logger:   log,
		recorder: monitoring.OrNop(recorder),
	}
}

// Estimate prices a trip with the class's active config
func (s *Service) Estimate(ctx context.Context, req Request) (*fare.Estimate, error) {
	if err := req.Pickup.Validate(); err != nil {
		return nil, fmt.Errorf("pickup: %w", err)
	}
	if err := req.Dropoff.Validate(); err != nil {
		return nil, fmt.Errorf("dropoff: %w", err)
	}
	if req.DurationMinutes < 0 {
		return nil, fmt.Errorf("%w: negative duration", fare.ErrInvalidConfig)
	}

	cfg, err := s.configs.Get(ctx, req.VehicleClass)
	if err != nil {
		return nil, err
	}

	distance := geo.Haversine(req.Pickup, req.Dropoff)
	est := Calculate(cfg, distance, req.DurationMinutes, req.Dropoff)

	s.recorder.SurgeApplied(string(req.VehicleClass), est.SurgeMultiplier)
	s.logger.Debug("Fare estimated",
		logger.String("vehicle_class", string(req.VehicleClass)),
		logger.Float64("distance_km", est.DistanceKM),
		logger.Float64("surge", est.SurgeMultiplier),
		logger.String("zone", est.Zone),
		logger.Float64("fare", est.Fare),
	)
	return est, nil
}

// Calculate applies the fare pipeline: base + distance + time, times the
// dropoff's surge, floored at the minimum fare, rounded to cents.
func Calculate(cfg fare.Config, distanceKM, durationMinutes float64, dropoff geo.Point) *fare.Estimate {
	distanceFare := distanceKM * cfg.PerKmRate
	durationFare := durationMinutes * cfg.PerMinuteRate
	subtotal := cfg.BaseFare + distanceFare + durationFare

	surge, zone := cfg.SurgeFor(dropoff)
	total := subtotal * surge

	minimumApplied := false
	if total < cfg.MinimumFare {
		total = cfg.MinimumFare
		minimumApplied = true
	}

	return &fare.Estimate{
		VehicleClass:     cfg.VehicleClass,
		Fare:             geo.Round2(total),
		DistanceKM:       geo.Round2(distanceKM),
		DurationMinutes:  durationMinutes,
		EstimatedMinutes: geo.EstimateMinutes(distanceKM),
		SurgeMultiplier:  surge,
		SurgeApplied:     surge > 1,
		Zone:             zone,
		Breakdown: fare.Breakdown{
			BaseFare:       geo.Round2(cfg.BaseFare),
			DistanceFare:   geo.Round2(distanceFare),
			DurationFare:   geo.Round2(durationFare),
			Subtotal:       geo.Round2(subtotal),
			MinimumApplied: minimumApplied,
		},
	}
}
