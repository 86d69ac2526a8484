package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
)

// ConfigStore keeps exactly one active fare config per vehicle class.
// Readers get copies, so a config can be replaced while estimates are in flight.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[driver.VehicleClass]fare.Config
	now     func() time.Time
}

// NewConfigStore creates an empty store
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		configs: make(map[driver.VehicleClass]fare.Config),
		now:     time.Now,
	}
}

// Create adds a config for a class that has none yet
func (s *ConfigStore) Create(_ context.Context, cfg fare.Config) (fare.Config, error) {
	cfg, err := s.prepare(cfg)
	if err != nil {
		return fare.Config{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.VehicleClass]; exists {
		return fare.Config{}, fmt.Errorf("%w: %s", fare.ErrConfigExists, cfg.VehicleClass)
	}
	s.configs[cfg.VehicleClass] = cfg
	return cfg, nil
}

// Put creates or replaces the config for a class. The previous one stops being active.
func (s *ConfigStore) Put(_ context.Context, cfg fare.Config) (fare.Config, error) {
	cfg, err := s.prepare(cfg)
	if err != nil {
		return fare.Config{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs[cfg.VehicleClass] = cfg
	return cfg, nil
}

// Get returns the active config for a class
func (s *ConfigStore) Get(_ context.Context, class driver.VehicleClass) (fare.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[class]
	if !ok || !cfg.Active {
		return fare.Config{}, fmt.Errorf("%w: %s", fare.ErrConfigNotFound, class)
	}
	return cfg, nil
}

// Deactivate keeps the config on record but stops it from pricing trips
func (s *ConfigStore) Deactivate(_ context.Context, class driver.VehicleClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[class]
	if !ok {
		return fmt.Errorf("%w: %s", fare.ErrConfigNotFound, class)
	}
	cfg.Active = false
	cfg.UpdatedAt = s.now()
	s.configs[class] = cfg
	return nil
}

// List returns every config, active or not, ordered by class
func (s *ConfigStore) List(_ context.Context) []fare.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fare.Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleClass < out[j].VehicleClass })
	return out
}

func (s *ConfigStore) prepare(cfg fare.Config) (fare.Config, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fare.Config{}, err
	}
	cfg.Active = true
	cfg.UpdatedAt = s.now()
	cfg.Zones = append([]fare.ZonePolygon(nil), cfg.Zones...)
	return cfg, nil
}

// Seed loads configs into the store, replacing existing ones
func (s *ConfigStore) Seed(ctx context.Context, configs []fare.Config) error {
	for _, cfg := range configs {
		if _, err := s.Put(ctx, cfg); err != nil {
			return fmt.Errorf("seed %s: %w", cfg.VehicleClass, err)
		}
	}
	return nil
}

// LoadFile reads a JSON array of fare configs
func LoadFile(path string) ([]fare.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fare config file: %w", err)
	}
	var configs []fare.Config
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("parse fare config file: %w", err)
	}
	return configs, nil
}

// DefaultConfigs is the built-in price table used when no file is configured
func DefaultConfigs() []fare.Config {
	table := []struct {
		class     driver.VehicleClass
		base, km  float64
		perMinute float64
	}{
		{driver.VehicleBikeDirect, 15, 5, 1},
		{driver.VehicleAuto, 25, 9, 1.5},
		{driver.VehicleAutoPriority, 30, 10, 1.5},
		{driver.VehicleAutoPet, 35, 11, 1.5},
		{driver.VehicleCabNonAC, 40, 11, 2},
		{driver.VehicleHatchback, 45, 12, 2},
		{driver.VehicleCabAC, 50, 13, 2},
		{driver.VehicleCabACSedan, 55, 14, 2},
		{driver.VehicleSedan, 55, 14, 2},
		{driver.VehicleSUV, 70, 18, 2.5},
		{driver.VehicleCabXL, 80, 20, 2.5},
		{driver.VehicleCabPremium, 90, 22, 3},
		{driver.VehicleLuxury, 150, 35, 5},
	}

	out := make([]fare.Config, 0, len(table))
	for _, row := range table {
		out = append(out, fare.Config{
			VehicleClass:  row.class,
			BaseFare:      row.base,
			PerKmRate:     row.km,
			PerMinuteRate: row.perMinute,
		})
	}
	return out
}
