package monitoring

import (
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// Config holds New Relic configuration
type Config struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

// NewRelicApp wraps the New Relic application. A disabled app accepts every
// call and does nothing, so callers never need to check IsEnabled.
type NewRelicApp struct {
	*newrelic.Application
	enabled bool
}

// New creates a new New Relic application
func New(cfg Config) (*NewRelicApp, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return &NewRelicApp{nil, false}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	return &NewRelicApp{app, true}, nil
}

// StartTransaction starts a new transaction, or returns nil when disabled
func (nr *NewRelicApp) StartTransaction(name string) *newrelic.Transaction {
	if !nr.IsEnabled() {
		return nil
	}
	return nr.Application.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (nr *NewRelicApp) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if !nr.IsEnabled() {
		return
	}
	nr.Application.RecordCustomEvent(eventType, params)
}

// RecordCustomMetric records a custom metric
func (nr *NewRelicApp) RecordCustomMetric(name string, value float64) {
	if !nr.IsEnabled() {
		return
	}
	nr.Application.RecordCustomMetric(name, value)
}

// Shutdown gracefully shuts down the New Relic application
func (nr *NewRelicApp) Shutdown(timeout time.Duration) {
	if !nr.IsEnabled() {
		return
	}
	nr.Application.Shutdown(timeout)
}

// IsEnabled returns whether New Relic is enabled
func (nr *NewRelicApp) IsEnabled() bool {
	return nr != nil && nr.enabled && nr.Application != nil
}

// Recorder implementation

func (nr *NewRelicApp) RideRequested(vehicleClass string) {
	nr.RecordCustomEvent("RideRequested", map[string]interface{}{
		"vehicle_class": vehicleClass,
	})
}

func (nr *NewRelicApp) DispatchCompleted(outcome string, latency time.Duration) {
	nr.RecordCustomMetric("custom/dispatch/latency_ms", float64(latency.Milliseconds()))
	nr.RecordCustomMetric("custom/dispatch/"+outcome, 1)
}

func (nr *NewRelicApp) OffersSent(n int) {
	nr.RecordCustomMetric("custom/dispatch/offers_sent", float64(n))
}

func (nr *NewRelicApp) AcceptConflict() {
	nr.RecordCustomMetric("custom/ride/accept_conflict", 1)
}

func (nr *NewRelicApp) RideCompleted(vehicleClass string, fare, distanceKM float64) {
	nr.RecordCustomEvent("RideCompleted", map[string]interface{}{
		"vehicle_class": vehicleClass,
		"fare":          fare,
		"distance_km":   distanceKM,
	})
}

func (nr *NewRelicApp) RideCancelled(reason string) {
	nr.RecordCustomEvent("RideCancelled", map[string]interface{}{
		"reason": reason,
	})
}

func (nr *NewRelicApp) DriversOnline(n int) {
	nr.RecordCustomMetric("custom/driver/online", float64(n))
}

func (nr *NewRelicApp) LocationUpdate() {
	nr.RecordCustomMetric("custom/driver/location_update", 1)
}

func (nr *NewRelicApp) SurgeApplied(vehicleClass string, multiplier float64) {
	nr.RecordCustomMetric(fmt.Sprintf("custom/pricing/surge_multiplier/%s", vehicleClass), multiplier)
}

func (nr *NewRelicApp) EventDropped(topic string) {
	nr.RecordCustomMetric("custom/events/dropped/"+topic, 1)
}
