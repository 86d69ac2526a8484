package monitoring

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the dispatch core's signals as Prometheus collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	RidesRequested  *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	DispatchLatency prometheus.Histogram
	Offers          prometheus.Counter
	AcceptConflicts prometheus.Counter
	RidesCompleted  *prometheus.CounterVec
	RidesCancelled  *prometheus.CounterVec
	Drivers         prometheus.Gauge
	LocationUpdates prometheus.Counter
	Surge           *prometheus.GaugeVec
	EventsDropped   *prometheus.CounterVec
}

// NewMetrics registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice against the same registry reuses the
// existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error

	if m.RidesRequested, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rides_requested_total",
		Help: "Rides requested, labeled by vehicle class.",
	}, []string{"vehicle_class"})); err != nil {
		return nil, err
	}
	if m.Dispatches, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_attempts_total",
		Help: "Dispatch rounds, labeled by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.DispatchLatency, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_latency_seconds",
		Help:    "Time to find candidates and publish offers for one dispatch round.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})); err != nil {
		return nil, err
	}
	if m.Offers, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_sent_total",
		Help: "Ride offers sent to candidate drivers.",
	})); err != nil {
		return nil, err
	}
	if m.AcceptConflicts, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accept_conflicts_total",
		Help: "Accept attempts that lost the race to another driver.",
	})); err != nil {
		return nil, err
	}
	if m.RidesCompleted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rides_completed_total",
		Help: "Completed rides, labeled by vehicle class.",
	}, []string{"vehicle_class"})); err != nil {
		return nil, err
	}
	if m.RidesCancelled, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rides_cancelled_total",
		Help: "Cancelled rides, labeled by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.Drivers, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_drivers_online",
		Help: "Drivers currently online.",
	})); err != nil {
		return nil, err
	}
	if m.LocationUpdates, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_driver_location_updates_total",
		Help: "Driver location updates accepted by the registry.",
	})); err != nil {
		return nil, err
	}
	if m.Surge, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_surge_multiplier",
		Help: "Last surge multiplier applied, labeled by vehicle class.",
	}, []string{"vehicle_class"})); err != nil {
		return nil, err
	}
	if m.EventsDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full, labeled by topic.",
	}, []string{"topic"})); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler exposes a ready-to-use /metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RideRequested(vehicleClass string) {
	m.RidesRequested.WithLabelValues(vehicleClass).Inc()
}

func (m *Metrics) DispatchCompleted(outcome string, latency time.Duration) {
	m.Dispatches.WithLabelValues(outcome).Inc()
	m.DispatchLatency.Observe(latency.Seconds())
}

func (m *Metrics) OffersSent(n int) {
	m.Offers.Add(float64(n))
}

func (m *Metrics) AcceptConflict() {
	m.AcceptConflicts.Inc()
}

func (m *Metrics) RideCompleted(vehicleClass string, _, _ float64) {
	m.RidesCompleted.WithLabelValues(vehicleClass).Inc()
}

func (m *Metrics) RideCancelled(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	m.RidesCancelled.WithLabelValues(reason).Inc()
}

func (m *Metrics) DriversOnline(n int) {
	m.Drivers.Set(float64(n))
}

func (m *Metrics) LocationUpdate() {
	m.LocationUpdates.Inc()
}

func (m *Metrics) SurgeApplied(vehicleClass string, multiplier float64) {
	m.Surge.WithLabelValues(vehicleClass).Set(multiplier)
}

func (m *Metrics) EventDropped(topic string) {
	m.EventsDropped.WithLabelValues(topic).Inc()
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
