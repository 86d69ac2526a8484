package monitoring

import "time"

// Dispatch outcomes recorded by DispatchCompleted
const (
	OutcomeOffered   = "offered"
	OutcomeNoDrivers = "no_drivers"
)

// Recorder receives the dispatch core's operational signals. Implementations
// must be safe for concurrent use and must not block.
type Recorder interface {
	RideRequested(vehicleClass string)
	DispatchCompleted(outcome string, latency time.Duration)
	OffersSent(n int)
	AcceptConflict()
	RideCompleted(vehicleClass string, fare, distanceKM float64)
	RideCancelled(reason string)
	DriversOnline(n int)
	LocationUpdate()
	SurgeApplied(vehicleClass string, multiplier float64)
	EventDropped(topic string)
}

// Nop discards everything
type Nop struct{}

func (Nop) RideRequested(string)                    {}
func (Nop) DispatchCompleted(string, time.Duration) {}
func (Nop) OffersSent(int)                          {}
func (Nop) AcceptConflict()                         {}
func (Nop) RideCompleted(string, float64, float64)  {}
func (Nop) RideCancelled(string)                    {}
func (Nop) DriversOnline(int)                       {}
func (Nop) LocationUpdate()                         {}
func (Nop) SurgeApplied(string, float64)            {}
func (Nop) EventDropped(string)                     {}

// Multi fans every signal out to several recorders
type Multi []Recorder

func (m Multi) RideRequested(vehicleClass string) {
	for _, r := range m {
		r.RideRequested(vehicleClass)
	}
}

func (m Multi) DispatchCompleted(outcome string, latency time.Duration) {
	for _, r := range m {
		r.DispatchCompleted(outcome, latency)
	}
}

func (m Multi) OffersSent(n int) {
	for _, r := range m {
		r.OffersSent(n)
	}
}

func (m Multi) AcceptConflict() {
	for _, r := range m {
		r.AcceptConflict()
	}
}

func (m Multi) RideCompleted(vehicleClass string, fare, distanceKM float64) {
	for _, r := range m {
		r.RideCompleted(vehicleClass, fare, distanceKM)
	}
}

func (m Multi) RideCancelled(reason string) {
	for _, r := range m {
		r.RideCancelled(reason)
	}
}

func (m Multi) DriversOnline(n int) {
	for _, r := range m {
		r.DriversOnline(n)
	}
}

func (m Multi) LocationUpdate() {
	for _, r := range m {
		r.LocationUpdate()
	}
}

func (m Multi) SurgeApplied(vehicleClass string, multiplier float64) {
	for _, r := range m {
		r.SurgeApplied(vehicleClass, multiplier)
	}
}

func (m Multi) EventDropped(topic string) {
	for _, r := range m {
		r.EventDropped(topic)
	}
}

// OrNop returns r, or Nop when r is nil
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
