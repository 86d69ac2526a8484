package driver

import "github.com/gocomet/ride-dispatch/internal/domain/geo"

const (
	// HistoryCapacity is the number of samples kept per driver
	HistoryCapacity = 100
	// DefaultHistoryLimit is used when a caller asks for history without a limit
	DefaultHistoryLimit = 50
)

// LocationSample is one entry of a driver's location trail
type LocationSample struct {
	geo.Location
	Speed   float64 `json:"speed,omitempty"`
	Heading float64 `json:"heading,omitempty"`
}

// LocationHistory is a fixed-size ring buffer; the oldest sample is evicted on overflow.
// It is not safe for concurrent use; the owner serializes access.
type LocationHistory struct {
	samples []LocationSample
	next    int
	size    int
}

// NewLocationHistory creates a ring buffer holding up to capacity samples
func NewLocationHistory(capacity int) *LocationHistory {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &LocationHistory{samples: make([]LocationSample, capacity)}
}

// Push appends a sample, overwriting the oldest one when full
func (h *LocationHistory) Push(s LocationSample) {
	h.samples[h.next] = s
	h.next = (h.next + 1) % len(h.samples)
	if h.size < len(h.samples) {
		h.size++
	}
}

// Len returns the number of samples held
func (h *LocationHistory) Len() int {
	return h.size
}

// Recent returns up to limit of the newest samples, oldest first
func (h *LocationHistory) Recent(limit int) []LocationSample {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > h.size {
		limit = h.size
	}

	out := make([]LocationSample, limit)
	start := h.next - limit
	if start < 0 {
		start += len(h.samples)
	}
	for i := 0; i < limit; i++ {
		out[i] = h.samples[(start+i)%len(h.samples)]
	}
	return out
}
