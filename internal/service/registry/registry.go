// Package registry owns the live state of every driver known to this process:
// profile, position, availability and a short location trail. Writes to one
// driver are serialized by that driver's own lock; different drivers never
// contend. Every position change is mirrored into the spatial index.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/service/geoindex"
	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

const (
	DefaultStaleAfter  = 10 * time.Minute
	DefaultNearbyLimit = 20
	DefaultRadiusKM    = 5.0
)

// Options tunes the registry
type Options struct {
	StaleAfter      time.Duration
	HistoryCapacity int
	NearbyLimit     int
	Now             func() time.Time
}

// Profile is the identity a driver presents when going online
type Profile struct {
	ID           string
	Name         string
	VehicleClass driver.VehicleClass
}

// LocationUpdate is one position report
type LocationUpdate struct {
	Location geo.Location
	Speed    float64
	Heading  float64
}

// Query selects drivers around a point
type Query struct {
	Center       geo.Point
	RadiusKM     float64
	VehicleClass driver.VehicleClass
	Limit        int
	Exclude      []string
}

// Candidate is a driver eligible for an offer
type Candidate struct {
	Driver     driver.Driver `json:"driver"`
	DistanceKM float64       `json:"distance_km"`
}

// StatusChange is the payload of driver status events
type StatusChange struct {
	DriverID     string              `json:"driver_id"`
	Availability driver.Availability `json:"availability"`
	Previous     driver.Availability `json:"previous,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

// LocationChange is the payload of driver:location:update
type LocationChange struct {
	DriverID string       `json:"driver_id"`
	Location geo.Location `json:"location"`
	Speed    float64      `json:"speed,omitempty"`
	Heading  float64      `json:"heading,omitempty"`
}

type entry struct {
	mu      sync.Mutex
	driver  driver.Driver
	history *driver.LocationHistory
	// onTrip is set by Claim and cleared by Release or CompleteTrip. It
	// survives offline spells so a returning driver stays busy.
	onTrip bool
}

// resumed is the availability a driver returns to after being offline
func (e *entry) resumed() driver.Availability {
	if e.onTrip {
		return driver.AvailabilityBusy
	}
	return driver.AvailabilityAvailable
}

// Registry is the process-wide driver registry
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*entry

	index    geoindex.Index
	bus      eventbus.Publisher
	logger   *logger.Logger
	recorder monitoring.Recorder
	opts     Options
	online   atomic.Int64
}

// New creates a registry backed by the given spatial index
func New(index geoindex.Index, bus eventbus.Publisher, log *logger.Logger, recorder monitoring.Recorder, opts Options) *Registry {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = driver.HistoryCapacity
	}
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = DefaultNearbyLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		drivers:  make(map[string]*entry),
		index:    index,
		bus:      bus,
		logger:   log,
		recorder: monitoring.OrNop(recorder),
		opts:     opts,
	}
}

// SetOnline registers a driver (or refreshes its profile) at a position and
// makes it available. A driver still on a trip comes back busy.
func (r *Registry) SetOnline(ctx context.Context, p Profile, loc geo.Location) (driver.Driver, error) {
	if strings.TrimSpace(p.ID) == "" {
		return driver.Driver{}, driver.ErrInvalidDriverID
	}
	if !p.VehicleClass.IsValid() {
		return driver.Driver{}, fmt.Errorf("%w: %q", driver.ErrInvalidVehicleClass, p.VehicleClass)
	}
	if err := loc.Validate(); err != nil {
		return driver.Driver{}, err
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = r.opts.Now()
	}

	e := r.getOrCreate(p.ID)

	e.mu.Lock()
	if err := r.index.Upsert(ctx, p.ID, loc.Point); err != nil {
		e.mu.Unlock()
		return driver.Driver{}, fmt.Errorf("index driver location: %w", err)
	}

	wasOnline := e.driver.Online
	e.driver.Name = p.Name
	e.driver.VehicleClass = p.VehicleClass
	e.driver.SetLocation(loc, 0, 0)
	e.driver.LastSeen = r.opts.Now()
	next := e.resumed()
	if wasOnline && e.driver.Availability == driver.AvailabilityBusy {
		next = driver.AvailabilityBusy
	}
	_ = e.driver.SetAvailability(next)
	e.history.Push(driver.LocationSample{Location: loc})
	snapshot := e.driver
	e.mu.Unlock()

	r.trackOnline(wasOnline, true)

	r.logger.Info("Driver online",
		logger.String("driver_id", p.ID),
		logger.String("vehicle_class", string(p.VehicleClass)),
		logger.String("location", loc.Point.String()),
	)
	r.bus.Publish(eventbus.TopicDriverOnline, p.ID, snapshot)
	return snapshot, nil
}

// SetOffline takes a driver out of dispatch
func (r *Registry) SetOffline(ctx context.Context, id string) (driver.Driver, error) {
	d, _, err := r.goOffline(ctx, id, "driver_request", func(*driver.Driver) bool { return true })
	return d, err
}

// UpdateLocation records a position report. A report from a driver the sweep
// marked offline brings it back online, busy if it is still on a trip.
func (r *Registry) UpdateLocation(ctx context.Context, id string, upd LocationUpdate) (driver.Driver, error) {
	if err := upd.Location.Validate(); err != nil {
		return driver.Driver{}, err
	}
	if upd.Location.Timestamp.IsZero() {
		upd.Location.Timestamp = r.opts.Now()
	}

	e, err := r.lookup(id)
	if err != nil {
		return driver.Driver{}, err
	}

	e.mu.Lock()
	if err := r.index.Upsert(ctx, id, upd.Location.Point); err != nil {
		e.mu.Unlock()
		return driver.Driver{}, fmt.Errorf("index driver location: %w", err)
	}

	revived := !e.driver.Online
	e.driver.SetLocation(upd.Location, upd.Speed, upd.Heading)
	e.driver.LastSeen = r.opts.Now()
	if revived {
		_ = e.driver.SetAvailability(e.resumed())
	}
	e.history.Push(driver.LocationSample{Location: upd.Location, Speed: upd.Speed, Heading: upd.Heading})
	snapshot := e.driver
	e.mu.Unlock()

	r.recorder.LocationUpdate()
	r.bus.Publish(eventbus.TopicDriverLocationUpdate, id, LocationChange{
		DriverID: id,
		Location: upd.Location,
		Speed:    upd.Speed,
		Heading:  upd.Heading,
	})

	if revived {
		r.trackOnline(false, true)
		r.logger.Info("Driver back online after location update", logger.String("driver_id", id))
		r.bus.Publish(eventbus.TopicDriverOnline, id, snapshot)
	}
	return snapshot, nil
}

// SetAvailability changes a driver's availability. Going offline removes the
// driver from the spatial index; coming back re-adds its last position.
func (r *Registry) SetAvailability(ctx context.Context, id string, a driver.Availability) (driver.Driver, error) {
	if !a.IsValid() {
		return driver.Driver{}, fmt.Errorf("%w: %q", driver.ErrInvalidAvailability, a)
	}
	if a == driver.AvailabilityOffline {
		return r.SetOffline(ctx, id)
	}

	e, err := r.lookup(id)
	if err != nil {
		return driver.Driver{}, err
	}

	e.mu.Lock()
	if e.driver.Location == nil {
		e.mu.Unlock()
		return driver.Driver{}, driver.ErrDriverHasNoLocation
	}
	if e.onTrip && a == driver.AvailabilityAvailable {
		e.mu.Unlock()
		return driver.Driver{}, fmt.Errorf("%w: %s is on a trip", driver.ErrDriverNotAvailable, id)
	}
	wasOnline := e.driver.Online
	if !wasOnline {
		if err := r.index.Upsert(ctx, id, e.driver.Location.Point); err != nil {
			e.mu.Unlock()
			return driver.Driver{}, fmt.Errorf("index driver location: %w", err)
		}
		e.driver.LastSeen = r.opts.Now()
	}
	previous := e.driver.Availability
	_ = e.driver.SetAvailability(a)
	snapshot := e.driver
	e.mu.Unlock()

	r.trackOnline(wasOnline, true)
	if previous != a {
		r.bus.Publish(eventbus.TopicDriverStatusUpdate, id, StatusChange{DriverID: id, Availability: a, Previous: previous})
	}
	if !wasOnline {
		r.bus.Publish(eventbus.TopicDriverOnline, id, snapshot)
	}
	return snapshot, nil
}

// Get returns a snapshot of one driver
func (r *Registry) Get(_ context.Context, id string) (driver.Driver, error) {
	e, err := r.lookup(id)
	if err != nil {
		return driver.Driver{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driver, nil
}

// History returns the driver's most recent positions, oldest first
func (r *Registry) History(_ context.Context, id string, limit int) ([]driver.LocationSample, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Recent(limit), nil
}

// Nearby returns online, available drivers of the requested class around a
// point, nearest first.
func (r *Registry) Nearby(ctx context.Context, q Query) ([]Candidate, error) {
	if err := q.Center.Validate(); err != nil {
		return nil, err
	}
	if q.RadiusKM <= 0 {
		q.RadiusKM = DefaultRadiusKM
	}
	if q.Limit <= 0 {
		q.Limit = r.opts.NearbyLimit
	}

	excluded := make(map[string]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = struct{}{}
	}

	// The index calls keep sequentially and without its own lock held, so
	// taking entry locks here cannot deadlock with a concurrent Upsert.
	snapshots := make(map[string]driver.Driver)
	keep := func(id string) bool {
		if _, skip := excluded[id]; skip {
			return false
		}
		e, err := r.lookup(id)
		if err != nil {
			return false
		}
		e.mu.Lock()
		d := e.driver
		e.mu.Unlock()

		if !d.CanAcceptRides() {
			return false
		}
		if q.VehicleClass != "" && d.VehicleClass != q.VehicleClass {
			return false
		}
		snapshots[id] = d
		return true
	}

	neighbors, err := r.index.Nearest(ctx, q.Center, q.RadiusKM, q.Limit, keep)
	if err != nil {
		return nil, fmt.Errorf("query nearby drivers: %w", err)
	}

	candidates := make([]Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		candidates = append(candidates, Candidate{
			Driver:     snapshots[n.ID],
			DistanceKM: geo.Round2(n.DistanceKM),
		})
	}
	return candidates, nil
}

// Claim atomically moves an available driver to busy. It fails with
// ErrDriverNotAvailable if someone else got there first.
func (r *Registry) Claim(_ context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.driver.CanAcceptRides() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", driver.ErrDriverNotAvailable, id, e.driver.Availability)
	}
	_ = e.driver.SetAvailability(driver.AvailabilityBusy)
	e.onTrip = true
	e.mu.Unlock()

	r.bus.Publish(eventbus.TopicDriverStatusUpdate, id, StatusChange{
		DriverID:     id,
		Availability: driver.AvailabilityBusy,
		Previous:     driver.AvailabilityAvailable,
		Reason:       "ride_accepted",
	})
	return nil
}

// Release returns a busy driver to available. Offline drivers stay offline.
func (r *Registry) Release(_ context.Context, id string) error {
	return r.finishBusy(id, false, "ride_released")
}

// CompleteTrip frees the driver and counts the trip
func (r *Registry) CompleteTrip(_ context.Context, id string) error {
	return r.finishBusy(id, true, "ride_completed")
}

func (r *Registry) finishBusy(id string, countTrip bool, reason string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if countTrip {
		e.driver.TotalTrips++
	}
	e.onTrip = false
	changed := e.driver.Availability == driver.AvailabilityBusy
	if changed {
		_ = e.driver.SetAvailability(driver.AvailabilityAvailable)
	}
	e.mu.Unlock()

	if changed {
		r.bus.Publish(eventbus.TopicDriverStatusUpdate, id, StatusChange{
			DriverID:     id,
			Availability: driver.AvailabilityAvailable,
			Previous:     driver.AvailabilityBusy,
			Reason:       reason,
		})
	}
	return nil
}

// Sweep marks offline every online driver silent for longer than StaleAfter
// and returns how many it marked. A driver is reported once per lapse.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.opts.Now()

	r.mu.RLock()
	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	swept := 0
	for _, id := range ids {
		_, changed, err := r.goOffline(ctx, id, "stale", func(d *driver.Driver) bool {
			return d.IsStale(now, r.opts.StaleAfter)
		})
		if err != nil {
			r.logger.Warn("Failed to sweep driver", logger.String("driver_id", id), logger.Err(err))
			continue
		}
		if changed {
			swept++
		}
	}
	return swept
}

// Run sweeps on every tick until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Driver sweeper started",
		logger.Duration("interval", interval),
		logger.Duration("stale_after", r.opts.StaleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Driver sweeper stopped")
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info("Marked stale drivers offline", logger.Int("count", n))
			}
		}
	}
}

// OnlineCount returns how many drivers are currently online
func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}

// goOffline moves a driver offline when should approves its current state.
// The bool reports whether anything changed.
func (r *Registry) goOffline(ctx context.Context, id, reason string, should func(*driver.Driver) bool) (driver.Driver, bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return driver.Driver{}, false, err
	}

	e.mu.Lock()
	if !e.driver.Online || !should(&e.driver) {
		snapshot := e.driver
		e.mu.Unlock()
		return snapshot, false, nil
	}
	if err := r.index.Remove(ctx, id); err != nil {
		e.mu.Unlock()
		return driver.Driver{}, false, fmt.Errorf("remove driver from index: %w", err)
	}
	previous := e.driver.Availability
	_ = e.driver.SetAvailability(driver.AvailabilityOffline)
	snapshot := e.driver
	e.mu.Unlock()

	r.trackOnline(true, false)

	r.logger.Info("Driver offline",
		logger.String("driver_id", id),
		logger.String("reason", reason),
	)
	r.bus.Publish(eventbus.TopicDriverOffline, id, StatusChange{
		DriverID:     id,
		Availability: driver.AvailabilityOffline,
		Previous:     previous,
		Reason:       reason,
	})
	return snapshot, true, nil
}

func (r *Registry) trackOnline(before, after bool) {
	switch {
	case !before && after:
		r.recorder.DriversOnline(int(r.online.Add(1)))
	case before && !after:
		r.recorder.DriversOnline(int(r.online.Add(-1)))
	}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.drivers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrDriverNotFound, id)
	}
	return e, nil
}

func (r *Registry) getOrCreate(id string) *entry {
	r.mu.RLock()
	e, ok := r.drivers[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.drivers[id]; ok {
		return e
	}
	e = &entry{
		driver:  driver.Driver{ID: id, Availability: driver.AvailabilityOffline},
		history: driver.NewLocationHistory(r.opts.HistoryCapacity),
	}
	r.drivers[id] = e
	return e
}
