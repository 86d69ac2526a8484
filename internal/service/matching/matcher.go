package matching

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/service/registry"
	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

// ReasonSearchTimeout is recorded on rides the scheduler gives up on
const ReasonSearchTimeout = "no_drivers_timeout"

// Config holds matching configuration
type Config struct {
	SearchRadiusKM      float64       // Default radius when the request sets none
	MaxCandidates       int           // Drivers offered per round
	MaxAttempts         int           // Re-offer rounds before falling back to searching
	OfferTimeout        time.Duration // How long a round stays open
	ScheduleLead        time.Duration // Scheduled rides dispatch this long before pickup
	SearchTimeout       time.Duration // Searching rides are cancelled after this
	SchedulerTick       time.Duration
	RequireFareEstimate bool // Refuse rides whose class has no active fare config
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		SearchRadiusKM: ride.DefaultSearchRadiusKM,
		MaxCandidates:  10,
		MaxAttempts:    5,
		OfferTimeout:   30 * time.Second,
		ScheduleLead:   15 * time.Minute,
		SearchTimeout:  10 * time.Minute,
		SchedulerTick:  15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SearchRadiusKM <= 0 {
		c.SearchRadiusKM = d.SearchRadiusKM
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = d.OfferTimeout
	}
	if c.ScheduleLead <= 0 {
		c.ScheduleLead = d.ScheduleLead
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = d.SchedulerTick
	}
	return c
}

// Rides is the lifecycle surface the matcher drives
type Rides interface {
	Create(ctx context.Context, r *ride.Ride) (*ride.Ride, error)
	Get(ctx context.Context, id uuid.UUID) (*ride.Ride, error)
	ListByStatus(ctx context.Context, status ride.Status, limit int) ([]*ride.Ride, error)
	Offer(ctx context.Context, id uuid.UUID, candidates []string) (*ride.Ride, error)
	MarkNoCandidates(ctx context.Context, id uuid.UUID) (*ride.Ride, error)
	Accept(ctx context.Context, id uuid.UUID, driverID string) (*ride.Ride, error)
	Reject(ctx context.Context, id uuid.UUID, driverID string, next []string) (*ride.Ride, error)
	ExpireOffers(ctx context.Context, id uuid.UUID, round int, next []string) (*ride.Ride, []string, error)
	Cancel(ctx context.Context, id uuid.UUID, actor ride.Actor, reason string) (*ride.Ride, error)
}

// Drivers finds eligible drivers
type Drivers interface {
	Nearby(ctx context.Context, q registry.Query) ([]registry.Candidate, error)
}

// Fares prices a trip
type Fares interface {
	Estimate(ctx context.Context, req pricing.Request) (*fare.Estimate, error)
}

// RequestCommand is a rider's ride request
type RequestCommand struct {
	RequesterID    string
	Kind           ride.Kind
	Pickup         geo.Point
	Dropoff        geo.Point
	PickupAddress  string
	DropoffAddress string
	VehicleClass   driver.VehicleClass
	ScheduledTime  *time.Time
	Notes          string
	SearchRadiusKM float64
}

// RideOffer is the ride:request payload sent to one candidate
type RideOffer struct {
	RideID           uuid.UUID           `json:"ride_id"`
	Kind             ride.Kind           `json:"kind"`
	VehicleClass     driver.VehicleClass `json:"vehicle_class"`
	Pickup           geo.Location        `json:"pickup"`
	Dropoff          geo.Location        `json:"dropoff"`
	PickupAddress    string              `json:"pickup_address,omitempty"`
	DropoffAddress   string              `json:"dropoff_address,omitempty"`
	FareEstimate     *float64            `json:"fare_estimate,omitempty"`
	DistanceKM       float64             `json:"distance_km"`
	EstimatedMinutes int                 `json:"estimated_minutes"`
	PickupDistanceKM float64             `json:"pickup_distance_km"`
	Round            int                 `json:"round"`
	ExpiresAt        time.Time           `json:"expires_at"`
}

// NoDrivers is the ride:no_drivers payload
type NoDrivers struct {
	RideID             uuid.UUID `json:"ride_id"`
	AssignmentAttempts int       `json:"assignment_attempts"`
	Message            string    `json:"message"`
}

type offerTimer struct {
	timer *time.Timer
	round int
}

// Service dispatches rides to nearby drivers
type Service struct {
	rides    Rides
	drivers  Drivers
	fares    Fares
	bus      eventbus.Publisher
	logger   *logger.Logger
	recorder monitoring.Recorder
	config   Config
	now      func() time.Time

	mu     sync.Mutex
	timers map[uuid.UUID]offerTimer
	closed bool
}

// Option configures the service
type Option func(*Service)

// WithClock overrides time.Now for scheduling decisions. Offer timers still use real time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new matching service
func NewService(rides Rides, drivers Drivers, fares Fares, bus eventbus.Publisher, log *logger.Logger, recorder monitoring.Recorder, config Config, opts ...Option) *Service {
	s := &Service{
		rides:    rides,
		drivers:  drivers,
		fares:    fares,
		bus:      bus,
		logger:   log,
		recorder: monitoring.OrNop(recorder),
		config:   config.withDefaults(),
		now:      time.Now,
		timers:   make(map[uuid.UUID]offerTimer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestRide validates and prices a request, creates the ride and dispatches
// it right away unless it is scheduled further out than the lead time.
func (s *Service) RequestRide(ctx context.Context, cmd RequestCommand) (*ride.Ride, error) {
	if err := s.validate(&cmd); err != nil {
		return nil, err
	}

	r := &ride.Ride{
		RequesterID:    cmd.RequesterID,
		Kind:           cmd.Kind,
		VehicleClass:   cmd.VehicleClass,
		Pickup:         geo.At(cmd.Pickup, s.now()),
		Dropoff:        geo.At(cmd.Dropoff, s.now()),
		PickupAddress:  cmd.PickupAddress,
		DropoffAddress: cmd.DropoffAddress,
		Notes:          cmd.Notes,
		SearchRadiusKM: cmd.SearchRadiusKM,
		ScheduledTime:  cmd.ScheduledTime,
	}

	estimate, err := s.fares.Estimate(ctx, pricing.Request{
		Pickup:       cmd.Pickup,
		Dropoff:      cmd.Dropoff,
		VehicleClass: cmd.VehicleClass,
	})
	switch {
	case err == nil:
		f := estimate.Fare
		r.FareEstimate = &f
		r.SurgeMultiplier = estimate.SurgeMultiplier
		r.DistanceKM = estimate.DistanceKM
		r.EstimatedMinutes = estimate.EstimatedMinutes
	case errors.Is(err, fare.ErrConfigNotFound) && !s.config.RequireFareEstimate:
		distance := geo.Haversine(cmd.Pickup, cmd.Dropoff)
		r.DistanceKM = geo.Round2(distance)
		r.EstimatedMinutes = geo.EstimateMinutes(distance)
		s.logger.Warn("Creating ride without fare estimate",
			logger.String("vehicle_class", string(cmd.VehicleClass)),
			logger.Err(err),
		)
	default:
		return nil, err
	}

	created, err := s.rides.Create(ctx, r)
	if err != nil {
		return nil, err
	}

	if created.ScheduledTime != nil && created.ScheduledTime.After(s.now().Add(s.config.ScheduleLead)) {
		s.logger.Info("Ride scheduled for later dispatch",
			logger.Stringer("ride_id", created.ID),
			logger.String("scheduled_time", created.ScheduledTime.Format(time.RFC3339)),
		)
		return created, nil
	}

	dispatched, err := s.Dispatch(ctx, created.ID)
	if err != nil {
		// The ride exists; the scheduler picks up rides that were never dispatched.
		s.logger.Error("Initial dispatch failed",
			logger.Stringer("ride_id", created.ID),
			logger.Err(err),
		)
		return created, nil
	}
	return dispatched, nil
}

func (s *Service) validate(cmd *RequestCommand) error {
	var problems []string
	if strings.TrimSpace(cmd.RequesterID) == "" {
		problems = append(problems, "requester id is required")
	}
	if err := cmd.Pickup.Validate(); err != nil {
		problems = append(problems, "pickup: "+err.Error())
	}
	if err := cmd.Dropoff.Validate(); err != nil {
		problems = append(problems, "dropoff: "+err.Error())
	}
	if !cmd.VehicleClass.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown vehicle class %q", cmd.VehicleClass))
	}
	switch cmd.Kind {
	case "":
		cmd.Kind = ride.KindRide
	case ride.KindRide, ride.KindDelivery:
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", cmd.Kind))
	}
	if cmd.SearchRadiusKM < 0 {
		problems = append(problems, "search radius must not be negative")
	}
	if cmd.SearchRadiusKM == 0 {
		cmd.SearchRadiusKM = s.config.SearchRadiusKM
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ride.ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Dispatch searches for drivers around a searching ride's pickup and offers it
// to all of them at once. With nobody in range the ride stays searching and
// the requester gets ride:no_drivers.
func (s *Service) Dispatch(ctx context.Context, id uuid.UUID) (*ride.Ride, error) {
	start := time.Now()

	r, err := s.rides.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != ride.StatusSearching {
		return nil, ride.Invalid(r, ride.EventOffered)
	}

	candidates, err := s.findCandidates(ctx, r, nil)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		updated, err := s.rides.MarkNoCandidates(ctx, id)
		if err != nil {
			return nil, err
		}
		s.notifyNoDrivers(updated)
		s.recorder.DispatchCompleted(monitoring.OutcomeNoDrivers, time.Since(start))
		return updated, nil
	}

	updated, err := s.rides.Offer(ctx, id, candidateIDs(candidates))
	if err != nil {
		return nil, err
	}
	s.startRound(updated, candidates)
	s.recorder.DispatchCompleted(monitoring.OutcomeOffered, time.Since(start))
	return updated, nil
}

// AcceptRide hands the ride to driverID and stops the round's timer
func (s *Service) AcceptRide(ctx context.Context, id uuid.UUID, driverID string) (*ride.Ride, error) {
	r, err := s.rides.Accept(ctx, id, driverID)
	if err != nil {
		return nil, err
	}
	s.stopTimer(id)
	return r, nil
}

// RejectRide records a driver's rejection. When it was the last open offer,
// the ride is re-offered to fresh candidates while attempts remain.
func (s *Service) RejectRide(ctx context.Context, id uuid.UUID, driverID string) (*ride.Ride, error) {
	r, err := s.rides.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var candidates []registry.Candidate
	if s.lastOpenOffer(r, driverID) && r.AssignmentAttempts < s.config.MaxAttempts {
		candidates, err = s.findCandidates(ctx, r, []string{driverID})
		if err != nil {
			s.logger.Warn("Re-query after rejection failed",
				logger.Stringer("ride_id", id),
				logger.Err(err),
			)
			candidates = nil
		}
	}

	updated, err := s.rides.Reject(ctx, id, driverID, candidateIDs(candidates))
	if err != nil {
		return nil, err
	}

	s.afterRound(r, updated, candidates)
	return updated, nil
}

// expire is the offer timer callback
func (s *Service) expire(id uuid.UUID, round int) {
	ctx := context.Background()

	s.mu.Lock()
	if t, ok := s.timers[id]; ok && t.round == round {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	r, err := s.rides.Get(ctx, id)
	if err != nil {
		s.logger.Warn("Offer timer could not load ride", logger.Stringer("ride_id", id), logger.Err(err))
		return
	}
	if r.Status != ride.StatusDriverAssigned || r.OfferRound != round {
		return
	}

	var candidates []registry.Candidate
	if r.AssignmentAttempts < s.config.MaxAttempts {
		candidates, err = s.findCandidates(ctx, r, r.Offers)
		if err != nil {
			s.logger.Warn("Re-query after offer timeout failed", logger.Stringer("ride_id", id), logger.Err(err))
			candidates = nil
		}
	}

	updated, expired, err := s.rides.ExpireOffers(ctx, id, round, candidateIDs(candidates))
	if errors.Is(err, lifecycle.ErrRoundClosed) {
		return
	}
	if err != nil {
		s.logger.Error("Failed to expire offers", logger.Stringer("ride_id", id), logger.Err(err))
		return
	}

	s.logger.Info("Offer timed out",
		logger.Stringer("ride_id", id),
		logger.Int("round", round),
		logger.Strings("non_responders", expired),
	)
	s.afterRound(r, updated, candidates)
}

// afterRound announces whatever a rejection or timeout led to
func (s *Service) afterRound(before, after *ride.Ride, candidates []registry.Candidate) {
	switch {
	case after.Status == ride.StatusDriverAssigned && after.OfferRound != before.OfferRound:
		s.startRound(after, candidates)
	case after.Status == ride.StatusSearching:
		s.stopTimer(after.ID)
		s.notifyNoDrivers(after)
	}
}

// startRound broadcasts the offer to every candidate and arms the round's timer
func (s *Service) startRound(r *ride.Ride, candidates []registry.Candidate) {
	expiresAt := s.now().Add(s.config.OfferTimeout)

	sent := 0
	for _, c := range candidates {
		if !r.IsOffered(c.Driver.ID) {
			continue
		}
		s.bus.Publish(eventbus.TopicRideRequest, r.ID.String(), RideOffer{
			RideID:           r.ID,
			Kind:             r.Kind,
			VehicleClass:     r.VehicleClass,
			Pickup:           r.Pickup,
			Dropoff:          r.Dropoff,
			PickupAddress:    r.PickupAddress,
			DropoffAddress:   r.DropoffAddress,
			FareEstimate:     r.FareEstimate,
			DistanceKM:       r.DistanceKM,
			EstimatedMinutes: r.EstimatedMinutes,
			PickupDistanceKM: c.DistanceKM,
			Round:            r.OfferRound,
			ExpiresAt:        expiresAt,
		}, c.Driver.ID)
		sent++
	}
	s.recorder.OffersSent(sent)

	s.logger.Info("Ride offered to drivers",
		logger.Stringer("ride_id", r.ID),
		logger.Int("round", r.OfferRound),
		logger.Int("candidates", sent),
		logger.Int("assignment_attempts", r.AssignmentAttempts),
	)
	s.armTimer(r.ID, r.OfferRound)
}

func (s *Service) notifyNoDrivers(r *ride.Ride) {
	s.logger.Warn("No drivers available for ride",
		logger.Stringer("ride_id", r.ID),
		logger.Float64("search_radius_km", r.SearchRadiusKM),
		logger.Int("assignment_attempts", r.AssignmentAttempts),
	)
	s.bus.Publish(eventbus.TopicRideNoDrivers, r.ID.String(), NoDrivers{
		RideID:             r.ID,
		AssignmentAttempts: r.AssignmentAttempts,
		Message:            "No drivers available nearby",
	}, r.RequesterID)
}

// findCandidates queries eligible drivers around the pickup, skipping every
// driver the ride has already excluded plus extra.
func (s *Service) findCandidates(ctx context.Context, r *ride.Ride, extra []string) ([]registry.Candidate, error) {
	radius := r.SearchRadiusKM
	if radius <= 0 {
		radius = s.config.SearchRadiusKM
	}

	exclude := slices.Concat(r.Rejected, extra)
	candidates, err := s.drivers.Nearby(ctx, registry.Query{
		Center:       r.Pickup.Point,
		RadiusKM:     radius,
		VehicleClass: r.VehicleClass,
		Limit:        s.config.MaxCandidates,
		Exclude:      exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search nearby drivers: %w", err)
	}
	return candidates, nil
}

// lastOpenOffer reports whether driverID leaving would leave the ride without offers
func (s *Service) lastOpenOffer(r *ride.Ride, driverID string) bool {
	switch r.Status {
	case ride.StatusDriverAccepted:
		return r.IsAssignedTo(driverID)
	case ride.StatusDriverAssigned:
		for _, id := range r.Offers {
			if id != driverID {
				return false
			}
		}
		return true
	}
	return false
}

func (s *Service) armTimer(id uuid.UUID, round int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.timer.Stop()
	}
	s.timers[id] = offerTimer{
		timer: time.AfterFunc(s.config.OfferTimeout, func() { s.expire(id, round) }),
		round: round,
	}
}

func (s *Service) stopTimer(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.timer.Stop()
		delete(s.timers, id)
	}
}

// PendingTimers returns the number of armed offer timers
func (s *Service) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every outstanding offer timer
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
}

func candidateIDs(candidates []registry.Candidate) []string {
	if len(candidates) == 0 {
		return nil
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Driver.ID)
	}
	return ids
}
