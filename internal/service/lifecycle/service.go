// Package lifecycle applies the ride state machine.
//
// Every mutation is load, check guards, compare-and-swap on the ride version.
// A lost swap reloads the ride and re-checks the guards against the fresh
// state, so two drivers accepting the same ride can never both succeed: the
// loser sees driver_accepted and gets ride.ErrAlreadyAccepted.
//
// Events are published after the swap commits. A failed publish or transition
// log write never undoes a committed change.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

// maxSwapAttempts bounds guard re-evaluation after lost swaps
const maxSwapAttempts = 3

// ErrRoundClosed is returned by ExpireOffers when the offer round it was armed
// for has already ended.
var ErrRoundClosed = errors.New("offer round already closed")

// errUnchanged lets a mutation report that the ride is already in the wanted state
var errUnchanged = errors.New("unchanged")

// DriverLedger is the part of the driver registry the lifecycle drives
type DriverLedger interface {
	Claim(ctx context.Context, driverID string) error
	Release(ctx context.Context, driverID string) error
	CompleteTrip(ctx context.Context, driverID string) error
}

// Notification is the payload of ride events
type Notification struct {
	RideID   uuid.UUID   `json:"ride_id"`
	Status   ride.Status `json:"status"`
	DriverID string      `json:"driver_id,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Ride     *ride.Ride  `json:"ride"`
}

// Service owns ride state changes
type Service struct {
	repo     ride.Repository
	drivers  DriverLedger
	bus      eventbus.Publisher
	logger   *logger.Logger
	recorder monitoring.Recorder
	now      func() time.Time
}

// Option configures the service
type Option func(*Service)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new lifecycle service
func NewService(repo ride.Repository, drivers DriverLedger, bus eventbus.Publisher, log *logger.Logger, recorder monitoring.Recorder, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		drivers:  drivers,
		bus:      bus,
		logger:   log,
		recorder: monitoring.OrNop(recorder),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new ride in searching
func (s *Service) Create(ctx context.Context, r *ride.Ride) (*ride.Ride, error) {
	now := s.now()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Kind == "" {
		r.Kind = ride.KindRide
	}
	if r.SearchRadiusKM <= 0 {
		r.SearchRadiusKM = ride.DefaultSearchRadiusKM
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now
	}
	r.Status = ride.StatusSearching
	r.Version = 1
	r.UpdatedAt = now

	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}

	s.record(ctx, &ride.Transition{
		RideID:    r.ID,
		From:      ride.StatusSearching,
		To:        ride.StatusSearching,
		Event:     ride.EventRequested,
		ActorID:   r.RequesterID,
		ActorRole: ride.RoleRequester,
		At:        now,
	})
	s.recorder.RideRequested(string(r.VehicleClass))

	s.logger.Info("Ride created",
		logger.Stringer("ride_id", r.ID),
		logger.String("requester_id", r.RequesterID),
		logger.String("vehicle_class", string(r.VehicleClass)),
		logger.Bool("scheduled", r.ScheduledTime != nil),
	)
	return r.Clone(), nil
}

// Get loads one ride
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ride.Ride, error) {
	return s.repo.Get(ctx, id)
}

// Events returns the ride's transition log, oldest first
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]ride.Transition, error) {
	return s.repo.Transitions(ctx, id)
}

// ListByStatus returns rides in a status, oldest request first
func (s *Service) ListByStatus(ctx context.Context, status ride.Status, limit int) ([]*ride.Ride, error) {
	return s.repo.ListByStatus(ctx, status, limit)
}

// ListByRequester returns a requester's rides, oldest request first
func (s *Service) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*ride.Ride, error) {
	return s.repo.ListByRequester(ctx, requesterID, limit)
}

// Offer opens an offer round for a searching ride. Rounds after the first
// count as reassignment attempts.
func (s *Service) Offer(ctx context.Context, id uuid.UUID, candidates []string) (*ride.Ride, error) {
	_, next, err := s.mutate(ctx, id, ride.SystemActor, func(r *ride.Ride) (ride.Event, error) {
		if r.Status != ride.StatusSearching {
			return ride.EventOffered, ride.Invalid(r, ride.EventOffered)
		}
		ev := ride.EventOffered
		if r.OfferRound > 0 {
			ev = ride.EventReassigned
		}
		if !s.openRound(r, candidates, ev == ride.EventReassigned) {
			return ev, fmt.Errorf("%w: no eligible candidates", ride.ErrInvalidRequest)
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Ride offered",
		logger.Stringer("ride_id", next.ID),
		logger.Strings("candidates", next.Offers),
		logger.Int("round", next.OfferRound),
	)
	return next, nil
}

// MarkNoCandidates records a dispatch pass that found nobody. The ride stays searching.
func (s *Service) MarkNoCandidates(ctx context.Context, id uuid.UUID) (*ride.Ride, error) {
	_, next, err := s.mutate(ctx, id, ride.SystemActor, func(r *ride.Ride) (ride.Event, error) {
		if r.Status != ride.StatusSearching {
			return ride.EventNoCandidates, ride.Invalid(r, ride.EventNoCandidates)
		}
		if r.DispatchedAt == nil {
			now := s.now()
			r.DispatchedAt = &now
		}
		return ride.EventNoCandidates, nil
	})
	return next, err
}

// Accept records driverID as the ride's driver. The driver must hold an
// outstanding offer and be claimable in the registry; the first accept wins.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, driverID string) (*ride.Ride, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, fmt.Errorf("%w: driver id is required", ride.ErrInvalidRequest)
	}

	claimed := false
	actor := ride.Actor{ID: driverID, Role: ride.RoleDriver}

	prev, next, err := s.mutate(ctx, id, actor, func(r *ride.Ride) (ride.Event, error) {
		if r.IsTerminal() {
			return ride.EventAccepted, ride.Invalid(r, ride.EventAccepted)
		}
		if r.AssignedDriver != nil {
			if !r.IsAssignedTo(driverID) {
				return ride.EventAccepted, fmt.Errorf("%w: ride %s", ride.ErrAlreadyAccepted, r.ID)
			}
			if r.Status == ride.StatusDriverAccepted {
				return ride.EventAccepted, errUnchanged
			}
		}
		if r.Status != ride.StatusDriverAssigned {
			return ride.EventAccepted, ride.Invalid(r, ride.EventAccepted)
		}
		if !r.IsOffered(driverID) {
			return ride.EventAccepted, fmt.Errorf("%w: driver %s, ride %s", ride.ErrNotOffered, driverID, r.ID)
		}

		if !claimed {
			if err := s.drivers.Claim(ctx, driverID); err != nil {
				return ride.EventAccepted, err
			}
			claimed = true
		}

		now := s.now()
		r.Status = ride.StatusDriverAccepted
		r.AssignedDriver = &driverID
		r.AcceptedAt = &now
		r.Offers = nil
		return ride.EventAccepted, nil
	})

	if err != nil {
		if claimed {
			s.release(ctx, driverID)
		}
		if errors.Is(err, ride.ErrAlreadyAccepted) {
			s.recorder.AcceptConflict()
			s.logger.Info("Accept lost the race",
				logger.Stringer("ride_id", id),
				logger.String("driver_id", driverID),
			)
		}
		return nil, err
	}
	if prev == next {
		// already accepted by this driver
		return next, nil
	}

	s.logger.Info("Ride accepted",
		logger.Stringer("ride_id", next.ID),
		logger.String("driver_id", driverID),
	)
	s.publish(eventbus.TopicRideAccepted, next, driverID, "", audience(next, driverID)...)
	return next, nil
}

// Reject withdraws driverID from the ride. The driver is excluded from the
// ride for good. When no other offer is outstanding, next (if any) opens a new
// round; otherwise the ride reverts to searching. The accepted driver may also
// back out, which frees the driver in the registry.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, driverID string, next []string) (*ride.Ride, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, fmt.Errorf("%w: driver id is required", ride.ErrInvalidRequest)
	}

	backedOut := false
	actor := ride.Actor{ID: driverID, Role: ride.RoleDriver}

	prev, updated, err := s.mutate(ctx, id, actor, func(r *ride.Ride) (ride.Event, error) {
		backedOut = false
		switch {
		case r.Status == ride.StatusDriverAccepted && r.IsAssignedTo(driverID):
			backedOut = true
			r.AssignedDriver = nil
			r.AcceptedAt = nil
		case r.Status == ride.StatusDriverAssigned:
			if !r.IsOffered(driverID) {
				return ride.EventRejected, fmt.Errorf("%w: driver %s, ride %s", ride.ErrNotOffered, driverID, r.ID)
			}
		case r.Status == ride.StatusDriverAccepted:
			return ride.EventRejected, fmt.Errorf("%w: driver %s, ride %s", ride.ErrNotOffered, driverID, r.ID)
		default:
			return ride.EventRejected, ride.Invalid(r, ride.EventRejected)
		}

		r.Offers = slices.DeleteFunc(r.Offers, func(id string) bool { return id == driverID })
		if !r.HasRejected(driverID) {
			r.Rejected = append(r.Rejected, driverID)
		}

		if len(r.Offers) > 0 {
			return ride.EventRejected, nil
		}
		if s.openRound(r, next, true) {
			return ride.EventReassigned, nil
		}
		s.revert(r)
		return ride.EventReverted, nil
	})
	if err != nil {
		return nil, err
	}

	if backedOut {
		s.release(ctx, driverID)
	}

	s.logger.Info("Ride rejected",
		logger.Stringer("ride_id", updated.ID),
		logger.String("driver_id", driverID),
		logger.String("status", string(updated.Status)),
		logger.Int("assignment_attempts", updated.AssignmentAttempts),
		logger.Bool("backed_out", backedOut),
	)
	s.publish(eventbus.TopicRideRejected, updated, driverID, "", audience(prev, driverID)...)
	return updated, nil
}

// ExpireOffers closes an offer round nobody accepted in time. Drivers that did
// not answer are treated as having rejected. ErrRoundClosed means the round
// already ended some other way and nothing changed.
func (s *Service) ExpireOffers(ctx context.Context, id uuid.UUID, round int, next []string) (*ride.Ride, []string, error) {
	var expired []string

	_, updated, err := s.mutate(ctx, id, ride.SystemActor, func(r *ride.Ride) (ride.Event, error) {
		if r.Status != ride.StatusDriverAssigned || r.OfferRound != round {
			return ride.EventOfferExpired, ErrRoundClosed
		}

		expired = slices.Clone(r.Offers)
		for _, driverID := range r.Offers {
			if !r.HasRejected(driverID) {
				r.Rejected = append(r.Rejected, driverID)
			}
		}
		r.Offers = nil

		if s.openRound(r, next, true) {
			return ride.EventReassigned, nil
		}
		s.revert(r)
		return ride.EventOfferExpired, nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Offer round expired",
		logger.Stringer("ride_id", updated.ID),
		logger.Int("round", round),
		logger.Strings("non_responders", expired),
		logger.String("status", string(updated.Status)),
	)
	for _, driverID := range expired {
		s.publish(eventbus.TopicRideRejected, updated, driverID, "offer_expired", driverID)
	}
	return updated, expired, nil
}

// Start begins the trip. The requester, the assigned driver or an admin may start it.
func (s *Service) Start(ctx context.Context, id uuid.UUID, actor ride.Actor) (*ride.Ride, error) {
	_, next, err := s.mutate(ctx, id, actor, func(r *ride.Ride) (ride.Event, error) {
		if err := authorize(r, actor, ride.RoleRequester, ride.RoleDriver, ride.RoleAdmin); err != nil {
			return ride.EventStarted, err
		}
		if r.Status != ride.StatusDriverAccepted {
			return ride.EventStarted, ride.Invalid(r, ride.EventStarted)
		}
		now := s.now()
		r.Status = ride.StatusInProgress
		r.StartedAt = &now
		return ride.EventStarted, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Ride started", logger.Stringer("ride_id", next.ID), logger.String("actor_id", actor.ID))
	s.publish(eventbus.TopicRideStarted, next, next.DriverID(), "", audience(next)...)
	return next, nil
}

// Complete finishes the trip and frees the driver. Only the assigned driver or an admin may complete.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor ride.Actor) (*ride.Ride, error) {
	_, next, err := s.mutate(ctx, id, actor, func(r *ride.Ride) (ride.Event, error) {
		if err := authorize(r, actor, ride.RoleDriver, ride.RoleAdmin); err != nil {
			return ride.EventCompleted, err
		}
		if r.Status != ride.StatusInProgress {
			return ride.EventCompleted, ride.Invalid(r, ride.EventCompleted)
		}
		now := s.now()
		r.Status = ride.StatusCompleted
		r.CompletedAt = &now
		return ride.EventCompleted, nil
	})
	if err != nil {
		return nil, err
	}

	driverID := next.DriverID()
	if err := s.drivers.CompleteTrip(ctx, driverID); err != nil {
		s.logger.Warn("Failed to reset driver after trip",
			logger.String("driver_id", driverID),
			logger.Err(err),
		)
	}

	fare := 0.0
	if next.FareEstimate != nil {
		fare = *next.FareEstimate
	}
	s.recorder.RideCompleted(string(next.VehicleClass), fare, next.DistanceKM)

	s.logger.Info("Ride completed",
		logger.Stringer("ride_id", next.ID),
		logger.String("driver_id", driverID),
		logger.Float64("fare", fare),
	)
	s.publish(eventbus.TopicRideCompleted, next, driverID, "", audience(next)...)
	return next, nil
}

// Cancel ends a ride that has not finished. The requester, an admin or the
// system may cancel. An accepted driver is freed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor ride.Actor, reason string) (*ride.Ride, error) {
	prev, next, err := s.mutate(ctx, id, actor, func(r *ride.Ride) (ride.Event, error) {
		if err := authorize(r, actor, ride.RoleRequester, ride.RoleAdmin, ride.RoleSystem); err != nil {
			return ride.EventCancelled, err
		}
		if r.IsTerminal() {
			return ride.EventCancelled, ride.Invalid(r, ride.EventCancelled)
		}
		now := s.now()
		r.Status = ride.StatusCancelled
		r.CancelledAt = &now
		r.CancelledBy = actor.ID
		r.CancellationReason = reason
		r.Offers = nil
		return ride.EventCancelled, nil
	})
	if err != nil {
		return nil, err
	}

	if driverID := prev.DriverID(); driverID != "" {
		s.release(ctx, driverID)
	}
	s.recorder.RideCancelled(reason)

	s.logger.Info("Ride cancelled",
		logger.Stringer("ride_id", next.ID),
		logger.String("cancelled_by", actor.ID),
		logger.String("reason", reason),
		logger.String("previous_status", string(prev.Status)),
	)
	s.publish(eventbus.TopicRideCancelled, next, prev.DriverID(), reason, audience(prev, prev.Offers...)...)
	return next, nil
}

// mutate loads the ride, applies fn to a copy and swaps it in, returning the
// ride before and after. A lost swap re-runs fn on the fresh ride, up to
// maxSwapAttempts times. When fn returns errUnchanged both results are the
// same loaded ride and nothing is written.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, actor ride.Actor, fn func(r *ride.Ride) (ride.Event, error)) (*ride.Ride, *ride.Ride, error) {
	for attempt := 1; attempt <= maxSwapAttempts; attempt++ {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		next := current.Clone()
		ev, err := fn(next)
		if errors.Is(err, errUnchanged) {
			return current, current, nil
		}
		if err != nil {
			return current, nil, err
		}
		if next.Status != current.Status && !ride.CanTransition(current.Status, next.Status) {
			return current, nil, ride.Invalid(current, ev)
		}

		now := s.now()
		next.Version = current.Version + 1
		next.UpdatedAt = now

		ok, err := s.repo.CompareAndSwap(ctx, next, current.Version)
		if err != nil {
			return current, nil, err
		}
		if !ok {
			s.logger.Debug("Ride changed underneath, re-evaluating",
				logger.Stringer("ride_id", id),
				logger.String("event", string(ev)),
				logger.Int("attempt", attempt),
			)
			continue
		}

		s.record(ctx, &ride.Transition{
			RideID:    id,
			From:      current.Status,
			To:        next.Status,
			Event:     ev,
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			At:        now,
		})
		return current, next, nil
	}

	return nil, nil, fmt.Errorf("%w: ride %s", ride.ErrConflict, id)
}

// openRound offers the ride to the candidates not already excluded. It
// reports false when none are left.
func (s *Service) openRound(r *ride.Ride, candidates []string, reassign bool) bool {
	offers := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if id == "" || r.HasRejected(id) || slices.Contains(offers, id) {
			continue
		}
		offers = append(offers, id)
	}
	if len(offers) == 0 {
		return false
	}

	now := s.now()
	r.Status = ride.StatusDriverAssigned
	r.AssignedDriver = nil
	r.AcceptedAt = nil
	r.Offers = offers
	r.OfferRound++
	r.AssignedAt = &now
	if r.DispatchedAt == nil {
		r.DispatchedAt = &now
	}
	if reassign {
		r.AssignmentAttempts++
	}
	return true
}

func (s *Service) revert(r *ride.Ride) {
	r.Status = ride.StatusSearching
	r.AssignedDriver = nil
	r.AcceptedAt = nil
	r.AssignedAt = nil
	r.Offers = nil
}

func (s *Service) record(ctx context.Context, t *ride.Transition) {
	if err := s.repo.AppendTransition(ctx, t); err != nil {
		s.logger.Error("Failed to record ride transition",
			logger.Stringer("ride_id", t.RideID),
			logger.String("event", string(t.Event)),
			logger.Err(err),
		)
	}
}

func (s *Service) release(ctx context.Context, driverID string) {
	if err := s.drivers.Release(ctx, driverID); err != nil {
		s.logger.Warn("Failed to release driver",
			logger.String("driver_id", driverID),
			logger.Err(err),
		)
	}
}

func (s *Service) publish(topic string, r *ride.Ride, driverID, reason string, to ...string) {
	s.bus.Publish(topic, r.ID.String(), Notification{
		RideID:   r.ID,
		Status:   r.Status,
		DriverID: driverID,
		Reason:   reason,
		Ride:     r,
	}, to...)
}

// audience is the ride's requester, its assigned driver and any extra ids
func audience(r *ride.Ride, extra ...string) []string {
	out := []string{r.RequesterID}
	if id := r.DriverID(); id != "" {
		out = append(out, id)
	}
	for _, id := range extra {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// authorize checks the actor against the roles allowed to act. Requester and
// driver are matched by id against the ride, admin and system by role.
func authorize(r *ride.Ride, a ride.Actor, allowed ...ride.Role) error {
	for _, role := range allowed {
		switch role {
		case ride.RoleRequester:
			if a.ID != "" && a.ID == r.RequesterID {
				return nil
			}
		case ride.RoleDriver:
			if a.ID != "" && r.IsAssignedTo(a.ID) {
				return nil
			}
		case ride.RoleAdmin, ride.RoleSystem:
			if a.Role == role {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s %q on ride %s", ride.ErrUnauthorized, a.Role, a.ID, r.ID)
}
