// Package memory is the in-process ride store used in development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// RideStore keeps rides in a map. Values are cloned on the way in and out so
// callers never share memory with the store.
type RideStore struct {
	mu          sync.RWMutex
	rides       map[uuid.UUID]*ride.Ride
	transitions map[uuid.UUID][]ride.Transition
	nextID      int64
}

// NewRideStore creates an empty store
func NewRideStore() *RideStore {
	return &RideStore{
		rides:       make(map[uuid.UUID]*ride.Ride),
		transitions: make(map[uuid.UUID][]ride.Transition),
	}
}

func (s *RideStore) Create(_ context.Context, r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rides[r.ID]; exists {
		return fmt.Errorf("%w: %s", ride.ErrDuplicateRide, r.ID)
	}
	s.rides[r.ID] = r.Clone()
	return nil
}

func (s *RideStore) Get(_ context.Context, id uuid.UUID) (*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ride.ErrRideNotFound, id)
	}
	return r.Clone(), nil
}

func (s *RideStore) CompareAndSwap(_ context.Context, r *ride.Ride, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rides[r.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ride.ErrRideNotFound, r.ID)
	}
	if current.Version != expectedVersion {
		return false, nil
	}
	s.rides[r.ID] = r.Clone()
	return true, nil
}

func (s *RideStore) ListByStatus(_ context.Context, status ride.Status, limit int) ([]*ride.Ride, error) {
	return s.list(limit, func(r *ride.Ride) bool { return r.Status == status }), nil
}

func (s *RideStore) ListByRequester(_ context.Context, requesterID string, limit int) ([]*ride.Ride, error) {
	return s.list(limit, func(r *ride.Ride) bool { return r.RequesterID == requesterID }), nil
}

func (s *RideStore) list(limit int, match func(*ride.Ride) bool) []*ride.Ride {
	s.mu.RLock()
	out := make([]*ride.Ride, 0)
	for _, r := range s.rides {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *RideStore) AppendTransition(_ context.Context, t *ride.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t.ID = s.nextID
	s.transitions[t.RideID] = append(s.transitions[t.RideID], *t)
	return nil
}

func (s *RideStore) Transitions(_ context.Context, rideID uuid.UUID) ([]ride.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rides[rideID]; !ok {
		return nil, fmt.Errorf("%w: %s", ride.ErrRideNotFound, rideID)
	}
	return append([]ride.Transition(nil), s.transitions[rideID]...), nil
}

var _ ride.Repository = (*RideStore)(nil)
