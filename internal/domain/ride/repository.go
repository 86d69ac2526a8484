package ride

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence collaborator for rides.
//
// CompareAndSwap must be atomic: it stores r only if the stored version equals
// expectedVersion and reports whether the write happened. Callers bump
// r.Version before the call. List results are ordered oldest first.
type Repository interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id uuid.UUID) (*Ride, error)
	CompareAndSwap(ctx context.Context, r *Ride, expectedVersion int) (bool, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error)
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]*Ride, error)
	AppendTransition(ctx context.Context, t *Transition) error
	Transitions(ctx context.Context, rideID uuid.UUID) ([]Transition, error)
}
