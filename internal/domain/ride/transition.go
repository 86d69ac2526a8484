package ride

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Event names a lifecycle trigger. It is recorded with every transition.
type Event string

const (
	EventRequested    Event = "requested"
	EventOffered      Event = "offered"
	EventNoCandidates Event = "no_candidates"
	EventAccepted     Event = "accepted"
	EventRejected     Event = "rejected"
	EventReassigned   Event = "reassigned"
	EventReverted     Event = "reverted"
	EventOfferExpired Event = "offer_expired"
	EventStarted      Event = "started"
	EventCompleted    Event = "completed"
	EventCancelled    Event = "cancelled"
)

// AllowedTransitions is the ride state machine. Self-loops are listed where a
// trigger keeps the status but changes dispatch data.
var AllowedTransitions = map[Status][]Status{
	StatusSearching:      {StatusSearching, StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned: {StatusDriverAssigned, StatusDriverAccepted, StatusSearching, StatusCancelled},
	StatusDriverAccepted: {StatusDriverAssigned, StatusInProgress, StatusSearching, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

// Role identifies what kind of caller drove a transition
type Role string

const (
	RoleRequester Role = "requester"
	RoleDriver    Role = "driver"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Actor is the already-authenticated caller of a lifecycle operation
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for transitions the core makes on its own
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Transition is one entry in a ride's append-only state history
type Transition struct {
	ID        int64     `json:"id"`
	RideID    uuid.UUID `json:"ride_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Event     Event     `json:"event"`
	ActorID   string    `json:"actor_id,omitempty"`
	ActorRole Role      `json:"actor_role"`
	At        time.Time `json:"at"`
}

// TransitionError reports an operation attempted against the wrong state
type TransitionError struct {
	RideID  uuid.UUID
	Current Status
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot apply %s to ride %s: current status is %s", e.Event, e.RideID, e.Current)
}

// Is lets errors.Is match ErrInvalidTransition
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Invalid builds a TransitionError for the ride's current state
func Invalid(r *Ride, ev Event) error {
	return &TransitionError{RideID: r.ID, Current: r.Status, Event: ev}
}
