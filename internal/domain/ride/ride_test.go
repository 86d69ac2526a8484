package ride

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{
	StatusSearching,
	StatusDriverAssigned,
	StatusDriverAccepted,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

// TestCanTransition_TerminalStates tests that nothing leaves completed or cancelled
func TestCanTransition_TerminalStates(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusCancelled} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// TestCanTransition_Table tests the main path and side branches
func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusSearching, StatusDriverAssigned, true},
		{StatusSearching, StatusSearching, true},
		{StatusSearching, StatusDriverAccepted, false},
		{StatusDriverAssigned, StatusDriverAccepted, true},
		{StatusDriverAssigned, StatusSearching, true},
		{StatusDriverAssigned, StatusInProgress, false},
		{StatusDriverAccepted, StatusInProgress, true},
		{StatusDriverAccepted, StatusSearching, true},
		{StatusDriverAccepted, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusSearching, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

// TestCanTransition_CancelFromNonTerminal tests that every live state may be cancelled
func TestCanTransition_CancelFromNonTerminal(t *testing.T) {
	for _, from := range allStatuses {
		r := &Ride{Status: from}
		assert.Equal(t, !r.IsTerminal(), CanTransition(from, StatusCancelled), from)
	}
}

// TestTransitionError_IncludesCurrentState tests the error message and matching
func TestTransitionError_IncludesCurrentState(t *testing.T) {
	r := &Ride{ID: uuid.New(), Status: StatusCompleted}
	err := Invalid(r, EventCompleted)

	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "completed")

	var te *TransitionError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, StatusCompleted, te.Current)
}

// TestRide_Clone tests that a clone shares no mutable state
func TestRide_Clone(t *testing.T) {
	fare := 120.5
	driverID := "d1"
	now := time.Now()
	r := &Ride{
		ID:             uuid.New(),
		FareEstimate:   &fare,
		AssignedDriver: &driverID,
		Offers:         []string{"d1", "d2"},
		Rejected:       []string{"d3"},
		AcceptedAt:     &now,
	}

	c := r.Clone()
	*c.FareEstimate = 1
	*c.AssignedDriver = "other"
	c.Offers[0] = "x"
	c.Rejected = append(c.Rejected, "d4")
	*c.AcceptedAt = now.Add(time.Hour)

	assert.Equal(t, 120.5, *r.FareEstimate)
	assert.Equal(t, "d1", *r.AssignedDriver)
	assert.Equal(t, []string{"d1", "d2"}, r.Offers)
	assert.Equal(t, []string{"d3"}, r.Rejected)
	assert.Equal(t, now, *r.AcceptedAt)
}

// TestRide_Helpers tests offer and assignment predicates
func TestRide_Helpers(t *testing.T) {
	driverID := "d9"
	scheduled := time.Now().Add(time.Hour)
	r := &Ride{Offers: []string{"d1"}, Rejected: []string{"d2"}, AssignedDriver: &driverID, ScheduledTime: &scheduled}

	assert.True(t, r.IsOffered("d1"))
	assert.False(t, r.IsOffered("d2"))
	assert.True(t, r.HasRejected("d2"))
	assert.True(t, r.IsAssignedTo("d9"))
	assert.Equal(t, "d9", r.DriverID())
	assert.Equal(t, scheduled, r.DueAt())
}
