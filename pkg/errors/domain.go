package errors

import (
	"errors"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// FromDomain maps dispatch core errors onto their transport form. Errors that
// already are an AppError pass through; anything unknown becomes a 500.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var te *ride.TransitionError
	switch {
	case errors.As(err, &te):
		return InvalidTransition(string(te.Current), err).WithDetail("event", string(te.Event))
	case errors.Is(err, ride.ErrAlreadyAccepted):
		return AlreadyAccepted(err)
	case errors.Is(err, fare.ErrConfigNotFound):
		return ConfigNotFound(err)
	case errors.Is(err, ride.ErrRideNotFound):
		return NotFound("Ride not found", err)
	case errors.Is(err, driver.ErrDriverNotFound):
		return NotFound("Driver not found", err)
	case errors.Is(err, ride.ErrUnauthorized):
		return Forbidden("Caller may not act on this ride", err)
	case errors.Is(err, ride.ErrNotOffered):
		return Forbidden("Driver does not hold an offer for this ride", err)
	case errors.Is(err, ride.ErrConflict),
		errors.Is(err, ride.ErrDuplicateRide),
		errors.Is(err, fare.ErrConfigExists),
		errors.Is(err, driver.ErrDriverNotAvailable):
		return Conflict(err.Error(), err)
	case errors.Is(err, ride.ErrInvalidRequest),
		errors.Is(err, geo.ErrInvalidCoordinates),
		errors.Is(err, fare.ErrInvalidConfig),
		errors.Is(err, driver.ErrInvalidDriverID),
		errors.Is(err, driver.ErrInvalidAvailability),
		errors.Is(err, driver.ErrInvalidVehicleClass),
		errors.Is(err, driver.ErrDriverHasNoLocation):
		return BadRequest(err.Error(), err)
	}
	return Internal("An unexpected error occurred", err)
}
