package ride

import "errors"

var (
	ErrRideNotFound      = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyAccepted   = errors.New("ride already accepted by another driver")
	ErrNotOffered        = errors.New("driver does not hold an offer for this ride")
	ErrUnauthorized      = errors.New("caller may not act on this ride")
	ErrConflict          = errors.New("ride was modified concurrently")
	ErrInvalidRequest    = errors.New("invalid ride request")
	ErrDuplicateRide     = errors.New("ride already exists")
)
