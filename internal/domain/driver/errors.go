package driver

import "errors"

var (
	ErrDriverNotFound      = errors.New("driver not found")
	ErrInvalidDriverID     = errors.New("invalid driver id")
	ErrInvalidAvailability = errors.New("invalid driver availability")
	ErrInvalidVehicleClass = errors.New("invalid vehicle class")
	ErrDriverNotAvailable  = errors.New("driver is not available")
	ErrDriverHasNoLocation = errors.New("driver has no known location")
)
