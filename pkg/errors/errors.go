package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to API clients
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeAlreadyAccepted    = "ALREADY_ACCEPTED"
	CodeConfigNotFound     = "CONFIG_NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Status  int            `json:"-"`
	Err     error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of the error carrying an extra detail field
func (e *AppError) WithDetail(key string, value any) *AppError {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// NewAppError creates a new AppError
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Common error constructors

// BadRequest creates a 400 error
func BadRequest(message string, err error) *AppError {
	return NewAppError(CodeBadRequest, message, http.StatusBadRequest, err)
}

// Unauthorized creates a 401 error
func Unauthorized(message string, err error) *AppError {
	return NewAppError(CodeUnauthorized, message, http.StatusUnauthorized, err)
}

// Forbidden creates a 403 error
func Forbidden(message string, err error) *AppError {
	return NewAppError(CodeForbidden, message, http.StatusForbidden, err)
}

// NotFound creates a 404 error
func NotFound(message string, err error) *AppError {
	return NewAppError(CodeNotFound, message, http.StatusNotFound, err)
}

// Conflict creates a 409 error
func Conflict(message string, err error) *AppError {
	return NewAppError(CodeConflict, message, http.StatusConflict, err)
}

// Internal creates a 500 error
func Internal(message string, err error) *AppError {
	return NewAppError(CodeInternal, message, http.StatusInternalServerError, err)
}

// ServiceUnavailable creates a 503 error
func ServiceUnavailable(message string, err error) *AppError {
	return NewAppError(CodeServiceUnavailable, message, http.StatusServiceUnavailable, err)
}

// Dispatch-specific errors

// InvalidTransition creates a 409 error naming the ride's current status
func InvalidTransition(currentStatus string, err error) *AppError {
	return NewAppError(CodeInvalidTransition,
		fmt.Sprintf("Operation not allowed while ride is %s", currentStatus),
		http.StatusConflict, err,
	).WithDetail("current_status", currentStatus)
}

// AlreadyAccepted creates a 409 error for a lost accept race
func AlreadyAccepted(err error) *AppError {
	return NewAppError(CodeAlreadyAccepted, "Ride was taken by another driver", http.StatusConflict, err)
}

// ConfigNotFound creates a 404 error for a vehicle class without pricing
func ConfigNotFound(err error) *AppError {
	return NewAppError(CodeConfigNotFound, "No active fare config for the requested vehicle class", http.StatusNotFound, err)
}

var (
	ErrMissingIdentity = Unauthorized("Caller identity is required", nil)
	ErrInvalidBody     = BadRequest("Invalid request body", nil)
	ErrInvalidRideID   = BadRequest("Invalid ride id", nil)
)

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError attempts to convert an error to AppError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("An unexpected error occurred", err)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
