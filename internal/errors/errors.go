package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents different categories of sync errors
type ErrorType int

const (
	// ConfigInvalid means required tokens/URLs are missing; fatal, aborts the run
	ConfigInvalid ErrorType = iota
	// Connectivity means a service cannot be reached
	Connectivity
	// RateLimited is a 429 from the remote service
	RateLimited
	// NotFound means an identifier resolved to nothing
	NotFound
	// AmbiguousMatch means title/author scoring stayed below threshold
	AmbiguousMatch
	// RegressionBlocked means a progress decrease exceeded the block threshold
	RegressionBlocked
	// RemoteMutationFailed means the remote returned non-success after retries
	RemoteMutationFailed
	// CacheWriteFailed means cache persistence failed after a successful mutation
	CacheWriteFailed
	// InvalidProgressInput means a progress value had to be clamped or rejected
	InvalidProgressInput
	// Cancelled means the run-level cancel signal fired
	Cancelled
	// UnknownError is everything else
	UnknownError
)

// String returns the string representation of the ErrorType
func (et ErrorType) String() string {
	switch et {
	case ConfigInvalid:
		return "config_invalid"
	case Connectivity:
		return "connectivity"
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case AmbiguousMatch:
		return "ambiguous_match"
	case RegressionBlocked:
		return "regression_blocked"
	case RemoteMutationFailed:
		return "remote_mutation_failed"
	case CacheWriteFailed:
		return "cache_write_failed"
	case InvalidProgressInput:
		return "invalid_progress_input"
	case Cancelled:
		return "cancelled"
	case UnknownError:
		return "unknown"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Error represents a structured error with type, message, and optional details
type Error struct {
	Type    ErrorType
	Message string
	Details string
	Code    int
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (details: %s)", e.Type.String(), e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type.String(), e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewWithCode creates a new structured error with HTTP status code
func NewWithCode(t ErrorType, code int, format string, args ...interface{}) *Error {
	return &Error{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	}
}

// NewWithDetails creates a new structured error with additional details
func NewWithDetails(t ErrorType, format, details string, args ...interface{}) *Error {
	return &Error{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		Details: details,
	}
}

// NewWithCause creates a new structured error with a cause
func NewWithCause(t ErrorType, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// TypeOf returns the ErrorType of err, or UnknownError for untyped errors
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return UnknownError
}

// IsType reports whether err carries the given ErrorType
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsRateLimited returns true if the error is a rate limit error
func IsRateLimited(err error) bool {
	return IsType(err, RateLimited)
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	return IsType(err, NotFound)
}

// IsCancelled returns true if the error is a cancellation error
func IsCancelled(err error) bool {
	return IsType(err, Cancelled) || errors.Is(err, context.Canceled)
}

// IsFatal reports whether the error should abort the whole run rather than
// a single book
func IsFatal(err error) bool {
	return IsType(err, ConfigInvalid)
}
