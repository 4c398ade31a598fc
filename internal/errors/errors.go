// Package errors defines the error taxonomy shared across kagura components.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for different categories
var (
	// ErrValidation - malformed control-plane payload, bad filename or path
	ErrValidation = errors.New("validation error")

	// ErrAuthorization - cross-tenant violation on the control plane
	ErrAuthorization = errors.New("authorization error")

	// ErrTimeout - sandbox or fast-path execution exceeded its wall-clock budget
	ErrTimeout = errors.New("timeout")

	// ErrExecution - sandbox exited non-zero without timing out
	ErrExecution = errors.New("execution error")

	// ErrSessionStale - continuation token no longer resolves to a resumable session
	ErrSessionStale = errors.New("session stale")

	// ErrScheduleParse - bad cron expression, interval, or timestamp
	ErrScheduleParse = errors.New("schedule parse error")

	// ErrMaintenance - global maintenance mode short-circuit
	ErrMaintenance = errors.New("maintenance mode")

	// ErrIO - quarantine or state write failure
	ErrIO = errors.New("io error")

	// ErrNotFound - referenced tenant or task does not exist
	ErrNotFound = errors.New("not found")

	// ErrInternal - anything that doesn't map to a known category
	ErrInternal = errors.New("internal error")
)

// Validation wraps a message as a validation error.
func Validation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrValidation)
}

// Authorization wraps a message as an authorization error.
func Authorization(message string) error {
	return fmt.Errorf("%s: %w", message, ErrAuthorization)
}

// Timeout wraps a message as a timeout error.
func Timeout(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTimeout)
}

// Execution wraps a message as an execution error.
func Execution(message string) error {
	return fmt.Errorf("%s: %w", message, ErrExecution)
}

// SessionStale wraps a message as a stale-session error.
func SessionStale(message string) error {
	return fmt.Errorf("%s: %w", message, ErrSessionStale)
}

// ScheduleParse wraps a message as a schedule parse error.
func ScheduleParse(message string) error {
	return fmt.Errorf("%s: %w", message, ErrScheduleParse)
}

// NotFound wraps a message as a not-found error.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Internal wraps a message as an internal error.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if an error belongs to a specific category.
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Category returns the taxonomy name for an error, for logging.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrSessionStale):
		return "session_stale"
	case errors.Is(err, ErrScheduleParse):
		return "schedule_parse"
	case errors.Is(err, ErrMaintenance):
		return "maintenance"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// Retryable reports whether an invocation failure is in a class that earns
// the single permitted fresh-start retry. Stale sessions, timeouts, and
// non-zero exits are retried once; everything else is terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSessionStale) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrExecution)
}
