package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocationConflict is returned when two allocations raced past the
	// registry's mutual exclusion and the store rejected the second one.
	ErrAllocationConflict = errors.New("allocation conflict")

	// ErrPortsExhausted is returned when no free port block is left below 65535.
	ErrPortsExhausted = errors.New("port space exhausted")

	// ErrNotFound is returned for unknown customers, deployments and connectors.
	ErrNotFound = errors.New("not found")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a deployment status change is
	// not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownConnectionType is returned for connection types outside
	// shared, sidecar and api.
	ErrUnknownConnectionType = errors.New("unknown connection type")
)

// ValidationError describes bad input that was rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RuntimeControlError carries the diagnostic output of a failed runtime call.
type RuntimeControlError struct {
	Op     string
	Unit   string
	Output string
	Err    error
}

func (e *RuntimeControlError) Error() string {
	msg := fmt.Sprintf("runtime %s %s: %v", e.Op, e.Unit, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *RuntimeControlError) Unwrap() error {
	return e.Err
}
