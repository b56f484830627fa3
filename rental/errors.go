/*
errors.go - Error taxonomy for the reservation engine

PURPOSE:
  All engine errors in one place. Every failure is per-request: nothing here
  is fatal to the process, and every error carries enough detail (field,
  reason, current state, ids) for a caller to retry, edit or escalate.

ERROR CATEGORIES:
  1. Validation      - malformed or missing input
  2. State conflict  - illegal transition, reservation unchanged
  3. Capacity        - instance unavailable, quantity exceeded, no capacity
  4. Concurrency     - lock timeout or stale version, safe to retry
  5. Not found

USAGE:
  if errors.Is(err, rental.ErrStateConflict) {
      // show current state to the operator
  }

  var sc *rental.StateConflictError
  if errors.As(err, &sc) {
      log.Printf("reservation is %s", sc.Current)
  }

SEE ALSO:
  - api/handlers.go: Maps these to HTTP status codes
*/
package rental

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict is returned when an operation is not legal from the
	// reservation's current state. Nothing is changed.
	ErrStateConflict = errors.New("state conflict")

	// ErrInstanceUnavailable is returned when a manually chosen instance is
	// ineligible or already booked over the requested range.
	ErrInstanceUnavailable = errors.New("instance unavailable")

	// ErrQuantityExceeded is returned when more units are picked or received
	// than the line has outstanding.
	ErrQuantityExceeded = errors.New("quantity exceeded")

	// ErrNoCapacity is returned when auto-assignment falls short and the line
	// does not allow a deficit.
	ErrNoCapacity = errors.New("no capacity")

	// ErrConcurrencyConflict is returned on lock timeout or a stale version.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateConflictError reports the state that blocked an operation.
type StateConflictError struct {
	ReservationID ReservationID
	Current       State
	Operation     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s reservation %s in state %s", e.Operation, e.ReservationID, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// InstanceUnavailableError explains why an instance cannot be used.
type InstanceUnavailableError struct {
	LineID     LineID
	InstanceID InstanceID
	Reason     string
}

func (e *InstanceUnavailableError) Error() string {
	if e.LineID != "" {
		return fmt.Sprintf("instance %s unavailable for line %s: %s", e.InstanceID, e.LineID, e.Reason)
	}
	return fmt.Sprintf("instance %s unavailable: %s", e.InstanceID, e.Reason)
}

func (e *InstanceUnavailableError) Unwrap() error { return ErrInstanceUnavailable }

// QuantityExceededError reports an over-pick or over-receive.
type QuantityExceededError struct {
	LineID    LineID
	Requested int
	Remaining int
}

func (e *QuantityExceededError) Error() string {
	return fmt.Sprintf("line %s: requested %d but only %d outstanding", e.LineID, e.Requested, e.Remaining)
}

func (e *QuantityExceededError) Unwrap() error { return ErrQuantityExceeded }

// NoCapacityError reports an auto-assignment shortfall.
type NoCapacityError struct {
	ToolTypeID ToolTypeID
	Period     DateRange
	Requested  int
	Available  int
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("tool type %s: requested %d, only %d available over %s",
		e.ToolTypeID, e.Requested, e.Available, e.Period)
}

func (e *NoCapacityError) Unwrap() error { return ErrNoCapacity }

// ConcurrencyError reports contention. Callers may retry.
type ConcurrencyError struct {
	Resource string
	Reason   string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: %s", e.Resource, e.Reason)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrencyConflict }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrInstanceUnavailable) ||
		errors.Is(err, ErrQuantityExceeded) ||
		errors.Is(err, ErrNoCapacity)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Code is a stable machine-readable name for the error's category.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrInstanceUnavailable):
		return "instance_unavailable"
	case errors.Is(err, ErrQuantityExceeded):
		return "quantity_exceeded"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
