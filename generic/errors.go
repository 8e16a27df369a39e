/*
errors.go - Centralized error types for the reschedule engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them with %w) so callers can
  classify failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - Malformed or missing input, caught before any write
  2. Date range errors - Anchor-move guards and date ordering invariants
  3. Domain rule violations - Business constraints (terminal states, synced windows)
  4. Not found - Referenced loan/request/window/variation absent
  5. Persistence conflicts - Integrity or concurrency failures at the store

AGGREGATION:
  Request validation collects every problem with go.uber.org/multierr. The
  combined error still satisfies errors.Is for each member's sentinel.

USAGE:
    if errors.Is(err, generic.ErrDomainRule) {
        // reject outright, nothing was written
    }

SEE ALSO:
  - api/handlers.go: Maps categories to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrDateRange marks a date that violates an ordering guard.
	ErrDateRange = errors.New("date out of range")

	// ErrDomainRule marks a business constraint violation.
	ErrDomainRule = errors.New("domain rule violation")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrPersistenceConflict is returned when the store detects a concurrent
	// modification or integrity failure.
	ErrPersistenceConflict = errors.New("persistence conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one invalid input field.
type ValidationError struct {
	Field   string
	Code    string // e.g. "required", "must_repeat"
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DateRangeError describes a date that fell on the wrong side of a bound.
type DateRangeError struct {
	Field   string
	Date    Date
	Bound   Date
	Message string
}

func (e *DateRangeError) Error() string {
	return fmt.Sprintf("%s %s: %s (bound %s)", e.Field, e.Date, e.Message, e.Bound)
}

func (e *DateRangeError) Unwrap() error { return ErrDateRange }

// DomainRuleError describes a business rule that forbids the operation.
type DomainRuleError struct {
	Code    string // e.g. "request_not_pending", "frequency_change_while_synced"
	Message string
}

func (e *DomainRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainRuleError) Unwrap() error { return ErrDomainRule }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceConflictError wraps a storage failure. Error() stays generic so
// store internals never reach API clients; the cause is kept for logs.
type PersistenceConflictError struct {
	Op  string
	Err error
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("%s: the record was modified concurrently or violates an integrity constraint", e.Op)
}

func (e *PersistenceConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPersistenceConflict}
	}
	return []error{ErrPersistenceConflict, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDateRange)
}

// IsDomainRule returns true if a business rule refused the operation.
func IsDomainRule(err error) bool {
	return errors.Is(err, ErrDomainRule)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the store rejected the write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPersistenceConflict)
}

// Details flattens an aggregated error into its member messages.
func Details(err error) []string {
	if err == nil {
		return nil
	}
	errs := multierr.Errors(err)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
