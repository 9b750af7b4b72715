/*
errors.go - Centralized error types for the settlement engine

ERROR CATEGORIES:
  1. Validation - bad ids, unparsable dates, non-positive amounts.
     Rejected before any store access.
  2. Not found - expense, history entry, group or user absent. No retry.
  3. Invalid state - e.g. redo from an entry that is not a deletion.
  4. Conflict - transaction commit failure. The whole mutation may be retried.
  5. Dependency - cache recompute or history logging failed after the
     primary mutation succeeded. Logged and swallowed, never surfaced.
  6. Timeout - a read exceeded the caller's deadline. Retryable.

USAGE:
  if errors.Is(err, ledger.ErrNotFound) { ... }

  var nf *ledger.NotFoundError
  if errors.As(err, &nf) { log(nf.Kind, nf.ID) }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("conflict")
	ErrDependency   = errors.New("dependency failure")
	ErrTimeout      = errors.New("query timed out")

	ErrGroupNotFound   = errors.New("group not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrExpenseNotFound = errors.New("expense not found")
	ErrHistoryNotFound = errors.New("history entry not found")

	// ErrUnsupportedSnapshot is returned when a history snapshot carries a
	// schema version this build cannot replay.
	ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "group", "user", "expense", "history"
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() []error {
	errs := []error{ErrNotFound}
	switch e.Kind {
	case "group":
		errs = append(errs, ErrGroupNotFound)
	case "user":
		errs = append(errs, ErrUserNotFound)
	case "expense":
		errs = append(errs, ErrExpenseNotFound)
	case "history":
		errs = append(errs, ErrHistoryNotFound)
	}
	return errs
}

// NewNotFound is used by store implementations.
func NewNotFound(kind string, id int64) error { return &NotFoundError{Kind: kind, ID: id} }

// InvalidStateError reports an operation that cannot apply to the record as it is.
type InvalidStateError struct {
	Reason string
	Err    error
}

func (e *InvalidStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid state: %s: %v", e.Reason, e.Err)
	}
	return "invalid state: " + e.Reason
}

func (e *InvalidStateError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidState, e.Err}
	}
	return []error{ErrInvalidState}
}

// ConflictError wraps a failed transactional mutation.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: transaction failed: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConflict, e.Err} }

// DependencyError wraps a failed side effect of an already committed mutation.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() []error { return []error{ErrDependency, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classifyRead turns a deadline overrun into ErrTimeout and leaves other
// errors untouched.
func classifyRead(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return err
}

// mutationFailed wraps a failed transaction. Client errors raised inside the
// transaction are passed through as-is.
func mutationFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) {
		return err
	}
	return &ConflictError{Op: op, Err: err}
}
