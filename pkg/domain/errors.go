package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned by the event log when an append
	// violates per-aggregate version contiguity. The caller's in-memory
	// aggregate state is stale; reload and re-evaluate the command.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrMissingKey indicates the key provider could not resolve the
	// aggregate key. Recoverable: folding pauses at the affected event
	// and retries on the next trigger.
	ErrMissingKey = errors.New("aggregate key unavailable")

	// ErrGoalNotFound is returned by projection queries for unknown or
	// archived goal ids.
	ErrGoalNotFound = errors.New("goal not found")

	// ErrNotReady is returned by projection queries before the first
	// bootstrap fold has completed.
	ErrNotReady = errors.New("projection not ready")
)

// MissingKeyError carries the aggregate whose key could not be resolved.
type MissingKeyError struct {
	AggregateID string
	Cause       error
}

func (e *MissingKeyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("aggregate key unavailable for %s: %v", e.AggregateID, e.Cause)
	}
	return fmt.Sprintf("aggregate key unavailable for %s", e.AggregateID)
}

func (e *MissingKeyError) Is(target error) bool { return target == ErrMissingKey }

func (e *MissingKeyError) Unwrap() error { return e.Cause }

// NewMissingKeyError creates a MissingKeyError for an aggregate.
func NewMissingKeyError(aggregateID string, cause error) error {
	return &MissingKeyError{AggregateID: aggregateID, Cause: cause}
}

// PersistenceError wraps unexpected storage failures from the append,
// fold and persist paths. These are logged and propagated, never
// silently swallowed.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// NewPersistenceError wraps a storage failure with the failing operation.
func NewPersistenceError(op string, cause error) error {
	return &PersistenceError{Op: op, Cause: cause}
}
