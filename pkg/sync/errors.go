package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline classifies transport failures and any non-conflict
	// rejection from the remote, authorization hiccups included.
	// Transient: callers retry with backoff, nothing is invalidated.
	ErrOffline = errors.New("remote unreachable or unavailable")

	// ErrServerAhead is the sentinel for ServerAheadError.
	ErrServerAhead = errors.New("server ahead: pull before pushing")

	// ErrInvalidPush marks a malformed push request or response. Not
	// retryable without client-side correction.
	ErrInvalidPush = errors.New("invalid push")

	// ErrInvalidPull marks a malformed pull request or response.
	ErrInvalidPull = errors.New("invalid pull")
)

// ServerAheadError reports that the remote holds state the client has
// not seen. It carries both sequence numbers from the 409 response; the
// correct reaction is pull-then-retry, never force-overwrite.
type ServerAheadError struct {
	MinimumExpected int64
	Provided        int64
}

func (e *ServerAheadError) Error() string {
	return fmt.Sprintf("server ahead: remote expects sequence >= %d, push provided %d",
		e.MinimumExpected, e.Provided)
}

func (e *ServerAheadError) Is(target error) bool { return target == ErrServerAhead }

// InvalidPushError wraps a push that the client built or parsed wrong.
type InvalidPushError struct {
	Reason string
	Cause  error
}

func (e *InvalidPushError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid push: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid push: %s", e.Reason)
}

func (e *InvalidPushError) Is(target error) bool { return target == ErrInvalidPush }

func (e *InvalidPushError) Unwrap() error { return e.Cause }

// InvalidPullError wraps a pull response the client could not use.
type InvalidPullError struct {
	Reason string
	Cause  error
}

func (e *InvalidPullError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid pull: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid pull: %s", e.Reason)
}

func (e *InvalidPullError) Is(target error) bool { return target == ErrInvalidPull }

func (e *InvalidPullError) Unwrap() error { return e.Cause }
