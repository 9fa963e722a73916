// Package sync reconciles the local event log with a remote authority
// through a push/pull protocol. The remote is the single source of
// sequence-number truth: the client catches up before pushing further.
package sync

import (
	"context"

	"github.com/plaenen/goalstore/pkg/domain"
)

// PushResult is the remote's acknowledgement of an accepted batch.
type PushResult struct {
	// HeadSeqNum is the remote head after the push.
	HeadSeqNum int64
}

// PullResult is one page of remote events.
type PullResult struct {
	Events []*domain.EncryptedEvent

	// HasMore reports whether further pages remain beyond this one.
	HasMore bool

	// HeadSeqNum is the remote head at pull time.
	HeadSeqNum int64
}

// Backend is the network transport abstraction the engine drives.
// Implementations classify failures into the package's error taxonomy:
// ServerAheadError for a 409-style conflict, ErrOffline for transport
// failures and any other rejection, InvalidPushError/InvalidPullError
// for malformed traffic.
type Backend interface {
	// Push submits a batch of local events to the remote. Push is
	// idempotent by event id: the remote ignores events it already
	// holds, so a batch containing previously pulled events is safe.
	Push(ctx context.Context, storeID string, events []*domain.EncryptedEvent) (*PushResult, error)

	// Pull requests remote events with sequence > since, paginated.
	Pull(ctx context.Context, storeID string, since int64, limit int) (*PullResult, error)
}
