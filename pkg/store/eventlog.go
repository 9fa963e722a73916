// Package store defines the persistence interfaces of the storage
// engine: the append-only event log, the derived-state tables owned by
// the projection processor, and the sync status record. SQLite
// implementations live in store/sqlite.
package store

import (
	"context"
	"errors"

	"github.com/plaenen/goalstore/pkg/domain"
)

var (
	// ErrSyncStatusNotFound is returned when the sync status record for
	// a store id does not exist. Reseed fails loudly on it instead of
	// silently creating a record.
	ErrSyncStatusNotFound = errors.New("sync status record not found")

	// ErrBlobNotFound is returned when a derived-state blob has not been
	// persisted yet (cold start).
	ErrBlobNotFound = errors.New("derived blob not found")
)

// EventFilter narrows GetAllEvents. Zero values mean "no constraint".
type EventFilter struct {
	AggregateID string
	EventType   string

	// Since is exclusive: only events with Sequence > Since are returned.
	Since int64

	// Limit bounds the result size; 0 means unlimited.
	Limit int
}

// EventLog is the append-only, per-aggregate-versioned, globally
// sequenced store of encrypted event records. It is the only component
// allowed to touch the events table.
type EventLog interface {
	// Append persists a batch of events for one aggregate atomically and
	// assigns each the next global sequence. It returns
	// domain.ErrConcurrencyConflict unless the first event's version is
	// exactly the aggregate's current version + 1 and the batch is
	// contiguous. On success the events' Sequence fields are populated.
	Append(ctx context.Context, aggregateID string, events []*domain.EncryptedEvent) error

	// AppendBatch persists events spanning several aggregates in one
	// transaction; the whole batch commits or none of it does. Events at
	// or below an aggregate's current version are ignored, so re-applying
	// a batch is idempotent; beyond that each aggregate's events must be
	// contiguous from its current version or the batch fails with
	// domain.ErrConcurrencyConflict. On success the appended events'
	// Sequence fields are populated.
	AppendBatch(ctx context.Context, events []*domain.EncryptedEvent) error

	// GetEvents returns one aggregate's events ordered by version, with
	// version >= fromVersion.
	GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.EncryptedEvent, error)

	// GetAllEvents returns events across aggregates ordered by sequence,
	// restricted by the filter.
	GetAllEvents(ctx context.Context, filter EventFilter) ([]*domain.EncryptedEvent, error)

	// AggregateVersion returns the current version of an aggregate, or 0
	// if it has no events. Survives pruning.
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// HeadSequence returns the highest sequence assigned so far, or 0
	// for an empty log. Survives pruning.
	HeadSequence(ctx context.Context) (int64, error)

	// Prune deletes log rows with sequence <= atOrBelow and returns how
	// many were removed. Callers must only prune below the projection
	// cursor minus the safety window.
	Prune(ctx context.Context, atOrBelow int64) (int64, error)

	// OnAppend registers an observer that fires after each committed
	// append with the new head sequence. Returns an unsubscribe func.
	OnAppend(fn func(head int64)) (unsubscribe func())

	// Close releases the underlying resources.
	Close() error
}
