package store

import (
	"context"
	"time"
)

// Fixed ids of the derived-state blobs.
const (
	BlobAnalytics = "analytics"
	BlobSearch    = "search"
)

// SnapshotRecord is one persisted aggregate snapshot. Data is ciphertext
// sealed under the aggregate key with a context binding the record to
// its aggregate id and version. The archived flag is kept in the clear
// so bootstrap can skip tombstoned aggregates without decrypting them.
type SnapshotRecord struct {
	AggregateID string
	Version     int64
	Archived    bool
	Data        []byte
	UpdatedAt   time.Time
}

// BlobRecord is a versioned ciphertext blob for analytics or the search
// index, stamped with the projection cursor it was serialized at.
type BlobRecord struct {
	BlobID       string
	LastSequence int64
	Data         []byte
}

// FoldBatch carries everything one fold step persists: snapshot
// upserts, the re-serialized derived blobs, and the new cursor value.
// Implementations must commit the whole batch atomically.
type FoldBatch struct {
	Snapshots    []*SnapshotRecord
	Analytics    *BlobRecord
	Search       *BlobRecord
	LastSequence int64
}

// DerivedStore owns the snapshot table, the projection cursor and the
// derived blobs. Only the projection processor writes through it.
type DerivedStore interface {
	// LoadSnapshots returns all persisted snapshot records.
	LoadSnapshots(ctx context.Context) ([]*SnapshotRecord, error)

	// SnapshotCount returns the number of persisted snapshots. A count
	// of zero forces a full replay regardless of any persisted cursor.
	SnapshotCount(ctx context.Context) (int64, error)

	// LoadCursor returns the persisted last_sequence, or 0 when none
	// has been saved yet.
	LoadCursor(ctx context.Context) (int64, error)

	// LoadBlob returns a derived blob, or ErrBlobNotFound.
	LoadBlob(ctx context.Context, blobID string) (*BlobRecord, error)

	// ApplyFold atomically upserts the batch's snapshots, replaces the
	// derived blobs and advances the cursor. All-or-nothing.
	ApplyFold(ctx context.Context, batch *FoldBatch) error

	// Reset clears snapshots, blobs and the cursor for a full rebuild.
	Reset(ctx context.Context) error
}

// SyncStatus is the per-store sync cursor record: the highest remote
// sequence pulled, the remote backend identifier, and the highest local
// sequence confirmed pushed.
type SyncStatus struct {
	StoreID       string
	Head          int64
	RemoteStoreID string
	LastPushedSeq int64
	UpdatedAt     time.Time
}

// SyncStatusStore persists SyncStatus records.
type SyncStatusStore interface {
	// Load returns the record for a store id, or ErrSyncStatusNotFound.
	Load(ctx context.Context, storeID string) (*SyncStatus, error)

	// Save upserts a record.
	Save(ctx context.Context, status *SyncStatus) error

	// Reseed zeroes the head, pushed watermark and remote backend id of
	// an existing record. Returns ErrSyncStatusNotFound when the record
	// does not exist rather than silently creating one.
	Reseed(ctx context.Context, storeID string) error
}
