package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/plaenen/goalstore/pkg/domain"
	"github.com/plaenen/goalstore/pkg/store"
)

// cursorName is the single projection cursor row key. The engine runs
// one projection per store instance.
const cursorName = "goals"

// DerivedStore is the SQLite-backed implementation of
// store.DerivedStore. It shares the event log's database so a fold
// batch commits snapshots, blobs and the cursor in one transaction.
type DerivedStore struct {
	db *sql.DB
}

// NewDerivedStore creates a derived store on the given database,
// typically eventLog.DB().
func NewDerivedStore(db *sql.DB) *DerivedStore {
	return &DerivedStore{db: db}
}

// LoadSnapshots returns all persisted snapshot records.
func (s *DerivedStore) LoadSnapshots(ctx context.Context) ([]*store.SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, version, archived, data, updated_at
		FROM snapshots
		ORDER BY aggregate_id ASC
	`)
	if err != nil {
		return nil, domain.NewPersistenceError("loadSnapshots", err)
	}
	defer rows.Close()

	var records []*store.SnapshotRecord
	for rows.Next() {
		rec := &store.SnapshotRecord{}
		var archived int64
		var updatedAt int64
		if err := rows.Scan(&rec.AggregateID, &rec.Version, &archived, &rec.Data, &updatedAt); err != nil {
			return nil, domain.NewPersistenceError("loadSnapshots", err)
		}
		rec.Archived = archived != 0
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("loadSnapshots", err)
	}
	return records, nil
}

// SnapshotCount returns the number of persisted snapshots.
func (s *DerivedStore) SnapshotCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots").Scan(&count); err != nil {
		return 0, domain.NewPersistenceError("snapshotCount", err)
	}
	return count, nil
}

// LoadCursor returns the persisted last_sequence, 0 when absent.
func (s *DerivedStore) LoadCursor(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_sequence FROM projection_cursor WHERE name = ?", cursorName,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewPersistenceError("loadCursor", err)
	}
	return seq, nil
}

// LoadBlob returns a derived blob or store.ErrBlobNotFound.
func (s *DerivedStore) LoadBlob(ctx context.Context, blobID string) (*store.BlobRecord, error) {
	rec := &store.BlobRecord{BlobID: blobID}
	err := s.db.QueryRowContext(ctx,
		"SELECT last_sequence, data FROM derived_blobs WHERE blob_id = ?", blobID,
	).Scan(&rec.LastSequence, &rec.Data)
	if err == sql.ErrNoRows {
		return nil, store.ErrBlobNotFound
	}
	if err != nil {
		return nil, domain.NewPersistenceError("loadBlob", err)
	}
	return rec, nil
}

// ApplyFold commits one fold batch atomically: snapshot upserts, blob
// replacements and the cursor advance all happen or none do.
func (s *DerivedStore) ApplyFold(ctx context.Context, batch *store.FoldBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewPersistenceError("applyFold", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, rec := range batch.Snapshots {
		archived := 0
		if rec.Archived {
			archived = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (aggregate_id, version, archived, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(aggregate_id) DO UPDATE SET
				version = excluded.version,
				archived = excluded.archived,
				data = excluded.data,
				updated_at = excluded.updated_at
		`, rec.AggregateID, rec.Version, archived, rec.Data, now); err != nil {
			return domain.NewPersistenceError("applyFold", err)
		}
	}

	for _, blob := range []*store.BlobRecord{batch.Analytics, batch.Search} {
		if blob == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO derived_blobs (blob_id, last_sequence, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(blob_id) DO UPDATE SET
				last_sequence = excluded.last_sequence,
				data = excluded.data,
				updated_at = excluded.updated_at
		`, blob.BlobID, blob.LastSequence, blob.Data, now); err != nil {
			return domain.NewPersistenceError("applyFold", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection_cursor (name, last_sequence, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_sequence = excluded.last_sequence,
			updated_at = excluded.updated_at
	`, cursorName, batch.LastSequence, now); err != nil {
		return domain.NewPersistenceError("applyFold", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewPersistenceError("applyFold", err)
	}
	return nil
}

// Reset clears all derived tables. The event log is untouched.
func (s *DerivedStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewPersistenceError("reset", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM snapshots",
		"DELETE FROM derived_blobs",
		"DELETE FROM projection_cursor",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return domain.NewPersistenceError("reset", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewPersistenceError("reset", err)
	}
	return nil
}

// SyncStatusStore is the SQLite-backed implementation of
// store.SyncStatusStore.
type SyncStatusStore struct {
	db *sql.DB
}

// NewSyncStatusStore creates a sync status store on the given database.
func NewSyncStatusStore(db *sql.DB) *SyncStatusStore {
	return &SyncStatusStore{db: db}
}

// Load returns the record for a store id, or store.ErrSyncStatusNotFound.
func (s *SyncStatusStore) Load(ctx context.Context, storeID string) (*store.SyncStatus, error) {
	status := &store.SyncStatus{StoreID: storeID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT head, remote_store_id, last_pushed_seq, updated_at
		FROM sync_status WHERE store_id = ?
	`, storeID).Scan(&status.Head, &status.RemoteStoreID, &status.LastPushedSeq, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrSyncStatusNotFound
	}
	if err != nil {
		return nil, domain.NewPersistenceError("loadSyncStatus", err)
	}
	status.UpdatedAt = time.Unix(updatedAt, 0)
	return status, nil
}

// Save upserts a record.
func (s *SyncStatusStore) Save(ctx context.Context, status *store.SyncStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (store_id, head, remote_store_id, last_pushed_seq, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(store_id) DO UPDATE SET
			head = excluded.head,
			remote_store_id = excluded.remote_store_id,
			last_pushed_seq = excluded.last_pushed_seq,
			updated_at = excluded.updated_at
	`, status.StoreID, status.Head, status.RemoteStoreID, status.LastPushedSeq, time.Now().Unix())
	if err != nil {
		return domain.NewPersistenceError("saveSyncStatus", err)
	}
	return nil
}

// Reseed zeroes the sync cursor fields of an existing record. It fails
// with store.ErrSyncStatusNotFound when the record does not exist.
func (s *SyncStatusStore) Reseed(ctx context.Context, storeID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_status
		SET head = 0, remote_store_id = '', last_pushed_seq = 0, updated_at = ?
		WHERE store_id = ?
	`, time.Now().Unix(), storeID)
	if err != nil {
		return domain.NewPersistenceError("reseed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewPersistenceError("reseed", err)
	}
	if n == 0 {
		return store.ErrSyncStatusNotFound
	}
	return nil
}
