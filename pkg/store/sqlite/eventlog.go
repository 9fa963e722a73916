// Package sqlite implements the store interfaces on SQLite using the
// pure Go driver. One database file holds the event log and all derived
// tables; WAL mode keeps readers unblocked during folds.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/goalstore/pkg/domain"
	"github.com/plaenen/goalstore/pkg/observability"
	"github.com/plaenen/goalstore/pkg/store"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// EventLog is the SQLite-backed implementation of store.EventLog.
type EventLog struct {
	db      *sql.DB
	metrics *observability.Metrics
	mu      sync.RWMutex // Serializes appends against reads on one handle

	obsMu     sync.Mutex
	observers map[int]func(head int64)
	nextObsID int
}

type eventLogConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	metrics      *observability.Metrics
}

func defaultEventLogConfig() eventLogConfig {
	return eventLogConfig{
		dsn:          "goalstore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// EventLogOption configures an EventLog.
type EventLogOption func(*eventLogConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) EventLogOption {
	return func(c *eventLogConfig) { c.dsn = dsn }
}

// WithMemoryDatabase uses an in-memory database, mainly for tests.
func WithMemoryDatabase() EventLogOption {
	return func(c *eventLogConfig) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) EventLogOption {
	return func(c *eventLogConfig) { c.maxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) EventLogOption {
	return func(c *eventLogConfig) { c.maxIdleConns = n }
}

// WithWALMode enables write-ahead logging. Recommended for file-backed
// databases, not available for :memory:.
func WithWALMode(enabled bool) EventLogOption {
	return func(c *eventLogConfig) { c.walMode = enabled }
}

// WithAutoMigrate runs pending schema migrations on startup.
func WithAutoMigrate(enabled bool) EventLogOption {
	return func(c *eventLogConfig) { c.autoMigrate = enabled }
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) EventLogOption {
	return func(c *eventLogConfig) { c.metrics = metrics }
}

// NewEventLog opens (and optionally migrates) the database and returns
// the event log.
//
// Example usage:
//
//	// Defaults: goalstore.db, WAL mode, auto-migrate
//	log, err := sqlite.NewEventLog()
//
//	// In-memory database for testing
//	log, err := sqlite.NewEventLog(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
func NewEventLog(opts ...EventLogOption) (*EventLog, error) {
	config := defaultEventLogConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.metrics == nil {
		config.metrics = observability.Default()
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database must stay on a single connection; every
	// extra connection gets its own empty database.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	log := &EventLog{
		db:        db,
		metrics:   config.metrics,
		observers: make(map[int]func(int64)),
	}

	if config.walMode {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return log, nil
}

// DB exposes the underlying handle so the derived and sync status
// stores can share the same database file.
func (l *EventLog) DB() *sql.DB {
	return l.db
}

// Append implements store.EventLog. The whole batch commits or none of
// it does; observers fire only after a successful commit.
func (l *EventLog) Append(ctx context.Context, aggregateID string, events []*domain.EncryptedEvent) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	head, err := l.appendLocked(ctx, aggregateID, events)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.metrics.EventsAppended.Add(ctx, int64(len(events)))
	l.notify(head)
	return nil
}

// AppendBatch implements store.EventLog. One transaction covers the
// whole batch, so an aborted multi-aggregate apply leaves no partial
// page behind.
func (l *EventLog) AppendBatch(ctx context.Context, events []*domain.EncryptedEvent) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	head, appended, err := l.appendBatchLocked(ctx, events)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if appended == 0 {
		return nil
	}

	l.metrics.EventsAppended.Add(ctx, int64(appended))
	l.notify(head)
	return nil
}

func (l *EventLog) appendBatchLocked(ctx context.Context, events []*domain.EncryptedEvent) (int64, int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, domain.NewPersistenceError("appendBatch", err)
	}
	defer tx.Rollback()

	heads := make(map[string]int64)
	var head int64
	appended := 0
	for _, event := range events {
		current, ok := heads[event.AggregateID]
		if !ok {
			err := tx.QueryRowContext(ctx,
				"SELECT version FROM aggregate_heads WHERE aggregate_id = ?", event.AggregateID,
			).Scan(&current)
			if err != nil && err != sql.ErrNoRows {
				return 0, 0, domain.NewPersistenceError("appendBatch", err)
			}
		}

		if event.Version <= current {
			heads[event.AggregateID] = current
			continue
		}
		if event.Version != current+1 {
			return 0, 0, fmt.Errorf("batch diverges at aggregate %s version %d: %w",
				event.AggregateID, event.Version, domain.ErrConcurrencyConflict)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, event_type, version, occurred_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, event.ID, event.AggregateID, event.EventType, event.Version, event.OccurredAt, event.Payload)
		if err != nil {
			return 0, 0, domain.NewPersistenceError("appendBatch", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return 0, 0, domain.NewPersistenceError("appendBatch", err)
		}
		event.Sequence = seq
		head = seq
		heads[event.AggregateID] = event.Version
		appended++
	}

	if appended == 0 {
		return 0, 0, nil
	}

	for aggregateID, version := range heads {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO aggregate_heads (aggregate_id, version) VALUES (?, ?)
			ON CONFLICT(aggregate_id) DO UPDATE SET version = excluded.version
		`, aggregateID, version); err != nil {
			return 0, 0, domain.NewPersistenceError("appendBatch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, domain.NewPersistenceError("appendBatch", err)
	}
	return head, appended, nil
}

func (l *EventLog) appendLocked(ctx context.Context, aggregateID string, events []*domain.EncryptedEvent) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.NewPersistenceError("append", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM aggregate_heads WHERE aggregate_id = ?", aggregateID,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, domain.NewPersistenceError("append", err)
	}

	expected := current + 1
	for _, event := range events {
		if event.AggregateID != aggregateID || event.Version != expected {
			return 0, domain.ErrConcurrencyConflict
		}
		expected++
	}

	var head int64
	for _, event := range events {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, event_type, version, occurred_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, event.ID, event.AggregateID, event.EventType, event.Version, event.OccurredAt, event.Payload)
		if err != nil {
			return 0, domain.NewPersistenceError("append", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return 0, domain.NewPersistenceError("append", err)
		}
		event.Sequence = seq
		head = seq
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_heads (aggregate_id, version) VALUES (?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET version = excluded.version
	`, aggregateID, events[len(events)-1].Version); err != nil {
		return 0, domain.NewPersistenceError("append", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, domain.NewPersistenceError("append", err)
	}
	return head, nil
}

// GetEvents returns one aggregate's events ordered by version.
func (l *EventLog) GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.EncryptedEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, event_id, aggregate_id, event_type, version, occurred_at, payload
		FROM events
		WHERE aggregate_id = ? AND version >= ?
		ORDER BY version ASC
	`, aggregateID, fromVersion)
	if err != nil {
		return nil, domain.NewPersistenceError("getEvents", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetAllEvents returns events ordered by sequence, restricted by the
// filter. The Since bound is exclusive.
func (l *EventLog) GetAllEvents(ctx context.Context, filter store.EventFilter) ([]*domain.EncryptedEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	query := strings.Builder{}
	query.WriteString(`
		SELECT sequence, event_id, aggregate_id, event_type, version, occurred_at, payload
		FROM events
		WHERE sequence > ?
	`)
	args := []any{filter.Since}

	if filter.AggregateID != "" {
		query.WriteString(" AND aggregate_id = ?")
		args = append(args, filter.AggregateID)
	}
	if filter.EventType != "" {
		query.WriteString(" AND event_type = ?")
		args = append(args, filter.EventType)
	}
	query.WriteString(" ORDER BY sequence ASC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, domain.NewPersistenceError("getAllEvents", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// AggregateVersion returns the current version of an aggregate, or 0.
func (l *EventLog) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var version int64
	err := l.db.QueryRowContext(ctx,
		"SELECT version FROM aggregate_heads WHERE aggregate_id = ?", aggregateID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewPersistenceError("aggregateVersion", err)
	}
	return version, nil
}

// HeadSequence returns the highest sequence assigned so far. It reads
// the AUTOINCREMENT counter, so pruned rows still count.
func (l *EventLog) HeadSequence(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var head int64
	err := l.db.QueryRowContext(ctx,
		"SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'events'), 0)",
	).Scan(&head)
	if err != nil {
		return 0, domain.NewPersistenceError("headSequence", err)
	}
	return head, nil
}

// Prune deletes rows with sequence <= atOrBelow. Sequence numbering and
// version heads are unaffected.
func (l *EventLog) Prune(ctx context.Context, atOrBelow int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, "DELETE FROM events WHERE sequence <= ?", atOrBelow)
	if err != nil {
		return 0, domain.NewPersistenceError("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewPersistenceError("prune", err)
	}
	return n, nil
}

// OnAppend registers an observer. Observers run synchronously after the
// append transaction commits, outside the log's internal locks.
func (l *EventLog) OnAppend(fn func(head int64)) (unsubscribe func()) {
	l.obsMu.Lock()
	id := l.nextObsID
	l.nextObsID++
	l.observers[id] = fn
	l.obsMu.Unlock()

	return func() {
		l.obsMu.Lock()
		delete(l.observers, id)
		l.obsMu.Unlock()
	}
}

func (l *EventLog) notify(head int64) {
	l.obsMu.Lock()
	fns := make([]func(int64), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.obsMu.Unlock()

	for _, fn := range fns {
		fn(head)
	}
}

// Close closes the underlying database.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]*domain.EncryptedEvent, error) {
	var events []*domain.EncryptedEvent
	for rows.Next() {
		event := &domain.EncryptedEvent{}
		if err := rows.Scan(
			&event.Sequence, &event.ID, &event.AggregateID,
			&event.EventType, &event.Version, &event.OccurredAt, &event.Payload,
		); err != nil {
			return nil, domain.NewPersistenceError("scanEvents", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("scanEvents", err)
	}
	return events, nil
}
