// Package projection implements the processor that folds event log
// entries into goal snapshots, analytic rollups and a full-text search
// index. It owns the derived tables: it is the only writer of
// snapshots, the projection cursor and the derived blobs, and serves
// all reads from its in-memory caches.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/plaenen/goalstore/pkg/crypto"
	"github.com/plaenen/goalstore/pkg/domain"
	"github.com/plaenen/goalstore/pkg/observability"
	"github.com/plaenen/goalstore/pkg/search"
	"github.com/plaenen/goalstore/pkg/store"
)

type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
)

// DefaultPruneWindow is how many folded log rows are kept below the
// cursor before pruning removes them.
const DefaultPruneWindow = 10

// GoalFilter narrows queries by exact match. Empty fields match all.
type GoalFilter struct {
	Category string
	Month    string
	Priority string
}

// Processor is the projection processor for one store. Create it with
// NewProcessor, call Start to bootstrap and subscribe to the log, and
// query it after WhenReady resolves.
type Processor struct {
	log     store.EventLog
	derived store.DerivedStore
	keys    crypto.KeyProvider
	codec   domain.EventCodec
	logger  *slog.Logger
	metrics *observability.Metrics

	pruneWindow int64

	mu        sync.Mutex // guards state, cursor and the caches
	state     state
	cursor    int64
	snapshots map[string]*domain.GoalSnapshot // active aggregates only
	rollups   *domain.Rollups
	index     *search.Index

	ready     chan struct{}
	readyOnce sync.Once

	subMu       sync.Mutex
	subscribers map[int]func()
	nextSubID   int

	trigger     chan struct{}
	quit        chan struct{}
	done        chan struct{}
	unsubscribe func()
}

type processorConfig struct {
	logger      *slog.Logger
	metrics     *observability.Metrics
	pruneWindow int64
}

// Option configures a Processor.
type Option func(*processorConfig)

// WithLogger sets the processor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *processorConfig) { c.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *processorConfig) { c.metrics = metrics }
}

// WithPruneWindow sets how many folded rows remain below the cursor.
// Negative disables pruning.
func WithPruneWindow(window int64) Option {
	return func(c *processorConfig) { c.pruneWindow = window }
}

// NewProcessor creates a stopped processor.
func NewProcessor(log store.EventLog, derived store.DerivedStore, keys crypto.KeyProvider, codec domain.EventCodec, opts ...Option) *Processor {
	config := processorConfig{
		logger:      slog.Default(),
		pruneWindow: DefaultPruneWindow,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.metrics == nil {
		config.metrics = observability.Default()
	}

	return &Processor{
		log:         log,
		derived:     derived,
		keys:        keys,
		codec:       codec,
		logger:      config.logger.With("component", "projection"),
		metrics:     config.metrics,
		pruneWindow: config.pruneWindow,
		snapshots:   make(map[string]*domain.GoalSnapshot),
		rollups:     domain.NewRollups(),
		index:       search.New(),
		ready:       make(chan struct{}),
		subscribers: make(map[int]func()),
	}
}

// Name implements runner.Service.
func (p *Processor) Name() string { return "projection-processor" }

// Start bootstraps the caches from persisted state, folds the log tail
// and subscribes to append notifications. An empty snapshot table
// forces a full replay from sequence 0 regardless of any persisted
// cursor. Start returns once the bootstrap fold has completed.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateStopped {
		p.mu.Unlock()
		return fmt.Errorf("projection processor already started")
	}
	p.state = stateStarting

	if err := p.loadDerivedLocked(ctx); err != nil {
		p.state = stateStopped
		p.mu.Unlock()
		return err
	}

	changed, err := p.foldLocked(ctx)
	if err != nil && !errors.Is(err, domain.ErrMissingKey) {
		p.state = stateStopped
		p.mu.Unlock()
		return err
	}
	if err != nil {
		p.logger.Warn("bootstrap fold halted on unresolved key, will retry", "error", err)
	}

	p.state = stateRunning
	trigger := make(chan struct{}, 1)
	quit := make(chan struct{})
	done := make(chan struct{})
	p.trigger = trigger
	p.quit = quit
	p.done = done
	// trigger is never closed so a notification raced against Stop is a
	// harmless no-op rather than a send on a closed channel.
	p.unsubscribe = p.log.OnAppend(func(head int64) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	p.mu.Unlock()

	p.readyOnce.Do(func() { close(p.ready) })
	if changed {
		p.notifySubscribers()
	}

	go p.foldWorker(trigger, quit, done)
	return nil
}

// Stop unsubscribes from the log and waits for the fold worker to exit.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = stateStopped
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	close(p.quit)
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) foldWorker(trigger <-chan struct{}, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case <-trigger:
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		changed, err := p.fold(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("fold failed", "error", err)
		}
		if changed {
			p.notifySubscribers()
		}
	}
}

// WhenReady returns a channel closed once the bootstrap fold has
// completed. Queries before that return domain.ErrNotReady.
func (p *Processor) WhenReady() <-chan struct{} { return p.ready }

func (p *Processor) isReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// Flush folds all pending events and returns once the cursor has
// caught up with the log head. A missing-key halt propagates, since
// the cursor cannot catch up past the affected event.
func (p *Processor) Flush(ctx context.Context) error {
	for {
		head, err := p.log.HeadSequence(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		caughtUp := p.cursor >= head
		p.mu.Unlock()
		if caughtUp {
			return nil
		}

		changed, err := p.fold(ctx)
		if err != nil {
			return err
		}
		if changed {
			p.notifySubscribers()
		}
	}
}

// ResetAndRebuild clears all derived state, in memory and persisted,
// and replays the entire log through the normal bootstrap path. Safe to
// call repeatedly; folds never run concurrently with the rebuild.
func (p *Processor) ResetAndRebuild(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.derived.Reset(ctx); err != nil {
		return domain.NewPersistenceError("reset", err)
	}
	p.resetCachesLocked()

	if err := p.loadDerivedLocked(ctx); err != nil {
		return err
	}
	if _, err := p.foldLocked(ctx); err != nil && !errors.Is(err, domain.ErrMissingKey) {
		return err
	}
	return nil
}

// Subscribe registers a callback fired after every fold batch that
// changed at least one projection. Returns an unsubscribe func.
func (p *Processor) Subscribe(fn func()) (unsubscribe func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.subscribers, id)
	}
}

func (p *Processor) notifySubscribers() {
	p.subMu.Lock()
	fns := make([]func(), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ListGoals returns all active goal snapshots, sorted by id.
func (p *Processor) ListGoals(ctx context.Context) ([]*domain.GoalSnapshot, error) {
	if !p.isReady() {
		return nil, domain.ErrNotReady
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	goals := make([]*domain.GoalSnapshot, 0, len(p.snapshots))
	for _, s := range p.snapshots {
		goals = append(goals, s.Clone())
	}
	sort.Slice(goals, func(a, b int) bool { return goals[a].ID < goals[b].ID })
	return goals, nil
}

// GetGoalByID returns one active goal snapshot, or
// domain.ErrGoalNotFound for unknown or archived ids.
func (p *Processor) GetGoalByID(ctx context.Context, id string) (*domain.GoalSnapshot, error) {
	if !p.isReady() {
		return nil, domain.ErrNotReady
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.snapshots[id]
	if !ok {
		return nil, domain.ErrGoalNotFound
	}
	return s.Clone(), nil
}

// SearchGoals matches active goals against a text term and then applies
// the filter's equality constraints. An empty term matches all active
// goals, so the filter alone can drive the query.
func (p *Processor) SearchGoals(ctx context.Context, term string, filter GoalFilter) ([]*domain.GoalSnapshot, error) {
	if !p.isReady() {
		return nil, domain.ErrNotReady
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*domain.GoalSnapshot
	if len(search.Tokenize(term)) == 0 {
		for _, s := range p.snapshots {
			candidates = append(candidates, s)
		}
	} else {
		for _, id := range p.index.Search(term) {
			if s, ok := p.snapshots[id]; ok {
				candidates = append(candidates, s)
			}
		}
	}

	var goals []*domain.GoalSnapshot
	for _, s := range candidates {
		if filter.Category != "" && s.Category != filter.Category {
			continue
		}
		if filter.Month != "" && s.Month != filter.Month {
			continue
		}
		if filter.Priority != "" && s.Priority != filter.Priority {
			continue
		}
		goals = append(goals, s.Clone())
	}
	sort.Slice(goals, func(a, b int) bool { return goals[a].ID < goals[b].ID })
	return goals, nil
}

// Rollups returns a deep copy of the current analytic rollups.
func (p *Processor) Rollups(ctx context.Context) (*domain.Rollups, error) {
	if !p.isReady() {
		return nil, domain.ErrNotReady
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := domain.NewRollups()
	for month, cells := range p.rollups.Monthly {
		for category, n := range cells {
			out.Apply(domain.Bucket{Month: month, Category: category}, n)
		}
	}
	return out, nil
}

// Cursor returns the current projection cursor.
func (p *Processor) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Processor) resetCachesLocked() {
	p.cursor = 0
	p.snapshots = make(map[string]*domain.GoalSnapshot)
	p.rollups = domain.NewRollups()
	p.index = search.New()
}

// loadDerivedLocked rebuilds the in-memory caches from the persisted
// derived state. An empty snapshot table forces cursor 0 and a full
// replay; that guards against a wiped snapshot table silently skipping
// history behind a stale persisted cursor.
func (p *Processor) loadDerivedLocked(ctx context.Context) error {
	count, err := p.derived.SnapshotCount(ctx)
	if err != nil {
		return domain.NewPersistenceError("snapshot count", err)
	}
	if count == 0 {
		p.resetCachesLocked()
		return nil
	}

	cursor, err := p.derived.LoadCursor(ctx)
	if err != nil {
		return domain.NewPersistenceError("load cursor", err)
	}
	p.cursor = cursor
	p.snapshots = make(map[string]*domain.GoalSnapshot)

	records, err := p.derived.LoadSnapshots(ctx)
	if err != nil {
		return domain.NewPersistenceError("load snapshots", err)
	}
	for _, rec := range records {
		if rec.Archived {
			continue
		}
		key, err := p.keys.ResolveAggregateKey(ctx, rec.AggregateID)
		if err != nil {
			return fmt.Errorf("failed to resolve key for snapshot %s: %w", rec.AggregateID, err)
		}
		plaintext, err := crypto.Open(key, crypto.SnapshotContext(rec.AggregateID, rec.Version), rec.Data)
		if err != nil {
			return fmt.Errorf("failed to open snapshot %s: %w", rec.AggregateID, err)
		}
		var s domain.GoalSnapshot
		if err := json.Unmarshal(plaintext, &s); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot %s: %w", rec.AggregateID, err)
		}
		p.snapshots[rec.AggregateID] = &s
	}

	if err := p.loadRollupsLocked(ctx); err != nil {
		return err
	}
	return p.loadIndexLocked(ctx)
}

func (p *Processor) loadRollupsLocked(ctx context.Context) error {
	rec, err := p.derived.LoadBlob(ctx, store.BlobAnalytics)
	if errors.Is(err, store.ErrBlobNotFound) {
		p.rollups = p.recomputeRollupsLocked()
		return nil
	}
	if err != nil {
		return domain.NewPersistenceError("load analytics", err)
	}

	key, err := p.keys.ResolveAggregateKey(ctx, store.BlobAnalytics)
	if err != nil {
		return fmt.Errorf("failed to resolve analytics key: %w", err)
	}
	plaintext, err := crypto.Open(key, crypto.BlobContext(store.BlobAnalytics, rec.LastSequence), rec.Data)
	if err != nil {
		return fmt.Errorf("failed to open analytics blob: %w", err)
	}
	rollups := domain.NewRollups()
	if err := json.Unmarshal(plaintext, rollups); err != nil {
		return fmt.Errorf("failed to unmarshal analytics blob: %w", err)
	}
	p.rollups = rollups
	return nil
}

func (p *Processor) loadIndexLocked(ctx context.Context) error {
	rec, err := p.derived.LoadBlob(ctx, store.BlobSearch)
	if errors.Is(err, store.ErrBlobNotFound) {
		p.index = p.rebuildIndexLocked()
		return nil
	}
	if err != nil {
		return domain.NewPersistenceError("load search index", err)
	}

	key, err := p.keys.ResolveAggregateKey(ctx, store.BlobSearch)
	if err != nil {
		return fmt.Errorf("failed to resolve search key: %w", err)
	}
	plaintext, err := crypto.Open(key, crypto.BlobContext(store.BlobSearch, rec.LastSequence), rec.Data)
	if err != nil {
		return fmt.Errorf("failed to open search blob: %w", err)
	}
	index, err := search.Deserialize(plaintext)
	if err != nil {
		return err
	}
	p.index = index
	return nil
}

func (p *Processor) recomputeRollupsLocked() *domain.Rollups {
	snapshots := make([]*domain.GoalSnapshot, 0, len(p.snapshots))
	for _, s := range p.snapshots {
		snapshots = append(snapshots, s)
	}
	return domain.RecomputeRollups(snapshots)
}

func (p *Processor) rebuildIndexLocked() *search.Index {
	index := search.New()
	for _, s := range p.snapshots {
		index.Put(search.Document{ID: s.ID, Title: s.Title, Notes: s.Notes, Category: s.Category})
	}
	return index
}

func (p *Processor) fold(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foldLocked(ctx)
}

// foldLocked processes all events past the cursor in sequence order and
// persists the result as one atomic batch. When a key cannot be
// resolved the fold commits everything before the affected event and
// returns the missing-key error; the cursor stops just short of that
// event and the next trigger retries it.
func (p *Processor) foldLocked(ctx context.Context) (bool, error) {
	started := time.Now()

	events, err := p.log.GetAllEvents(ctx, store.EventFilter{Since: p.cursor})
	if err != nil {
		return false, domain.NewPersistenceError("read events", err)
	}
	if len(events) == 0 {
		p.metrics.ProjectionLag.Record(ctx, 0)
		return false, nil
	}

	startCursor := p.cursor
	pending := make(map[string]*store.SnapshotRecord)
	changed := false
	folded := 0
	var haltErr error

	for _, event := range events {
		key, err := p.keys.ResolveAggregateKey(ctx, event.AggregateID)
		if err != nil {
			if errors.Is(err, domain.ErrMissingKey) {
				p.logger.Warn("fold halted: aggregate key unavailable",
					"aggregate_id", event.AggregateID, "sequence", event.Sequence)
				haltErr = err
				break
			}
			p.rollbackFold(ctx, startCursor)
			return false, err
		}

		domainEvent, err := p.codec.Decode(event, key)
		if err != nil {
			p.rollbackFold(ctx, startCursor)
			return false, fmt.Errorf("failed to decode event at sequence %d: %w", event.Sequence, err)
		}

		prev := p.snapshots[event.AggregateID]
		next := domain.Reduce(prev, domainEvent, event.AggregateID, event.Version)
		if next != nil {
			sub, add := domain.Diff(prev, next)
			if sub != nil {
				p.rollups.Apply(*sub, -1)
			}
			if add != nil {
				p.rollups.Apply(*add, +1)
			}

			if next.Active() {
				p.snapshots[event.AggregateID] = next
				p.index.Put(search.Document{ID: next.ID, Title: next.Title, Notes: next.Notes, Category: next.Category})
			} else {
				delete(p.snapshots, event.AggregateID)
				p.index.Remove(event.AggregateID)
			}
			changed = true

			rec, err := p.sealSnapshot(next, key)
			if err != nil {
				p.rollbackFold(ctx, startCursor)
				return false, err
			}
			pending[event.AggregateID] = rec
		}

		p.cursor = event.Sequence
		folded++
	}

	if folded > 0 {
		batch := &store.FoldBatch{LastSequence: p.cursor}
		for _, rec := range pending {
			batch.Snapshots = append(batch.Snapshots, rec)
		}
		sort.Slice(batch.Snapshots, func(a, b int) bool {
			return batch.Snapshots[a].AggregateID < batch.Snapshots[b].AggregateID
		})

		if batch.Analytics, err = p.sealRollups(ctx); err != nil {
			p.rollbackFold(ctx, startCursor)
			return false, err
		}
		if batch.Search, err = p.sealIndex(ctx); err != nil {
			p.rollbackFold(ctx, startCursor)
			return false, err
		}

		if err := p.derived.ApplyFold(ctx, batch); err != nil {
			p.rollbackFold(ctx, startCursor)
			return false, domain.NewPersistenceError("apply fold", err)
		}

		p.metrics.FoldBatches.Add(ctx, 1)
		p.metrics.EventsFolded.Add(ctx, int64(folded))
		p.metrics.FoldDuration.Record(ctx, time.Since(started).Seconds())
		p.metrics.ProjectionLag.Record(ctx, int64(len(events)-folded))

		p.pruneLocked(ctx)
	}

	return changed, haltErr
}

// rollbackFold discards the partially applied in-memory fold by
// reloading the caches from the last committed derived state.
func (p *Processor) rollbackFold(ctx context.Context, cursor int64) {
	if err := p.loadDerivedLocked(ctx); err != nil {
		p.logger.Error("failed to restore caches after fold failure", "error", err)
		p.resetCachesLocked()
		return
	}
	p.cursor = cursor
}

func (p *Processor) pruneLocked(ctx context.Context) {
	if p.pruneWindow < 0 {
		return
	}
	cutoff := p.cursor - p.pruneWindow
	if cutoff <= 0 {
		return
	}
	pruned, err := p.log.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Warn("prune failed", "error", err)
		return
	}
	if pruned > 0 {
		p.logger.Debug("pruned folded events", "count", pruned, "at_or_below", cutoff)
	}
}

func (p *Processor) sealSnapshot(s *domain.GoalSnapshot, key []byte) (*store.SnapshotRecord, error) {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot %s: %w", s.ID, err)
	}
	data, err := crypto.Seal(key, crypto.SnapshotContext(s.ID, s.Version), plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal snapshot %s: %w", s.ID, err)
	}
	return &store.SnapshotRecord{
		AggregateID: s.ID,
		Version:     s.Version,
		Archived:    !s.Active(),
		Data:        data,
	}, nil
}

func (p *Processor) sealRollups(ctx context.Context) (*store.BlobRecord, error) {
	key, err := p.keys.ResolveAggregateKey(ctx, store.BlobAnalytics)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve analytics key: %w", err)
	}
	plaintext, err := json.Marshal(p.rollups)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rollups: %w", err)
	}
	data, err := crypto.Seal(key, crypto.BlobContext(store.BlobAnalytics, p.cursor), plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal analytics blob: %w", err)
	}
	return &store.BlobRecord{BlobID: store.BlobAnalytics, LastSequence: p.cursor, Data: data}, nil
}

func (p *Processor) sealIndex(ctx context.Context) (*store.BlobRecord, error) {
	key, err := p.keys.ResolveAggregateKey(ctx, store.BlobSearch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve search key: %w", err)
	}
	plaintext, err := p.index.Serialize()
	if err != nil {
		return nil, err
	}
	data, err := crypto.Seal(key, crypto.BlobContext(store.BlobSearch, p.cursor), plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal search blob: %w", err)
	}
	return &store.BlobRecord{BlobID: store.BlobSearch, LastSequence: p.cursor, Data: data}, nil
}
