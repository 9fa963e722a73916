package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plaenen/goalstore/pkg/domain"
	"github.com/plaenen/goalstore/pkg/observability"
	"github.com/plaenen/goalstore/pkg/store"
)

// Engine moves the local unsynced tail of the event log to the remote
// authority and pulls remote-only events into the local log. Push and
// pull are serialized per store instance; pulled events go through the
// event log's normal append path and therefore participate in the same
// per-aggregate version discipline as local writes.
type Engine struct {
	log     store.EventLog
	status  store.SyncStatusStore
	backend Backend
	storeID string

	logger  *slog.Logger
	metrics *observability.Metrics

	pageLimit    int
	syncInterval time.Duration
	pingInterval time.Duration
	opTimeout    time.Duration

	onRebase atomic.Pointer[func()]

	mu     stdsync.Mutex // serializes push/pull against one store
	online atomic.Bool

	runMu  stdsync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

type engineConfig struct {
	logger       *slog.Logger
	metrics      *observability.Metrics
	pageLimit    int
	syncInterval time.Duration
	pingInterval time.Duration
	opTimeout    time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) EngineOption {
	return func(c *engineConfig) { c.metrics = metrics }
}

// WithPageLimit sets the pull page size.
func WithPageLimit(limit int) EngineOption {
	return func(c *engineConfig) { c.pageLimit = limit }
}

// WithSyncInterval sets how often the background loop syncs.
func WithSyncInterval(interval time.Duration) EngineOption {
	return func(c *engineConfig) { c.syncInterval = interval }
}

// WithPingInterval sets how often the background loop probes
// connectivity while offline.
func WithPingInterval(interval time.Duration) EngineOption {
	return func(c *engineConfig) { c.pingInterval = interval }
}

// WithOperationTimeout bounds each network round in the background loop.
func WithOperationTimeout(timeout time.Duration) EngineOption {
	return func(c *engineConfig) { c.opTimeout = timeout }
}

// NewEngine creates a sync engine for one local store.
func NewEngine(log store.EventLog, status store.SyncStatusStore, backend Backend, storeID string, opts ...EngineOption) *Engine {
	config := engineConfig{
		logger:       slog.Default(),
		pageLimit:    200,
		syncInterval: 30 * time.Second,
		pingInterval: 10 * time.Second,
		opTimeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.metrics == nil {
		config.metrics = observability.Default()
	}

	return &Engine{
		log:          log,
		status:       status,
		backend:      backend,
		storeID:      storeID,
		logger:       config.logger.With("component", "sync", "store_id", storeID),
		metrics:      config.metrics,
		pageLimit:    config.pageLimit,
		syncInterval: config.syncInterval,
		pingInterval: config.pingInterval,
		opTimeout:    config.opTimeout,
	}
}

// OnRebaseRequired registers the hook invoked after remote events have
// been pulled while unsynced local events existed. The consumer reacts
// by rebuilding derived state; the engine never reaches into the
// projection processor directly. Safe to call while the engine runs.
func (e *Engine) OnRebaseRequired(fn func()) {
	e.onRebase.Store(&fn)
}

// Online reports the last observed connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Connect probes the remote with a cheap one-event pull. It only flips
// the connectivity flag; nothing is applied and a failure invalidates
// no already-synced data.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, err := e.loadOrInitStatus(ctx)
	if err != nil {
		return err
	}

	if _, err := e.backend.Pull(ctx, e.storeID, status.Head, 1); err != nil {
		e.online.Store(false)
		return err
	}
	e.online.Store(true)
	return nil
}

// Sync pulls remote events and then pushes the local unsynced tail.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.pullLocked(ctx); err != nil {
		return err
	}
	return e.pushLocked(ctx, true)
}

// Pull fetches and applies all remote events beyond the sync cursor.
func (e *Engine) Pull(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pullLocked(ctx)
}

// Push submits the local unsynced tail. On a server-ahead conflict it
// pulls and retries once; a second conflict propagates.
func (e *Engine) Push(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushLocked(ctx, true)
}

// Reseed zeroes the sync cursor record, for operator use when local and
// remote have diverged beyond automatic repair. Fails loudly when the
// record does not exist. The engine should be stopped first.
func (e *Engine) Reseed(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Reseed(ctx, e.storeID)
}

func (e *Engine) loadOrInitStatus(ctx context.Context) (*store.SyncStatus, error) {
	status, err := e.status.Load(ctx, e.storeID)
	if errors.Is(err, store.ErrSyncStatusNotFound) {
		status = &store.SyncStatus{StoreID: e.storeID}
		if err := e.status.Save(ctx, status); err != nil {
			return nil, err
		}
		return status, nil
	}
	return status, err
}

func (e *Engine) pullLocked(ctx context.Context) error {
	status, err := e.loadOrInitStatus(ctx)
	if err != nil {
		return err
	}

	localHead, err := e.log.HeadSequence(ctx)
	if err != nil {
		return err
	}
	hadUnsynced := localHead > status.LastPushedSeq

	pulledAny := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := e.backend.Pull(ctx, e.storeID, status.Head, e.pageLimit)
		if err != nil {
			e.classify(ctx, err)
			return err
		}
		e.online.Store(true)

		if len(res.Events) == 0 {
			break
		}

		// Append reassigns local sequences; remember the remote head of
		// this page before it does.
		remoteHead := res.Events[len(res.Events)-1].Sequence

		if err := e.applyPage(ctx, res.Events); err != nil {
			return err
		}
		pulledAny = true

		status.Head = remoteHead
		if err := e.status.Save(ctx, status); err != nil {
			return err
		}
		e.metrics.SyncPulls.Add(ctx, 1)

		if !res.HasMore {
			break
		}
	}

	if fn := e.onRebase.Load(); pulledAny && hadUnsynced && fn != nil {
		e.logger.Info("remote events interleaved with unsynced local events, rebase required")
		(*fn)()
	}
	return nil
}

// applyPage appends one pulled page in a single log transaction, so an
// aborted pull leaves either the whole page or none of it. Events the
// log already holds (a retry after an interrupted sync) are skipped by
// the batch append, so re-pulling a page is idempotent.
func (e *Engine) applyPage(ctx context.Context, events []*domain.EncryptedEvent) error {
	// Remote sequences are meaningless locally; Append assigns fresh ones.
	for _, event := range events {
		event.Sequence = 0
	}
	if err := e.log.AppendBatch(ctx, events); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return fmt.Errorf("pulled page diverges from local log: %w", err)
		}
		return err
	}
	return nil
}

func (e *Engine) pushLocked(ctx context.Context, retryOnConflict bool) error {
	status, err := e.loadOrInitStatus(ctx)
	if err != nil {
		return err
	}

	unsynced, err := e.log.GetAllEvents(ctx, store.EventFilter{Since: status.LastPushedSeq})
	if err != nil {
		return err
	}
	if len(unsynced) == 0 {
		return nil
	}

	res, err := e.backend.Push(ctx, e.storeID, unsynced)
	if err != nil {
		if errors.Is(err, ErrServerAhead) {
			e.metrics.SyncConflicts.Add(ctx, 1)
			if !retryOnConflict {
				return err
			}
			e.logger.Info("server ahead, pulling before retrying push")
			if err := e.pullLocked(ctx); err != nil {
				return err
			}
			return e.pushLocked(ctx, false)
		}
		e.classify(ctx, err)
		return err
	}
	e.online.Store(true)
	e.metrics.SyncPushes.Add(ctx, 1)

	status.LastPushedSeq = unsynced[len(unsynced)-1].Sequence
	// The remote head now covers the batch just accepted.
	status.Head = res.HeadSeqNum
	return e.status.Save(ctx, status)
}

func (e *Engine) classify(ctx context.Context, err error) {
	if errors.Is(err, ErrOffline) {
		e.online.Store(false)
		e.metrics.SyncOffline.Add(ctx, 1)
	}
}

// Name implements runner.Service.
func (e *Engine) Name() string { return "sync-engine" }

// Start launches the background loops: a sync loop while online and a
// connectivity probe while offline. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("sync engine already started")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, loopCtx := errgroup.WithContext(loopCtx)
	e.cancel = cancel
	e.group = group

	group.Go(func() error { return e.syncLoop(loopCtx) })
	group.Go(func() error { return e.probeLoop(loopCtx) })
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.cancel = nil

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !e.online.Load() {
				continue
			}
			opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
			if err := e.Sync(opCtx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("sync round failed", "error", err)
			}
			cancel()
		}
	}
}

func (e *Engine) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.online.Load() {
				continue
			}
			opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
			if err := e.Connect(opCtx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Debug("connectivity probe failed", "error", err)
			}
			cancel()
		}
	}
}
