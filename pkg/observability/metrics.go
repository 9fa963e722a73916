// Package observability provides the OpenTelemetry metric instruments
// of the storage engine. With no SDK installed the global meter is a
// no-op, so instrumentation is free to leave enabled everywhere.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the storage engine.
type Metrics struct {
	// Event log metrics
	EventsAppended metric.Int64Counter

	// Projection metrics
	FoldBatches   metric.Int64Counter
	EventsFolded  metric.Int64Counter
	FoldDuration  metric.Float64Histogram
	ProjectionLag metric.Int64Gauge

	// Sync metrics
	SyncPushes    metric.Int64Counter
	SyncPulls     metric.Int64Counter
	SyncConflicts metric.Int64Counter
	SyncOffline   metric.Int64Counter
}

// NewMetrics creates all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter(
		"goalstore.events.appended",
		metric.WithDescription("Total events appended to the event log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.FoldBatches, err = meter.Int64Counter(
		"goalstore.projection.folds",
		metric.WithDescription("Total fold batches applied"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.folds: %w", err)
	}

	m.EventsFolded, err = meter.Int64Counter(
		"goalstore.projection.events_folded",
		metric.WithDescription("Total events folded into derived state"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.events_folded: %w", err)
	}

	m.FoldDuration, err = meter.Float64Histogram(
		"goalstore.projection.fold_duration",
		metric.WithDescription("Fold batch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.fold_duration: %w", err)
	}

	m.ProjectionLag, err = meter.Int64Gauge(
		"goalstore.projection.lag",
		metric.WithDescription("Log head sequence minus projection cursor"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	m.SyncPushes, err = meter.Int64Counter(
		"goalstore.sync.pushes",
		metric.WithDescription("Total successful pushes"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sync.pushes: %w", err)
	}

	m.SyncPulls, err = meter.Int64Counter(
		"goalstore.sync.pulls",
		metric.WithDescription("Total successful pull pages"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sync.pulls: %w", err)
	}

	m.SyncConflicts, err = meter.Int64Counter(
		"goalstore.sync.conflicts",
		metric.WithDescription("Total server-ahead conflicts observed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sync.conflicts: %w", err)
	}

	m.SyncOffline, err = meter.Int64Counter(
		"goalstore.sync.offline",
		metric.WithDescription("Total operations classified as offline"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sync.offline: %w", err)
	}

	return m, nil
}

// Default creates instruments on the globally registered meter
// provider, a no-op unless an SDK has been installed.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter("github.com/plaenen/goalstore"))
	if err != nil {
		// The no-op meter never fails instrument creation.
		panic(err)
	}
	return m
}
