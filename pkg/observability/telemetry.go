package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config configures the metrics stack.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// MetricReader is the pluggable export path (Prometheus, OTLP,
	// stdout). With a nil reader metrics stay enabled but unexported.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry owns the meter provider and the instruments built on it.
type Telemetry struct {
	MeterProvider metric.MeterProvider
	Metrics       *Metrics
	Logger        *slog.Logger

	shutdown func(context.Context) error
}

// Init builds the meter provider, registers it globally, and creates
// the engine instruments on it.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		opts = append(opts, sdkmetric.WithReader(cfg.MetricReader))
	} else {
		cfg.Logger.Info("metrics export disabled (no reader configured)")
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	metrics, err := NewMetrics(mp.Meter("github.com/plaenen/goalstore"))
	if err != nil {
		mp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	return &Telemetry{
		MeterProvider: mp,
		Metrics:       metrics,
		Logger:        cfg.Logger,
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		t.Logger.Info("shutting down observability")
		return t.shutdown(ctx)
	}
	return nil
}

// Meter returns a meter for the given instrumentation scope.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
