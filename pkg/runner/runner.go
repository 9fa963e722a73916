// Package runner manages the lifecycle of the engine's long-running
// services: ordered startup, signal handling and graceful reverse-order
// shutdown.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Runner starts services in registration order and stops them in
// reverse order on shutdown.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithShutdownTimeout bounds graceful shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = timeout }
}

// WithStartupTimeout bounds each service's startup. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = timeout }
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          NewNoopLogger(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  1 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service and blocks until the context is cancelled
// or a shutdown signal arrives, then stops them gracefully. A startup
// failure stops the services already started and returns the error.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		WaitForShutdownSignal()
		r.logger.Info("shutdown signal received")
		cancel()
	}()

	r.logger.Info("starting services", "count", len(r.services))
	var started []Service

	for _, service := range r.services {
		r.logger.Info("starting service", "service", service.Name())

		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()

		if err != nil {
			r.logger.Error("failed to start service", "service", service.Name(), "error", err)
			if stopErr := r.stopServices(started); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
			return fmt.Errorf("failed to start service %s: %w", service.Name(), err)
		}
		started = append(started, service)
	}

	r.logger.Info("all services started")
	<-ctx.Done()

	r.logger.Info("shutting down", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services concurrently in reverse registration
// order, bounded by the shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))

	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.logger.Info("stopping service", "service", service.Name())
			if err := service.Stop(shutdownCtx); err != nil {
				r.logger.Error("failed to stop service", "service", service.Name(), "error", err)
				errCh <- fmt.Errorf("failed to stop service %s: %w", service.Name(), err)
				return
			}
			r.logger.Info("service stopped", "service", service.Name())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		return errors.Join(errs...)

	case <-shutdownCtx.Done():
		r.logger.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		return fmt.Errorf("shutdown timeout exceeded after %s", r.shutdownTimeout)
	}
}

// HealthCheck runs the health check of every service implementing
// HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
