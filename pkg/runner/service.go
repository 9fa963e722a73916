package runner

import "context"

// Service is a long-running component managed by the Runner. The sync
// engine and the projection processor both implement it.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up. It must respect context cancellation
	// and return once the service is operational.
	Start(ctx context.Context) error

	// Stop shuts the service down gracefully within the context
	// deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface services can implement to
// report their health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
