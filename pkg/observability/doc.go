// Package observability provides structured logging, Prometheus metrics,
// health checks, panic recovery, and graceful shutdown for the tenantgate
// engine.
//
// Logging uses stdlib slog with a JSON handler; loggers travel through
// request contexts via pkg/contextkeys. Metrics are registered on an
// injected prometheus.Registry so tests can use isolated registries.
package observability
