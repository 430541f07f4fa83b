// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes, and graceful shutdown for Relay.
//
// # Overview
//
// Logging is JSON via stdlib slog with field/error carriers and request-id
// propagation through context. Metrics cover the HTTP surface, the decision
// engine (decisions by outcome, conversions, overrides), the definition cache,
// and database connection pools. Tracing is OTLP/gRPC and disabled unless an
// endpoint is configured.
//
// # Usage Example
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("workspace_id", wsID).Info("experiment started")
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.DecisionsTotal.WithLabelValues("new").Inc()
package observability
