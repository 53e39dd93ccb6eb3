// Package observability provides the tracing, metrics, logging and
// health-check infrastructure shared by the broker and the demo apps.
//
// # Overview
//
// The package wires up OpenTelemetry-based observability:
//   - Distributed tracing (OTLP exporter, AlwaysSample)
//   - Metrics through the Prometheus exporter
//   - Structured logging (log/slog) with trace context injection
//   - A side health server with /health, /ready and /metrics
//
// # Quick Start
//
//	config := observability.DefaultConfig("cipherhub-broker")
//	obs, err := observability.NewObservability(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
//	logger := obs.Logger
//	tracer := obs.Tracer
//	meter := obs.Meter
//
// # Components
//
// Observability bundles the configured tracer, meter and logger.
// TraceManager adds domain span helpers (post_task, put_result,
// wait_*, socket_rendezvous). MetricsManager owns the broker's domain
// instruments: tasks and results posted, tasks expired, active
// waiters and SSE streams, sockets paired, broadcast lag drops, plus
// process metrics refreshed by MetricsTicker. HealthServer runs the
// side listener with pluggable HealthCheckers.
//
// The logger's handler (ObservabilityHandler) buffers entries and
// writes JSON lines on a background goroutine, so logging never
// blocks a request; entries are counted per level and dropped (and
// counted) when the buffer is full.
package observability
