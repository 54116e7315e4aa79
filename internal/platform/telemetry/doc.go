// Package telemetry groups operational observability for the chat relay.
//
// # Operational Metrics (telemetry/metrics)
//
// Prometheus counters and histograms for routed events, deliveries, store
// latency and live connections. They support monitoring and alerting and are
// exposed on the chat HTTP surface at /metrics.
//
// # Tracing
//
// Distributed tracing is configured by platform/otel; router spans are created
// through the global OpenTelemetry tracer provider.
package telemetry
