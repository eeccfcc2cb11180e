// Package observability provides a metrics extension for Dispatch built on
// the go-utils MetricFactory. The MetricsExtension implements lifecycle hooks
// to record system-wide counters for job enqueue, completion, failure,
// retry, DLQ, cron, and rpc task events. It records no traces.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
