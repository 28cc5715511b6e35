// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for the drafting pipeline.
//
// Metrics are exported through Prometheus (default), OTLP or stdout; traces
// through OTLP or stdout. Everything is configured from environment
// variables via DefaultConfig and can be disabled wholesale with
// INSTRUMENTATION_ENABLED=false, in which case all recorders become no-ops.
//
// Mailbox addresses are PII. Metrics only ever carry the mailbox domain
// (see ExtractUserDomain); full addresses appear exclusively in audit log
// records, and only when AUDIT_LOGGING_INCLUDE_PII is set.
package instrumentation
