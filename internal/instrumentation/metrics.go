package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrService   = "service"
	attrOutcome   = "outcome"
	attrState     = "state"
	attrReason    = "reason"
	attrDomain    = "mailbox_domain"
	attrFlag      = "flag"
)

// Metrics provides methods for recording observability metrics. The zero
// value is a no-op recorder; every method tolerates uninitialized
// instruments.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Notification intake metrics
	notificationsTotal metric.Int64Counter

	// Pipeline metrics
	pipelineRunsTotal    metric.Int64Counter
	pipelineRunDuration  metric.Float64Histogram
	pipelineRunsInFlight metric.Int64UpDownCounter
	draftsCreatedTotal   metric.Int64Counter
	draftsFlaggedTotal   metric.Int64Counter

	// External API metrics
	googleAPIOperationsTotal   metric.Int64Counter
	googleAPIOperationDuration metric.Float64Histogram
	generationDuration         metric.Float64Histogram

	// detailedLabels controls whether mailbox-domain labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether mailbox-domain labels are
// included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.notificationsTotal, err = meter.Int64Counter(
		"notifications_total",
		metric.WithDescription("Total number of inbound push notifications by outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications_total counter: %w", err)
	}

	m.pipelineRunsTotal, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Total number of drafting pipeline runs by terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline_runs_total counter: %w", err)
	}

	m.pipelineRunDuration, err = meter.Float64Histogram(
		"pipeline_run_duration_seconds",
		metric.WithDescription("End-to-end drafting pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline_run_duration_seconds histogram: %w", err)
	}

	m.pipelineRunsInFlight, err = meter.Int64UpDownCounter(
		"pipeline_runs_in_flight",
		metric.WithDescription("Number of pipeline runs currently executing"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline_runs_in_flight gauge: %w", err)
	}

	m.draftsCreatedTotal, err = meter.Int64Counter(
		"drafts_created_total",
		metric.WithDescription("Total number of reply drafts saved for review"),
		metric.WithUnit("{draft}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drafts_created_total counter: %w", err)
	}

	m.draftsFlaggedTotal, err = meter.Int64Counter(
		"drafts_flagged_total",
		metric.WithDescription("Total number of policy findings on generated drafts"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drafts_flagged_total counter: %w", err)
	}

	m.googleAPIOperationsTotal, err = meter.Int64Counter(
		"google_api_operations_total",
		metric.WithDescription("Total number of Google API operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operations_total counter: %w", err)
	}

	m.googleAPIOperationDuration, err = meter.Float64Histogram(
		"google_api_operation_duration_seconds",
		metric.WithDescription("Google API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operation_duration_seconds histogram: %w", err)
	}

	m.generationDuration, err = meter.Float64Histogram(
		"generation_duration_seconds",
		metric.WithDescription("Reply generation model call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1.0, 2.5, 5.0, 10.0, 20.0, 45.0, 90.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordNotification records an inbound push notification with its intake
// outcome: one of "accepted", "rejected", "malformed", "stale".
func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	if m.notificationsTotal == nil {
		return
	}

	m.notificationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrOutcome, outcome),
	))
}

// RecordPipelineRun records one completed pipeline run.
//
// Parameters:
//   - state: terminal state ("drafted", "skipped", "failed")
//   - reason: failure classification tag; empty for successful runs
//   - mailboxDomain: domain of the mailbox (only included if detailedLabels is true)
//   - duration: end-to-end run duration
func (m *Metrics) RecordPipelineRun(ctx context.Context, state, reason, mailboxDomain string, duration time.Duration) {
	if m.pipelineRunsTotal == nil || m.pipelineRunDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrState, state),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String(attrReason, reason))
	}
	if m.detailedLabels && mailboxDomain != "" {
		attrs = append(attrs, attribute.String(attrDomain, mailboxDomain))
	}

	m.pipelineRunsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.pipelineRunDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// PipelineRunStarted increments the in-flight run gauge; the returned
// function decrements it and must always be called.
func (m *Metrics) PipelineRunStarted(ctx context.Context) func() {
	if m.pipelineRunsInFlight == nil {
		return func() {}
	}

	m.pipelineRunsInFlight.Add(ctx, 1)
	return func() {
		m.pipelineRunsInFlight.Add(ctx, -1)
	}
}

// RecordDraftCreated records a saved reply draft.
func (m *Metrics) RecordDraftCreated(ctx context.Context, mailboxDomain string) {
	if m.draftsCreatedTotal == nil {
		return
	}

	var attrs []attribute.KeyValue
	if m.detailedLabels && mailboxDomain != "" {
		attrs = append(attrs, attribute.String(attrDomain, mailboxDomain))
	}

	m.draftsCreatedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDraftFlag records one policy finding on a generated draft. The flag
// kind is a fixed small set defined by the policy rules.
func (m *Metrics) RecordDraftFlag(ctx context.Context, kind string) {
	if m.draftsFlaggedTotal == nil {
		return
	}

	m.draftsFlaggedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFlag, kind),
	))
}

// RecordGoogleAPIOperation records a Google API operation.
//
// Parameters:
//   - service: external service name ("gmail", "vertex")
//   - operation: operation type (fetch, list, create_draft, watch, embed, ...)
//   - status: result status ("success" or "error")
//   - duration: time taken for the operation
func (m *Metrics) RecordGoogleAPIOperation(ctx context.Context, service, operation, status string, duration time.Duration) {
	if m.googleAPIOperationsTotal == nil || m.googleAPIOperationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.googleAPIOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.googleAPIOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordGeneration records a model generation call with its status.
func (m *Metrics) RecordGeneration(ctx context.Context, status string, duration time.Duration) {
	if m.generationDuration == nil {
		return
	}

	m.generationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrStatus, status),
	))
}
