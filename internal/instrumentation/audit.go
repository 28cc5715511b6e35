package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// PipelineRun captures everything about one drafting pipeline run for audit
// logging. It is the durable record of what the system did with a user's
// mail.
//
// # Privacy Considerations
//
// The Mailbox field contains PII. When logging:
//   - MailboxDomain() gives the low-cardinality value for general logs
//   - the full address appears only in audit-specific log streams
//   - audit logs need appropriate access controls
type PipelineRun struct {
	// RunID uniquely identifies this run across log streams.
	RunID string

	// Mailbox is the full target mailbox address.
	Mailbox string

	// Trigger names what started the run ("push", "batch", "manual").
	Trigger string

	// MessageID and HistoryID identify the processed change.
	MessageID string
	HistoryID uint64

	// State is the terminal pipeline state ("drafted", "skipped", "failed").
	State string

	// Reason is the failure classification tag; empty on success.
	Reason string

	// DraftID is the provider ID of the saved draft, when one was created.
	DraftID string

	// Execution details
	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	// Tracing context
	TraceID string
	SpanID  string
}

// NewPipelineRun creates a PipelineRun with a fresh run ID and timing
// started. Call Complete when the run finishes.
func NewPipelineRun(mailbox, trigger string) *PipelineRun {
	return &PipelineRun{
		RunID:     uuid.NewString(),
		Mailbox:   mailbox,
		Trigger:   trigger,
		StartTime: time.Now(),
	}
}

// MailboxDomain returns the domain portion of the mailbox for
// lower-cardinality logging.
func (pr *PipelineRun) MailboxDomain() string {
	return ExtractUserDomain(pr.Mailbox)
}

// WithMessage sets the processed message identifiers.
func (pr *PipelineRun) WithMessage(messageID string, historyID uint64) *PipelineRun {
	pr.MessageID = messageID
	pr.HistoryID = historyID
	return pr
}

// WithSpanContext extracts trace context from the current span.
func (pr *PipelineRun) WithSpanContext(ctx context.Context) *PipelineRun {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		pr.TraceID = span.SpanContext().TraceID().String()
		pr.SpanID = span.SpanContext().SpanID().String()
	}
	return pr
}

// Complete marks the run as finished in the given terminal state.
func (pr *PipelineRun) Complete(state string, err error) *PipelineRun {
	pr.Duration = time.Since(pr.StartTime)
	pr.State = state
	pr.Success = err == nil
	if err != nil {
		pr.Error = err.Error()
	}
	return pr
}

// LogAttrs returns slog attributes for general operational logging. The
// mailbox appears only as its domain.
func (pr *PipelineRun) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("run_id", pr.RunID),
		slog.String("mailbox_domain", pr.MailboxDomain()),
		slog.String("trigger", pr.Trigger),
		slog.String("state", pr.State),
		slog.Duration("duration", pr.Duration),
		slog.Bool("success", pr.Success),
	}

	if pr.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", pr.MessageID))
	}
	if pr.HistoryID != 0 {
		attrs = append(attrs, slog.Uint64("history_id", pr.HistoryID))
	}
	if pr.DraftID != "" {
		attrs = append(attrs, slog.String("draft_id", pr.DraftID))
	}
	if pr.Reason != "" {
		attrs = append(attrs, slog.String("reason", pr.Reason))
	}
	if pr.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", pr.TraceID))
	}
	if pr.Error != "" {
		attrs = append(attrs, slog.String("error", pr.Error))
	}

	return attrs
}

// LogAuditAttrs returns slog attributes for full audit logging, including
// the complete mailbox address.
//
// # Security Warning
//
// This method includes PII. Ensure audit logs are stored securely, kept off
// general monitoring dashboards, and retained per compliance requirements.
func (pr *PipelineRun) LogAuditAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("run_id", pr.RunID),
		slog.String("mailbox", pr.Mailbox),
		slog.String("trigger", pr.Trigger),
		slog.String("state", pr.State),
		slog.Duration("duration", pr.Duration),
		slog.Bool("success", pr.Success),
	}

	if pr.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", pr.MessageID))
	}
	if pr.HistoryID != 0 {
		attrs = append(attrs, slog.Uint64("history_id", pr.HistoryID))
	}
	if pr.DraftID != "" {
		attrs = append(attrs, slog.String("draft_id", pr.DraftID))
	}
	if pr.Reason != "" {
		attrs = append(attrs, slog.String("reason", pr.Reason))
	}
	if pr.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", pr.TraceID))
	}
	if pr.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", pr.SpanID))
	}
	if pr.Error != "" {
		attrs = append(attrs, slog.String("error", pr.Error))
	}

	return attrs
}

// AuditLogger provides structured audit logging for pipeline runs.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger with the given configuration. By
// default PII is excluded and anonymized identifiers are used instead.
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger,
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogPipelineRun logs a completed pipeline run. When the logger is
// configured with IncludePII the full mailbox address is logged; otherwise
// only its domain.
func (al *AuditLogger) LogPipelineRun(pr *PipelineRun) {
	if !al.enabled {
		return
	}

	var attrs []slog.Attr
	if al.includePII {
		attrs = pr.LogAuditAttrs()
	} else {
		attrs = pr.LogAttrs()
	}

	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}

	if pr.Success {
		al.logger.Info("pipeline_run", args...)
	} else {
		al.logger.Warn("pipeline_run_failed", args...)
	}
}
