package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teemow/inboxdraft/internal/composer"
	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/instrumentation"
	"github.com/teemow/inboxdraft/internal/ledger"
	"github.com/teemow/inboxdraft/internal/logging"
	"github.com/teemow/inboxdraft/internal/retriever"
)

// Terminal pipeline states.
const (
	StateDrafted = "drafted"
	StateSkipped = "skipped"
	StateFailed  = "failed"
)

// Triggers name what started a run.
const (
	TriggerPush   = "push"
	TriggerBatch  = "batch"
	TriggerManual = "manual"
)

// Batch size bounds mirror the provider's sensible limits.
const (
	batchMin     = 1
	batchMax     = 50
	batchDefault = 20
)

// MailboxClient is the provider surface one pipeline run needs. It is
// satisfied by *gmail.Client.
type MailboxClient interface {
	Fetch(ctx context.Context, messageID string) (*gmail.Message, error)
	Latest(ctx context.Context, historyID uint64) (*gmail.Message, error)
	ListUnread(ctx context.Context, labels []string, max int64) ([]string, error)
	ThreadHasDraft(ctx context.Context, threadID string) (bool, error)
	CreateDraft(ctx context.Context, req *gmail.DraftRequest) (string, error)
}

// ClientFactory builds a provider client for a mailbox.
type ClientFactory func(ctx context.Context, mailbox identity.Mailbox) (MailboxClient, error)

// DraftComposer turns a message plus context passages into a reply draft.
// It is satisfied by *composer.Composer.
type DraftComposer interface {
	Compose(ctx context.Context, msg *gmail.Message, passages []retriever.Passage) (*composer.Draft, error)
}

// Config tunes orchestrator behavior.
type Config struct {
	// RetrievalK is the number of knowledge-base passages requested per
	// message.
	RetrievalK int
}

// Orchestrator runs the drafting pipeline. Safe for concurrent use; runs
// for the same mailbox are serialized internally.
type Orchestrator struct {
	clients   ClientFactory
	retriever retriever.Retriever
	composer  DraftComposer
	ledger    *ledger.Ledger
	tracker   *tracker
	metrics   *instrumentation.Metrics
	audit     *instrumentation.AuditLogger
	logger    *slog.Logger
	config    Config

	mu    sync.Mutex
	cache map[identity.Mailbox]MailboxClient
}

// New creates an Orchestrator. The retriever may be retriever.Disabled to
// compose without knowledge-base context.
func New(clients ClientFactory, ret retriever.Retriever, comp DraftComposer, led *ledger.Ledger,
	metrics *instrumentation.Metrics, audit *instrumentation.AuditLogger, logger *slog.Logger, config Config) *Orchestrator {

	if ret == nil {
		ret = retriever.Disabled{}
	}
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetrievalK <= 0 {
		config.RetrievalK = retriever.DefaultK
	}

	return &Orchestrator{
		clients:   clients,
		retriever: ret,
		composer:  comp,
		ledger:    led,
		tracker:   newTracker(),
		metrics:   metrics,
		audit:     audit,
		logger:    logging.WithComponent(logger, "pipeline"),
		config:    config,
		cache:     make(map[identity.Mailbox]MailboxClient),
	}
}

// client returns the cached provider client for a mailbox, building one on
// first use. Clients are dropped from the cache on mailbox-fatal errors so
// re-consented credentials get picked up.
func (o *Orchestrator) client(ctx context.Context, mailbox identity.Mailbox) (MailboxClient, error) {
	o.mu.Lock()
	if c, ok := o.cache[mailbox]; ok {
		o.mu.Unlock()
		return c, nil
	}
	o.mu.Unlock()

	c, err := o.clients(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.cache[mailbox] = c
	o.mu.Unlock()
	return c, nil
}

func (o *Orchestrator) dropClient(mailbox identity.Mailbox) {
	o.mu.Lock()
	delete(o.cache, mailbox)
	o.mu.Unlock()
}

// StaleCursor reports whether a notification cursor is already covered by
// the last successful run. It never blocks: with a run in flight for the
// mailbox it conservatively answers false and leaves the decision to the
// serialized path.
func (o *Orchestrator) StaleCursor(mailbox identity.Mailbox, historyID uint64) bool {
	e := o.tracker.entry(mailbox)
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()
	return e.loaded && historyID <= e.lastHistoryID
}

// SetCursor moves the mailbox cursor forward to the watch baseline and
// persists it. Keeping the in-memory tracker in step with the ledger means
// a re-registered watch takes effect immediately instead of after the next
// restart. Cursors never move backwards.
func (o *Orchestrator) SetCursor(ctx context.Context, mailbox identity.Mailbox, historyID uint64) error {
	e := o.tracker.entry(mailbox)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := o.seedCursor(ctx, mailbox, e); err != nil {
		return err
	}
	if historyID <= e.lastHistoryID {
		return nil
	}

	e.lastHistoryID = historyID
	return o.ledger.SetCursor(ctx, mailbox, historyID)
}

// seedCursor loads the persisted cursor into the entry on first use. Caller
// holds e.mu.
func (o *Orchestrator) seedCursor(ctx context.Context, mailbox identity.Mailbox, e *mailboxEntry) error {
	if e.loaded {
		return nil
	}
	cursor, err := o.ledger.Cursor(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	e.lastHistoryID = cursor
	e.loaded = true
	return nil
}

// ProcessNotification handles one push notification: resolve the cursor to
// a message, draft a reply and advance the cursor. Stale cursors are
// dropped without provider calls. Returns the terminal state of the run.
func (o *Orchestrator) ProcessNotification(ctx context.Context, mailbox identity.Mailbox, historyID uint64, messageIDHint string) (string, error) {
	e := o.tracker.entry(mailbox)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := o.seedCursor(ctx, mailbox, e); err != nil {
		return StateFailed, err
	}

	logger := o.logger.With(logging.KeyMailbox, mailbox, logging.HistoryID(historyID))

	if historyID <= e.lastHistoryID {
		o.metrics.RecordNotification(ctx, instrumentation.OutcomeStale)
		logger.Debug("dropping stale notification",
			slog.Uint64("cursor", e.lastHistoryID))
		return StateSkipped, nil
	}

	pr := instrumentation.NewPipelineRun(mailbox.String(), TriggerPush)
	state, draftID, err := o.runForCursor(ctx, mailbox, historyID, messageIDHint, pr)

	pr.DraftID = draftID
	pr.Reason = faults.Reason(err)
	pr.Complete(state, err)
	if o.audit != nil {
		o.audit.LogPipelineRun(pr)
	}
	o.metrics.RecordPipelineRun(ctx, state, pr.Reason, mailbox.Domain(), pr.Duration)

	if err != nil {
		if faults.MailboxFatal(err) {
			o.dropClient(mailbox)
		}
		return state, err
	}

	// Only a fully-processed notification advances the cursor; a failed run
	// stays re-deliverable.
	e.lastHistoryID = historyID
	if err := o.ledger.SetCursor(ctx, mailbox, historyID); err != nil {
		logger.Warn("persisting cursor failed", logging.Err(err))
	}

	return state, nil
}

// runForCursor resolves the notification to a concrete message and drafts
// the reply. Caller holds the mailbox lock.
func (o *Orchestrator) runForCursor(ctx context.Context, mailbox identity.Mailbox, historyID uint64, messageIDHint string, pr *instrumentation.PipelineRun) (string, string, error) {
	ctx, span := instrumentation.StartPipelineSpan(ctx, mailbox.Domain(), messageIDHint)
	defer span.End()
	pr.WithSpanContext(ctx)
	done := o.metrics.PipelineRunStarted(ctx)
	defer done()

	client, err := o.client(ctx, mailbox)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return StateFailed, "", err
	}

	msg, err := o.resolveMessage(ctx, client, historyID, messageIDHint)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			// The change log held no added message (label change, or the
			// message vanished). Nothing to draft.
			instrumentation.AddSpanEvent(span, "no_message_for_cursor")
			pr.WithMessage(messageIDHint, historyID)
			return StateSkipped, "", nil
		}
		instrumentation.SetSpanError(span, err)
		return StateFailed, "", err
	}
	pr.WithMessage(msg.ID, historyID)

	state, draftID, err := o.draftReply(ctx, client, mailbox, msg)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return state, draftID, err
	}
	instrumentation.SetSpanSuccess(span)
	return state, draftID, nil
}

// resolveMessage turns a notification into a full message: by hinted ID
// when the publisher supplied one, otherwise through the change log.
func (o *Orchestrator) resolveMessage(ctx context.Context, client MailboxClient, historyID uint64, messageIDHint string) (*gmail.Message, error) {
	if messageIDHint != "" {
		msg, err := client.Fetch(ctx, messageIDHint)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, faults.ErrNotFound) {
			return nil, err
		}
		// Hinted message is gone; the change log may still hold one.
	}
	return client.Latest(ctx, historyID)
}

// ProcessMessage drafts a reply for one explicitly named message. Used by
// the manual processing surface; the history cursor is not touched.
func (o *Orchestrator) ProcessMessage(ctx context.Context, mailbox identity.Mailbox, messageID string) (string, error) {
	e := o.tracker.entry(mailbox)
	e.mu.Lock()
	defer e.mu.Unlock()

	pr := instrumentation.NewPipelineRun(mailbox.String(), TriggerManual)
	pr.WithMessage(messageID, 0)

	state, draftID, err := o.runForMessage(ctx, mailbox, messageID)

	pr.DraftID = draftID
	pr.Reason = faults.Reason(err)
	pr.Complete(state, err)
	if o.audit != nil {
		o.audit.LogPipelineRun(pr)
	}
	o.metrics.RecordPipelineRun(ctx, state, pr.Reason, mailbox.Domain(), pr.Duration)

	if err != nil && faults.MailboxFatal(err) {
		o.dropClient(mailbox)
	}
	return state, err
}

func (o *Orchestrator) runForMessage(ctx context.Context, mailbox identity.Mailbox, messageID string) (string, string, error) {
	ctx, span := instrumentation.StartPipelineSpan(ctx, mailbox.Domain(), messageID)
	defer span.End()
	done := o.metrics.PipelineRunStarted(ctx)
	defer done()

	client, err := o.client(ctx, mailbox)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return StateFailed, "", err
	}

	msg, err := client.Fetch(ctx, messageID)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return StateFailed, "", err
	}

	state, draftID, err := o.draftReply(ctx, client, mailbox, msg)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return state, draftID, err
	}
	instrumentation.SetSpanSuccess(span)
	return state, draftID, nil
}

// BatchOptions tunes one unread-backlog sweep.
type BatchOptions struct {
	// Labels all messages must carry; defaults to UNREAD and INBOX.
	Labels []string
	// Max bounds the number of messages considered (1 to 50, default 20).
	Max int64
	// SkipExistingDrafts excludes messages whose thread already holds a
	// draft.
	SkipExistingDrafts bool
}

// BatchResult records the outcome for one message inside a batch. From is
// the sender address, not message content, and is part of the caller-facing
// report only; audit logs keep their own redaction rules.
type BatchResult struct {
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	From      string `json:"from_address"`
	Success   bool   `json:"success"`
	DraftID   string `json:"draft_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchReport summarizes one unread-backlog sweep.
type BatchReport struct {
	Mailbox string `json:"email"`
	// TotalFound counts the messages the listing returned; Processed
	// counts how many the sweep actually ran before finishing or
	// aborting.
	TotalFound int           `json:"total_found"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Drafted    int           `json:"drafted"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Results    []BatchResult `json:"results"`
	// Aborted is set when expired mailbox credentials cut the sweep short.
	Aborted bool `json:"aborted,omitempty"`
}

// Failures returns the results of the failed messages.
func (r *BatchReport) Failures() []BatchResult {
	var failed []BatchResult
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed
}

// ClampBatchMax normalizes a requested batch size into the supported range.
func ClampBatchMax(max int64) int64 {
	if max <= 0 {
		return batchDefault
	}
	if max < batchMin {
		return batchMin
	}
	if max > batchMax {
		return batchMax
	}
	return max
}

// ProcessUnread sweeps the unread backlog of a mailbox. Message failures
// are isolated: each one is reported and the sweep continues. Expired
// credentials abort the sweep, since every further call would fail the
// same way.
func (o *Orchestrator) ProcessUnread(ctx context.Context, mailbox identity.Mailbox, opts BatchOptions) (*BatchReport, error) {
	e := o.tracker.entry(mailbox)
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &BatchReport{Mailbox: mailbox.String()}
	logger := o.logger.With(logging.KeyMailbox, mailbox)

	client, err := o.client(ctx, mailbox)
	if err != nil {
		return report, err
	}

	ids, err := client.ListUnread(ctx, opts.Labels, ClampBatchMax(opts.Max))
	if err != nil {
		if faults.MailboxFatal(err) {
			o.dropClient(mailbox)
		}
		return report, err
	}

	report.TotalFound = len(ids)

	start := time.Now()
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Processed++

		pr := instrumentation.NewPipelineRun(mailbox.String(), TriggerBatch)
		pr.WithMessage(id, 0)

		state, draftID, msg, err := o.sweepMessage(ctx, client, mailbox, id, opts.SkipExistingDrafts)

		pr.DraftID = draftID
		pr.Reason = faults.Reason(err)
		pr.Complete(state, err)
		if o.audit != nil {
			o.audit.LogPipelineRun(pr)
		}
		o.metrics.RecordPipelineRun(ctx, state, pr.Reason, mailbox.Domain(), pr.Duration)

		result := BatchResult{
			MessageID: id,
			Success:   err == nil,
			DraftID:   draftID,
			Reason:    pr.Reason,
		}
		if msg != nil {
			result.Subject = msg.Subject()
			result.From = msg.ReplyAddress()
		}
		if err != nil {
			result.Error = err.Error()
		}
		report.Results = append(report.Results, result)

		switch {
		case err == nil && state == StateDrafted:
			report.Succeeded++
			report.Drafted++
		case err == nil:
			report.Succeeded++
			report.Skipped++
		default:
			report.Failed++
			if faults.MailboxFatal(err) {
				o.dropClient(mailbox)
				report.Aborted = true
				logger.Error("aborting batch, mailbox credentials expired",
					logging.MessageID(id), logging.Err(err))
				return report, err
			}
		}
	}

	logger.Info("unread sweep finished",
		slog.Int("processed", report.Processed),
		slog.Int("drafted", report.Drafted),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		logging.Duration(time.Since(start)))

	return report, nil
}

// sweepMessage runs one batch message: fetch, existing-draft filter, then
// the drafting pipeline. A vanished message fails only this message, never
// the sweep. Caller holds the mailbox lock.
func (o *Orchestrator) sweepMessage(ctx context.Context, client MailboxClient, mailbox identity.Mailbox,
	messageID string, skipExistingDrafts bool) (string, string, *gmail.Message, error) {

	msg, err := client.Fetch(ctx, messageID)
	if err != nil {
		return StateFailed, "", nil, err
	}

	if skipExistingDrafts {
		hasDraft, err := client.ThreadHasDraft(ctx, msg.ThreadID)
		if err != nil {
			return StateFailed, "", msg, err
		}
		if hasDraft {
			return StateSkipped, "", msg, nil
		}
	}

	state, draftID, err := o.draftReply(ctx, client, mailbox, msg)
	return state, draftID, msg, err
}

// draftReply runs the message-level pipeline: idempotency check, context
// retrieval, composition and draft creation. Caller holds the mailbox lock.
func (o *Orchestrator) draftReply(ctx context.Context, client MailboxClient, mailbox identity.Mailbox, msg *gmail.Message) (string, string, error) {
	logger := o.logger.With(logging.KeyMailbox, mailbox, logging.MessageID(msg.ID))

	drafted, err := o.ledger.IsDrafted(ctx, mailbox, msg.ID)
	if err != nil {
		return StateFailed, "", err
	}
	if drafted {
		logger.Debug("draft already recorded, skipping")
		return StateSkipped, "", nil
	}

	passages, err := o.retriever.Retrieve(ctx, retrievalQuery(msg), o.config.RetrievalK)
	if err != nil {
		// Retrieval is best-effort; composition proceeds without context.
		logger.Warn("context retrieval failed", logging.Err(err))
		passages = nil
	}

	draft, err := o.composer.Compose(ctx, msg, passages)
	if err != nil {
		return StateFailed, "", err
	}
	for _, flag := range draft.Flags {
		o.metrics.RecordDraftFlag(ctx, flag.Kind)
	}

	draftID, err := client.CreateDraft(ctx, &gmail.DraftRequest{
		ThreadID:   msg.ThreadID,
		To:         msg.ReplyAddress(),
		Subject:    draft.Subject,
		Body:       draft.Body,
		InReplyTo:  msg.RFCMessageID(),
		References: msg.Header("References"),
	})
	if err != nil {
		return StateFailed, "", err
	}

	if err := o.ledger.MarkDrafted(ctx, mailbox, msg.ID, draftID); err != nil {
		// The draft exists; a failed ledger write must not fail the run.
		logger.Warn("recording draft failed", logging.DraftID(draftID), logging.Err(err))
	}

	o.metrics.RecordDraftCreated(ctx, mailbox.Domain())
	logger.Info("reply draft saved",
		logging.DraftID(draftID),
		slog.Int("passages", len(passages)),
		slog.Int("flags", len(draft.Flags)))

	return StateDrafted, draftID, nil
}

// retrievalQuery builds the retrieval query from subject and body. The
// retriever truncates over-long queries itself.
func retrievalQuery(msg *gmail.Message) string {
	body := msg.BodyText
	if body == "" && msg.BodyHTML != "" {
		body = gmail.StripHTML(msg.BodyHTML)
	}
	if body == "" {
		body = msg.Snippet
	}
	return strings.TrimSpace(msg.Subject() + "\n" + body)
}
