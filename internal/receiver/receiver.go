package receiver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/instrumentation"
	"github.com/teemow/inboxdraft/internal/logging"
)

const (
	// maxBodyBytes bounds the push delivery body. Real notifications are a
	// few hundred bytes.
	maxBodyBytes = 1 << 20

	// dispatchTimeout bounds one asynchronous pipeline run started from a
	// push delivery.
	dispatchTimeout = 5 * time.Minute
)

// Pipeline is the consumer side of the orchestrator as the receiver sees
// it.
type Pipeline interface {
	// StaleCursor reports whether the cursor is already covered; used as a
	// fast pre-check before dispatching.
	StaleCursor(mailbox identity.Mailbox, historyID uint64) bool
	// ProcessNotification runs the drafting pipeline for a notification.
	ProcessNotification(ctx context.Context, mailbox identity.Mailbox, historyID uint64, messageIDHint string) (string, error)
}

// Receiver handles authenticated Pub/Sub push deliveries.
type Receiver struct {
	verifier TokenVerifier
	pipeline Pipeline
	metrics  *instrumentation.Metrics
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a Receiver.
func New(verifier TokenVerifier, pipeline Pipeline, metrics *instrumentation.Metrics, logger *slog.Logger) *Receiver {
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		verifier: verifier,
		pipeline: pipeline,
		metrics:  metrics,
		logger:   logging.WithComponent(logger, "receiver"),
	}
}

// HandlePush terminates one push delivery.
//
// Response codes follow Pub/Sub ack semantics: 204 acknowledges, 403
// refuses an unauthenticated delivery (it will be redelivered and
// eventually dead-lettered). Malformed and stale payloads are acknowledged
// deliberately; redelivering them can never succeed.
func (rc *Receiver) HandlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := rc.verifier.Verify(ctx, bearerToken(r)); err != nil {
		rc.metrics.RecordNotification(ctx, instrumentation.OutcomeRejected)
		rc.logger.Warn("refusing unauthenticated push delivery", logging.Err(err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		rc.metrics.RecordNotification(ctx, instrumentation.OutcomeMalformed)
		rc.logger.Warn("reading push body failed", logging.Err(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	notification, err := DecodeEnvelope(body)
	if err != nil {
		rc.metrics.RecordNotification(ctx, instrumentation.OutcomeMalformed)
		rc.logger.Warn("acknowledging malformed push payload", logging.Err(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if rc.pipeline.StaleCursor(notification.Mailbox, notification.HistoryID) {
		rc.metrics.RecordNotification(ctx, instrumentation.OutcomeStale)
		rc.logger.Debug("acknowledging stale notification",
			logging.KeyMailbox, notification.Mailbox,
			logging.HistoryID(notification.HistoryID))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rc.metrics.RecordNotification(ctx, instrumentation.OutcomeAccepted)
	rc.dispatch(notification)
	w.WriteHeader(http.StatusNoContent)
}

// dispatch runs the pipeline after the delivery is acknowledged. The run
// gets its own context; the HTTP request context dies with the response.
func (rc *Receiver) dispatch(n *Notification) {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		state, err := rc.pipeline.ProcessNotification(ctx, n.Mailbox, n.HistoryID, n.MessageIDHint)
		if err != nil {
			rc.logger.Error("notification processing failed",
				logging.KeyMailbox, n.Mailbox,
				logging.HistoryID(n.HistoryID),
				slog.String("reason", faults.Reason(err)),
				logging.Err(err))
			return
		}
		rc.logger.Debug("notification processed",
			logging.KeyMailbox, n.Mailbox,
			logging.HistoryID(n.HistoryID),
			slog.String(logging.KeyState, state))
	}()
}

// Drain waits for in-flight dispatched runs to finish. Called on shutdown.
func (rc *Receiver) Drain() {
	rc.wg.Wait()
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
