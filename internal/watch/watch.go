// Package watch manages Gmail push-notification watches: registration,
// cursor baseline seeding, and periodic renewal. Gmail watches expire after
// seven days, so long-running deployments renew them on a timer.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/instrumentation"
	"github.com/teemow/inboxdraft/internal/logging"
)

// DefaultRenewalInterval is how often watches are re-registered. Well below
// the seven-day provider expiry so a few failed renewals are survivable.
const DefaultRenewalInterval = 12 * time.Hour

// Client registers a watch with the mail provider. Satisfied by
// *gmail.Client.
type Client interface {
	RegisterWatch(ctx context.Context, topic string, labels []string) (*gmail.WatchHandle, error)
}

// ClientFactory resolves a watch client for a mailbox.
type ClientFactory func(ctx context.Context, mailbox identity.Mailbox) (Client, error)

// CursorStore persists the per-mailbox history baseline. Satisfied by
// *pipeline.Orchestrator (which also advances its in-memory cursor) and by
// *ledger.Ledger for one-shot use.
type CursorStore interface {
	SetCursor(ctx context.Context, mailbox identity.Mailbox, historyID uint64) error
}

// Config holds watch registration settings.
type Config struct {
	// Topic is the fully-qualified Pub/Sub topic the provider publishes
	// notifications to, e.g. "projects/my-project/topics/gmail-changes".
	Topic string

	// Labels restricts notifications to the given label IDs. Empty means
	// INBOX only.
	Labels []string

	// RenewalInterval is how often RunRenewal re-registers each watch.
	RenewalInterval time.Duration
}

// Manager registers and renews mailbox watches.
type Manager struct {
	clients ClientFactory
	cursors CursorStore
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	config  Config
}

// NewManager creates a watch manager. metrics and logger may be nil.
func NewManager(clients ClientFactory, cursors CursorStore, metrics *instrumentation.Metrics, logger *slog.Logger, config Config) (*Manager, error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("watch topic is required")
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = DefaultRenewalInterval
	}
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		clients: clients,
		cursors: cursors,
		metrics: metrics,
		logger:  logging.WithComponent(logger, "watch"),
		config:  config,
	}, nil
}

// Register registers (or renews) the watch for a mailbox and seeds the
// history cursor baseline with the returned handle. Seeding goes through the
// monotonic cursor store, so renewing never rewinds a mailbox that has
// already processed past the new baseline.
func (m *Manager) Register(ctx context.Context, mailbox identity.Mailbox) (*gmail.WatchHandle, error) {
	client, err := m.clients(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("resolve client for %s: %w", mailbox, err)
	}

	start := time.Now()
	handle, err := client.RegisterWatch(ctx, m.config.Topic, m.config.Labels)
	if err != nil {
		m.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceGmail,
			instrumentation.OperationWatch, instrumentation.StatusError, time.Since(start))
		return nil, err
	}
	m.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceGmail,
		instrumentation.OperationWatch, instrumentation.StatusSuccess, time.Since(start))

	if m.cursors != nil {
		if err := m.cursors.SetCursor(ctx, mailbox, handle.HistoryID); err != nil {
			// The watch is live; the baseline will be re-seeded on the
			// next renewal or advanced by the first processed run.
			m.logger.Warn("seeding cursor baseline failed",
				logging.KeyMailbox, mailbox,
				logging.HistoryID(handle.HistoryID),
				logging.Err(err))
		}
	}

	m.logger.Info("watch registered",
		logging.KeyMailbox, mailbox,
		logging.HistoryID(handle.HistoryID),
		slog.Time("expiration", handle.Expiration))

	return handle, nil
}

// RunRenewal registers each mailbox immediately and then re-registers it
// every RenewalInterval until ctx is cancelled. Registration failures are
// logged and retried on the next tick; the loops only stop on cancellation.
func (m *Manager) RunRenewal(ctx context.Context, mailboxes []identity.Mailbox) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, mailbox := range mailboxes {
		g.Go(func() error {
			ticker := time.NewTicker(m.config.RenewalInterval)
			defer ticker.Stop()

			for {
				if _, err := m.Register(ctx, mailbox); err != nil {
					m.logger.Error("watch renewal failed",
						logging.KeyMailbox, mailbox, logging.Err(err))
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		})
	}

	return g.Wait()
}
