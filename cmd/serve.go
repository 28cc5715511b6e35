package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/instrumentation"
	"github.com/teemow/inboxdraft/internal/ledger"
	"github.com/teemow/inboxdraft/internal/pipeline"
	"github.com/teemow/inboxdraft/internal/receiver"
	"github.com/teemow/inboxdraft/internal/server"
	"github.com/teemow/inboxdraft/internal/watch"
)

// serveOptions holds the settings specific to the long-running service.
type serveOptions struct {
	service serviceOptions

	addr     string
	apiToken string

	pushAudience       string
	pushServiceAccount string

	watchTopic      string
	watchLabels     []string
	renewalInterval time.Duration
	mailboxes       []string

	metricsEnabled bool
	metricsAddr    string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the drafting service",
		Long: `Run the long-running drafting service. The service receives Gmail change
notifications via Pub/Sub push, fetches the new message, retrieves relevant
knowledge-base passages, and saves a generated reply as a draft on the
original thread.

Push requests must carry a Google-signed OIDC token whose audience matches
--push-audience. The operational endpoints (/watch, /agent/process-unread)
are protected by a static bearer token and disabled when no token is
configured.

With --mailboxes set, the service also keeps the Gmail watch registration
for those mailboxes renewed in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.service.applyEnv()
			opts.apiToken = envDefault(opts.apiToken, "INBOXDRAFT_API_TOKEN")
			opts.pushAudience = envDefault(opts.pushAudience, "PUBSUB_PUSH_AUDIENCE")
			opts.pushServiceAccount = envDefault(opts.pushServiceAccount, "PUBSUB_PUSH_SERVICE_ACCOUNT")
			opts.watchTopic = envDefault(opts.watchTopic, "GMAIL_WATCH_TOPIC")

			return runServe(&opts)
		},
	}

	registerServiceFlags(cmd, &opts.service)

	cmd.Flags().StringVar(&opts.addr, "addr", server.DefaultAddr, "HTTP server address")
	cmd.Flags().StringVar(&opts.apiToken, "api-token", "", "Static bearer token for the operational endpoints. Empty disables them. Can also use INBOXDRAFT_API_TOKEN env var.")

	cmd.Flags().StringVar(&opts.pushAudience, "push-audience", "", "Expected OIDC audience on Pub/Sub push requests. Required. Can also use PUBSUB_PUSH_AUDIENCE env var.")
	cmd.Flags().StringVar(&opts.pushServiceAccount, "push-service-account", "", "Service account email pinned as the push caller. Empty accepts any Google-signed caller with the right audience. Can also use PUBSUB_PUSH_SERVICE_ACCOUNT env var.")

	cmd.Flags().StringVar(&opts.watchTopic, "watch-topic", "", "Pub/Sub topic Gmail publishes change notifications to. Empty disables the /watch endpoint and background renewal. Can also use GMAIL_WATCH_TOPIC env var.")
	cmd.Flags().StringSliceVar(&opts.watchLabels, "watch-labels", nil, "Label IDs the watch is restricted to (default INBOX)")
	cmd.Flags().DurationVar(&opts.renewalInterval, "watch-renewal-interval", watch.DefaultRenewalInterval, "How often mailbox watches are re-registered")
	cmd.Flags().StringSliceVar(&opts.mailboxes, "mailboxes", nil, "Mailboxes whose watches are kept renewed in the background (comma-separated)")

	cmd.Flags().BoolVar(&opts.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address")

	return cmd
}

// watchUnavailable answers /watch when no topic is configured.
type watchUnavailable struct{}

func (watchUnavailable) Register(context.Context, identity.Mailbox) (*gmail.WatchHandle, error) {
	return nil, fmt.Errorf("watch registration is not configured (set --watch-topic)")
}

func runServe(opts *serveOptions) error {
	if opts.pushAudience == "" {
		return fmt.Errorf("--push-audience is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(opts.service.debug)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	store, err := newSecretsStore(&opts.service)
	if err != nil {
		return err
	}

	led, err := ledger.Open(opts.service.ledgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	comp, err := newComposer(ctx, &opts.service, logger)
	if err != nil {
		return err
	}

	ret, err := newRetriever(ctx, &opts.service, logger)
	if err != nil {
		return err
	}

	audit := instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)
	orchestrator := pipeline.New(mailboxClients(store), ret, comp, led,
		provider.Metrics(), audit, logger, pipeline.Config{RetrievalK: opts.service.retrievalK})

	verifier, err := receiver.NewOIDCVerifier(opts.pushAudience, opts.pushServiceAccount)
	if err != nil {
		return err
	}
	rcv := receiver.New(verifier, orchestrator, provider.Metrics(), logger)

	var registrar server.WatchRegistrar = watchUnavailable{}
	var manager *watch.Manager
	if opts.watchTopic != "" {
		// The orchestrator seeds the baseline so a re-registered watch also
		// advances the in-memory cursor, not just the persisted one.
		manager, err = watch.NewManager(watchClients(store), orchestrator, provider.Metrics(), logger, watch.Config{
			Topic:           opts.watchTopic,
			Labels:          opts.watchLabels,
			RenewalInterval: opts.renewalInterval,
		})
		if err != nil {
			return err
		}
		registrar = manager
	}

	srv := server.New(server.Config{Addr: opts.addr, APIToken: opts.apiToken},
		http.HandlerFunc(rcv.HandlePush), orchestrator, registrar, provider.Metrics(), logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	var metricsServer *server.MetricsServer
	if opts.metricsEnabled && provider.Enabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    opts.metricsAddr,
			InstrumentationProvider: provider,
		})
		if err != nil {
			return err
		}
		g.Go(metricsServer.Start)
	}

	if manager != nil && len(opts.mailboxes) > 0 {
		mailboxes, err := parseMailboxes(opts.mailboxes)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := manager.RunRenewal(gctx, mailboxes)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	// Shutdown sequencing: stop accepting traffic, let async dispatches
	// finish, then stop the metrics listener.
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		rcv.Drain()
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown failed", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}
