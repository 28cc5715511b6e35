package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/instrumentation"
	"github.com/teemow/inboxdraft/internal/ledger"
	"github.com/teemow/inboxdraft/internal/pipeline"
)

func newProcessCmd() *cobra.Command {
	var (
		service        serviceOptions
		mailboxArg     string
		messageID      string
		max            int64
		labels         []string
		includeDrafted bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Draft replies for unread messages in one pass",
		Long: `Sweep a mailbox's unread backlog and save a reply draft for each message,
then exit. Messages whose thread already carries a draft are skipped unless
--include-drafted is set. One failing message does not stop the sweep; the
report lists every failure with its reason.

With --message-id set, only that single message is processed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			service.applyEnv()

			mailbox, err := identity.Normalize(mailboxArg)
			if err != nil {
				return err
			}

			return runProcess(&service, mailbox, messageID, max, labels, includeDrafted)
		},
	}

	registerServiceFlags(cmd, &service)
	cmd.Flags().StringVar(&mailboxArg, "mailbox", "", "Mailbox to sweep (required)")
	cmd.Flags().StringVar(&messageID, "message-id", "", "Process a single message instead of the unread backlog")
	cmd.Flags().Int64Var(&max, "max", 0, "Maximum messages per sweep (default 20, max 50)")
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "Label IDs messages must carry (default UNREAD,INBOX)")
	cmd.Flags().BoolVar(&includeDrafted, "include-drafted", false, "Also draft for threads that already contain a draft")
	_ = cmd.MarkFlagRequired("mailbox")

	return cmd
}

func runProcess(service *serviceOptions, mailbox identity.Mailbox, messageID string, max int64, labels []string, includeDrafted bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(service.debug)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	store, err := newSecretsStore(service)
	if err != nil {
		return err
	}

	led, err := ledger.Open(service.ledgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	comp, err := newComposer(ctx, service, logger)
	if err != nil {
		return err
	}

	ret, err := newRetriever(ctx, service, logger)
	if err != nil {
		return err
	}

	audit := instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)
	orchestrator := pipeline.New(mailboxClients(store), ret, comp, led,
		nil, audit, logger, pipeline.Config{RetrievalK: service.retrievalK})

	if messageID != "" {
		state, err := orchestrator.ProcessMessage(ctx, mailbox, messageID)
		if err != nil {
			return err
		}
		fmt.Printf("message %s: %s\n", messageID, state)
		return nil
	}

	report, err := orchestrator.ProcessUnread(ctx, mailbox, pipeline.BatchOptions{
		Labels:             labels,
		Max:                max,
		SkipExistingDrafts: !includeDrafted,
	})
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
	return err
}
