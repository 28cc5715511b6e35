package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/ledger"
	"github.com/teemow/inboxdraft/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		service    serviceOptions
		mailboxArg string
		topic      string
		labels     []string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register the Gmail change watch for a mailbox",
		Long: `Register (or renew) the Gmail push-notification watch for a mailbox and
seed the history cursor baseline in the ledger. The watch expires after
seven days; the serve command renews it automatically when --mailboxes is
set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			service.applyEnv()
			topic = envDefault(topic, "GMAIL_WATCH_TOPIC")

			mailbox, err := identity.Normalize(mailboxArg)
			if err != nil {
				return err
			}

			return runWatch(&service, mailbox, topic, labels)
		},
	}

	registerServiceFlags(cmd, &service)
	cmd.Flags().StringVar(&mailboxArg, "mailbox", "", "Mailbox to register the watch for (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "Pub/Sub topic Gmail publishes to. Can also use GMAIL_WATCH_TOPIC env var.")
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "Label IDs the watch is restricted to (default INBOX)")
	_ = cmd.MarkFlagRequired("mailbox")

	return cmd
}

func runWatch(service *serviceOptions, mailbox identity.Mailbox, topic string, labels []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(service.debug)

	store, err := newSecretsStore(service)
	if err != nil {
		return err
	}

	led, err := ledger.Open(service.ledgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	manager, err := watch.NewManager(watchClients(store), led, nil, logger, watch.Config{
		Topic:  topic,
		Labels: labels,
	})
	if err != nil {
		return err
	}

	handle, err := manager.Register(ctx, mailbox)
	if err != nil {
		return err
	}

	fmt.Printf("watch registered for %s: history_id=%d expiration=%s\n",
		mailbox, handle.HistoryID, handle.Expiration.Format("2006-01-02 15:04:05 MST"))
	return nil
}
