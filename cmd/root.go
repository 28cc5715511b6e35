package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the inboxdraft application
var rootCmd = &cobra.Command{
	Use:   "inboxdraft",
	Short: "Drafts Gmail replies grounded in a knowledge base",
	Long: `inboxdraft watches a Gmail mailbox for new messages, retrieves relevant
passages from a knowledge base, and saves a generated reply as a draft on
the original thread. Drafts are never sent; a human reviews every reply.

It can run as:
  - A long-running service receiving Pub/Sub push notifications (default)
  - A one-shot backlog sweep over unread messages (process)
  - A watch registration tool (watch)`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "inboxdraft version %s\n" .Version}}`)

	// If no subcommand is provided, run the service by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newVersionCmd())
}
