package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxdraft/internal/composer"
	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/pipeline"
	"github.com/teemow/inboxdraft/internal/retriever"
	"github.com/teemow/inboxdraft/internal/secrets"
	"github.com/teemow/inboxdraft/internal/watch"
)

const defaultLocation = "us-central1"

// serviceOptions holds the settings shared by every command that touches
// Gmail, the ledger, or the Vertex AI backends.
type serviceOptions struct {
	credentialsFile string
	tokensFile      string
	useKeyring      bool
	ledgerPath      string

	project         string
	location        string
	geminiModel     string
	indexEndpoint   string
	deployedIndexID string
	embeddingModel  string
	catalogPath     string
	retrievalK      int

	debug bool
}

// registerServiceFlags attaches the shared flags to a command.
func registerServiceFlags(cmd *cobra.Command, o *serviceOptions) {
	cmd.Flags().StringVar(&o.credentialsFile, "credentials-file", "", "Path to the OAuth client secret JSON. Can also use GOOGLE_OAUTH_CLIENT_FILE env var.")
	cmd.Flags().StringVar(&o.tokensFile, "tokens-file", "", "Path to the refresh token records JSON. Can also use GMAIL_TOKENS_FILE env var.")
	cmd.Flags().BoolVar(&o.useKeyring, "use-keyring", false, "Read credentials from the OS keyring instead of files.")
	cmd.Flags().StringVar(&o.ledgerPath, "ledger-path", "inboxdraft.db", "Path to the SQLite ledger database. Can also use LEDGER_PATH env var.")

	cmd.Flags().StringVar(&o.project, "project", "", "Google Cloud project for Vertex AI. Can also use GOOGLE_CLOUD_PROJECT env var.")
	cmd.Flags().StringVar(&o.location, "location", "", "Google Cloud location for Vertex AI (default us-central1). Can also use GOOGLE_CLOUD_LOCATION env var.")
	cmd.Flags().StringVar(&o.geminiModel, "gemini-model", "", "Publisher model ID for reply generation (default gemini-2.0-flash).")
	cmd.Flags().StringVar(&o.indexEndpoint, "vertex-index-endpoint", "", "Full resource name of the Vertex AI index endpoint. Empty disables retrieval. Can also use VERTEX_INDEX_ENDPOINT env var.")
	cmd.Flags().StringVar(&o.deployedIndexID, "vertex-deployed-index", "", "Deployed index ID on the index endpoint. Can also use VERTEX_DEPLOYED_INDEX env var.")
	cmd.Flags().StringVar(&o.embeddingModel, "embedding-model", "", "Publisher embedding model ID (default text-embedding-004).")
	cmd.Flags().StringVar(&o.catalogPath, "catalog-path", "", "Path to the passage catalog JSON. Can also use CATALOG_PATH env var.")
	cmd.Flags().IntVar(&o.retrievalK, "retrieval-k", 0, "Number of knowledge-base passages per message (default 5, max 50).")

	cmd.Flags().BoolVar(&o.debug, "debug", false, "Enable debug logging")
}

// applyEnv fills unset flags from environment variables.
func (o *serviceOptions) applyEnv() {
	o.credentialsFile = envDefault(o.credentialsFile, "GOOGLE_OAUTH_CLIENT_FILE")
	o.tokensFile = envDefault(o.tokensFile, "GMAIL_TOKENS_FILE")
	o.ledgerPath = envDefault(o.ledgerPath, "LEDGER_PATH")
	o.project = envDefault(o.project, "GOOGLE_CLOUD_PROJECT")
	o.location = envDefault(o.location, "GOOGLE_CLOUD_LOCATION")
	o.indexEndpoint = envDefault(o.indexEndpoint, "VERTEX_INDEX_ENDPOINT")
	o.deployedIndexID = envDefault(o.deployedIndexID, "VERTEX_DEPLOYED_INDEX")
	o.catalogPath = envDefault(o.catalogPath, "CATALOG_PATH")

	if o.location == "" {
		o.location = defaultLocation
	}
}

// envDefault returns value if non-empty, otherwise the environment value.
func envDefault(value, envKey string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envKey)
}

// newLogger builds the process-wide structured logger.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// newSecretsStore selects the credential backend from the flags.
func newSecretsStore(o *serviceOptions) (secrets.Store, error) {
	if o.useKeyring {
		return secrets.OpenKeyring()
	}
	if o.credentialsFile == "" || o.tokensFile == "" {
		return nil, fmt.Errorf("either --use-keyring or both --credentials-file and --tokens-file are required")
	}
	return secrets.NewFileStore(o.credentialsFile, o.tokensFile), nil
}

// mailboxClients builds the per-mailbox Gmail client factory used by the
// pipeline.
func mailboxClients(store secrets.Store) pipeline.ClientFactory {
	return func(ctx context.Context, mailbox identity.Mailbox) (pipeline.MailboxClient, error) {
		return gmail.NewClient(ctx, mailbox, store)
	}
}

// watchClients builds the factory used by the watch manager.
func watchClients(store secrets.Store) watch.ClientFactory {
	return func(ctx context.Context, mailbox identity.Mailbox) (watch.Client, error) {
		return gmail.NewClient(ctx, mailbox, store)
	}
}

// newRetriever builds the Vertex AI retriever, or the disabled retriever
// when no index is configured. Drafting without knowledge-base context is a
// supported mode, not an error.
func newRetriever(ctx context.Context, o *serviceOptions, logger *slog.Logger) (retriever.Retriever, error) {
	config := retriever.VertexConfig{
		Project:         o.project,
		Location:        o.location,
		IndexEndpoint:   o.indexEndpoint,
		DeployedIndexID: o.deployedIndexID,
		EmbeddingModel:  o.embeddingModel,
		CatalogPath:     o.catalogPath,
	}
	if !config.Enabled() {
		logger.Info("retrieval disabled, replies are drafted without knowledge-base context")
		return retriever.Disabled{}, nil
	}
	return retriever.NewVertex(ctx, config, logger)
}

// newComposer builds the Gemini-backed draft composer.
func newComposer(ctx context.Context, o *serviceOptions, logger *slog.Logger) (*composer.Composer, error) {
	gen, err := composer.NewGemini(ctx, composer.GeminiConfig{
		Project:  o.project,
		Location: o.location,
		Model:    o.geminiModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	return composer.New(gen, logger), nil
}

// parseMailboxes normalizes a list of raw addresses.
func parseMailboxes(raw []string) ([]identity.Mailbox, error) {
	var mailboxes []identity.Mailbox
	for _, r := range raw {
		mailbox, err := identity.Normalize(r)
		if err != nil {
			return nil, fmt.Errorf("invalid mailbox %q: %w", r, err)
		}
		mailboxes = append(mailboxes, mailbox)
	}
	return mailboxes, nil
}
