package secrets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/logging"
)

// DefaultTokenURI is used when the OAuth client descriptor does not carry an
// explicit token endpoint.
const DefaultTokenURI = "https://oauth2.googleapis.com/token"

// Token holds secret material. It masks itself when printed or logged.
type Token string

// String implements fmt.Stringer with masked output.
func (t Token) String() string {
	return logging.SanitizeToken(string(t))
}

// LogValue implements slog.LogValuer so a Token handed to the logger never
// leaks its content.
func (t Token) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

// Reveal returns the raw secret. Call sites are the only places where the
// secret leaves the type, which keeps them easy to review.
func (t Token) Reveal() string {
	return string(t)
}

// OAuthClient describes the OAuth client shared by all mailboxes.
type OAuthClient struct {
	ClientID     string
	ClientSecret Token
	TokenURI     string
}

// Record pairs a mailbox with its refresh token.
type Record struct {
	Mailbox      identity.Mailbox
	RefreshToken Token
}

// Store resolves credentials for mailbox identities. Implementations must be
// safe for concurrent use; the store is read-mostly and shared across all
// request handlers.
type Store interface {
	// OAuthClient returns the shared OAuth client descriptor.
	OAuthClient(ctx context.Context) (OAuthClient, error)

	// RefreshToken returns the refresh token for a mailbox. The lookup is a
	// structured table keyed by the normalized mailbox identity; a missing
	// entry is an error.
	RefreshToken(ctx context.Context, mailbox identity.Mailbox) (Token, error)
}

// ErrNoCredentials is returned (wrapped) when no refresh token is stored for
// a mailbox.
type ErrNoCredentials struct {
	Mailbox identity.Mailbox
}

func (e *ErrNoCredentials) Error() string {
	return fmt.Sprintf("no refresh token stored for %s", e.Mailbox.Redacted())
}
