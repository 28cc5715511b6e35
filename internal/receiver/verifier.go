package receiver

import (
	"context"
	"fmt"

	"google.golang.org/api/idtoken"

	"github.com/teemow/inboxdraft/internal/faults"
)

// TokenVerifier authenticates the bearer token on a push delivery.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// googleIssuers are the issuer values Google puts in its OIDC tokens.
var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// OIDCVerifier validates Google-signed OIDC tokens as attached by a push
// subscription configured with authenticated delivery.
type OIDCVerifier struct {
	// audience the token must be minted for; the push endpoint URL by
	// convention.
	audience string
	// serviceAccount optionally pins the publisher identity. Empty accepts
	// any Google-signed token for the audience.
	serviceAccount string

	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

var _ TokenVerifier = (*OIDCVerifier)(nil)

// NewOIDCVerifier creates a verifier for the given audience, optionally
// pinned to a publisher service account.
func NewOIDCVerifier(audience, serviceAccount string) (*OIDCVerifier, error) {
	if audience == "" {
		return nil, fmt.Errorf("verifier audience is required")
	}
	return &OIDCVerifier{
		audience:       audience,
		serviceAccount: serviceAccount,
		validate:       idtoken.Validate,
	}, nil
}

// Verify implements TokenVerifier. All verification failures wrap
// faults.ErrAuth.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("missing bearer token: %w", faults.ErrAuth)
	}

	payload, err := v.validate(ctx, token, v.audience)
	if err != nil {
		return fmt.Errorf("validate token: %v: %w", err, faults.ErrAuth)
	}

	if !googleIssuers[payload.Issuer] {
		return fmt.Errorf("unexpected token issuer %q: %w", payload.Issuer, faults.ErrAuth)
	}

	if v.serviceAccount != "" {
		email, _ := payload.Claims["email"].(string)
		verified, _ := payload.Claims["email_verified"].(bool)
		if email != v.serviceAccount || !verified {
			return fmt.Errorf("token not issued to expected service account: %w", faults.ErrAuth)
		}
	}

	return nil
}
