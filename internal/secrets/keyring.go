package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/teemow/inboxdraft/internal/identity"
)

const (
	keyringService   = "inboxdraft"
	keyringClientKey = "oauth-client"
)

// KeyringStore resolves credentials from the OS keyring. It is meant for
// workstation use of the process and watch commands, where secret files on
// disk are undesirable.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the OS keyring backend.
func OpenKeyring() (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// OAuthClient implements Store. The client descriptor is stored as JSON
// under a single well-known key.
func (s *KeyringStore) OAuthClient(_ context.Context) (OAuthClient, error) {
	item, err := s.ring.Get(keyringClientKey)
	if err != nil {
		return OAuthClient{}, fmt.Errorf("keyring get %s: %w", keyringClientKey, err)
	}

	var cfg clientConfig
	if err := json.Unmarshal(item.Data, &cfg); err != nil {
		return OAuthClient{}, fmt.Errorf("parse keyring oauth client: %w", err)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return OAuthClient{}, fmt.Errorf("keyring oauth client is missing client_id or client_secret")
	}

	client := OAuthClient{
		ClientID:     cfg.ClientID,
		ClientSecret: Token(cfg.ClientSecret),
		TokenURI:     cfg.TokenURI,
	}
	if client.TokenURI == "" {
		client.TokenURI = DefaultTokenURI
	}
	return client, nil
}

// RefreshToken implements Store. Tokens are stored one keyring item per
// mailbox, keyed by the normalized address.
func (s *KeyringStore) RefreshToken(_ context.Context, mailbox identity.Mailbox) (Token, error) {
	item, err := s.ring.Get(refreshTokenKey(mailbox))
	if err != nil {
		return "", &ErrNoCredentials{Mailbox: mailbox}
	}
	return Token(item.Data), nil
}

// StoreRefreshToken writes a refresh token for a mailbox. Used by external
// provisioning tooling; the pipeline itself only reads.
func (s *KeyringStore) StoreRefreshToken(mailbox identity.Mailbox, token Token) error {
	return s.ring.Set(keyring.Item{
		Key:  refreshTokenKey(mailbox),
		Data: []byte(token.Reveal()),
	})
}

func refreshTokenKey(mailbox identity.Mailbox) string {
	return "refresh-token/" + mailbox.String()
}
