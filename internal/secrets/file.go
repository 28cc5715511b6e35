package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/teemow/inboxdraft/internal/identity"
)

// FileStore reads credentials from two JSON files on disk: the OAuth client
// descriptor (Google client-secret format, "web" or "installed" envelope)
// and the refresh-token records.
//
// The token file holds either a single record or a list:
//
//	[{"email": "support@example.com", "refresh_token": "1//..."}, ...]
//
// Records are loaded once and indexed by normalized mailbox. Later entries
// for the same mailbox win, matching the append-only versioned writes of the
// provisioning side.
type FileStore struct {
	clientPath string
	tokensPath string

	mu     sync.Mutex
	client *OAuthClient
	tokens map[identity.Mailbox]Token
}

// NewFileStore creates a FileStore. Files are read lazily on first use so
// the service can start before provisioning completes.
func NewFileStore(clientPath, tokensPath string) *FileStore {
	return &FileStore{
		clientPath: clientPath,
		tokensPath: tokensPath,
	}
}

// clientEnvelope matches the Google OAuth client-secret JSON layout.
type clientEnvelope struct {
	Web       *clientConfig `json:"web"`
	Installed *clientConfig `json:"installed"`
	// Some provisioning flows store the inner object directly.
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURI     string `json:"token_uri"`
}

type clientConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURI     string `json:"token_uri"`
}

type tokenRecord struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
}

// OAuthClient implements Store.
func (s *FileStore) OAuthClient(_ context.Context) (OAuthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return *s.client, nil
	}

	raw, err := os.ReadFile(s.clientPath)
	if err != nil {
		return OAuthClient{}, fmt.Errorf("read oauth client file: %w", err)
	}

	var envelope clientEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return OAuthClient{}, fmt.Errorf("parse oauth client file: %w", err)
	}

	inner := envelope.Web
	if inner == nil {
		inner = envelope.Installed
	}
	if inner == nil {
		inner = &clientConfig{
			ClientID:     envelope.ClientID,
			ClientSecret: envelope.ClientSecret,
			TokenURI:     envelope.TokenURI,
		}
	}

	if inner.ClientID == "" || inner.ClientSecret == "" {
		return OAuthClient{}, fmt.Errorf("oauth client file %s is missing client_id or client_secret", s.clientPath)
	}

	client := OAuthClient{
		ClientID:     inner.ClientID,
		ClientSecret: Token(inner.ClientSecret),
		TokenURI:     inner.TokenURI,
	}
	if client.TokenURI == "" {
		client.TokenURI = DefaultTokenURI
	}

	s.client = &client
	return client, nil
}

// RefreshToken implements Store.
func (s *FileStore) RefreshToken(_ context.Context, mailbox identity.Mailbox) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens == nil {
		tokens, err := s.loadTokens()
		if err != nil {
			return "", err
		}
		s.tokens = tokens
	}

	token, ok := s.tokens[mailbox]
	if !ok {
		return "", &ErrNoCredentials{Mailbox: mailbox}
	}
	return token, nil
}

func (s *FileStore) loadTokens() (map[identity.Mailbox]Token, error) {
	raw, err := os.ReadFile(s.tokensPath)
	if err != nil {
		return nil, fmt.Errorf("read refresh token file: %w", err)
	}

	var records []tokenRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		// Fall back to a single record.
		var single tokenRecord
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("parse refresh token file: %w", err)
		}
		records = []tokenRecord{single}
	}

	tokens := make(map[identity.Mailbox]Token, len(records))
	for _, rec := range records {
		if rec.Email == "" || rec.RefreshToken == "" {
			continue
		}
		mailbox, err := identity.Normalize(rec.Email)
		if err != nil {
			continue
		}
		tokens[mailbox] = Token(rec.RefreshToken)
	}

	return tokens, nil
}
