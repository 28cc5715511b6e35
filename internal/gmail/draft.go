package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxdraft/internal/faults"
)

const (
	// draftMaxTries bounds the quota-retry loop for draft creation. After
	// that the quota error is surfaced as a permanent failure.
	draftMaxTries = 4

	draftInitialBackoff = 500 * time.Millisecond
)

// DraftRequest describes a reply draft to be saved into a thread.
type DraftRequest struct {
	// ThreadID of the conversation the draft belongs to.
	ThreadID string
	// To is the recipient (the original sender).
	To string
	// Subject of the reply; callers are expected to pass the final subject.
	Subject string
	// Body is the plain-text reply body.
	Body string
	// InReplyTo is the RFC 5322 Message-ID of the message being replied to.
	// When set, In-Reply-To and References headers are emitted so the draft
	// renders inside the original conversation.
	InReplyTo string
	// References is the original message's References header, extended with
	// InReplyTo when building the draft.
	References string
}

// encodeRFC2047 encodes a string for use in email headers according to
// RFC 2047. This is necessary for non-ASCII characters (like German
// umlauts) in subjects.
func encodeRFC2047(s string) string {
	needsEncoding := false
	for _, r := range s {
		if r > 127 {
			needsEncoding = true
			break
		}
	}
	if !needsEncoding {
		return s
	}
	return mime.BEncoding.Encode("UTF-8", s)
}

// buildRawMessage assembles the RFC 2822 message and returns it in the
// base64url form the Gmail API expects.
func buildRawMessage(req *DraftRequest) (string, error) {
	if req.To == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return "", fmt.Errorf("body is required")
	}

	var b strings.Builder

	b.WriteString("To: ")
	b.WriteString(req.To)
	b.WriteString("\r\n")

	b.WriteString("Subject: ")
	b.WriteString(encodeRFC2047(req.Subject))
	b.WriteString("\r\n")

	// Threading headers so the draft renders as part of the conversation.
	if req.InReplyTo != "" {
		b.WriteString("In-Reply-To: ")
		b.WriteString(req.InReplyTo)
		b.WriteString("\r\n")

		references := req.InReplyTo
		if req.References != "" {
			references = req.References + " " + req.InReplyTo
		}
		b.WriteString("References: ")
		b.WriteString(references)
		b.WriteString("\r\n")
	}

	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("\r\n")
	b.WriteString(req.Body)

	return base64.URLEncoding.EncodeToString([]byte(b.String())), nil
}

// CreateDraft saves a reply draft. It never sends mail. Quota errors are
// retried with jittered exponential backoff up to draftMaxTries attempts;
// all other failures are permanent for this call.
func (c *Client) CreateDraft(ctx context.Context, req *DraftRequest) (string, error) {
	raw, err := buildRawMessage(req)
	if err != nil {
		return "", fmt.Errorf("build draft message: %w", err)
	}

	draft := &gmail.Draft{
		Message: &gmail.Message{
			Raw:      raw,
			ThreadId: req.ThreadID,
		},
	}

	attempt := func() (string, error) {
		callCtx, cancel, err := c.wait(ctx)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		defer cancel()

		created, err := c.svc.Drafts.Create("me", draft).Context(callCtx).Do()
		if err != nil {
			wrapped := wrapAPIError("create draft", err)
			if errors.Is(wrapped, faults.ErrQuotaExceeded) {
				return "", wrapped
			}
			return "", backoff.Permanent(wrapped)
		}
		return created.Id, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = draftInitialBackoff

	draftID, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(draftMaxTries))
	if err != nil {
		return "", err
	}
	return draftID, nil
}
