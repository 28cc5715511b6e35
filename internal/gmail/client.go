package gmail

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/secrets"
)

const (
	// defaultRateLimit bounds outbound Gmail API calls per mailbox client.
	// The per-user Gmail quota is 250 units/s; staying well below leaves
	// headroom for the user's own clients.
	defaultRateLimit = rate.Limit(10)
	defaultRateBurst = 5

	// callTimeout bounds every individual Gmail API call.
	callTimeout = 15 * time.Second
)

// Client wraps the Gmail Users service for a single mailbox.
type Client struct {
	svc     *gmail.UsersService
	mailbox identity.Mailbox
	limiter *rate.Limiter
}

// Mailbox returns the mailbox this client is associated with.
func (c *Client) Mailbox() identity.Mailbox {
	return c.mailbox
}

// NewClient creates a Gmail client for a mailbox, resolving the refresh
// token and OAuth client descriptor through the credential store. Access
// tokens are obtained and refreshed transparently on every call.
func NewClient(ctx context.Context, mailbox identity.Mailbox, store secrets.Store) (*Client, error) {
	oauthClient, err := store.OAuthClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve oauth client: %w", err)
	}

	refreshToken, err := store.RefreshToken(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("resolve refresh token: %w", err)
	}

	conf := &oauth2.Config{
		ClientID:     oauthClient.ClientID,
		ClientSecret: oauthClient.ClientSecret.Reveal(),
		Endpoint: oauth2.Endpoint{
			TokenURL: oauthClient.TokenURI,
		},
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailComposeScope,
			gmail.GmailModifyScope,
		},
	}

	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken.Reveal()})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	return &Client{
		svc:     svc.Users,
		mailbox: mailbox,
		limiter: rate.NewLimiter(defaultRateLimit, defaultRateBurst),
	}, nil
}

// wait applies the client-side rate limit and returns a bounded call
// context. The returned cancel must always be called.
func (c *Client) wait(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	return callCtx, cancel, nil
}

// Fetch retrieves a full message by provider ID. A message deleted between
// notification and fetch surfaces as faults.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, messageID string) (*Message, error) {
	callCtx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	msg, err := c.svc.Messages.Get("me", messageID).Format("full").Context(callCtx).Do()
	if err != nil {
		return nil, wrapAPIError("fetch message "+messageID, err)
	}
	return parseMessage(msg), nil
}

// Latest resolves a history cursor to the first message added after it.
// Push notifications carry only the cursor; this is how the cursor becomes
// a concrete message. faults.ErrNotFound means the change log held no added
// messages (e.g. the change was a label update).
func (c *Client) Latest(ctx context.Context, historyID uint64) (*Message, error) {
	callCtx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	history, err := c.svc.History.List("me").
		StartHistoryId(historyID).
		HistoryTypes("messageAdded").
		Context(callCtx).Do()
	if err != nil {
		return nil, wrapAPIError(fmt.Sprintf("list history from %d", historyID), err)
	}

	for _, entry := range history.History {
		for _, added := range entry.MessagesAdded {
			if added.Message == nil {
				continue
			}
			return c.Fetch(ctx, added.Message.Id)
		}
	}

	return nil, fmt.Errorf("no messages added after cursor %d: %w", historyID, faults.ErrNotFound)
}

// ListUnread returns the IDs of up to max messages carrying all the given
// labels. Callers fetch each message individually so one message deleted
// between listing and fetch stays a per-message failure instead of killing
// the whole sweep.
func (c *Client) ListUnread(ctx context.Context, labels []string, max int64) ([]string, error) {
	if len(labels) == 0 {
		labels = []string{"UNREAD", "INBOX"}
	}

	callCtx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	listed, err := c.svc.Messages.List("me").
		LabelIds(labels...).
		MaxResults(max).
		Context(callCtx).Do()
	if err != nil {
		return nil, wrapAPIError("list unread messages", err)
	}

	ids := make([]string, 0, len(listed.Messages))
	for _, ref := range listed.Messages {
		ids = append(ids, ref.Id)
	}
	return ids, nil
}

// ThreadHasDraft reports whether any message in the thread carries the
// DRAFT label. Costs one thread lookup; used to avoid duplicate
// human-facing drafts on batch sweeps.
func (c *Client) ThreadHasDraft(ctx context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, nil
	}

	callCtx, cancel, err := c.wait(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	thread, err := c.svc.Threads.Get("me", threadID).Format("minimal").Context(callCtx).Do()
	if err != nil {
		return false, wrapAPIError("get thread "+threadID, err)
	}

	for _, msg := range thread.Messages {
		for _, label := range msg.LabelIds {
			if label == "DRAFT" {
				return true, nil
			}
		}
	}
	return false, nil
}

// WatchHandle is the provider's answer to a watch registration.
type WatchHandle struct {
	HistoryID  uint64
	Expiration time.Time
}

// RegisterWatch registers or renews the push-notification watch for this
// mailbox on the given Pub/Sub topic. The returned cursor is the baseline
// for subsequent notifications and must be persisted by the caller.
func (c *Client) RegisterWatch(ctx context.Context, topic string, labels []string) (*WatchHandle, error) {
	if len(labels) == 0 {
		labels = []string{"INBOX"}
	}

	callCtx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := c.svc.Watch("me", &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  labels,
	}).Context(callCtx).Do()
	if err != nil {
		return nil, wrapAPIError("register watch", err)
	}

	return &WatchHandle{
		HistoryID:  res.HistoryId,
		Expiration: time.UnixMilli(res.Expiration),
	}, nil
}
