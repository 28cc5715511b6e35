package receiver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/identity"
)

// PushRequest is the Pub/Sub push delivery wrapper.
type PushRequest struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage is the published message inside a push delivery. Data holds
// the base64-encoded notification payload.
type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
}

// notificationPayload is the decoded Gmail watch notification. historyId
// arrives as a JSON number or a quoted string depending on the publisher
// path, so it is parsed tolerantly.
type notificationPayload struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
	MessageID    string      `json:"messageId"`
}

// Notification is the validated change event the pipeline consumes.
type Notification struct {
	Mailbox   identity.Mailbox
	HistoryID uint64
	// MessageIDHint optionally names the added message directly; empty when
	// the publisher only sent the cursor.
	MessageIDHint string
}

// DecodeEnvelope parses a push delivery body into a Notification. All
// decode failures wrap faults.ErrMalformedPayload.
func DecodeEnvelope(body []byte) (*Notification, error) {
	var req PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse push wrapper: %v: %w", err, faults.ErrMalformedPayload)
	}
	if req.Message.Data == "" {
		return nil, fmt.Errorf("push message without data: %w", faults.ErrMalformedPayload)
	}

	decoded, err := base64.StdEncoding.DecodeString(req.Message.Data)
	if err != nil {
		// Some publishers use the URL-safe alphabet.
		decoded, err = base64.URLEncoding.DecodeString(req.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("decode message data: %v: %w", err, faults.ErrMalformedPayload)
		}
	}

	var payload notificationPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("parse notification payload: %v: %w", err, faults.ErrMalformedPayload)
	}

	mailbox, err := identity.Normalize(payload.EmailAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox in payload: %v: %w", err, faults.ErrMalformedPayload)
	}

	historyID, err := parseHistoryID(payload.HistoryID)
	if err != nil {
		return nil, err
	}

	return &Notification{
		Mailbox:       mailbox,
		HistoryID:     historyID,
		MessageIDHint: payload.MessageID,
	}, nil
}

func parseHistoryID(raw json.Number) (uint64, error) {
	if raw.String() == "" {
		return 0, fmt.Errorf("missing historyId: %w", faults.ErrMalformedPayload)
	}
	id, err := strconv.ParseUint(raw.String(), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid historyId %q: %w", raw.String(), faults.ErrMalformedPayload)
	}
	return id, nil
}
