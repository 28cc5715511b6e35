package gmail

import (
	"encoding/base64"
	"net/mail"
	"regexp"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
)

// Message is the inbound message as the pipeline sees it: identifiers,
// lowercased headers and the decoded body parts. Read-only after fetch.
type Message struct {
	ID       string
	ThreadID string
	// Headers maps lowercased header names to values.
	Headers  map[string]string
	BodyText string
	BodyHTML string
	Snippet  string
	LabelIDs []string
}

// Header returns a header value by case-insensitive name.
func (m *Message) Header(name string) string {
	return m.Headers[strings.ToLower(name)]
}

// Subject returns the Subject header.
func (m *Message) Subject() string {
	return m.Header("Subject")
}

// From returns the raw From header.
func (m *Message) From() string {
	return m.Header("From")
}

// ReplyAddress returns the bare address the reply should go to: Reply-To if
// present, otherwise the From address. Falls back to the raw header when it
// does not parse.
func (m *Message) ReplyAddress() string {
	for _, name := range []string{"Reply-To", "From"} {
		raw := m.Header(name)
		if raw == "" {
			continue
		}
		if addr, err := mail.ParseAddress(raw); err == nil {
			return addr.Address
		}
		return raw
	}
	return ""
}

// RFCMessageID returns the RFC 5322 Message-ID header used for threading.
func (m *Message) RFCMessageID() string {
	return m.Header("Message-ID")
}

// parseMessage converts a full-format Gmail API message into a Message.
func parseMessage(msg *gmail.Message) *Message {
	out := &Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Headers:  make(map[string]string),
		Snippet:  msg.Snippet,
		LabelIDs: msg.LabelIds,
	}

	if msg.Payload == nil {
		return out
	}

	for _, h := range msg.Payload.Headers {
		out.Headers[strings.ToLower(h.Name)] = h.Value
	}

	out.BodyText, out.BodyHTML = extractBodies(msg.Payload)
	return out
}

// extractBodies walks the MIME part tree and returns the first text/plain
// and text/html bodies found.
func extractBodies(part *gmail.MessagePart) (text, html string) {
	if part == nil {
		return "", ""
	}

	switch part.MimeType {
	case "text/plain":
		if text = decodeBody(part.Body); text != "" {
			return text, ""
		}
	case "text/html":
		if html = decodeBody(part.Body); html != "" {
			return "", html
		}
	}

	for _, sub := range part.Parts {
		subText, subHTML := extractBodies(sub)
		if text == "" {
			text = subText
		}
		if html == "" {
			html = subHTML
		}
		if text != "" && html != "" {
			break
		}
	}

	return text, html
}

func decodeBody(body *gmail.MessagePartBody) string {
	if body == nil || body.Data == "" {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

var (
	htmlTagPattern    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)
)

// StripHTML reduces an HTML body to plain text. It is intentionally crude:
// the output only feeds the prompt, it is never shown to users.
func StripHTML(html string) string {
	text := htmlTagPattern.ReplaceAllString(html, " ")
	text = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(text)
	text = whitespacePattern.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}
