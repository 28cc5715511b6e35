package identity

import (
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/teemow/inboxdraft/internal/logging"
)

// Mailbox is a normalized email address. Construct it with Normalize; the
// zero value is invalid.
type Mailbox string

// Normalize validates and canonicalizes an email address. The address is
// trimmed and lowercased; display names ("Jane <jane@example.com>") are
// stripped down to the bare address.
func Normalize(addr string) (Mailbox, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty mailbox address")
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("invalid mailbox address: %w", err)
	}

	return Mailbox(strings.ToLower(parsed.Address)), nil
}

// String returns the full address. Do not log this directly; use Redacted or
// LogValue.
func (m Mailbox) String() string {
	return string(m)
}

// Domain returns the domain part of the address for low-cardinality logging.
func (m Mailbox) Domain() string {
	return logging.ExtractDomain(string(m))
}

// Redacted returns the anonymized representation used in logs and audit
// records: the domain plus a stable hash of the full address.
func (m Mailbox) Redacted() string {
	if m == "" {
		return ""
	}
	return m.Domain() + "/" + logging.AnonymizeEmail(string(m))
}

// LogValue implements slog.LogValuer so a Mailbox passed to the logger never
// leaks the raw address.
func (m Mailbox) LogValue() slog.Value {
	return slog.StringValue(m.Redacted())
}
