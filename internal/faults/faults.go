package faults

import "errors"

// Sentinel errors for the pipeline. Wrap with fmt.Errorf("...: %w", Err...)
// and classify with errors.Is.
var (
	// ErrAuth indicates a rejected inbound verification token. The request
	// is refused before any processing happens.
	ErrAuth = errors.New("authentication rejected")

	// ErrAuthExpired indicates an invalid or revoked refresh token. This is
	// fatal for the affected mailbox until the user re-consents; it is never
	// retried automatically.
	ErrAuthExpired = errors.New("mailbox credentials expired")

	// ErrMalformedPayload indicates an undecodable notification envelope.
	// The delivery is acknowledged anyway to stop redelivery.
	ErrMalformedPayload = errors.New("malformed notification payload")

	// ErrNotFound indicates the message vanished between notification and
	// fetch. Processing for that message is aborted, not retried.
	ErrNotFound = errors.New("message not found")

	// ErrQuotaExceeded indicates provider rate limiting. Callers retry with
	// backoff a bounded number of times before treating it as permanent.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrGeneration indicates the model call failed or timed out. No draft
	// is created for the message; the mailbox keeps processing.
	ErrGeneration = errors.New("reply generation failed")

	// ErrSafetyViolation indicates the generated reply failed the policy
	// check. The draft is suppressed and the failure flagged for review.
	ErrSafetyViolation = errors.New("safety policy violation")
)

// Reason tags for audit records and metrics labels.
const (
	ReasonAuth             = "auth"
	ReasonAuthExpired      = "auth_expired"
	ReasonMalformedPayload = "malformed_payload"
	ReasonNotFound         = "not_found"
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonGeneration       = "generation"
	ReasonSafetyViolation  = "safety_violation"
	ReasonInternal         = "internal"
)

// Reason returns the low-cardinality tag for an error chain. Unclassified
// errors map to ReasonInternal.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return ReasonAuth
	case errors.Is(err, ErrAuthExpired):
		return ReasonAuthExpired
	case errors.Is(err, ErrMalformedPayload):
		return ReasonMalformedPayload
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	case errors.Is(err, ErrGeneration):
		return ReasonGeneration
	case errors.Is(err, ErrSafetyViolation):
		return ReasonSafetyViolation
	default:
		return ReasonInternal
	}
}

// MailboxFatal reports whether an error invalidates the whole mailbox rather
// than a single message. Remaining work for the mailbox should be aborted;
// other mailboxes are unaffected.
func MailboxFatal(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
