package instrumentation

import "strings"

// Cardinality management helpers for metrics.
// These functions reduce high-cardinality label values to prevent metrics
// explosion. Always use them when recording metrics derived from mailbox
// identifiers.

// ExtractUserDomain extracts the domain part from an email address.
// This reduces cardinality by using the domain instead of the full address.
//
// Example:
//
//	ExtractUserDomain("jane@example.com")  // "example.com"
//	ExtractUserDomain("invalid")           // "unknown"
//	ExtractUserDomain("")                  // "unknown"
func ExtractUserDomain(email string) string {
	if email == "" {
		return "unknown"
	}

	parts := strings.Split(email, "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}

	return "unknown"
}

// Common operation types for external API metrics.
const (
	OperationFetch       = "fetch"
	OperationList        = "list"
	OperationHistory     = "history"
	OperationCreateDraft = "create_draft"
	OperationWatch       = "watch"
	OperationEmbed       = "embed"
	OperationRetrieve    = "retrieve"
	OperationGenerate    = "generate"
)
