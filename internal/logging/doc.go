// Package logging provides structured logging helpers built on log/slog.
//
// It defines the attribute-key constants used across the codebase and
// convenience constructors for common attributes. Helpers that touch user
// identity (UserHash, Domain) emit anonymized values so log streams can be
// correlated without exposing PII; SanitizeToken masks secret material
// entirely.
package logging
