// Package secrets implements the credential store for mailbox identities.
//
// A Store resolves, per normalized mailbox, the OAuth refresh token and the
// shared OAuth client descriptor needed to mint access tokens. Two backends
// are provided: a file backend reading the externally-provisioned secret
// records (the OAuth client JSON in the Google "web"/"installed" envelope
// format and a list of {email, refresh_token} records), and an OS keyring
// backend for workstation use.
//
// Refresh tokens never appear in logs or serialized output: the Token type
// implements slog.LogValuer and fmt.Stringer with masked output.
package secrets
