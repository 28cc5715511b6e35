// Package gmail provides the mailbox client for the drafting pipeline.
//
// The client wraps the Gmail Users service with the small capability set the
// pipeline needs:
//   - Fetch / Latest: resolve a push notification to a full inbound message
//   - ListUnread / ThreadHasDraft: pull-based enumeration for backfill runs
//     plus the check that lets callers skip threads already carrying a draft
//   - CreateDraft: save a threaded reply draft (never sends)
//   - RegisterWatch: register or renew the provider watch subscription
//
// Authentication is per mailbox: an oauth2 token source is built from the
// refresh token in the credential store, so every call transparently obtains
// a fresh access token. A revoked refresh token surfaces as
// faults.ErrAuthExpired, which is fatal for the mailbox until re-consent.
//
// All calls go through a client-side rate limiter, and draft creation
// retries quota errors with bounded exponential backoff.
package gmail
