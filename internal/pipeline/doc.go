// Package pipeline orchestrates the drafting flow: resolve a notification
// or batch item to a concrete message, retrieve knowledge-base context,
// compose a reply candidate and save it as a draft for human review.
//
// Runs are serialized per mailbox and idempotent per message: a mailbox is
// processed by at most one run at a time, and a message that already has a
// recorded draft is skipped. The history cursor only ever advances, so
// replayed or out-of-order notifications are acknowledged without work.
//
// A message-level failure never aborts other messages; only expired mailbox
// credentials stop a batch early, since every further call for that mailbox
// would fail the same way.
package pipeline
