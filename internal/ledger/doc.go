// Package ledger persists the pipeline's idempotency state in SQLite.
//
// Two tables back the two invariants of the pipeline:
//
//   - drafted_messages records every (mailbox, message_id) a draft was
//     created for. It is the authoritative local duplicate check, layered on
//     top of the provider-side thread inspection, so that redelivered or
//     reordered push notifications can never produce a second draft.
//   - mailbox_cursors records the last successfully-processed history cursor
//     per mailbox so the stale-notification guard survives restarts.
package ledger
