package pipeline

import (
	"sync"

	"github.com/teemow/inboxdraft/internal/identity"
)

// tracker holds the per-mailbox serialization lock and in-memory cursor.
// Entries are created lazily on first use and never removed; the set of
// mailboxes is small and bounded by configuration.
type tracker struct {
	mu      sync.Mutex
	entries map[identity.Mailbox]*mailboxEntry
}

// mailboxEntry serializes pipeline runs for one mailbox. lastHistoryID is
// only read or written while mu is held; loaded marks whether the value has
// been seeded from the ledger.
type mailboxEntry struct {
	mu            sync.Mutex
	loaded        bool
	lastHistoryID uint64
}

func newTracker() *tracker {
	return &tracker{entries: make(map[identity.Mailbox]*mailboxEntry)}
}

func (t *tracker) entry(mailbox identity.Mailbox) *mailboxEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[mailbox]
	if !ok {
		e = &mailboxEntry{}
		t.entries[mailbox] = e
	}
	return e
}
