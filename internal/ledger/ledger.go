package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// SQLite driver, registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"

	"github.com/teemow/inboxdraft/internal/identity"
)

var createTableSQL = []string{
	// One row per draft ever created. message_id is unique within a
	// mailbox, so the pair is the idempotency key for draft creation.
	`
CREATE TABLE IF NOT EXISTS drafted_messages (
mailbox TEXT NOT NULL,
message_id TEXT NOT NULL,
draft_id TEXT NOT NULL,
created_at INTEGER NOT NULL,
PRIMARY KEY (mailbox, message_id)
);`,
	// Last successfully-processed history cursor per mailbox. The cursor
	// only ever advances; SetCursor enforces the monotonic invariant.
	`
CREATE TABLE IF NOT EXISTS mailbox_cursors (
mailbox TEXT NOT NULL PRIMARY KEY,
history_id INTEGER NOT NULL,
updated_at INTEGER NOT NULL
);`,
}

// Ledger wraps the SQLite database. Safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent pipeline runs.
	db.SetMaxOpenConns(1)

	for _, stmt := range createTableSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create ledger schema: %w", err)
		}
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// IsDrafted reports whether a draft was already created for the message.
func (l *Ledger) IsDrafted(ctx context.Context, mailbox identity.Mailbox, messageID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM drafted_messages WHERE mailbox = ? AND message_id = ?`,
		mailbox.String(), messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query drafted_messages: %w", err)
	}
	return true, nil
}

// MarkDrafted records a created draft. Recording the same message twice is
// not an error; the first draft_id wins.
func (l *Ledger) MarkDrafted(ctx context.Context, mailbox identity.Mailbox, messageID, draftID string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO drafted_messages (mailbox, message_id, draft_id, created_at) VALUES (?, ?, ?, ?)`,
		mailbox.String(), messageID, draftID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert drafted_messages: %w", err)
	}
	return nil
}

// DraftID returns the recorded draft for a message, or "" if none exists.
func (l *Ledger) DraftID(ctx context.Context, mailbox identity.Mailbox, messageID string) (string, error) {
	var draftID string
	err := l.db.QueryRowContext(ctx,
		`SELECT draft_id FROM drafted_messages WHERE mailbox = ? AND message_id = ?`,
		mailbox.String(), messageID).Scan(&draftID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query drafted_messages: %w", err)
	}
	return draftID, nil
}

// Cursor returns the last successfully-processed history cursor for a
// mailbox, or 0 if the mailbox has never been processed.
func (l *Ledger) Cursor(ctx context.Context, mailbox identity.Mailbox) (uint64, error) {
	var historyID uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT history_id FROM mailbox_cursors WHERE mailbox = ?`,
		mailbox.String()).Scan(&historyID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query mailbox_cursors: %w", err)
	}
	return historyID, nil
}

// SetCursor advances the cursor for a mailbox. A value not newer than the
// stored one is ignored, preserving monotonicity under reordered writes.
func (l *Ledger) SetCursor(ctx context.Context, mailbox identity.Mailbox, historyID uint64) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO mailbox_cursors (mailbox, history_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT (mailbox) DO UPDATE SET
history_id = excluded.history_id,
updated_at = excluded.updated_at
WHERE excluded.history_id > mailbox_cursors.history_id`,
		mailbox.String(), historyID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert mailbox_cursors: %w", err)
	}
	return nil
}
