package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

const proceduralSchemaSQL = `
CREATE TABLE IF NOT EXISTS procedural_memory (
    signature       TEXT PRIMARY KEY,
    action_sequence TEXT NOT NULL,
    success_count   INTEGER NOT NULL DEFAULT 1,
    last_used       TEXT NOT NULL
);
`

const proceduralIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_procedural_memory_last_used
ON procedural_memory(last_used);
`

// The conflict clause keeps Record atomic per signature: an identical
// sequence bumps the success count, a different one resets it
// (last-success-wins).
const proceduralUpsertSQL = `
INSERT INTO procedural_memory (signature, action_sequence, success_count, last_used)
VALUES (?, ?, 1, ?)
ON CONFLICT(signature) DO UPDATE SET
    success_count   = CASE WHEN procedural_memory.action_sequence = excluded.action_sequence
                           THEN procedural_memory.success_count + 1
                           ELSE 1 END,
    action_sequence = excluded.action_sequence,
    last_used       = excluded.last_used;
`

// SQLiteStore is the default durable backend: a single-file database, fine
// for one agent host.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("memory: create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, proceduralSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: apply schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, proceduralIndexSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: apply index: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Lookup returns the entry for a signature, if one exists.
func (s *SQLiteStore) Lookup(ctx context.Context, signature string) (schemas.MemoryEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT action_sequence, success_count, last_used FROM procedural_memory WHERE signature = ?`,
		signature)

	var raw string
	var count int
	var lastUsed string
	if err := row.Scan(&raw, &count, &lastUsed); err != nil {
		if err == sql.ErrNoRows {
			return schemas.MemoryEntry{}, false, nil
		}
		return schemas.MemoryEntry{}, false, fmt.Errorf("memory: sqlite lookup: %w", err)
	}
	sequence, err := decodeSequence(raw)
	if err != nil {
		return schemas.MemoryEntry{}, false, err
	}
	entry := schemas.MemoryEntry{
		Signature:      signature,
		ActionSequence: sequence,
		SuccessCount:   count,
	}
	if ts, perr := time.Parse(time.RFC3339Nano, lastUsed); perr == nil {
		entry.LastUsed = ts
	}
	return entry, true, nil
}

// Record stores a successful action sequence.
func (s *SQLiteStore) Record(ctx context.Context, signature string, sequence []schemas.ActionProposal) error {
	encoded, err := encodeSequence(sequence)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, proceduralUpsertSQL,
		signature, encoded, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("memory: sqlite record: %w", err)
	}
	return nil
}

// Entries lists every stored entry, most recently used first.
func (s *SQLiteStore) Entries(ctx context.Context) ([]schemas.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, action_sequence, success_count, last_used
		 FROM procedural_memory ORDER BY last_used DESC`)
	if err != nil {
		return nil, fmt.Errorf("memory: sqlite entries: %w", err)
	}
	defer rows.Close()

	var out []schemas.MemoryEntry
	for rows.Next() {
		var signature, raw, lastUsed string
		var count int
		if err := rows.Scan(&signature, &raw, &count, &lastUsed); err != nil {
			return nil, fmt.Errorf("memory: sqlite scan: %w", err)
		}
		sequence, derr := decodeSequence(raw)
		if derr != nil {
			return nil, derr
		}
		entry := schemas.MemoryEntry{Signature: signature, ActionSequence: sequence, SuccessCount: count}
		if ts, perr := time.Parse(time.RFC3339Nano, lastUsed); perr == nil {
			entry.LastUsed = ts
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: sqlite rows: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
