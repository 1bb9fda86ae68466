package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const pgSchemaSQL = `
CREATE TABLE IF NOT EXISTS procedural_memory (
    signature       TEXT PRIMARY KEY,
    action_sequence TEXT NOT NULL,
    success_count   INTEGER NOT NULL DEFAULT 1,
    last_used       TIMESTAMPTZ NOT NULL
);
`

// Single-statement upsert: atomic per row, so concurrent recorders stay
// single-writer per signature without explicit locks.
const pgUpsertSQL = `
INSERT INTO procedural_memory (signature, action_sequence, success_count, last_used)
VALUES ($1, $2, 1, $3)
ON CONFLICT (signature) DO UPDATE SET
    success_count   = CASE WHEN procedural_memory.action_sequence = EXCLUDED.action_sequence
                           THEN procedural_memory.success_count + 1
                           ELSE 1 END,
    action_sequence = EXCLUDED.action_sequence,
    last_used       = EXCLUDED.last_used;
`

// PostgresStore shares procedural memory through a postgres database,
// suitable for a fleet of agent hosts behind one store.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresStore verifies the connection and applies the schema.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("memory: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchemaSQL); err != nil {
		return nil, fmt.Errorf("memory: apply postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("memory")}, nil
}

// Connect opens a pgx pool for the DSN and builds a store over it.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: connect postgres: %w", err)
	}
	store, err := NewPostgresStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Lookup returns the entry for a signature, if one exists.
func (s *PostgresStore) Lookup(ctx context.Context, signature string) (schemas.MemoryEntry, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT action_sequence, success_count, last_used FROM procedural_memory WHERE signature = $1`,
		signature)

	var raw string
	var count int
	var lastUsed time.Time
	if err := row.Scan(&raw, &count, &lastUsed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.MemoryEntry{}, false, nil
		}
		return schemas.MemoryEntry{}, false, fmt.Errorf("memory: postgres lookup: %w", err)
	}
	sequence, err := decodeSequence(raw)
	if err != nil {
		return schemas.MemoryEntry{}, false, err
	}
	return schemas.MemoryEntry{
		Signature:      signature,
		ActionSequence: sequence,
		SuccessCount:   count,
		LastUsed:       lastUsed,
	}, true, nil
}

// Record stores a successful action sequence. A repeat of the stored
// sequence bumps its success count; a different sequence replaces it.
func (s *PostgresStore) Record(ctx context.Context, signature string, sequence []schemas.ActionProposal) error {
	encoded, err := encodeSequence(sequence)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgUpsertSQL, signature, encoded, time.Now().UTC()); err != nil {
		return fmt.Errorf("memory: postgres record: %w", err)
	}
	s.log.Debug("Recorded procedural memory.", zap.String("signature", signature), zap.Int("actions", len(sequence)))
	return nil
}

// Entries lists all stored entries, most recently used first.
func (s *PostgresStore) Entries(ctx context.Context) ([]schemas.MemoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT signature, action_sequence, success_count, last_used FROM procedural_memory ORDER BY last_used DESC`)
	if err != nil {
		return nil, fmt.Errorf("memory: postgres entries: %w", err)
	}
	defer rows.Close()

	var entries []schemas.MemoryEntry
	for rows.Next() {
		var entry schemas.MemoryEntry
		var raw string
		if err := rows.Scan(&entry.Signature, &raw, &entry.SuccessCount, &entry.LastUsed); err != nil {
			return nil, fmt.Errorf("memory: postgres scan: %w", err)
		}
		sequence, err := decodeSequence(raw)
		if err != nil {
			return nil, err
		}
		entry.ActionSequence = sequence
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: postgres entries: %w", err)
	}
	return entries, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
