package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/haven"
)

// Memory implements haven.Memory backed by PostgreSQL. Search uses tsvector
// full-text ranking, so plainto_tsquery handles arbitrary query text safely.
type Memory struct {
	pool *pgxpool.Pool
}

var _ haven.Memory = (*Memory)(nil)

// NewMemory creates a Memory using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewMemory(pool *pgxpool.Pool) *Memory {
	return &Memory{pool: pool}
}

// Init creates the memories table and its full-text index.
// Safe to call multiple times (all statements are idempotent).
func (m *Memory) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (scope, key)
		)`,
		`CREATE INDEX IF NOT EXISTS memories_fts_idx ON memories USING gin(to_tsvector('english', value))`,
	}
	for _, stmt := range stmts {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: memory init: %w", err)
		}
	}
	return nil
}

// Get returns the value stored under key in scope, and whether it exists.
func (m *Memory) Get(ctx context.Context, key, scope string) (string, bool, error) {
	var value string
	err := m.pool.QueryRow(ctx,
		`SELECT value FROM memories WHERE scope = $1 AND key = $2`, scope, key,
	).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: memory get: %w", err)
	}
	return value, true, nil
}

// Put stores value under key in scope, replacing any previous value.
func (m *Memory) Put(ctx context.Context, key, value, scope string) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO memories (scope, key, value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (scope, key) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = EXCLUDED.updated_at`,
		scope, key, value, haven.NowUnix(),
	)
	if err != nil {
		return fmt.Errorf("postgres: memory put: %w", err)
	}
	return nil
}

// Search returns up to k entries in scope relevant to query, best first,
// ranked by ts_rank.
func (m *Memory) Search(ctx context.Context, query string, k int, scope string) ([]haven.MemoryEntry, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT key, value,
		        ts_rank(to_tsvector('english', value), plainto_tsquery('english', $1)) AS score
		 FROM memories
		 WHERE scope = $2 AND to_tsvector('english', value) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC, key
		 LIMIT $3`,
		query, scope, k,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: memory search: %w", err)
	}
	defer rows.Close()

	var entries []haven.MemoryEntry
	for rows.Next() {
		var e haven.MemoryEntry
		var score float32
		if err := rows.Scan(&e.Key, &e.Value, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan memory entry: %w", err)
		}
		e.Score = float64(score)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
