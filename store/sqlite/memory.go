package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/haven"
)

// MemoryOption configures a SQLite Memory.
type MemoryOption func(*Memory)

// WithMemoryLogger sets a structured logger for the memory store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// Memory implements haven.Memory backed by SQLite. Entries are partitioned
// by scope, and Search uses an FTS5 full-text index over values.
//
// Use NewMemory with a shared *sql.DB from Store.DB() so both Store and
// Memory share the same serialized connection.
type Memory struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ haven.Memory = (*Memory)(nil)

// NewMemory creates a Memory using an existing *sql.DB.
// Pass store.DB() to share the same connection as Store.
func NewMemory(db *sql.DB, opts ...MemoryOption) *Memory {
	m := &Memory{db: db, logger: nopLogger}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init creates the memories table and its FTS5 index.
func (m *Memory) Init(ctx context.Context) error {
	start := time.Now()
	m.logger.Debug("sqlite: memory init started")

	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memories (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	)`)
	if err != nil {
		m.logger.Error("sqlite: memory init failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("create table: %w", err)
	}

	// FTS5 full-text index over values for memory_search.
	_, err = m.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(scope UNINDEXED, key UNINDEXED, value)`)
	if err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}

	m.logger.Info("sqlite: memory init completed", "duration", time.Since(start))
	return nil
}

// Get returns the value stored under key in scope, and whether it exists.
func (m *Memory) Get(ctx context.Context, key, scope string) (string, bool, error) {
	start := time.Now()
	m.logger.Debug("sqlite: memory get", "key", key, "scope", scope)

	var value string
	err := m.db.QueryRowContext(ctx,
		`SELECT value FROM memories WHERE scope = ? AND key = ?`, scope, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		m.logger.Debug("sqlite: memory get not found", "key", key, "duration", time.Since(start))
		return "", false, nil
	}
	if err != nil {
		m.logger.Error("sqlite: memory get failed", "key", key, "error", err, "duration", time.Since(start))
		return "", false, fmt.Errorf("memory get: %w", err)
	}
	m.logger.Debug("sqlite: memory get ok", "key", key, "duration", time.Since(start))
	return value, true, nil
}

// Put stores value under key in scope, replacing any previous value and
// keeping the FTS index in sync.
func (m *Memory) Put(ctx context.Context, key, value, scope string) error {
	start := time.Now()
	m.logger.Debug("sqlite: memory put", "key", key, "scope", scope)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories (scope, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		scope, key, value, haven.NowUnix(),
	)
	if err != nil {
		m.logger.Error("sqlite: memory put failed", "key", key, "error", err)
		return fmt.Errorf("memory put: %w", err)
	}

	_, _ = tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE scope = ? AND key = ?`, scope, key)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts (scope, key, value) VALUES (?, ?, ?)`, scope, key, value); err != nil {
		return fmt.Errorf("memory put fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		m.logger.Error("sqlite: memory put commit failed", "key", key, "error", err, "duration", time.Since(start))
		return err
	}
	m.logger.Debug("sqlite: memory put ok", "key", key, "duration", time.Since(start))
	return nil
}

// Search returns up to k entries in scope relevant to query, best first,
// ranked by FTS5 relevance.
func (m *Memory) Search(ctx context.Context, query string, k int, scope string) ([]haven.MemoryEntry, error) {
	start := time.Now()
	m.logger.Debug("sqlite: memory search", "query", query, "k", k, "scope", scope)

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT key, value, rank FROM memories_fts
		 WHERE memories_fts MATCH ? AND scope = ?
		 ORDER BY rank LIMIT ?`,
		match, scope, k,
	)
	if err != nil {
		m.logger.Error("sqlite: memory search failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer rows.Close()

	var entries []haven.MemoryEntry
	for rows.Next() {
		var e haven.MemoryEntry
		var rank float64
		if err := rows.Scan(&e.Key, &e.Value, &rank); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		e.Score = -rank
		if e.Score < 0 {
			e.Score = 0
		}
		entries = append(entries, e)
	}
	m.logger.Debug("sqlite: memory search ok", "returned", len(entries), "duration", time.Since(start))
	return entries, rows.Err()
}

// ftsQuery turns free text into an FTS5 OR-query of quoted terms so user
// input cannot break the MATCH syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}
