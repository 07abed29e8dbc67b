// Package postgres implements haven.SnapshotStore and haven.Memory using
// PostgreSQL, with tsvector full-text search backing memory queries.
//
// Both Store and Memory accept an externally-owned *pgxpool.Pool via
// constructor injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/haven"
)

// ErrNotFound is returned by Load when no snapshot exists under the ID.
var ErrNotFound = errors.New("postgres: snapshot not found")

// Store implements haven.SnapshotStore backed by PostgreSQL. Snapshots are
// stored as their canonical JSON documents in a JSONB column, so fields
// written by newer engine versions survive a save/load round trip untouched.
type Store struct {
	pool *pgxpool.Pool
}

var _ haven.SnapshotStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the snapshots table and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			pending INTEGER NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS snapshots_agent_idx ON snapshots(agent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Save writes or replaces the snapshot under its ID.
func (s *Store) Save(ctx context.Context, snap *haven.RunSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (id, agent_id, created_at, pending, body)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_id = EXCLUDED.agent_id,
		   created_at = EXCLUDED.created_at,
		   pending = EXCLUDED.pending,
		   body = EXCLUDED.body`,
		snap.ID, snap.AgentID, snap.CreatedAt.Unix(), len(snap.PendingBatch), body,
	)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// Load retrieves a snapshot by ID. Returns ErrNotFound when absent.
func (s *Store) Load(ctx context.Context, id string) (*haven.RunSnapshot, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM snapshots WHERE id = $1`, id).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load snapshot: %w", err)
	}
	return haven.DecodeSnapshot(body)
}

// ListPending returns metadata for stored snapshots, newest first, filtered
// by agent when agentID is non-empty.
func (s *Store) ListPending(ctx context.Context, agentID string) ([]haven.SnapshotInfo, error) {
	query := `SELECT id, agent_id, created_at, pending FROM snapshots`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending: %w", err)
	}
	defer rows.Close()

	var infos []haven.SnapshotInfo
	for rows.Next() {
		var info haven.SnapshotInfo
		var createdAt int64
		if err := rows.Scan(&info.ID, &info.AgentID, &createdAt, &info.Pending); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot info: %w", err)
		}
		info.CreatedAt = time.Unix(createdAt, 0).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes a snapshot once it has been resumed or abandoned.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete snapshot: %w", err)
	}
	return nil
}
