// Package sqlite persists paused-run snapshots and agent memory in a local
// SQLite file using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/haven"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned by Load when no snapshot exists under the ID.
var ErrNotFound = errors.New("sqlite: snapshot not found")

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements haven.SnapshotStore backed by a local SQLite file.
// Snapshots are stored as their canonical JSON documents, so fields written
// by newer engine versions survive a save/load round trip untouched.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ haven.SnapshotStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the snapshots table. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		pending INTEGER NOT NULL,
		body TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON snapshots(agent_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Save writes or replaces the snapshot under its ID.
func (s *Store) Save(ctx context.Context, snap *haven.RunSnapshot) error {
	start := time.Now()
	s.logger.Debug("sqlite: save snapshot", "id", snap.ID, "agent_id", snap.AgentID, "pending", len(snap.PendingBatch))

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (id, agent_id, created_at, pending, body)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.AgentID, snap.CreatedAt.Unix(), len(snap.PendingBatch), string(body),
	)
	if err != nil {
		s.logger.Error("sqlite: save snapshot failed", "id", snap.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("sqlite: save snapshot ok", "id", snap.ID, "duration", time.Since(start))
	return nil
}

// Load retrieves a snapshot by ID. Returns ErrNotFound when absent.
func (s *Store) Load(ctx context.Context, id string) (*haven.RunSnapshot, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load snapshot", "id", id)

	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: load snapshot not found", "id", id, "duration", time.Since(start))
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: load snapshot failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := haven.DecodeSnapshot([]byte(body))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: load snapshot ok", "id", id, "duration", time.Since(start))
	return snap, nil
}

// ListPending returns metadata for stored snapshots, newest first, filtered
// by agent when agentID is non-empty.
func (s *Store) ListPending(ctx context.Context, agentID string) ([]haven.SnapshotInfo, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list pending", "agent_id", agentID)

	query := `SELECT id, agent_id, created_at, pending FROM snapshots`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list pending failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var infos []haven.SnapshotInfo
	for rows.Next() {
		var info haven.SnapshotInfo
		var createdAt int64
		if err := rows.Scan(&info.ID, &info.AgentID, &createdAt, &info.Pending); err != nil {
			return nil, fmt.Errorf("scan snapshot info: %w", err)
		}
		info.CreatedAt = time.Unix(createdAt, 0).UTC()
		infos = append(infos, info)
	}
	s.logger.Debug("sqlite: list pending ok", "count", len(infos), "duration", time.Since(start))
	return infos, rows.Err()
}

// Delete removes a snapshot once it has been resumed or abandoned.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete snapshot", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		s.logger.Error("sqlite: delete snapshot failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete snapshot: %w", err)
	}
	s.logger.Debug("sqlite: delete snapshot ok", "id", id, "duration", time.Since(start))
	return nil
}

// DB returns the underlying *sql.DB for sharing with Memory.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
