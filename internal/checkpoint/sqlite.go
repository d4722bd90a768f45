package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/deepyad/helpdesk/internal/models"
)

// SQLite is the durable checkpointer backend. State survives process
// restarts, making turns idempotent at the state level after a crash.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLite opens (and migrates) a SQLite-backed checkpointer.
func NewSQLite(dsn string, ttl time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db, ttl: ttl}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Get implements Checkpointer.
func (s *SQLite) Get(ctx context.Context, threadID string) (*models.SupervisorState, error) {
	var raw string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, updated_at FROM checkpoints WHERE thread_id = ?`, threadID).
		Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if s.ttl > 0 && time.Since(time.Unix(updatedAt, 0)) > s.ttl {
		_ = s.Delete(ctx, threadID)
		return nil, nil
	}

	var state models.SupervisorState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &state, nil
}

// Put implements Checkpointer.
func (s *SQLite) Put(ctx context.Context, threadID string, state *models.SupervisorState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		threadID, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Delete implements Checkpointer.
func (s *SQLite) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
