package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/deepyad/helpdesk/internal/models"
)

// SQLite is the durable conversation store backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) a SQLite-backed conversation store.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// AppendTurn implements ConversationStore.
func (s *SQLite) AppendTurn(ctx context.Context, sessionID, role, content string, metadata map[string]string) error {
	var meta sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode turn metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, role, content, metadata) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, meta)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// GetHistory implements ConversationStore.
func (s *SQLite) GetHistory(ctx context.Context, sessionID string, limit int) ([]models.Turn, error) {
	query := `SELECT role, content, metadata FROM turns WHERE session_id = ? ORDER BY id`
	args := []interface{}{sessionID}
	if limit > 0 {
		// Last N turns, in chronological order.
		query = `SELECT role, content, metadata FROM (
			SELECT id, role, content, metadata FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		var meta sql.NullString
		if err := rows.Scan(&t.Role, &t.Content, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode turn metadata: %w", err)
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ListSessions implements ConversationStore.
func (s *SQLite) ListSessions(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT session_id FROM turns GROUP BY session_id ORDER BY MIN(id)`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
