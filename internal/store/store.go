// Package store implements the append-only per-session conversation store.
// Only the frontend writes to it: one user turn and one assistant turn per
// request, after the supervisor returns.
package store

import (
	"context"

	"github.com/deepyad/helpdesk/internal/models"
)

// ConversationStore is the long-term conversation history interface.
type ConversationStore interface {
	// AppendTurn appends one turn to the session's history.
	AppendTurn(ctx context.Context, sessionID, role, content string, metadata map[string]string) error

	// GetHistory returns the session's turns in order. When limit > 0, only
	// the last limit turns are returned.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]models.Turn, error)

	// ListSessions returns known session ids. When limit > 0, at most limit
	// ids are returned.
	ListSessions(ctx context.Context, limit int) ([]string, error)
}
