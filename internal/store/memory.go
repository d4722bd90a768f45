package store

import (
	"context"
	"sync"

	"github.com/deepyad/helpdesk/internal/models"
)

// Memory is the default in-process conversation store.
type Memory struct {
	mu      sync.RWMutex
	history map[string][]models.Turn
	// order tracks first-seen session order for ListSessions.
	order []string
}

// NewMemory creates an empty in-memory conversation store.
func NewMemory() *Memory {
	return &Memory{history: make(map[string][]models.Turn)}
}

// AppendTurn implements ConversationStore.
func (m *Memory) AppendTurn(_ context.Context, sessionID, role, content string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[sessionID]; !ok {
		m.order = append(m.order, sessionID)
	}
	m.history[sessionID] = append(m.history[sessionID], models.Turn{
		Role:     role,
		Content:  content,
		Metadata: metadata,
	})
	return nil
}

// GetHistory implements ConversationStore.
func (m *Memory) GetHistory(_ context.Context, sessionID string, limit int) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.history[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]models.Turn(nil), turns...), nil
}

// ListSessions implements ConversationStore.
func (m *Memory) ListSessions(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return append([]string(nil), ids...), nil
}
