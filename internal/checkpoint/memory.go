package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/deepyad/helpdesk/internal/models"
)

type entry struct {
	state     *models.SupervisorState
	expiresAt time.Time
}

// Memory is the default in-process checkpointer. Entries expire after the
// session TTL; expiry is observed lazily on read.
type Memory struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	// now is injectable for tests.
	now func() time.Time
}

// NewMemory creates an in-memory checkpointer. ttl <= 0 disables expiry.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get implements Checkpointer. Clones are handed out so a turn's mutations
// never leak into the stored state.
func (m *Memory) Get(_ context.Context, threadID string) (*models.SupervisorState, error) {
	m.mu.RLock()
	e, ok := m.entries[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if m.ttl > 0 && m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, threadID)
		m.mu.Unlock()
		return nil, nil
	}
	return e.state.Clone(), nil
}

// Put implements Checkpointer.
func (m *Memory) Put(_ context.Context, threadID string, state *models.SupervisorState) error {
	e := entry{state: state.Clone()}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.entries[threadID] = e
	m.mu.Unlock()
	return nil
}

// Delete implements Checkpointer.
func (m *Memory) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	delete(m.entries, threadID)
	m.mu.Unlock()
	return nil
}
