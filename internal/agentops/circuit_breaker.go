// Package agentops implements the per-agent circuit breaker and the health
// aggregation consumed by the /health endpoint. Circuit state is driven only
// by invocation outcomes; there is no background probing.
package agentops

import (
	"sync"
	"time"
)

// CircuitState is the state of one agent's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Status is a read-only snapshot of one circuit.
type Status struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// circuit is the mutable per-agent record.
type circuit struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// CircuitBreaker tracks per-agent circuits. After threshold consecutive
// failures a circuit opens; once the cooldown elapses it transitions to
// half_open on the next read, where one success closes it and one failure
// re-opens it. Circuits are created lazily on first reference.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	circuits map[string]*circuit

	// now is injectable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the given threshold and cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if cooldown < time.Second {
		cooldown = time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		circuits:  make(map[string]*circuit),
		now:       time.Now,
	}
}

// get returns the agent's circuit, creating it closed on first reference.
func (cb *CircuitBreaker) get(agentID string) *circuit {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c, ok := cb.circuits[agentID]
	if !ok {
		c = &circuit{state: CircuitClosed}
		cb.circuits[agentID] = c
	}
	return c
}

// maybeHalfOpen transitions open → half_open when the cooldown has elapsed.
// Callers must hold c.mu.
func (cb *CircuitBreaker) maybeHalfOpen(c *circuit) {
	if c.state == CircuitOpen && cb.now().Sub(c.openedAt) >= cb.cooldown {
		c.state = CircuitHalfOpen
		c.failures = 0
	}
}

// IsAvailable reports whether the agent may be invoked (closed or half_open).
// Reading an open circuit past its cooldown moves it to half_open first.
func (cb *CircuitBreaker) IsAvailable(agentID string) bool {
	c := cb.get(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	cb.maybeHalfOpen(c)
	return c.state != CircuitOpen
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(agentID string) {
	c := cb.get(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = CircuitClosed
}

// RecordFailure increments the failure count. A closed circuit opens when the
// count reaches the threshold; a half_open circuit re-opens immediately.
func (cb *CircuitBreaker) RecordFailure(agentID string) {
	c := cb.get(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.openedAt = cb.now()
		c.failures = cb.threshold
	case CircuitClosed:
		c.failures++
		if c.failures >= cb.threshold {
			c.state = CircuitOpen
			c.openedAt = cb.now()
		}
	case CircuitOpen:
		c.failures++
		c.openedAt = cb.now()
	}
}

// State returns the agent's current circuit state, applying the lazy
// open → half_open transition.
func (cb *CircuitBreaker) State(agentID string) CircuitState {
	c := cb.get(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	cb.maybeHalfOpen(c)
	return c.state
}

// GetStatus returns a snapshot for health reporting.
func (cb *CircuitBreaker) GetStatus(agentID string) Status {
	c := cb.get(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	cb.maybeHalfOpen(c)
	return Status{State: c.state, ConsecutiveFailures: c.failures, OpenedAt: c.openedAt}
}

// AgentIDs returns all agent ids that have a circuit.
func (cb *CircuitBreaker) AgentIDs() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ids := make([]string, 0, len(cb.circuits))
	for id := range cb.circuits {
		ids = append(ids, id)
	}
	return ids
}
