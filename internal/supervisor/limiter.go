package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/deepyad/helpdesk/internal/registry"
)

// ErrOverloaded is returned when an agent's in-flight turns and waiting queue
// are both full. The frontend maps it to HTTP 503.
var ErrOverloaded = errors.New("agent overloaded, try again later")

// Limiter bounds per-agent concurrency. Up to the agent's max_concurrent
// turns run at once; beyond that, turns wait in a bounded queue; beyond the
// queue they fail fast.
type Limiter struct {
	reg        registry.Registry
	defaultMax int64
	queueSize  int64

	mu     sync.Mutex
	agents map[string]*agentLimiter
}

type agentLimiter struct {
	sem     *semaphore.Weighted
	waiting atomic.Int64
}

// NewLimiter creates a limiter sized from the registry's per-agent
// max_concurrent metadata.
func NewLimiter(reg registry.Registry, defaultMax, queueSize int) *Limiter {
	if defaultMax < 1 {
		defaultMax = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Limiter{
		reg:        reg,
		defaultMax: int64(defaultMax),
		queueSize:  int64(queueSize),
		agents:     make(map[string]*agentLimiter),
	}
}

func (l *Limiter) get(agentID string) *agentLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	al, ok := l.agents[agentID]
	if !ok {
		max := l.defaultMax
		if cfg, found := l.reg.Get(agentID); found && cfg.MaxConcurrent > 0 {
			max = int64(cfg.MaxConcurrent)
		}
		al = &agentLimiter{sem: semaphore.NewWeighted(max)}
		l.agents[agentID] = al
	}
	return al
}

// Acquire claims one slot for the agent, waiting in the bounded queue when
// the agent is saturated. Returns the release function, or ErrOverloaded
// when the queue is full.
func (l *Limiter) Acquire(ctx context.Context, agentID string) (func(), error) {
	al := l.get(agentID)
	release := func() { al.sem.Release(1) }

	if al.sem.TryAcquire(1) {
		return release, nil
	}
	if al.waiting.Add(1) > l.queueSize {
		al.waiting.Add(-1)
		return nil, ErrOverloaded
	}
	defer al.waiting.Add(-1)

	if err := al.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return release, nil
}
