// Package supervisor implements the per-session state machine:
// plan → route → invoke → aggregate → {escalate | end}, over checkpointed
// state. Nodes are plain functions returning state deltas; the driver merges
// each delta and follows a static transition table, so the machine is
// directly testable without a graph framework.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/deepyad/helpdesk/internal/agent"
	"github.com/deepyad/helpdesk/internal/agentops"
	"github.com/deepyad/helpdesk/internal/checkpoint"
	"github.com/deepyad/helpdesk/internal/faithfulness"
	"github.com/deepyad/helpdesk/internal/hitl"
	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/logging"
	"github.com/deepyad/helpdesk/internal/metrics"
	"github.com/deepyad/helpdesk/internal/models"
	"github.com/deepyad/helpdesk/internal/registry"
)

// EscalationReply is the fixed assistant message appended on every
// escalation.
const EscalationReply = "I'm connecting you with a human agent. Please hold."

// failureReply is the fixed assistant message for exhausted invocations.
const failureReply = "I'm sorry, I'm having trouble right now. Please try again in a moment or contact support directly."

// Options configures the supervisor.
type Options struct {
	PlanningEnabled       bool
	FailoverEnabled       bool
	FallbackAgentID       string
	FaithfulnessThreshold float64
	MessagesMaxLen        int
	InvocationTimeout     time.Duration
	LLMTimeout            time.Duration
}

// Deps are the supervisor's collaborators, constructed bottom-up by the
// caller. Breaker, Planner, and Metrics are optional.
type Deps struct {
	Agents       map[string]agent.Agent
	Registry     registry.Registry
	Breaker      *agentops.CircuitBreaker
	Scorer       faithfulness.Scorer
	Planner      llm.Provider
	Handler      hitl.Handler
	Checkpointer checkpoint.Checkpointer
	Limiter      *Limiter
	Metrics      *metrics.Metrics
}

// TurnInput is the new turn merged into the session state.
type TurnInput struct {
	SessionID         string
	UserID            string
	Message           string
	SuggestedAgentIDs []string
}

// Supervisor orchestrates chat turns over persisted per-session state.
type Supervisor struct {
	opts   Options
	deps   Deps
	locks  *keyedMutex
	logger *logging.Logger

	// checkpointHealthy flips to false when the checkpointer fails; the
	// health endpoint reports degraded until a write succeeds again.
	checkpointHealthy atomic.Bool
}

// New creates a supervisor.
func New(opts Options, deps Deps) *Supervisor {
	if opts.FallbackAgentID == "" {
		opts.FallbackAgentID = "support"
	}
	if opts.FaithfulnessThreshold == 0 {
		opts.FaithfulnessThreshold = 0.8
	}
	if opts.MessagesMaxLen < 2 {
		opts.MessagesMaxLen = 20
	}
	if opts.InvocationTimeout <= 0 {
		opts.InvocationTimeout = 30 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 10 * time.Second
	}
	if deps.Scorer == nil {
		deps.Scorer = faithfulness.NullScorer{}
	}
	if deps.Handler == nil {
		deps.Handler = hitl.StubHandler{}
	}
	s := &Supervisor{
		opts:   opts,
		deps:   deps,
		locks:  newKeyedMutex(),
		logger: logging.GetLogger("supervisor"),
	}
	s.checkpointHealthy.Store(true)
	return s
}

// CheckpointHealthy reports whether the last checkpointer operation
// succeeded.
func (s *Supervisor) CheckpointHealthy() bool {
	return s.checkpointHealthy.Load()
}

// node names of the state machine.
const (
	nodePlan      = "plan"
	nodeRoute     = "route"
	nodeInvoke    = "invoke"
	nodeAggregate = "aggregate"
	nodeEscalate  = "escalate"
	nodeEnd       = "end"
)

// next is the static transition table. The only branch is after aggregate.
func next(node string, st *models.SupervisorState) string {
	switch node {
	case nodePlan:
		return nodeRoute
	case nodeRoute:
		return nodeInvoke
	case nodeInvoke:
		return nodeAggregate
	case nodeAggregate:
		if st.NeedsEscalation {
			return nodeEscalate
		}
		return nodeEnd
	default:
		return nodeEnd
	}
}

// Turn runs one chat turn for the session: load checkpoint, merge the new
// input, drive the node table, persist. Returns the final state. An
// ErrOverloaded return leaves no trace in the checkpoint.
func (s *Supervisor) Turn(ctx context.Context, in TurnInput) (*models.SupervisorState, error) {
	unlock := s.locks.Lock(in.SessionID)
	defer unlock()

	start := time.Now()
	if s.deps.Metrics != nil {
		s.deps.Metrics.InFlightTurns.Inc()
		defer s.deps.Metrics.InFlightTurns.Dec()
	}

	st := s.load(ctx, in)

	node := nodePlan
	for node != nodeEnd {
		var d *delta
		var err error
		switch node {
		case nodePlan:
			d = s.planNode(ctx, st)
		case nodeRoute:
			d = s.routeNode(st)
		case nodeInvoke:
			d, err = s.invokeNode(ctx, st)
		case nodeAggregate:
			d = s.aggregateNode(ctx, st)
		case nodeEscalate:
			d = s.escalateNode(ctx, st)
		}
		if err != nil {
			return nil, err
		}
		applyDelta(st, d)
		node = next(node, st)
	}

	s.save(ctx, st)
	s.observeTurn(st, time.Since(start))
	return st, nil
}

// load fetches the persisted state and merges the new turn's input: the user
// message is appended, the router suggestion replaces the previous one, and
// all transient per-turn fields are cleared.
func (s *Supervisor) load(ctx context.Context, in TurnInput) *models.SupervisorState {
	st, err := s.deps.Checkpointer.Get(ctx, in.SessionID)
	if err != nil {
		s.logger.ErrorWithErr("checkpoint load failed, proceeding with fresh state", err)
		s.checkpointHealthy.Store(false)
		st = nil
	}
	if st == nil {
		st = &models.SupervisorState{SessionID: in.SessionID}
	}

	st.SessionID = in.SessionID
	st.UserID = in.UserID
	st.Messages = append(st.Messages, models.UserMessage(in.Message))
	st.SuggestedAgentIDs = append([]string(nil), in.SuggestedAgentIDs...)
	st.PlannedAgentIDs = nil
	st.CurrentAgent = ""
	st.LastRAGContext = ""
	st.NeedsEscalation = false
	st.EscalationReason = models.EscalationNone
	st.Resolved = false
	return st
}

// save persists the state under the session's thread id, bounding the
// message history.
func (s *Supervisor) save(ctx context.Context, st *models.SupervisorState) {
	st.TruncateMessages(s.opts.MessagesMaxLen)
	if err := s.deps.Checkpointer.Put(ctx, st.SessionID, st); err != nil {
		s.logger.ErrorWithErr("checkpoint save failed", err)
		s.checkpointHealthy.Store(false)
		return
	}
	s.checkpointHealthy.Store(true)
}

func (s *Supervisor) observeTurn(st *models.SupervisorState, elapsed time.Duration) {
	if s.deps.Metrics == nil {
		return
	}
	outcome := "ok"
	if st.NeedsEscalation {
		outcome = "escalated"
		s.deps.Metrics.EscalationsTotal.WithLabelValues(string(st.EscalationReason)).Inc()
	}
	s.deps.Metrics.TurnsTotal.WithLabelValues(st.CurrentAgent, outcome).Inc()
	s.deps.Metrics.TurnDuration.Observe(elapsed.Seconds())
}
