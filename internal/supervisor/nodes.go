package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepyad/helpdesk/internal/agent"
	"github.com/deepyad/helpdesk/internal/hitl"
	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/logging"
	"github.com/deepyad/helpdesk/internal/metrics"
	"github.com/deepyad/helpdesk/internal/models"
)

// delta is a node's contribution to the state. The driver merges deltas;
// nodes never mutate the state directly.
type delta struct {
	messages         []models.Message
	plannedAgentIDs  []string
	currentAgent     *string
	ragContext       *string
	resolved         *bool
	needsEscalation  *bool
	escalationReason *models.EscalationReason
}

// applyDelta merges a node's delta into the state.
func applyDelta(st *models.SupervisorState, d *delta) {
	if d == nil {
		return
	}
	st.Messages = append(st.Messages, d.messages...)
	if d.plannedAgentIDs != nil {
		st.PlannedAgentIDs = d.plannedAgentIDs
	}
	if d.currentAgent != nil {
		st.CurrentAgent = *d.currentAgent
	}
	if d.ragContext != nil {
		st.LastRAGContext = *d.ragContext
	}
	if d.resolved != nil {
		st.Resolved = *d.resolved
	}
	if d.needsEscalation != nil {
		st.NeedsEscalation = *d.needsEscalation
	}
	if d.escalationReason != nil {
		st.EscalationReason = *d.escalationReason
	}
}

func ptr[T any](v T) *T { return &v }

// planNode asks the LLM to pick one agent for the turn. Any failure is a
// no-op: planning never blocks a turn.
func (s *Supervisor) planNode(ctx context.Context, st *models.SupervisorState) *delta {
	if !s.opts.PlanningEnabled || s.deps.Planner == nil {
		return nil
	}
	last := models.LastByRole(st.Messages, models.RoleUser)
	if last == nil || last.Content == "" {
		return nil
	}
	userText := strings.TrimSpace(last.Content)
	if len(userText) > 500 {
		userText = userText[:500]
	}

	available := s.registeredIDs()
	prompt := fmt.Sprintf(
		"User message: %s\nSuggested agents from router: %v\nAvailable agents: %v. Which single agent should handle this? Reply with exactly one word.",
		userText, st.SuggestedAgentIDs, available,
	)
	system := fmt.Sprintf("You are a router. Reply with only one word: one of %s.", strings.Join(available, ", "))

	resp, err := llm.ChatWithTimeout(ctx, s.deps.Planner, system,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}}, nil, s.opts.LLMTimeout)
	if err != nil {
		s.logger.Warn("plan node failed, falling through to router suggestion: %v", err)
		return nil
	}

	chosen := matchAgentID(resp.Content, available)
	if chosen == "" {
		return nil
	}
	return &delta{plannedAgentIDs: []string{chosen}}
}

// matchAgentID finds the first known agent id as a whole word in the text.
func matchAgentID(text string, known []string) string {
	if len(known) == 0 {
		return ""
	}
	pattern := regexp.MustCompile(`\b(` + strings.Join(known, "|") + `)\b`)
	return pattern.FindString(strings.ToLower(text))
}

func (s *Supervisor) registeredIDs() []string {
	ids := make([]string, 0, len(s.deps.Agents))
	for _, id := range s.deps.Registry.IDs() {
		if _, ok := s.deps.Agents[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// routeNode selects the agent for this turn. The planner's choice wins over
// the router's; open circuits are filtered; when every candidate is filtered
// the fallback agent is preferred, and only if the fallback is also open do
// the original candidates survive (filtering must not starve the turn).
func (s *Supervisor) routeNode(st *models.SupervisorState) *delta {
	candidates := st.PlannedAgentIDs
	if len(candidates) == 0 {
		candidates = st.SuggestedAgentIDs
	}
	if len(candidates) == 0 {
		candidates = []string{s.opts.FallbackAgentID}
	}

	pool := candidates
	if s.deps.Breaker != nil {
		var available []string
		for _, id := range candidates {
			if s.deps.Breaker.IsAvailable(id) {
				available = append(available, id)
			}
		}
		switch {
		case len(available) > 0:
			pool = available
		case s.deps.Breaker.IsAvailable(s.opts.FallbackAgentID):
			pool = []string{s.opts.FallbackAgentID}
		default:
			pool = candidates
		}
	}

	for _, id := range pool {
		if _, ok := s.deps.Agents[id]; ok {
			return &delta{currentAgent: ptr(id)}
		}
	}
	return &delta{currentAgent: ptr(s.opts.FallbackAgentID)}
}

// invokeNode runs the selected agent under the per-agent concurrency limit
// and the invocation timeout. Failures are recorded against the circuit
// breaker; with failover enabled the fallback agent is tried at most once.
func (s *Supervisor) invokeNode(ctx context.Context, st *models.SupervisorState) (*delta, error) {
	agentID := st.CurrentAgent
	a, ok := s.deps.Agents[agentID]
	if !ok {
		agentID = s.opts.FallbackAgentID
		a = s.deps.Agents[agentID]
		if a == nil {
			return nil, fmt.Errorf("no agent registered for %q and no fallback available", st.CurrentAgent)
		}
	}

	if s.deps.Limiter != nil {
		release, err := s.deps.Limiter.Acquire(ctx, agentID)
		if err != nil {
			if errors.Is(err, ErrOverloaded) && s.deps.Metrics != nil {
				s.deps.Metrics.OverloadsTotal.Inc()
			}
			return nil, err
		}
		defer release()
	}

	in := agent.Input{
		Messages:  st.Messages,
		SessionID: st.SessionID,
		UserID:    st.UserID,
	}

	d, err := s.runAgent(ctx, a, agentID, in)
	if err == nil {
		return d, nil
	}
	s.logger.ErrorWithFields("agent invocation failed",
		logging.Field("agent", agentID),
		logging.Field("session_id", st.SessionID),
		logging.Field("error", err.Error()),
	)

	fallbackID := s.opts.FallbackAgentID
	if s.opts.FailoverEnabled && fallbackID != agentID {
		if fb, ok := s.deps.Agents[fallbackID]; ok {
			d, ferr := s.runAgent(ctx, fb, fallbackID, in)
			if ferr == nil {
				d.currentAgent = ptr(fallbackID)
				return d, nil
			}
			s.logger.ErrorWithFields("fallback invocation failed",
				logging.Field("agent", fallbackID),
				logging.Field("session_id", st.SessionID),
				logging.Field("error", ferr.Error()),
			)
		}
	}

	// All attempts exhausted: friendly reply, escalate.
	return &delta{
		messages:         []models.Message{models.AssistantMessage(failureReply)},
		ragContext:       ptr(""),
		resolved:         ptr(false),
		needsEscalation:  ptr(true),
		escalationReason: ptr(models.EscalationInvocationFailed),
	}, nil
}

// runAgent executes one agent invocation under the invocation timeout and
// records the outcome with the circuit breaker.
func (s *Supervisor) runAgent(ctx context.Context, a agent.Agent, agentID string, in agent.Input) (*delta, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, s.opts.InvocationTimeout)
	defer cancel()

	if s.deps.Metrics != nil {
		s.deps.Metrics.LLMRequestsTotal.WithLabelValues(agentID).Inc()
	}

	out, err := a.Invoke(invokeCtx, in)
	if err != nil {
		s.recordFailure(agentID)
		return nil, err
	}
	s.recordSuccess(agentID)

	d := &delta{
		messages:   out.Messages,
		ragContext: ptr(out.RAGContext),
		resolved:   ptr(out.Resolved),
	}
	if out.NeedsEscalation {
		d.needsEscalation = ptr(true)
		d.escalationReason = ptr(models.EscalationAgentRequested)
	}
	return d, nil
}

func (s *Supervisor) recordSuccess(agentID string) {
	if s.deps.Breaker == nil {
		return
	}
	s.deps.Breaker.RecordSuccess(agentID)
	s.updateCircuitGauge(agentID)
}

func (s *Supervisor) recordFailure(agentID string) {
	if s.deps.Breaker == nil {
		return
	}
	s.deps.Breaker.RecordFailure(agentID)
	s.updateCircuitGauge(agentID)
}

func (s *Supervisor) updateCircuitGauge(agentID string) {
	if s.deps.Metrics == nil {
		return
	}
	var v float64
	switch s.deps.Breaker.State(agentID) {
	case "open":
		v = metrics.CircuitOpenValue
	case "half_open":
		v = metrics.CircuitHalfOpenValue
	default:
		v = metrics.CircuitClosedValue
	}
	s.deps.Metrics.CircuitState.WithLabelValues(agentID).Set(v)
}

// aggregateNode scores the reply against the retrieved context and arms the
// escalation branch when the score falls below the threshold. A tie with the
// threshold does not escalate, and an agent-requested escalation is never
// downgraded here.
func (s *Supervisor) aggregateNode(ctx context.Context, st *models.SupervisorState) *delta {
	last := models.LastByRole(st.Messages, models.RoleAssistant)
	if last == nil || last.Content == "" {
		return nil
	}
	score := s.deps.Scorer.Score(ctx, last.Content, st.LastRAGContext)
	if score < s.opts.FaithfulnessThreshold {
		s.logger.InfoWithFields("low faithfulness score",
			logging.Field("session_id", st.SessionID),
			logging.Field("score", score),
			logging.Field("threshold", s.opts.FaithfulnessThreshold),
		)
		return &delta{
			needsEscalation:  ptr(true),
			escalationReason: ptr(models.EscalationLowFaithfulness),
		}
	}
	return nil
}

// escalateNode notifies the HITL handler and appends the fixed escalation
// reply. Handler failures (including panics) are contained: the user always
// gets the escalation message.
func (s *Supervisor) escalateNode(ctx context.Context, st *models.SupervisorState) *delta {
	reason := st.EscalationReason
	if reason == "" || reason == models.EscalationNone {
		reason = models.EscalationAgentRequested
	}

	ec := hitl.EscalationContext{
		SessionID: st.SessionID,
		UserID:    st.UserID,
		Reason:    string(reason),
		Metadata:  st.Metadata,
	}
	if last := models.LastByRole(st.Messages, models.RoleUser); last != nil {
		ec.LastUserMessage = last.Content
	}
	if last := models.LastByRole(st.Messages, models.RoleAssistant); last != nil {
		ec.LastAgentMessage = last.Content
	}

	s.notifyHandler(ctx, ec)

	return &delta{
		messages:         []models.Message{models.AssistantMessage(EscalationReply)},
		escalationReason: ptr(reason),
	}
}

// notifyHandler invokes the HITL handler inside a supervised boundary.
func (s *Supervisor) notifyHandler(ctx context.Context, ec hitl.EscalationContext) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("HITL handler panicked: %v", r)
		}
	}()
	if err := s.deps.Handler.OnEscalate(ctx, ec); err != nil {
		s.logger.ErrorWithErr("HITL handler failed", err)
	}
}
