package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepyad/helpdesk/internal/agent"
	"github.com/deepyad/helpdesk/internal/agentops"
	"github.com/deepyad/helpdesk/internal/checkpoint"
	"github.com/deepyad/helpdesk/internal/hitl"
	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/models"
	"github.com/deepyad/helpdesk/internal/registry"
	"github.com/deepyad/helpdesk/internal/tools"
)

// fakeAgent is a scriptable agent.Agent.
type fakeAgent struct {
	id      string
	reply   string
	rag     string
	err     error
	escReq  bool
	calls   atomic.Int32
	started chan struct{} // closed once on first invoke when set
	block   chan struct{} // invoke blocks until closed when set
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) Invoke(ctx context.Context, in agent.Input) (*agent.Output, error) {
	if f.calls.Add(1) == 1 && f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	reply := f.reply
	if reply == "" {
		reply = "reply from " + f.id
	}
	return &agent.Output{
		Messages:        []models.Message{models.AssistantMessage(reply)},
		RAGContext:      f.rag,
		Resolved:        true,
		NeedsEscalation: f.escReq,
	}, nil
}

// fixedScorer returns a constant faithfulness score.
type fixedScorer struct{ score float64 }

func (f fixedScorer) Score(context.Context, string, string) float64 { return f.score }

type testEnv struct {
	sup     *Supervisor
	billing *fakeAgent
	support *fakeAgent
	breaker *agentops.CircuitBreaker
	cp      *checkpoint.Memory
	ticket  *hitl.TicketHandler
}

func newTestEnv(t *testing.T, mutate func(*Options, *Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		billing: &fakeAgent{id: "billing", rag: "Invoice INV-1: status=paid"},
		support: &fakeAgent{id: "support"},
		breaker: agentops.NewCircuitBreaker(3, time.Minute),
		cp:      checkpoint.NewMemory(time.Hour),
		ticket:  hitl.NewTicketHandler(tools.NewTicketTool()),
	}
	reg := registry.NewInMemory("test-model")
	opts := Options{
		FailoverEnabled:       true,
		FallbackAgentID:       "support",
		FaithfulnessThreshold: 0.8,
		MessagesMaxLen:        20,
	}
	deps := Deps{
		Agents: map[string]agent.Agent{
			"billing": env.billing,
			"support": env.support,
		},
		Registry:     reg,
		Breaker:      env.breaker,
		Handler:      env.ticket,
		Checkpointer: env.cp,
		Limiter:      NewLimiter(reg, 4, 4),
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	env.sup = New(opts, deps)
	return env
}

func billingTurn(msg string) TurnInput {
	return TurnInput{
		SessionID:         "s1",
		UserID:            "u1",
		Message:           msg,
		SuggestedAgentIDs: []string{"billing"},
	}
}

func TestTurnHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	env.billing.reply = "Invoice INV-1 is paid; refund is processing."

	st, err := env.sup.Turn(context.Background(), billingTurn("I need a refund for invoice INV-1"))
	require.NoError(t, err)

	assert.Equal(t, "billing", st.CurrentAgent)
	assert.False(t, st.NeedsEscalation)
	assert.Equal(t, "Invoice INV-1: status=paid", st.LastRAGContext)
	last := st.Messages[len(st.Messages)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, "Invoice INV-1 is paid; refund is processing.", last.Content)
	assert.Equal(t, int32(1), env.billing.calls.Load())
	assert.Equal(t, int32(0), env.support.calls.Load())
	assert.Empty(t, env.ticket.ListPending())

	// State was checkpointed.
	persisted, err := env.cp.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "billing", persisted.CurrentAgent)
}

func TestTurnStatePersistsAcrossTurns(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.sup.Turn(ctx, billingTurn("first question"))
	require.NoError(t, err)
	st, err := env.sup.Turn(ctx, billingTurn("second question"))
	require.NoError(t, err)

	// user, assistant, user, assistant
	require.Len(t, st.Messages, 4)
	assert.Equal(t, "first question", st.Messages[0].Content)
	assert.Equal(t, "second question", st.Messages[2].Content)
}

func TestTurnTruncatesMessages(t *testing.T) {
	env := newTestEnv(t, func(o *Options, _ *Deps) { o.MessagesMaxLen = 4 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.sup.Turn(ctx, billingTurn("question"))
		require.NoError(t, err)
	}

	persisted, err := env.cp.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, persisted.Messages, 4)
}

func TestRouteFiltersOpenCircuit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		env.breaker.RecordFailure("billing")
	}
	require.Equal(t, agentops.CircuitOpen, env.breaker.State("billing"))

	st, err := env.sup.Turn(context.Background(), billingTurn("invoice help"))
	require.NoError(t, err)

	assert.Equal(t, "support", st.CurrentAgent)
	assert.Equal(t, int32(0), env.billing.calls.Load(), "open-circuit agent must not be invoked")
	assert.Equal(t, int32(1), env.support.calls.Load())
}

func TestRouteKeepsCandidatesWhenEverythingIsOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		env.breaker.RecordFailure("billing")
		env.breaker.RecordFailure("support")
	}

	st, err := env.sup.Turn(context.Background(), billingTurn("invoice help"))
	require.NoError(t, err)

	// Filtering must not starve the turn: the original candidate survives.
	assert.Equal(t, "billing", st.CurrentAgent)
	assert.Equal(t, int32(1), env.billing.calls.Load())
}

func TestRouteDefaultsToFallbackWithoutSuggestions(t *testing.T) {
	env := newTestEnv(t, nil)
	st, err := env.sup.Turn(context.Background(), TurnInput{
		SessionID: "s1", UserID: "u1", Message: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "support", st.CurrentAgent)
}

func TestRouteUnregisteredSuggestionFallsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	st, err := env.sup.Turn(context.Background(), TurnInput{
		SessionID: "s1", UserID: "u1", Message: "hi",
		SuggestedAgentIDs: []string{"tech", "billing"},
	})
	require.NoError(t, err)
	// tech is suggested first but not constructed; billing is next.
	assert.Equal(t, "billing", st.CurrentAgent)
}

func TestPlanNodePicksAgent(t *testing.T) {
	env := newTestEnv(t, func(o *Options, d *Deps) {
		o.PlanningEnabled = true
		d.Planner = llm.NewMockProvider(llm.TextTurn("I think Billing should handle this."))
	})

	st, err := env.sup.Turn(context.Background(), TurnInput{
		SessionID: "s1", UserID: "u1", Message: "something ambiguous",
		SuggestedAgentIDs: []string{"support"},
	})
	require.NoError(t, err)

	// The planner's choice wins over the router suggestion.
	assert.Equal(t, []string{"billing"}, st.PlannedAgentIDs)
	assert.Equal(t, "billing", st.CurrentAgent)
	assert.Equal(t, int32(1), env.billing.calls.Load())
	assert.Equal(t, int32(0), env.support.calls.Load())
}

func TestPlanFailureFallsThroughToRouter(t *testing.T) {
	env := newTestEnv(t, func(o *Options, d *Deps) {
		o.PlanningEnabled = true
		d.Planner = llm.NewMockProvider(llm.ErrTurn(errors.New("planner down")))
	})

	st, err := env.sup.Turn(context.Background(), billingTurn("refund"))
	require.NoError(t, err)

	assert.Empty(t, st.PlannedAgentIDs, "plan failure leaves planned ids empty")
	assert.Equal(t, "billing", st.CurrentAgent)
}

func TestPlanUnknownAnswerIsNoOp(t *testing.T) {
	env := newTestEnv(t, func(o *Options, d *Deps) {
		o.PlanningEnabled = true
		d.Planner = llm.NewMockProvider(llm.TextTurn("the sales department"))
	})

	st, err := env.sup.Turn(context.Background(), billingTurn("refund"))
	require.NoError(t, err)
	assert.Empty(t, st.PlannedAgentIDs)
	assert.Equal(t, "billing", st.CurrentAgent)
}

func TestPlannerWinsOverRouter(t *testing.T) {
	env := newTestEnv(t, nil)

	st := &models.SupervisorState{
		PlannedAgentIDs:   []string{"support"},
		SuggestedAgentIDs: []string{"billing"},
	}
	d := env.sup.routeNode(st)
	require.NotNil(t, d.currentAgent)
	assert.Equal(t, "support", *d.currentAgent)
}

func TestInvokeFailureFailsOverOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.billing.err = errors.New("llm exploded")
	env.support.reply = "support got you covered"

	st, err := env.sup.Turn(context.Background(), billingTurn("refund please"))
	require.NoError(t, err)

	assert.Equal(t, "support", st.CurrentAgent, "failover must update current_agent")
	assert.False(t, st.NeedsEscalation)
	assert.Equal(t, "support got you covered", st.Messages[len(st.Messages)-1].Content)
	assert.Equal(t, int32(1), env.billing.calls.Load())
	assert.Equal(t, int32(1), env.support.calls.Load())
	assert.Equal(t, 1, env.breaker.GetStatus("billing").ConsecutiveFailures)
}

func TestInvokeFailureWithoutFailoverEscalates(t *testing.T) {
	env := newTestEnv(t, func(o *Options, _ *Deps) { o.FailoverEnabled = false })
	env.billing.err = errors.New("llm exploded")

	st, err := env.sup.Turn(context.Background(), billingTurn("refund please"))
	require.NoError(t, err)

	assert.True(t, st.NeedsEscalation)
	assert.Equal(t, models.EscalationInvocationFailed, st.EscalationReason)
	assert.Equal(t, EscalationReply, st.Messages[len(st.Messages)-1].Content)
	assert.Equal(t, int32(0), env.support.calls.Load())

	// The friendly failure reply precedes the escalation reply.
	require.GreaterOrEqual(t, len(st.Messages), 3)
	assert.Equal(t, failureReply, st.Messages[len(st.Messages)-2].Content)
}

func TestBothAgentsFailEscalates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.billing.err = errors.New("billing down")
	env.support.err = errors.New("support down")

	st, err := env.sup.Turn(context.Background(), billingTurn("refund please"))
	require.NoError(t, err)

	assert.True(t, st.NeedsEscalation)
	assert.Equal(t, models.EscalationInvocationFailed, st.EscalationReason)
	assert.Equal(t, 1, env.breaker.GetStatus("billing").ConsecutiveFailures)
	assert.Equal(t, 1, env.breaker.GetStatus("support").ConsecutiveFailures)
	// Fallback tried exactly once.
	assert.Equal(t, int32(1), env.support.calls.Load())
}

func TestLowFaithfulnessEscalates(t *testing.T) {
	env := newTestEnv(t, func(_ *Options, d *Deps) { d.Scorer = fixedScorer{0.3} })
	env.billing.reply = "Your payment was $999."
	env.billing.rag = "The payment was $100."

	st, err := env.sup.Turn(context.Background(), billingTurn("Was my payment $999?"))
	require.NoError(t, err)

	assert.True(t, st.NeedsEscalation)
	assert.Equal(t, models.EscalationLowFaithfulness, st.EscalationReason)
	assert.Equal(t, EscalationReply, st.Messages[len(st.Messages)-1].Content)

	pending := env.ticket.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].SessionID)
	assert.Equal(t, "low_faithfulness", pending[0].Reason)
}

func TestScoreAtThresholdDoesNotEscalate(t *testing.T) {
	env := newTestEnv(t, func(_ *Options, d *Deps) { d.Scorer = fixedScorer{0.8} })

	st, err := env.sup.Turn(context.Background(), billingTurn("question"))
	require.NoError(t, err)
	assert.False(t, st.NeedsEscalation)
}

func TestAgentRequestedEscalationSurvivesHighScore(t *testing.T) {
	env := newTestEnv(t, func(_ *Options, d *Deps) { d.Scorer = fixedScorer{1.0} })
	env.billing.escReq = true

	st, err := env.sup.Turn(context.Background(), billingTurn("I want a human"))
	require.NoError(t, err)

	assert.True(t, st.NeedsEscalation)
	assert.Equal(t, models.EscalationAgentRequested, st.EscalationReason)
	assert.Equal(t, EscalationReply, st.Messages[len(st.Messages)-1].Content)
}

// panickyHandler stands in for a broken HITL integration.
type panickyHandler struct{}

func (panickyHandler) OnEscalate(context.Context, hitl.EscalationContext) error {
	panic("handler blew up")
}

func TestHandlerPanicDoesNotFailTurn(t *testing.T) {
	env := newTestEnv(t, func(_ *Options, d *Deps) {
		d.Scorer = fixedScorer{0.1}
		d.Handler = panickyHandler{}
	})

	st, err := env.sup.Turn(context.Background(), billingTurn("question"))
	require.NoError(t, err)
	assert.Equal(t, EscalationReply, st.Messages[len(st.Messages)-1].Content)
}

func TestOverloadFailsFastWithoutStateChanges(t *testing.T) {
	reg := registry.NewInMemory("m")
	env := newTestEnv(t, func(_ *Options, d *Deps) {
		d.Limiter = newTightLimiter(reg)
	})
	env.billing.started = make(chan struct{})
	env.billing.block = make(chan struct{})

	// Occupy the single slot.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = env.sup.Turn(context.Background(), TurnInput{
			SessionID: "other", UserID: "u1", Message: "slow",
			SuggestedAgentIDs: []string{"billing"},
		})
	}()
	<-env.billing.started

	_, err := env.sup.Turn(context.Background(), billingTurn("refund"))
	require.ErrorIs(t, err, ErrOverloaded)

	// The overloaded session left no checkpoint behind.
	persisted, cerr := env.cp.Get(context.Background(), "s1")
	require.NoError(t, cerr)
	assert.Nil(t, persisted)

	close(env.billing.block)
	wg.Wait()
}

// newTightLimiter allows one in-flight turn and no queueing.
func newTightLimiter(reg registry.Registry) *Limiter {
	l := NewLimiter(reg, 1, 0)
	// Registry metadata would allow 500 concurrent; pin billing to 1 by
	// using an id-independent default.
	l.reg = stubRegistry{}
	return l
}

// stubRegistry has no agents, so the limiter uses its default capacity.
type stubRegistry struct{}

func (stubRegistry) Get(string) (registry.AgentConfig, bool)      { return registry.AgentConfig{}, false }
func (stubRegistry) ByCapability([]string) []registry.AgentConfig { return nil }
func (stubRegistry) IDs() []string                                { return nil }

// failingCheckpointer fails reads when failGet is set and writes when failPut
// is set.
type failingCheckpointer struct {
	mem     *checkpoint.Memory
	failGet bool
	failPut bool
}

func (f *failingCheckpointer) Get(ctx context.Context, id string) (*models.SupervisorState, error) {
	if f.failGet {
		return nil, errors.New("backend down")
	}
	return f.mem.Get(ctx, id)
}

func (f *failingCheckpointer) Put(ctx context.Context, id string, st *models.SupervisorState) error {
	if f.failPut {
		return errors.New("backend down")
	}
	return f.mem.Put(ctx, id, st)
}

func (f *failingCheckpointer) Delete(ctx context.Context, id string) error {
	return f.mem.Delete(ctx, id)
}

func TestCheckpointerFailureDegradesButTurnSucceeds(t *testing.T) {
	fc := &failingCheckpointer{mem: checkpoint.NewMemory(0), failGet: true, failPut: true}
	env := newTestEnv(t, func(_ *Options, d *Deps) { d.Checkpointer = fc })

	st, err := env.sup.Turn(context.Background(), billingTurn("hello"))
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssistant, st.Messages[len(st.Messages)-1].Role)
	assert.False(t, env.sup.CheckpointHealthy())

	// Recovery: the next successful save clears the degraded flag.
	fc.failGet, fc.failPut = false, false
	_, err = env.sup.Turn(context.Background(), billingTurn("hello again"))
	require.NoError(t, err)
	assert.True(t, env.sup.CheckpointHealthy())
}

func TestConcurrentTurnsSameSessionSerialized(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sup.Turn(ctx, billingTurn("concurrent question"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	persisted, err := env.cp.Get(ctx, "s1")
	require.NoError(t, err)
	// 10 turns * (user + assistant), capped at 20: exactly 20 messages with
	// strict user/assistant alternation.
	require.Len(t, persisted.Messages, 20)
	for i, m := range persisted.Messages {
		if i%2 == 0 {
			assert.Equal(t, models.RoleUser, m.Role, "message %d", i)
		} else {
			assert.Equal(t, models.RoleAssistant, m.Role, "message %d", i)
		}
	}
}
