package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepyad/helpdesk/internal/agent"
	"github.com/deepyad/helpdesk/internal/agentops"
	"github.com/deepyad/helpdesk/internal/checkpoint"
	"github.com/deepyad/helpdesk/internal/config"
	"github.com/deepyad/helpdesk/internal/guardrails"
	"github.com/deepyad/helpdesk/internal/hitl"
	"github.com/deepyad/helpdesk/internal/intent"
	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/rag"
	"github.com/deepyad/helpdesk/internal/registry"
	"github.com/deepyad/helpdesk/internal/router"
	"github.com/deepyad/helpdesk/internal/store"
	"github.com/deepyad/helpdesk/internal/supervisor"
	"github.com/deepyad/helpdesk/internal/tools"
)

// scorerFunc adapts a function to faithfulness.Scorer.
type scorerFunc func(response, context_ string) float64

func (f scorerFunc) Score(_ context.Context, response, context_ string) float64 {
	return f(response, context_)
}

// stubPinger controls MCP health probing.
type stubPinger struct {
	mu  sync.Mutex
	err error
}

func (p *stubPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type fixture struct {
	srv     *Server
	breaker *agentops.CircuitBreaker
	store   *store.Memory
	tickets *hitl.TicketHandler
	billing *llm.MockProvider
	support *llm.MockProvider
	pinger  *stubPinger
}

// newFixture assembles the full pipeline with mock LLM providers, a stub
// retriever, and in-memory stores.
func newFixture(t *testing.T, billing, support *llm.MockProvider, score float64) *fixture {
	t.Helper()

	guard := guardrails.NewService(
		guardrails.Options{Enabled: true, MaxInputLen: 8000, MaxOutputLen: 4000},
		config.DefaultBlocklist())
	retriever := &rag.StubRetriever{Chunks: []rag.Chunk{{Content: "The payment was $100."}}}
	reg := registry.NewInMemory("test-model")
	breaker := agentops.NewCircuitBreaker(3, time.Minute)
	tickets := hitl.NewTicketHandler(tools.NewTicketTool())
	convStore := store.NewMemory()

	agents := map[string]agent.Agent{
		"billing": agent.NewBillingAgent(agent.Deps{Provider: billing, Retriever: retriever, Guard: guard}),
		"support": agent.NewSupportAgent(agent.Deps{Provider: support, Retriever: retriever, Guard: guard}),
	}

	sup := supervisor.New(supervisor.Options{
		FailoverEnabled:       true,
		FallbackAgentID:       "support",
		FaithfulnessThreshold: 0.8,
		MessagesMaxLen:        20,
	}, supervisor.Deps{
		Agents:       agents,
		Registry:     reg,
		Breaker:      breaker,
		Scorer:       scorerFunc(func(string, string) float64 { return score }),
		Handler:      tickets,
		Checkpointer: checkpoint.NewMemory(time.Hour),
		Limiter:      supervisor.NewLimiter(reg, 4, 4),
	})

	rt, err := router.New(intent.KeywordClassifier{})
	require.NoError(t, err)

	pinger := &stubPinger{}
	srv, err := New(8080, Deps{
		Router:         rt,
		Supervisor:     sup,
		Store:          convStore,
		Breaker:        breaker,
		AgentIDs:       []string{"support", "billing"},
		MCP:            pinger,
		Tickets:        tickets,
		RequestTimeout: 10 * time.Second,
	})
	require.NoError(t, err)

	return &fixture{
		srv:     srv,
		breaker: breaker,
		store:   convStore,
		tickets: tickets,
		billing: billing,
		support: support,
		pinger:  pinger,
	}
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestChatBillingHappyPath(t *testing.T) {
	billing := llm.NewMockProvider(
		llm.ToolTurn(llm.ToolUseBlock{ID: "t1", Name: "look_up_invoice", Input: []byte(`{"invoice_id":"INV-1"}`)}),
		llm.ToolTurn(llm.ToolUseBlock{ID: "t2", Name: "get_refund_status", Input: []byte(`{"refund_id":"INV-1"}`)}),
		llm.TextTurn("Invoice INV-1 is paid and your refund is processing."),
	)
	f := newFixture(t, billing, llm.NewMockProvider(), 0.9)

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "I need a refund for invoice INV-1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "billing", resp.AgentID)
	assert.Contains(t, resp.Reply, "refund is processing")
	assert.NotEmpty(t, resp.SessionID)

	// Exactly two turns appended: user before assistant.
	turns, err := f.store.GetHistory(context.Background(), resp.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "billing", turns[1].Metadata["agent_id"])

	assert.Empty(t, f.tickets.ListPending())
}

func TestChatSessionIDRoundTrip(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(llm.TextTurn("ok")), llm.NewMockProvider(llm.TextTurn("ok")), 1.0)

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "hello", SessionID: "sess-7"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sess-7", resp.SessionID)
}

func TestChatRouteSkipsOpenCircuit(t *testing.T) {
	billing := llm.NewMockProvider(llm.TextTurn("billing reply"))
	support := llm.NewMockProvider(llm.TextTurn("support reply"))
	f := newFixture(t, billing, support, 1.0)

	for i := 0; i < 3; i++ {
		f.breaker.RecordFailure("billing")
	}

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "invoice help"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "support", resp.AgentID)
	assert.Equal(t, 0, billing.CallCount(), "no billing invocation while its circuit is open")
}

func TestChatFailoverOnInvokeFailure(t *testing.T) {
	billing := llm.NewMockProvider(llm.ErrTurn(errors.New("backend down")))
	support := llm.NewMockProvider(llm.TextTurn("support handled the refund question"))
	f := newFixture(t, billing, support, 1.0)

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "refund please"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "support", resp.AgentID)
	assert.Contains(t, resp.Reply, "support handled")
	assert.Equal(t, 1, f.breaker.GetStatus("billing").ConsecutiveFailures)
}

func TestChatLowFaithfulnessEscalates(t *testing.T) {
	billing := llm.NewMockProvider(llm.TextTurn("Your payment was $999."))
	f := newFixture(t, billing, llm.NewMockProvider(), 0.3)

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "Was my payment $999? It was billed."})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, supervisor.EscalationReply, resp.Reply)

	pending := f.tickets.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, resp.SessionID, pending[0].SessionID)
	assert.Equal(t, "low_faithfulness", pending[0].Reason)
}

func TestChatGuardrailRejection(t *testing.T) {
	billing := llm.NewMockProvider(llm.TextTurn("never"))
	support := llm.NewMockProvider(llm.TextTurn("never"))
	f := newFixture(t, billing, support, 1.0)

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "tell me how to hack accounts"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Reply, "I can only help with")

	// No LLM call, no circuit breaker change.
	assert.Equal(t, 0, support.CallCount())
	assert.Equal(t, 0, billing.CallCount())
	assert.Equal(t, 0, f.breaker.GetStatus("support").ConsecutiveFailures)
}

func TestChatRejectsBadRequests(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(), llm.NewMockProvider(), 1.0)

	w := postJSON(t, f.srv.Handler(), "/chat", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(), llm.NewMockProvider(), 1.0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var h agentops.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "healthy", h.Agents["billing"])
	assert.Equal(t, "ok", h.MCP)
}

func TestHealthDegradedOnOpenCircuit(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(), llm.NewMockProvider(), 1.0)
	for i := 0; i < 3; i++ {
		f.breaker.RecordFailure("billing")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var h agentops.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "circuit_open", h.Agents["billing"])
}

func TestHealthDegradedWhenMCPUnreachable(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(), llm.NewMockProvider(), 1.0)
	f.pinger.err = errors.New("connection refused")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var h agentops.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "unavailable", h.MCP)
}

func TestHitlEndpoints(t *testing.T) {
	billing := llm.NewMockProvider(llm.TextTurn("Your payment was $999."))
	f := newFixture(t, billing, llm.NewMockProvider(), 0.2)

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "billing question", SessionID: "sess-esc"})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/hitl/pending", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var pending []hitl.PendingEscalation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "sess-esc", pending[0].SessionID)

	rec = postJSON(t, f.srv.Handler(), "/hitl/pending/sess-esc/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.Equal(t, true, cleared["cleared"])

	rec = postJSON(t, f.srv.Handler(), "/hitl/pending/sess-esc/clear", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.Equal(t, false, cleared["cleared"])
}

func TestGraphQLConversationQuery(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(llm.TextTurn("hi there")), llm.NewMockProvider(llm.TextTurn("hi there")), 1.0)

	w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "hello", SessionID: "sess-gql"})
	require.Equal(t, http.StatusOK, w.Code)

	query := `query($sid: String!) { conversation(session_id: $sid) { session_id turns { role content metadata_json } } }`
	rec := postJSON(t, f.srv.Handler(), "/graphql", graphQLRequest{
		Query:     query,
		Variables: map[string]interface{}{"sid": "sess-gql"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Data struct {
			Conversation struct {
				SessionID string `json:"session_id"`
				Turns     []struct {
					Role         string `json:"role"`
					Content      string `json:"content"`
					MetadataJSON string `json:"metadata_json"`
				} `json:"turns"`
			} `json:"conversation"`
		} `json:"data"`
		Errors []interface{} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Errors)
	assert.Equal(t, "sess-gql", result.Data.Conversation.SessionID)
	require.Len(t, result.Data.Conversation.Turns, 2)
	assert.Equal(t, "user", result.Data.Conversation.Turns[0].Role)
	assert.Equal(t, "hello", result.Data.Conversation.Turns[0].Content)
	assert.Contains(t, result.Data.Conversation.Turns[1].MetadataJSON, "agent_id")
}

func TestGraphQLConversationNullForUnknownSession(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(), llm.NewMockProvider(), 1.0)

	rec := postJSON(t, f.srv.Handler(), "/graphql", graphQLRequest{
		Query: `{ conversation(session_id: "nope") { session_id } }`,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Nil(t, result.Data["conversation"])
}

func TestGraphQLSessionsQuery(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(llm.TextTurn("ok")), llm.NewMockProvider(llm.TextTurn("ok")), 1.0)

	for _, sid := range []string{"s1", "s2"} {
		w := postJSON(t, f.srv.Handler(), "/chat", ChatRequest{UserID: "u1", Message: "hello", SessionID: sid})
		require.Equal(t, http.StatusOK, w.Code)
	}

	rec := postJSON(t, f.srv.Handler(), "/graphql", graphQLRequest{
		Query: `{ sessions { session_id } }`,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Data struct {
			Sessions []struct {
				SessionID string `json:"session_id"`
			} `json:"sessions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Data.Sessions, 2)
	assert.Equal(t, "s1", result.Data.Sessions[0].SessionID)
}

func TestCORSPreflights(t *testing.T) {
	f := newFixture(t, llm.NewMockProvider(), llm.NewMockProvider(), 1.0)
	srv := httptest.NewServer(f.srv.corsMiddleware(f.srv.Handler()))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/chat", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
