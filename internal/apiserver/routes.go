package apiserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/deepyad/helpdesk/internal/agentops"
	"github.com/deepyad/helpdesk/internal/hitl"
	"github.com/deepyad/helpdesk/internal/logging"
	"github.com/deepyad/helpdesk/internal/models"
	"github.com/deepyad/helpdesk/internal/supervisor"
)

// ChatRequest is the incoming chat message.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the chat reply.
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	AgentID   string `json:"agent_id,omitempty"`
}

func (s *Server) registerHandlers() {
	s.router.HandleFunc("POST /chat", s.handleChat)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("POST /graphql", s.handleGraphQL)
	s.router.HandleFunc("GET /hitl/pending", s.handleHitlPending)
	s.router.HandleFunc("POST /hitl/pending/{session_id}/clear", s.handleHitlClear)
	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// handleChat runs one chat turn: route, supervise, persist, reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and message are required"})
		return
	}

	ctx, cancel := withTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	routed := s.deps.Router.Route(ctx, req.UserID, req.Message, req.SessionID)
	ctx = context.WithValue(ctx, logging.SessionIDKey(), routed.SessionID)
	logger := s.logger.WithField("session_id", routed.SessionID)

	st, err := s.deps.Supervisor.Turn(ctx, supervisor.TurnInput{
		SessionID:         routed.SessionID,
		UserID:            req.UserID,
		Message:           req.Message,
		SuggestedAgentIDs: routed.SuggestedAgentIDs,
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrOverloaded) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "service is at capacity, please retry shortly",
			})
			return
		}
		logger.ErrorWithErr("turn failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "something went wrong, please try again",
		})
		return
	}

	reply := ""
	if last := models.LastByRole(st.Messages, models.RoleAssistant); last != nil {
		reply = last.Content
	}
	if reply == "" {
		reply = "I couldn't generate a response. Please try again."
	}

	// Conversation store writes happen here, after the supervisor returns:
	// the user turn first, then the assistant turn.
	if err := s.deps.Store.AppendTurn(ctx, routed.SessionID, "user", req.Message, nil); err != nil {
		logger.ErrorWithErr("failed to append user turn", err)
	}
	meta := map[string]string{"agent_id": st.CurrentAgent}
	if err := s.deps.Store.AppendTurn(ctx, routed.SessionID, "assistant", reply, meta); err != nil {
		logger.ErrorWithErr("failed to append assistant turn", err)
	}

	logger.InfoWithFields("chat turn complete",
		logging.Field("agent", st.CurrentAgent),
		logging.Field("escalated", st.NeedsEscalation),
	)

	writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: routed.SessionID,
		Reply:     reply,
		AgentID:   st.CurrentAgent,
	})
}

// handleHealth reports circuit states, tool server reachability, and
// checkpointer health. Degraded status returns 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := agentops.BuildHealth(s.deps.Breaker, s.deps.AgentIDs, s.mcpAvailable(r.Context()))
	if s.deps.Supervisor != nil && !s.deps.Supervisor.CheckpointHealthy() {
		payload.Status = "degraded"
	}

	status := http.StatusOK
	if payload.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleHitlPending lists sessions waiting for a human.
func (s *Server) handleHitlPending(w http.ResponseWriter, _ *http.Request) {
	pending := []hitl.PendingEscalation{}
	if s.deps.Tickets != nil {
		pending = s.deps.Tickets.ListPending()
	}
	writeJSON(w, http.StatusOK, pending)
}

// handleHitlClear marks a session as picked up by a human.
func (s *Server) handleHitlClear(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	cleared := false
	if s.deps.Tickets != nil {
		cleared = s.deps.Tickets.ClearPending(sessionID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"cleared":    cleared,
	})
}
