package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepyad/helpdesk/internal/logging"
	"github.com/deepyad/helpdesk/internal/tools"
)

// PendingEscalation is one session waiting for a human to pick it up.
type PendingEscalation struct {
	SessionID string    `json:"session_id"`
	TicketRef string    `json:"ticket_ref"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason"`
}

// TicketHandler creates a support ticket per escalation and records the
// session in a pending queue that the HITL endpoints expose to humans.
type TicketHandler struct {
	tool   tools.Tool
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]PendingEscalation

	// now is injectable for tests.
	now func() time.Time
}

// NewTicketHandler creates a ticket handler around the ticket tool.
func NewTicketHandler(ticketTool tools.Tool) *TicketHandler {
	return &TicketHandler{
		tool:    ticketTool,
		logger:  logging.GetLogger("hitl.ticket"),
		pending: make(map[string]PendingEscalation),
		now:     time.Now,
	}
}

// OnEscalate implements Handler. A ticket tool failure still queues the
// session: humans must see the escalation even if ticketing is down.
func (h *TicketHandler) OnEscalate(ctx context.Context, ec EscalationContext) error {
	subject := fmt.Sprintf("Escalation: session %s (%s)", ec.SessionID, ec.Reason)
	description := fmt.Sprintf("Session: %s\nUser: %s\nReason: %s\nLast user message: %s\nLast agent message: %s",
		ec.SessionID, ec.UserID, ec.Reason,
		orNone(ec.LastUserMessage), orNone(ec.LastAgentMessage))

	ticketRef := ""
	args, err := json.Marshal(map[string]string{
		"subject":     subject,
		"description": description,
		"priority":    "high",
	})
	if err == nil {
		if out, toolErr := h.tool.Execute(ctx, args); toolErr != nil {
			h.logger.Warn("ticket creation failed for session %s: %v", ec.SessionID, toolErr)
		} else {
			ticketRef = out
		}
	}

	h.mu.Lock()
	h.pending[ec.SessionID] = PendingEscalation{
		SessionID: ec.SessionID,
		TicketRef: ticketRef,
		CreatedAt: h.now(),
		Reason:    ec.Reason,
	}
	h.mu.Unlock()

	h.logger.InfoWithFields("escalation queued for human pickup",
		logging.Field("session_id", ec.SessionID),
		logging.Field("reason", ec.Reason),
	)
	return nil
}

// ListPending returns the queued escalations, oldest first.
func (h *TicketHandler) ListPending() []PendingEscalation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PendingEscalation, 0, len(h.pending))
	for _, p := range h.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ClearPending removes a session from the queue, returning whether it was
// present.
func (h *TicketHandler) ClearPending(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[sessionID]
	delete(h.pending, sessionID)
	return ok
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
