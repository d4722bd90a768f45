// Package hitl dispatches escalation events to human-in-the-loop handlers:
// a no-op stub, a ticket handler feeding a pending-escalation queue, and an
// email notifier.
package hitl

import (
	"context"

	"github.com/deepyad/helpdesk/internal/tools"
)

// EscalationContext is the event handed to a handler when the supervisor
// takes the escalate path.
type EscalationContext struct {
	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id"`
	Reason           string            `json:"reason"`
	LastUserMessage  string            `json:"last_user_message,omitempty"`
	LastAgentMessage string            `json:"last_agent_message,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Handler reacts to escalation events. Handler failures are logged by the
// supervisor and never abort the turn.
type Handler interface {
	OnEscalate(ctx context.Context, ec EscalationContext) error
}

// StubHandler does nothing. The user still receives the escalation reply.
type StubHandler struct{}

// OnEscalate implements Handler.
func (StubHandler) OnEscalate(context.Context, EscalationContext) error { return nil }

// New returns the handler selected by configuration. handlerName is one of
// stub, ticket, email; a disabled HITL always yields the stub.
func New(handlerName string, enabled bool, emailTo string, ticketTool tools.Tool) Handler {
	if !enabled {
		return StubHandler{}
	}
	switch handlerName {
	case "ticket":
		return NewTicketHandler(ticketTool)
	case "email":
		return NewEmailHandler(emailTo)
	default:
		return StubHandler{}
	}
}
