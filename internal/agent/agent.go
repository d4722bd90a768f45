// Package agent implements the per-agent turn runner: guard input, retrieve
// grounded context, run the LLM tool loop (or the ReAct variant), guard
// output, and derive the resolution heuristics.
package agent

import (
	"context"

	"github.com/deepyad/helpdesk/internal/models"
)

// Input is the state slice handed to an agent for one turn.
type Input struct {
	Messages  []models.Message
	SessionID string
	UserID    string
}

// Output is the agent's state delta for the turn.
type Output struct {
	// Messages are appended to the supervisor state: tool-round messages
	// followed by the final filtered assistant reply.
	Messages []models.Message

	// RAGContext is the concatenated retrieved chunks for this invoke.
	RAGContext string

	Resolved        bool
	NeedsEscalation bool
}

// Agent is a bounded turn handler for a specific domain.
type Agent interface {
	// ID returns the agent pool identifier.
	ID() string

	// Invoke runs one turn. Errors are invocation failures; the supervisor
	// records them against the circuit breaker and may fail over.
	Invoke(ctx context.Context, in Input) (*Output, error)
}

// Heuristics derives the informational resolved flag and the agent-requested
// escalation flag from the final reply text.
type Heuristics func(reply string) (resolved, needsEscalation bool)
