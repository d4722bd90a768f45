package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/deepyad/helpdesk/internal/guardrails"
	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/logging"
	"github.com/deepyad/helpdesk/internal/models"
	"github.com/deepyad/helpdesk/internal/rag"
	"github.com/deepyad/helpdesk/internal/tools"
)

const (
	// retrievalTopK is how many chunks ground each turn.
	retrievalTopK = 3
	// historyTurns is how many prior messages are formatted into the prompt.
	historyTurns = 10
)

// Options configures a Runner.
type Options struct {
	MaxToolIters  int
	ReactEnabled  bool
	ReactMaxSteps int
	LLMTimeout    time.Duration
	ToolTimeout   time.Duration

	// RetrievalFilters is passed to the retriever (e.g. restricting the
	// index to this agent's document set).
	RetrievalFilters map[string]string

	// BlockedReply is returned verbatim when input guardrails reject.
	BlockedReply string
	// EmptyReply is returned when the turn has no user message.
	EmptyReply string
}

// Runner executes turns for one registered agent. Construction happens once
// at startup; all fields are immutable afterwards.
type Runner struct {
	id         string
	persona    string
	provider   llm.Provider
	tools      *tools.Set
	retriever  rag.Retriever
	guard      *guardrails.Service
	heuristics Heuristics
	opts       Options
	logger     *logging.Logger
}

// NewRunner creates an agent runner. Services are constructed bottom-up by
// the caller; the runner never mutates them.
func NewRunner(id, persona string, provider llm.Provider, toolSet *tools.Set, retriever rag.Retriever, guard *guardrails.Service, heuristics Heuristics, opts Options) *Runner {
	if opts.MaxToolIters < 1 {
		opts.MaxToolIters = 5
	}
	if opts.ReactMaxSteps < 1 {
		opts.ReactMaxSteps = 10
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 10 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 10 * time.Second
	}
	if opts.BlockedReply == "" {
		opts.BlockedReply = "I can only help with support questions. Please ask about our products, FAQ, or how to get assistance."
	}
	if opts.EmptyReply == "" {
		opts.EmptyReply = "I didn't receive a message. How can I help?"
	}
	return &Runner{
		id:         id,
		persona:    persona,
		provider:   provider,
		tools:      toolSet,
		retriever:  retriever,
		guard:      guard,
		heuristics: heuristics,
		opts:       opts,
		logger:     logging.GetLogger("agent." + id),
	}
}

// ID implements Agent.
func (r *Runner) ID() string { return r.id }

// Invoke implements Agent.
func (r *Runner) Invoke(ctx context.Context, in Input) (*Output, error) {
	last := models.LastByRole(in.Messages, models.RoleUser)
	if last == nil || last.Content == "" {
		return &Output{Messages: []models.Message{models.AssistantMessage(r.opts.EmptyReply)}}, nil
	}
	query := last.Content

	if res := r.guard.GuardInput(query); !res.Passed {
		r.logger.InfoWithFields("input blocked",
			logging.Field("session_id", in.SessionID),
			logging.Field("reason", res.Reason),
		)
		return &Output{Messages: []models.Message{models.AssistantMessage(r.opts.BlockedReply)}}, nil
	}

	chunks, err := r.retriever.Retrieve(ctx, query, retrievalTopK, r.opts.RetrievalFilters)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	docContext := rag.JoinChunks(chunks)
	historyContext := rag.FormatHistory(in.Messages, historyTurns)

	var reply string
	var loopMessages []models.Message
	if r.opts.ReactEnabled {
		reply, loopMessages, err = r.reactLoop(ctx, historyContext, docContext, query)
	} else {
		reply, loopMessages, err = r.toolLoop(ctx, historyContext, docContext, query)
	}
	if err != nil {
		return nil, err
	}

	filtered := r.guard.GuardOutput(reply).FilteredText
	resolved, needsEscalation := r.heuristics(filtered)

	out := &Output{
		Messages:        append(loopMessages, models.AssistantMessage(filtered)),
		RAGContext:      docContext,
		Resolved:        resolved,
		NeedsEscalation: needsEscalation,
	}
	return out, nil
}

// userPrompt assembles the labeled prompt body for the turn.
func userPrompt(historyContext, docContext, query string) string {
	return fmt.Sprintf(
		"Conversation history (for issue handling):\n%s\n\nDocument context:\n%s\n\nCurrent user message: %s",
		historyContext, docContext, query,
	)
}

// toolLoop runs the standard tool-calling loop: call the LLM, execute any
// requested tools, feed results back, and repeat until the model produces a
// terminal text reply or the iteration bound is hit.
func (r *Runner) toolLoop(ctx context.Context, historyContext, docContext, query string) (string, []models.Message, error) {
	wire := []llm.Message{
		{Role: llm.RoleUser, Content: userPrompt(historyContext, docContext, query)},
	}
	defs := r.tools.Definitions()

	var produced []models.Message
	bestEffort := ""

	for iter := 0; iter < r.opts.MaxToolIters; iter++ {
		resp, err := llm.ChatWithTimeout(ctx, r.provider, r.persona, wire, defs, r.opts.LLMTimeout)
		if err != nil {
			return "", nil, fmt.Errorf("LLM call failed: %w", err)
		}
		if resp.Content != "" {
			bestEffort = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, produced, nil
		}

		// Record the assistant's tool request in both representations.
		assistantMsg := models.Message{Role: models.RoleAssistant, Content: resp.Content}
		wireMsg := llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
		for _, tc := range resp.ToolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, models.ToolCall{
				ID: tc.ID, Name: tc.Name, Args: tc.Input,
			})
			wireMsg.ToolUse = append(wireMsg.ToolUse, tc)
		}
		produced = append(produced, assistantMsg)
		wire = append(wire, wireMsg)

		// Execute each requested tool in order. Failures become tool error
		// messages; the model decides how to proceed.
		var results []llm.ToolResultBlock
		for _, tc := range resp.ToolCalls {
			content, isErr := r.executeTool(ctx, tc.Name, tc.Input)
			produced = append(produced, models.ToolMessage(tc.ID, tc.Name, content))
			results = append(results, llm.ToolResultBlock{
				ToolUseID: tc.ID,
				Content:   content,
				IsError:   isErr,
			})
		}
		wire = append(wire, llm.Message{Role: llm.RoleUser, ToolResult: results})
	}

	r.logger.Warn("tool loop hit max iterations (%d), returning best-effort reply", r.opts.MaxToolIters)
	return bestEffort, produced, nil
}

// executeTool runs one tool under its own timeout. The returned bool flags
// an error result.
func (r *Runner) executeTool(ctx context.Context, name string, input []byte) (string, bool) {
	toolCtx, cancel := context.WithTimeout(ctx, r.opts.ToolTimeout)
	defer cancel()

	start := time.Now()
	content, err := r.tools.Execute(toolCtx, name, input)
	if err != nil {
		r.logger.WarnWithFields("tool execution failed",
			logging.Field("tool", name),
			logging.Field("error", err.Error()),
			logging.Field("duration_ms", time.Since(start).Milliseconds()),
		)
		return fmt.Sprintf("Tool error: %v", err), true
	}
	r.logger.DebugWithFields("tool executed",
		logging.Field("tool", name),
		logging.Field("duration_ms", time.Since(start).Milliseconds()),
	)
	return content, false
}
