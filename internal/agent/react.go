package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/models"
)

// reactLoop is the ReAct variant of the agent loop: the model emits
// Thought/Action/Action Input lines as plain text, tools are executed, and an
// Observation line is appended before the next step. Terminates on a
// "Final Answer:" line or after ReactMaxSteps.
func (r *Runner) reactLoop(ctx context.Context, historyContext, docContext, query string) (string, []models.Message, error) {
	system := r.persona + "\n\n" + r.reactInstructions()
	scratchpad := userPrompt(historyContext, docContext, query)

	var produced []models.Message
	bestEffort := ""

	for step := 0; step < r.opts.ReactMaxSteps; step++ {
		wire := []llm.Message{{Role: llm.RoleUser, Content: scratchpad}}
		resp, err := llm.ChatWithTimeout(ctx, r.provider, system, wire, nil, r.opts.LLMTimeout)
		if err != nil {
			return "", nil, fmt.Errorf("LLM call failed: %w", err)
		}
		text := resp.Content
		if text != "" {
			bestEffort = text
		}

		if answer, ok := parseFinalAnswer(text); ok {
			return answer, produced, nil
		}

		action, actionInput, ok := parseAction(text)
		if !ok {
			// No action and no final answer: treat the text as the reply.
			return text, produced, nil
		}

		produced = append(produced, models.Message{
			Role:    models.RoleAssistant,
			Content: text,
		})

		observation, _ := r.executeTool(ctx, action, normalizeActionInput(actionInput))
		produced = append(produced, models.ToolMessage("", action, observation))

		scratchpad += "\n" + text + "\nObservation: " + observation
	}

	r.logger.Warn("ReAct loop hit max steps (%d), returning best-effort reply", r.opts.ReactMaxSteps)
	return bestEffort, produced, nil
}

// reactInstructions describes the expected step format and the available
// tools.
func (r *Runner) reactInstructions() string {
	var b strings.Builder
	b.WriteString("Answer using the following format:\n")
	b.WriteString("Thought: reason about what to do next\n")
	b.WriteString("Action: the tool to use, one of [")
	b.WriteString(strings.Join(r.tools.Names(), ", "))
	b.WriteString("]\n")
	b.WriteString("Action Input: the tool arguments as JSON\n")
	b.WriteString("Observation: the tool result (provided to you)\n")
	b.WriteString("... (Thought/Action/Action Input/Observation may repeat)\n")
	b.WriteString("Final Answer: the reply to the user\n")
	return b.String()
}

// parseFinalAnswer extracts the text after "Final Answer:".
func parseFinalAnswer(text string) (string, bool) {
	idx := strings.Index(text, "Final Answer:")
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(text[idx+len("Final Answer:"):]), true
}

// parseAction extracts the Action and Action Input lines.
func parseAction(text string) (action, input string, ok bool) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(trimmed, "Action Input:"); found {
			input = strings.TrimSpace(rest)
		} else if rest, found := strings.CutPrefix(trimmed, "Action:"); found {
			action = strings.TrimSpace(rest)
		}
	}
	return action, input, action != ""
}

// normalizeActionInput turns the Action Input text into JSON tool arguments.
// JSON objects pass through; bare scalars are wrapped as {"input": ...}.
func normalizeActionInput(input string) json.RawMessage {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"input": trimmed})
	return wrapped
}
