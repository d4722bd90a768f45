// Package llm implements the chat provider abstraction used by agents, the
// planner, and the model-backed classifiers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message represents a conversation message on the provider wire.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolUse is set when the assistant requested tool calls.
	ToolUse []ToolUseBlock `json:"tool_use,omitempty"`

	// ToolResult is set when providing tool execution results (can have
	// multiple entries for parallel tool calls).
	ToolResult []ToolResultBlock `json:"tool_result,omitempty"`
}

// Role represents the message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolUseBlock represents a tool call request from the model.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock represents the result of a tool execution.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolDefinition defines a tool the model may call.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Response represents the model's response.
type Response struct {
	// Content is the text content (may be empty when only tool calls).
	Content string

	// ToolCalls contains any tool use requests from the model.
	ToolCalls []ToolUseBlock

	// StopReason indicates why the model stopped generating.
	StopReason StopReason

	// Usage contains token usage information.
	Usage Usage
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// Usage contains token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider defines the interface for chat providers.
type Provider interface {
	// Chat sends messages to the model and returns the complete response.
	Chat(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDefinition) (*Response, error)

	// Name returns the provider name for logging.
	Name() string

	// Model returns the model identifier being used.
	Model() string
}

// Config contains common provider configuration.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// DefaultConfig returns sensible defaults for support/billing replies.
func DefaultConfig() Config {
	return Config{
		Model:       "claude-3-5-haiku-20241022",
		MaxTokens:   4096,
		Temperature: 0.0,
		TopP:        0.9,
	}
}

// ChatWithTimeout runs one Chat call under its own deadline, retrying at most
// once when the call itself times out. The parent ctx still bounds the whole
// exchange; a parent cancellation is never retried.
func ChatWithTimeout(ctx context.Context, p Provider, systemPrompt string, messages []Message, tools []ToolDefinition, timeout time.Duration) (*Response, error) {
	attempt := func() (*Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.Chat(callCtx, systemPrompt, messages, tools)
	}

	resp, err := attempt()
	if err == nil {
		return resp, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return attempt()
	}
	return nil, err
}
