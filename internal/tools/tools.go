// Package tools provides the tool abstraction, the per-agent tool set, and
// discovery of external tools from the MCP tool server.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/logging"
)

// Tool defines the interface for agent tools. Execute returns the text fed
// back to the model as the tool result.
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string

	// Description returns a human-readable description for the LLM.
	Description() string

	// InputSchema returns the JSON Schema for the tool's arguments.
	InputSchema() map[string]interface{}

	// Execute runs the tool with the given JSON arguments.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]interface{}
	Fn              func(ctx context.Context, input json.RawMessage) (string, error)
}

func (t *FuncTool) Name() string                        { return t.ToolName }
func (t *FuncTool) Description() string                 { return t.ToolDescription }
func (t *FuncTool) InputSchema() map[string]interface{} { return t.Schema }

func (t *FuncTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return t.Fn(ctx, input)
}

// Set is an agent's merged tool collection. It is built once at startup and
// immutable afterwards, so it is safe to share across turns without locks.
type Set struct {
	order  []string
	byName map[string]Tool
	logger *logging.Logger
}

// NewSet creates a tool set from built-in tools. Later duplicates of a name
// are dropped.
func NewSet(builtin ...Tool) *Set {
	s := &Set{
		byName: make(map[string]Tool, len(builtin)),
		logger: logging.GetLogger("tools"),
	}
	for _, t := range builtin {
		s.add(t)
	}
	return s
}

func (s *Set) add(t Tool) {
	if _, exists := s.byName[t.Name()]; exists {
		s.logger.Warn("dropping duplicate tool %q", t.Name())
		return
	}
	s.byName[t.Name()] = t
	s.order = append(s.order, t.Name())
}

// Merge appends external tools. Built-ins win on name conflicts; conflicting
// external tools are dropped.
func (s *Set) Merge(external []Tool) {
	for _, t := range external {
		s.add(t)
	}
}

// Definitions returns the provider-facing tool definitions in registration
// order.
func (s *Set) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		t := s.byName[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Get returns the tool with the given name.
func (s *Set) Get(name string) (Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Names returns the tool names in registration order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of tools in the set.
func (s *Set) Len() int { return len(s.order) }

// Execute runs the named tool. An unknown name or a tool failure is returned
// as an error; callers inject the error text back to the model as a tool
// result rather than failing the turn.
func (s *Set) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t, ok := s.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, input)
}

// schemaObject builds a JSON Schema object with the given properties.
func schemaObject(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// stringProp builds a string property with a description.
func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
