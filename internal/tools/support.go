package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// SupportTools returns the built-in tools for the support agent: knowledge
// base search and ticket creation.
func SupportTools() []Tool {
	return []Tool{
		&FuncTool{
			ToolName:        "search_knowledge_base",
			ToolDescription: "Search the support knowledge base for FAQs and help articles. Use when the user asks about products, policies, or how-to questions.",
			Schema: schemaObject(map[string]interface{}{
				"query": stringProp("Free-text search query"),
			}, "query"),
			Fn: searchKnowledgeBase,
		},
		NewTicketTool(),
	}
}

// NewTicketTool returns the create_support_ticket tool. It is exported
// separately because the HITL ticket handler reuses it to open escalation
// tickets.
func NewTicketTool() Tool {
	return &FuncTool{
		ToolName:        "create_support_ticket",
		ToolDescription: "Create a support ticket for human follow-up. Use when the user needs escalation or the issue cannot be resolved by the bot.",
		Schema: schemaObject(map[string]interface{}{
			"subject":     stringProp("Short ticket subject"),
			"description": stringProp("Full issue description"),
			"priority":    stringProp("Ticket priority: low, normal, or high"),
		}, "subject", "description"),
		Fn: createSupportTicket,
	}
}

func searchKnowledgeBase(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	return fmt.Sprintf("Found 2 articles for %q: (1) Getting started guide, (2) Common troubleshooting. Suggest checking the docs or escalating if needed.", args.Query), nil
}

func createSupportTicket(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Subject     string `json:"subject"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Subject == "" || args.Description == "" {
		return "", fmt.Errorf("subject and description are required")
	}
	if args.Priority == "" {
		args.Priority = "normal"
	}
	return fmt.Sprintf("Ticket created: subject=%q, priority=%s. Ref: TKT-%d. A human agent will follow up within 24 hours.",
		args.Subject, args.Priority, refHash(args.Description)), nil
}
