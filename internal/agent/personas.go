package agent

import (
	"strings"

	"github.com/deepyad/helpdesk/internal/guardrails"
	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/rag"
	"github.com/deepyad/helpdesk/internal/tools"
)

const supportPersona = "You are a helpful support agent. Answer based on the context when possible. " +
	"Use the conversation history to understand the ongoing issue and avoid repeating yourself. " +
	"Use search_knowledge_base for FAQs and how-to questions. Use create_support_ticket when the user needs human follow-up. " +
	"If unsure, say so and suggest escalating to a human. Keep replies concise."

const billingPersona = "You are a billing support agent. Help with invoices, payments, refunds. " +
	"Use the conversation history to understand the ongoing issue (e.g. invoice ID, order ID mentioned earlier). " +
	"Use look_up_invoice when the user asks about an invoice. Use get_refund_status for refund inquiries. Use create_refund_request when the user wants a refund. " +
	"Answer based on context. For sensitive actions, advise contacting the billing team."

const techPersona = "You are a technical support agent. Help with errors, bugs, installation, and troubleshooting. " +
	"Use the conversation history to track the issue across turns. Use search_knowledge_base for known issues and fixes. " +
	"If the problem cannot be diagnosed, say so and suggest escalating to a human. Keep replies concise."

const escalationPersona = "You are an escalation intake agent. The user has asked for a human. " +
	"Briefly acknowledge the request, summarize the issue from the conversation history, and let them know a human agent will take over."

// supportHeuristics: unresolved when the reply hedges; escalate when the
// reply mentions escalation or a ticket.
func supportHeuristics(reply string) (bool, bool) {
	lower := strings.ToLower(reply)
	resolved := !strings.Contains(lower, "unsure") && !strings.Contains(lower, "escalat")
	needsEscalation := strings.Contains(lower, "escalat") || strings.Contains(lower, "ticket")
	return resolved, needsEscalation
}

// billingHeuristics: billing defers to humans via "contact the billing team".
func billingHeuristics(reply string) (bool, bool) {
	lower := strings.ToLower(reply)
	resolved := !strings.Contains(lower, "contact")
	needsEscalation := strings.Contains(lower, "billing team") || strings.Contains(lower, "contact")
	return resolved, needsEscalation
}

// escalationHeuristics: the escalation agent always hands off to a human.
func escalationHeuristics(string) (bool, bool) {
	return false, true
}

// Deps bundles the shared services and per-turn options used to construct
// the registered agents.
type Deps struct {
	Provider  llm.Provider
	Retriever rag.Retriever
	Guard     *guardrails.Service
	External  []tools.Tool
	Opts      Options
}

// NewSupportAgent builds the support runner: KB search + ticket tools.
func NewSupportAgent(d Deps) *Runner {
	set := tools.NewSet(tools.SupportTools()...)
	set.Merge(d.External)
	opts := d.Opts
	opts.BlockedReply = "I can only help with support questions. Please ask about our products, FAQ, or how to get assistance."
	return NewRunner("support", supportPersona, d.Provider, set, d.Retriever, d.Guard, supportHeuristics, opts)
}

// NewBillingAgent builds the billing runner: invoice and refund tools.
func NewBillingAgent(d Deps) *Runner {
	set := tools.NewSet(tools.BillingTools()...)
	set.Merge(d.External)
	opts := d.Opts
	opts.BlockedReply = "I can only help with billing, invoices, payments, and refunds. Please ask a billing-related question."
	opts.EmptyReply = "I didn't receive a message. How can I help with billing?"
	return NewRunner("billing", billingPersona, d.Provider, set, d.Retriever, d.Guard, billingHeuristics, opts)
}

// NewTechAgent builds the tech runner. It shares the support tool set.
func NewTechAgent(d Deps) *Runner {
	set := tools.NewSet(tools.SupportTools()...)
	set.Merge(d.External)
	opts := d.Opts
	opts.BlockedReply = "I can only help with technical questions about our products. Please describe the issue you are seeing."
	return NewRunner("tech", techPersona, d.Provider, set, d.Retriever, d.Guard, supportHeuristics, opts)
}

// NewEscalationAgent builds the escalation intake runner.
func NewEscalationAgent(d Deps) *Runner {
	set := tools.NewSet(tools.NewTicketTool())
	set.Merge(d.External)
	return NewRunner("escalation", escalationPersona, d.Provider, set, d.Retriever, d.Guard, escalationHeuristics, d.Opts)
}
