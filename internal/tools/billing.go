package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// BillingTools returns the built-in tools for the billing agent: invoice
// lookup, refund status, refund request. These are stubs standing in for the
// billing API; the reply shapes match what the real backend returns.
func BillingTools() []Tool {
	return []Tool{
		&FuncTool{
			ToolName:        "look_up_invoice",
			ToolDescription: "Look up an invoice by ID. Use when the user asks about a specific invoice, payment status, or invoice details.",
			Schema: schemaObject(map[string]interface{}{
				"invoice_id": stringProp("The invoice identifier, e.g. INV-1042"),
			}, "invoice_id"),
			Fn: lookUpInvoice,
		},
		&FuncTool{
			ToolName:        "get_refund_status",
			ToolDescription: "Get the status of a refund request. Use when the user asks about an existing refund.",
			Schema: schemaObject(map[string]interface{}{
				"refund_id": stringProp("The refund reference, e.g. REF-57231"),
			}, "refund_id"),
			Fn: getRefundStatus,
		},
		&FuncTool{
			ToolName:        "create_refund_request",
			ToolDescription: "Create a refund request for an order. Use when the user wants to request a refund. Amount is optional (full refund if omitted).",
			Schema: schemaObject(map[string]interface{}{
				"order_id":     stringProp("The order identifier"),
				"reason":       stringProp("Why the user wants a refund"),
				"amount_cents": map[string]interface{}{"type": "integer", "description": "Optional partial refund amount in cents"},
			}, "order_id", "reason"),
			Fn: createRefundRequest,
		},
	}
}

func lookUpInvoice(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		InvoiceID string `json:"invoice_id"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.InvoiceID == "" {
		return "", fmt.Errorf("invoice_id is required")
	}
	return fmt.Sprintf("Invoice %s: status=paid, amount=$150.00, due_date=2025-01-15. Contact the billing team for disputes.", args.InvoiceID), nil
}

func getRefundStatus(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		RefundID string `json:"refund_id"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.RefundID == "" {
		return "", fmt.Errorf("refund_id is required")
	}
	return fmt.Sprintf("Refund %s: status=processing, expected within 5-7 business days. Contact billing@example.com for details.", args.RefundID), nil
}

func createRefundRequest(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		OrderID     string `json:"order_id"`
		Reason      string `json:"reason"`
		AmountCents int    `json:"amount_cents"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.OrderID == "" || args.Reason == "" {
		return "", fmt.Errorf("order_id and reason are required")
	}
	amount := "full"
	if args.AmountCents > 0 {
		amount = fmt.Sprintf("$%.2f", float64(args.AmountCents)/100)
	}
	return fmt.Sprintf("Refund request created for order %s, %s refund. Reason: %s. Ref: REF-%d. Processing within 3-5 business days.",
		args.OrderID, amount, args.Reason, refHash(args.OrderID)), nil
}

// refHash derives a stable short reference number from a key.
func refHash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 100000
}
