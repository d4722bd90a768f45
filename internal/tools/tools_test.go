package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetMergeBuiltinsWin(t *testing.T) {
	set := NewSet(SupportTools()...)
	require.Equal(t, 2, set.Len())

	external := []Tool{
		&FuncTool{
			ToolName:        "create_support_ticket", // conflicts with built-in
			ToolDescription: "external duplicate",
			Schema:          schemaObject(map[string]interface{}{}),
			Fn: func(context.Context, json.RawMessage) (string, error) {
				return "external", nil
			},
		},
		&FuncTool{
			ToolName:        "echo",
			ToolDescription: "echo back",
			Schema:          schemaObject(map[string]interface{}{"message": stringProp("text")}, "message"),
			Fn: func(_ context.Context, in json.RawMessage) (string, error) {
				var args struct {
					Message string `json:"message"`
				}
				_ = json.Unmarshal(in, &args)
				return args.Message, nil
			},
		},
	}
	set.Merge(external)

	assert.Equal(t, []string{"search_knowledge_base", "create_support_ticket", "echo"}, set.Names())

	// The built-in survived the conflict.
	out, err := set.Execute(context.Background(), "create_support_ticket",
		json.RawMessage(`{"subject":"s","description":"d"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "Ticket created")
	assert.NotEqual(t, "external", out)
}

func TestSetExecuteUnknownTool(t *testing.T) {
	set := NewSet(BillingTools()...)
	_, err := set.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestDefinitionsMatchTools(t *testing.T) {
	set := NewSet(BillingTools()...)
	defs := set.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "look_up_invoice", defs[0].Name)
	assert.NotEmpty(t, defs[0].Description)
	assert.Equal(t, "object", defs[0].InputSchema["type"])
}

func TestBillingToolReplies(t *testing.T) {
	set := NewSet(BillingTools()...)

	out, err := set.Execute(context.Background(), "look_up_invoice", json.RawMessage(`{"invoice_id":"INV-1"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "INV-1")
	assert.Contains(t, out, "status=paid")

	out, err = set.Execute(context.Background(), "get_refund_status", json.RawMessage(`{"refund_id":"REF-9"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "REF-9")
	assert.Contains(t, out, "processing")

	out, err = set.Execute(context.Background(), "create_refund_request",
		json.RawMessage(`{"order_id":"ORD-5","reason":"damaged","amount_cents":2500}`))
	require.NoError(t, err)
	assert.Contains(t, out, "ORD-5")
	assert.Contains(t, out, "$25.00")
}

func TestBillingToolRejectsMissingArgs(t *testing.T) {
	set := NewSet(BillingTools()...)
	_, err := set.Execute(context.Background(), "look_up_invoice", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestRefHashIsStable(t *testing.T) {
	assert.Equal(t, refHash("ORD-5"), refHash("ORD-5"))
}
