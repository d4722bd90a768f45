package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepyad/helpdesk/internal/logging"
)

const (
	// discoveryRetries is how many times a failed startup tool discovery is
	// retried before the process fails. The tool server is a required
	// collaborator.
	discoveryRetries = 3
	discoveryBackoff = 2 * time.Second
)

// MCPSource discovers and executes tools exposed by the external MCP tool
// server. One source is shared by all agents; the underlying client is safe
// for concurrent use.
type MCPSource struct {
	url    string
	client *mcpclient.Client
	logger *logging.Logger
}

// NewMCPSource connects to the MCP tool server over streamable HTTP and
// performs the protocol handshake.
func NewMCPSource(ctx context.Context, url string) (*MCPSource, error) {
	if url == "" {
		return nil, fmt.Errorf("MCP server URL is required")
	}

	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %q: %w", url, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client for %q: %w", url, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "helpdesk", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP handshake with %q failed: %w", url, err)
	}

	return &MCPSource{
		url:    url,
		client: c,
		logger: logging.GetLogger("tools.mcp"),
	}, nil
}

// DiscoverTools enumerates the server's tools, retrying on failure. On
// persistent failure it returns an error; callers treat that as fatal at
// startup.
func (s *MCPSource) DiscoverTools(ctx context.Context) ([]Tool, error) {
	var lastErr error
	for attempt := 0; attempt <= discoveryRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("tool discovery failed, retry %d/%d in %s: %v",
				attempt, discoveryRetries, discoveryBackoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(discoveryBackoff):
			}
		}

		res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			lastErr = err
			continue
		}

		out := make([]Tool, 0, len(res.Tools))
		for _, t := range res.Tools {
			out = append(out, &mcpTool{source: s, def: t})
		}
		s.logger.Info("discovered %d tools from %s", len(out), s.url)
		return out, nil
	}
	return nil, fmt.Errorf("tool discovery from %q failed after %d retries: %w", s.url, discoveryRetries, lastErr)
}

// Ping probes the tool server; used by the health endpoint.
func (s *MCPSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close shuts down the underlying client.
func (s *MCPSource) Close() error {
	return s.client.Close()
}

// mcpTool adapts one discovered MCP tool to the Tool interface.
type mcpTool struct {
	source *MCPSource
	def    mcp.Tool
}

func (t *mcpTool) Name() string        { return t.def.Name }
func (t *mcpTool) Description() string { return t.def.Description }

func (t *mcpTool) InputSchema() map[string]interface{} {
	schema := map[string]interface{}{
		"type":       t.def.InputSchema.Type,
		"properties": t.def.InputSchema.Properties,
	}
	if len(t.def.InputSchema.Required) > 0 {
		schema["required"] = t.def.InputSchema.Required
	}
	return schema
}

func (t *mcpTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	args := map[string]interface{}{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid arguments for tool %s: %w", t.def.Name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args

	res, err := t.source.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool %s call failed: %w", t.def.Name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("tool %s returned an error: %s", t.def.Name, text)
	}
	return text, nil
}

// flattenContent joins the text blocks of a tool result; non-text blocks are
// JSON-encoded so nothing is silently dropped.
func flattenContent(blocks []mcp.Content) string {
	out := ""
	for _, block := range blocks {
		if tc, ok := mcp.AsTextContent(block); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
			continue
		}
		if raw, err := json.Marshal(block); err == nil {
			if out != "" {
				out += "\n"
			}
			out += string(raw)
		}
	}
	return out
}
