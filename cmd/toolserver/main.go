// Command toolserver runs the demo MCP tool server the dispatcher discovers
// external tools from. Point mcp_server_url at it, e.g.
// http://localhost:8000/mcp.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/deepyad/helpdesk/internal/logging"
)

func main() {
	port := flag.Int("port", 8000, "port to listen on")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := logging.Initialize(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := logging.GetLogger("toolserver")

	mcpServer := server.NewMCPServer(
		"Helpdesk Tool Server",
		"0.1.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	mcpServer.AddTool(
		mcp.NewTool("ping",
			mcp.WithDescription("Health check: returns 'pong'. Use to verify the tool server is reachable."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("pong"), nil
		},
	)

	mcpServer.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo back the given message. Example external tool."),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message to echo back")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			message, err := req.RequireString("message")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(message), nil
		},
	)

	streamable := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("tool server listening on :%d/mcp", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("tool server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
