// Package apiserver exposes the dispatcher over HTTP: the chat endpoint, the
// health endpoint, the GraphQL conversation query API, the HITL pending
// queue, and Prometheus metrics.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/graphql-go/graphql"

	"github.com/deepyad/helpdesk/internal/agentops"
	"github.com/deepyad/helpdesk/internal/hitl"
	"github.com/deepyad/helpdesk/internal/logging"
	"github.com/deepyad/helpdesk/internal/metrics"
	"github.com/deepyad/helpdesk/internal/router"
	"github.com/deepyad/helpdesk/internal/store"
	"github.com/deepyad/helpdesk/internal/supervisor"
)

// mcpProbeTTL bounds how often the health endpoint pings the tool server.
const mcpProbeTTL = 10 * time.Second

// MCPPinger probes the external tool server.
type MCPPinger interface {
	Ping(ctx context.Context) error
}

// Deps are the server's collaborators.
type Deps struct {
	Router     *router.Router
	Supervisor *supervisor.Supervisor
	Store      store.ConversationStore
	Breaker    *agentops.CircuitBreaker
	AgentIDs   []string
	MCP        MCPPinger
	// Tickets is set when the HITL handler is the ticket handler; the
	// pending endpoints serve empty results otherwise.
	Tickets *hitl.TicketHandler
	Metrics *metrics.Metrics

	// RequestTimeout is the end-to-end deadline per chat request.
	RequestTimeout time.Duration
}

// Server handles HTTP API requests.
type Server struct {
	port   int
	server *http.Server
	router *http.ServeMux
	logger *logging.Logger
	deps   Deps
	schema graphql.Schema

	mcpMu        sync.Mutex
	mcpOK        bool
	mcpCheckedAt time.Time
}

// New creates the API server and registers all routes.
func New(port int, deps Deps) (*Server, error) {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		port:   port,
		router: http.NewServeMux(),
		logger: logging.GetLogger("api"),
		deps:   deps,
	}

	schema, err := s.buildSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build GraphQL schema: %w", err)
	}
	s.schema = schema

	s.registerHandlers()
	s.configureHTTPServer(port)
	return s, nil
}

// configureHTTPServer wires middleware and timeouts.
func (s *Server) configureHTTPServer(port int) {
	handler := s.corsMiddleware(s.loggingMiddleware(s.router))
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Start begins listening for requests.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	s.logger.Info("API server listening on port %d", s.port)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error: %v", err)
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the route multiplexer without the CORS and logging
// middleware (those wrap it only in the HTTP server); tests drive it directly.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mcpAvailable probes the tool server, caching the result briefly so health
// checks stay cheap.
func (s *Server) mcpAvailable(ctx context.Context) bool {
	if s.deps.MCP == nil {
		return true
	}
	s.mcpMu.Lock()
	defer s.mcpMu.Unlock()
	if time.Since(s.mcpCheckedAt) < mcpProbeTTL {
		return s.mcpOK
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.mcpOK = s.deps.MCP.Ping(probeCtx) == nil
	s.mcpCheckedAt = time.Now()
	return s.mcpOK
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
