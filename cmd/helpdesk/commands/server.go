package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepyad/helpdesk/internal/agent"
	"github.com/deepyad/helpdesk/internal/agentops"
	"github.com/deepyad/helpdesk/internal/apiserver"
	"github.com/deepyad/helpdesk/internal/checkpoint"
	"github.com/deepyad/helpdesk/internal/config"
	"github.com/deepyad/helpdesk/internal/faithfulness"
	"github.com/deepyad/helpdesk/internal/guardrails"
	"github.com/deepyad/helpdesk/internal/hitl"
	"github.com/deepyad/helpdesk/internal/intent"
	"github.com/deepyad/helpdesk/internal/llm"
	"github.com/deepyad/helpdesk/internal/logging"
	"github.com/deepyad/helpdesk/internal/metrics"
	"github.com/deepyad/helpdesk/internal/rag"
	"github.com/deepyad/helpdesk/internal/registry"
	"github.com/deepyad/helpdesk/internal/router"
	"github.com/deepyad/helpdesk/internal/store"
	"github.com/deepyad/helpdesk/internal/supervisor"
	"github.com/deepyad/helpdesk/internal/tools"
	"github.com/deepyad/helpdesk/internal/tracing"
)

var (
	configPath string
	portFlag   int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the dispatcher API server",
	Run: func(cmd *cobra.Command, args []string) {
		HandleError(setupLog(logLevelFlags), "failed to initialize logging")
		HandleError(runServer(), "server failed")
	},
}

func init() {
	serverCmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file (optional)")
	serverCmd.Flags().IntVar(&portFlag, "port", 0, "Override the API port")
}

func runServer() error {
	logger := logging.GetLogger("server")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.APIPort = portFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:  cfg.TracingEnabled,
		Endpoint: cfg.TracingEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	m := metrics.New()

	// External tool server is a required collaborator: discovery failure
	// after retries aborts startup.
	mcpSource, err := tools.NewMCPSource(ctx, cfg.MCPServerURL)
	if err != nil {
		return fmt.Errorf("tool server unavailable: %w", err)
	}
	defer func() { _ = mcpSource.Close() }()

	external, err := mcpSource.DiscoverTools(ctx)
	if err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	provider, err := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, llm.Config{
		Model:       cfg.Model,
		MaxTokens:   4096,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}

	guard, err := buildGuardrails(ctx, cfg)
	if err != nil {
		return err
	}

	retriever := buildRetriever(cfg)
	scorer := buildScorer(cfg)
	classifier := buildClassifier(cfg)

	rt, err := router.New(classifier)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	reg := registry.NewInMemory(cfg.Model)

	var breaker *agentops.CircuitBreaker
	if cfg.AgentOpsEnabled {
		breaker = agentops.NewCircuitBreaker(cfg.CircuitBreakerFailureThreshold, cfg.CircuitCooldown())
	}

	agentDeps := agent.Deps{
		Provider:  provider,
		Retriever: retriever,
		Guard:     guard,
		External:  external,
		Opts: agent.Options{
			MaxToolIters:  cfg.MaxToolIters,
			ReactEnabled:  cfg.ReactEnabled,
			ReactMaxSteps: cfg.ReactMaxSteps,
			LLMTimeout:    cfg.LLMTimeout(),
			ToolTimeout:   cfg.ToolTimeout(),
		},
	}
	agents := map[string]agent.Agent{
		"support":    agent.NewSupportAgent(agentDeps),
		"billing":    agent.NewBillingAgent(agentDeps),
		"tech":       agent.NewTechAgent(agentDeps),
		"escalation": agent.NewEscalationAgent(agentDeps),
	}

	handler := hitl.New(cfg.HitlHandler, cfg.HitlEnabled, cfg.HitlEmailTo, tools.NewTicketTool())
	tickets, _ := handler.(*hitl.TicketHandler)

	cp, cpClose, err := buildCheckpointer(cfg)
	if err != nil {
		return err
	}
	defer cpClose()

	convStore, storeClose, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer storeClose()

	var planner llm.Provider
	if cfg.PlanningEnabled {
		planner = provider
	}

	sup := supervisor.New(supervisor.Options{
		PlanningEnabled:       cfg.PlanningEnabled,
		FailoverEnabled:       cfg.FailoverEnabled,
		FallbackAgentID:       cfg.FailoverFallbackAgentID,
		FaithfulnessThreshold: cfg.FaithfulnessThreshold,
		MessagesMaxLen:        cfg.MessagesMaxLen,
		InvocationTimeout:     cfg.InvocationTimeout(),
		LLMTimeout:            cfg.LLMTimeout(),
	}, supervisor.Deps{
		Agents:       agents,
		Registry:     reg,
		Breaker:      breaker,
		Scorer:       scorer,
		Planner:      planner,
		Handler:      handler,
		Checkpointer: cp,
		Limiter:      supervisor.NewLimiter(reg, 64, cfg.QueueSizePerAgent),
		Metrics:      m,
	})

	srv, err := apiserver.New(cfg.APIPort, apiserver.Deps{
		Router:         rt,
		Supervisor:     sup,
		Store:          convStore,
		Breaker:        breaker,
		AgentIDs:       reg.IDs(),
		MCP:            mcpSource,
		Tickets:        tickets,
		Metrics:        m,
		RequestTimeout: cfg.RequestTimeout(),
	})
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("dispatcher ready: model=%s agents=%v tools=%d", cfg.Model, reg.IDs(), len(external))

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Stop(context.Background())
}

// buildGuardrails creates the guardrail service and, when a blocklist file is
// configured, starts the hot-reload watcher.
func buildGuardrails(ctx context.Context, cfg *config.Config) (*guardrails.Service, error) {
	guard := guardrails.NewService(guardrails.Options{
		Enabled:      cfg.GuardrailsEnabled,
		MaxInputLen:  cfg.MaxInputLen,
		MaxOutputLen: cfg.MaxOutputLen,
	}, config.DefaultBlocklist())

	if cfg.BlocklistPath != "" {
		watcher, err := config.NewBlocklistWatcher(cfg.BlocklistPath, guard.SetBlocklist)
		if err != nil {
			return nil, err
		}
		if err := watcher.Start(ctx); err != nil {
			return nil, err
		}
	}
	return guard, nil
}

func buildRetriever(cfg *config.Config) rag.Retriever {
	if cfg.VectorBackendURL != "" {
		return rag.NewHTTPRetriever(cfg.VectorBackendURL, cfg.VectorAPIKey, cfg.VectorIndex)
	}
	return &rag.StubRetriever{}
}

func buildScorer(cfg *config.Config) faithfulness.Scorer {
	if cfg.UseModelFaithfulness && cfg.FaithfulnessModelURL != "" {
		return faithfulness.NewModelScorer(cfg.FaithfulnessModelURL)
	}
	return faithfulness.NullScorer{}
}

func buildClassifier(cfg *config.Config) intent.Classifier {
	if cfg.UseModelIntent && cfg.IntentModelURL != "" {
		return intent.NewModelClassifier(cfg.IntentModelURL, cfg.ConfidenceThreshold)
	}
	return intent.KeywordClassifier{}
}

func buildCheckpointer(cfg *config.Config) (checkpoint.Checkpointer, func(), error) {
	if cfg.CheckpointBackend == "sqlite" {
		cp, err := checkpoint.NewSQLite(cfg.CheckpointPath, cfg.SessionTTL())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		return cp, func() { _ = cp.Close() }, nil
	}
	return checkpoint.NewMemory(cfg.SessionTTL()), func() {}, nil
}

func buildStore(cfg *config.Config) (store.ConversationStore, func(), error) {
	if cfg.StoreBackend == "sqlite" {
		s, err := store.NewSQLite(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open conversation store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
	return store.NewMemory(), func() {}, nil
}
