// Package config loads and validates the process-wide dispatcher
// configuration. Options are read once at startup from an optional YAML file
// overlaid with environment variables; the guardrail blocklist file is the
// only piece that supports hot reload (see blocklist.go).
package config

import "time"

// Config holds all configuration for the dispatcher.
type Config struct {
	// APIPort is the port the HTTP API server listens on.
	APIPort int `koanf:"api_port"`

	// LogLevel is loaded from log_level / HELPDESK_LOG_LEVEL. The server
	// command takes its logging levels from the --log-level flags and does
	// not read this field.
	LogLevel string `koanf:"log_level"`

	// Model is the LLM model identifier used by agents and the planner.
	Model string `koanf:"model"`

	// AnthropicAPIKey authenticates LLM calls. Env: ANTHROPIC_API_KEY.
	AnthropicAPIKey string `koanf:"anthropic_api_key"`

	// Temperature and TopP are the sampling parameters for agent LLM calls.
	// TopP defaults to 0.9 to keep replies grounded.
	Temperature float64 `koanf:"temperature"`
	TopP        float64 `koanf:"top_p"`

	// FaithfulnessThreshold: replies scoring below it are escalated.
	FaithfulnessThreshold float64 `koanf:"faithfulness_threshold"`
	// ConfidenceThreshold is the minimum model-classifier confidence.
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`

	// PlanningEnabled turns on the LLM plan node before routing.
	PlanningEnabled bool `koanf:"planning_enabled"`
	// ReactEnabled switches agents from the tool-calling loop to ReAct.
	ReactEnabled  bool `koanf:"react_enabled"`
	ReactMaxSteps int  `koanf:"react_max_steps"`
	MaxToolIters  int  `koanf:"max_tool_iters"`

	// AgentOpsEnabled turns on the circuit breaker and failover.
	AgentOpsEnabled                bool   `koanf:"agent_ops_enabled"`
	CircuitBreakerFailureThreshold int    `koanf:"circuit_breaker_failure_threshold"`
	CircuitBreakerCooldownSeconds  int    `koanf:"circuit_breaker_cooldown_seconds"`
	FailoverEnabled                bool   `koanf:"failover_enabled"`
	FailoverFallbackAgentID        string `koanf:"failover_fallback_agent_id"`
	AgentInvocationTimeoutSeconds  int    `koanf:"agent_invocation_timeout_seconds"`

	// HITL handler selection: stub | ticket | email.
	HitlEnabled bool   `koanf:"hitl_enabled"`
	HitlHandler string `koanf:"hitl_handler"`
	HitlEmailTo string `koanf:"hitl_email_to"`

	// Guardrails.
	GuardrailsEnabled bool   `koanf:"guardrails_enabled"`
	MaxInputLen       int    `koanf:"max_input_len"`
	MaxOutputLen      int    `koanf:"max_output_len"`
	BlocklistPath     string `koanf:"blocklist_path"`

	// MessagesMaxLen bounds SupervisorState.Messages when checkpointed.
	MessagesMaxLen    int `koanf:"messages_max_len"`
	SessionTTLSeconds int `koanf:"session_ttl_seconds"`

	// Model-backed classifier/scorer toggles. Both fall back to the
	// keyword classifier / null scorer when the backend is unreachable.
	UseModelIntent       bool   `koanf:"use_model_intent"`
	UseModelFaithfulness bool   `koanf:"use_model_faithfulness"`
	IntentModelURL       string `koanf:"intent_model_url"`
	FaithfulnessModelURL string `koanf:"faithfulness_model_url"`

	// External collaborators.
	MCPServerURL     string `koanf:"mcp_server_url"`
	VectorBackendURL string `koanf:"vector_backend_url"`
	VectorAPIKey     string `koanf:"vector_api_key"`
	VectorIndex      string `koanf:"vector_index"`

	// Timeouts and backpressure.
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds"`
	LLMTimeoutSeconds     int `koanf:"llm_timeout_seconds"`
	ToolTimeoutSeconds    int `koanf:"tool_timeout_seconds"`
	// QueueSizePerAgent bounds how many turns may wait for an agent slot
	// before new turns are rejected with an overload error.
	QueueSizePerAgent int `koanf:"queue_size_per_agent"`

	// Persistence backends: memory (default) or sqlite.
	CheckpointBackend string `koanf:"checkpoint_backend"`
	CheckpointPath    string `koanf:"checkpoint_path"`
	StoreBackend      string `koanf:"store_backend"`
	StorePath         string `koanf:"store_path"`

	// Tracing.
	TracingEnabled  bool   `koanf:"tracing_enabled"`
	TracingEndpoint string `koanf:"tracing_endpoint"`
}

// Default returns the configuration defaults. Every value can be overridden
// by the YAML file or environment.
func Default() *Config {
	return &Config{
		APIPort:                        8080,
		LogLevel:                       "info",
		Model:                          "claude-3-5-haiku-20241022",
		Temperature:                    0.0,
		TopP:                           0.9,
		FaithfulnessThreshold:          0.8,
		ConfidenceThreshold:            0.7,
		PlanningEnabled:                false,
		ReactEnabled:                   false,
		ReactMaxSteps:                  10,
		MaxToolIters:                   5,
		AgentOpsEnabled:                true,
		CircuitBreakerFailureThreshold: 3,
		CircuitBreakerCooldownSeconds:  60,
		FailoverEnabled:                true,
		FailoverFallbackAgentID:        "support",
		AgentInvocationTimeoutSeconds:  30,
		HitlEnabled:                    true,
		HitlHandler:                    "stub",
		GuardrailsEnabled:              true,
		MaxInputLen:                    8000,
		MaxOutputLen:                   4000,
		MessagesMaxLen:                 20,
		SessionTTLSeconds:              86400,
		RequestTimeoutSeconds:          60,
		LLMTimeoutSeconds:              10,
		ToolTimeoutSeconds:             10,
		QueueSizePerAgent:              16,
		CheckpointBackend:              "memory",
		StoreBackend:                   "memory",
		VectorIndex:                    "rag_chunks",
	}
}

// RequestTimeout returns the end-to-end per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LLMTimeout returns the per-LLM-call timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool-call timeout.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// InvocationTimeout returns the per-agent-invocation timeout.
func (c *Config) InvocationTimeout() time.Duration {
	return time.Duration(c.AgentInvocationTimeoutSeconds) * time.Second
}

// SessionTTL returns the session expiry duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// CircuitCooldown returns the circuit breaker open→half_open cooldown.
func (c *Config) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownSeconds) * time.Second
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return NewConfigError("api_port must be between 1 and 65535")
	}
	if c.FaithfulnessThreshold < 0 || c.FaithfulnessThreshold > 1 {
		return NewConfigError("faithfulness_threshold must be in [0,1]")
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return NewConfigError("top_p must be in (0,1]")
	}
	if c.MaxToolIters < 1 {
		return NewConfigError("max_tool_iters must be at least 1")
	}
	if c.ReactMaxSteps < 1 {
		return NewConfigError("react_max_steps must be at least 1")
	}
	if c.MessagesMaxLen < 2 {
		return NewConfigError("messages_max_len must be at least 2")
	}
	if c.MCPServerURL == "" {
		return NewConfigError("mcp_server_url is required (external tool server)")
	}
	switch c.HitlHandler {
	case "stub", "ticket", "email":
	default:
		return NewConfigError("hitl_handler must be one of: stub, ticket, email")
	}
	switch c.CheckpointBackend {
	case "memory":
	case "sqlite":
		if c.CheckpointPath == "" {
			return NewConfigError("checkpoint_path is required when checkpoint_backend=sqlite")
		}
	default:
		return NewConfigError("checkpoint_backend must be one of: memory, sqlite")
	}
	switch c.StoreBackend {
	case "memory":
	case "sqlite":
		if c.StorePath == "" {
			return NewConfigError("store_path is required when store_backend=sqlite")
		}
	default:
		return NewConfigError("store_backend must be one of: memory, sqlite")
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return NewConfigError("tracing_endpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return e.message
}
