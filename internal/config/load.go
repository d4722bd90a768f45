package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then environment variable overrides. A .env file in the working
// directory is loaded into the environment first, best-effort.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
		// Unmarshal onto the defaults so absent keys keep their values.
		if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overlays well-known environment variables. Secrets and
// backend URLs are typically provided this way rather than in the YAML file.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Model, "HELPDESK_MODEL")
	setString(&cfg.MCPServerURL, "MCP_SERVER_URL")
	setString(&cfg.VectorBackendURL, "VECTOR_BACKEND_URL")
	setString(&cfg.VectorAPIKey, "VECTOR_API_KEY")
	setString(&cfg.VectorIndex, "VECTOR_INDEX")
	setString(&cfg.IntentModelURL, "INTENT_MODEL_URL")
	setString(&cfg.FaithfulnessModelURL, "FAITHFULNESS_MODEL_URL")
	setString(&cfg.HitlHandler, "HITL_HANDLER")
	setString(&cfg.HitlEmailTo, "HITL_EMAIL_TO")
	setString(&cfg.LogLevel, "HELPDESK_LOG_LEVEL")
	setString(&cfg.BlocklistPath, "BLOCKLIST_PATH")
	setBool(&cfg.PlanningEnabled, "PLANNING_ENABLED")
	setBool(&cfg.ReactEnabled, "REACT_ENABLED")
	setBool(&cfg.AgentOpsEnabled, "AGENT_OPS_ENABLED")
	setBool(&cfg.FailoverEnabled, "FAILOVER_ENABLED")
	setBool(&cfg.GuardrailsEnabled, "GUARDRAILS_ENABLED")
	setBool(&cfg.HitlEnabled, "HITL_ENABLED")
	setBool(&cfg.UseModelIntent, "USE_MODEL_INTENT")
	setBool(&cfg.UseModelFaithfulness, "USE_MODEL_FAITHFULNESS")
	setFloat(&cfg.FaithfulnessThreshold, "FAITHFULNESS_THRESHOLD")
	setFloat(&cfg.TopP, "TOP_P")
	setInt(&cfg.APIPort, "HELPDESK_PORT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch v {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
