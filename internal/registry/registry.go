// Package registry holds the metadata of the registered agent pools.
package registry

import (
	"sort"
	"strings"
)

// AgentConfig is the metadata for one agent pool.
type AgentConfig struct {
	AgentID       string
	Capabilities  []string
	ModelID       string
	MaxConcurrent int
	LatencyP99Ms  int
}

// Registry answers agent metadata queries. Implementations are immutable
// after construction and safe for concurrent reads.
type Registry interface {
	// Get returns the agent config for the id.
	Get(agentID string) (AgentConfig, bool)

	// ByCapability returns agents supporting any of the given capabilities.
	ByCapability(capabilities []string) []AgentConfig

	// IDs returns all registered agent ids in stable order.
	IDs() []string
}

// InMemory is the default registry with the predefined support, billing,
// tech, and escalation pools.
type InMemory struct {
	agents map[string]AgentConfig
}

// NewInMemory creates the default registry. modelID applies to all pools.
func NewInMemory(modelID string) *InMemory {
	return &InMemory{agents: map[string]AgentConfig{
		"support": {
			AgentID:       "support",
			Capabilities:  []string{"general", "support", "faq", "help"},
			ModelID:       modelID,
			MaxConcurrent: 500,
			LatencyP99Ms:  1200,
		},
		"billing": {
			AgentID:       "billing",
			Capabilities:  []string{"billing", "invoices", "payments", "refunds"},
			ModelID:       modelID,
			MaxConcurrent: 500,
			LatencyP99Ms:  1200,
		},
		"tech": {
			AgentID:       "tech",
			Capabilities:  []string{"tech", "technical", "troubleshooting"},
			ModelID:       modelID,
			MaxConcurrent: 500,
			LatencyP99Ms:  1200,
		},
		"escalation": {
			AgentID:       "escalation",
			Capabilities:  []string{"escalation", "human", "complex"},
			ModelID:       modelID,
			MaxConcurrent: 500,
			LatencyP99Ms:  1500,
		},
	}}
}

// Get implements Registry.
func (r *InMemory) Get(agentID string) (AgentConfig, bool) {
	cfg, ok := r.agents[agentID]
	return cfg, ok
}

// ByCapability implements Registry.
func (r *InMemory) ByCapability(capabilities []string) []AgentConfig {
	want := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		want[strings.ToLower(c)] = true
	}
	var out []AgentConfig
	for _, id := range r.IDs() {
		cfg := r.agents[id]
		for _, c := range cfg.Capabilities {
			if want[strings.ToLower(c)] {
				out = append(out, cfg)
				break
			}
		}
	}
	return out
}

// IDs implements Registry.
func (r *InMemory) IDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
