// Package metrics holds the Prometheus collectors for the dispatcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Circuit state gauge values.
const (
	CircuitClosedValue   = 0
	CircuitHalfOpenValue = 1
	CircuitOpenValue     = 2
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal       *prometheus.CounterVec // by agent and outcome (ok|escalated|failed)
	EscalationsTotal *prometheus.CounterVec // by reason
	ToolCallsTotal   *prometheus.CounterVec // by tool and outcome (ok|error)
	LLMRequestsTotal *prometheus.CounterVec // by agent
	CircuitState     *prometheus.GaugeVec   // by agent: 0 closed, 1 half_open, 2 open
	InFlightTurns    prometheus.Gauge
	OverloadsTotal   prometheus.Counter
	TurnDuration     prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_turns_total",
			Help: "Total number of chat turns processed",
		}, []string{"agent", "outcome"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_escalations_total",
			Help: "Total number of escalations by reason",
		}, []string{"reason"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_tool_calls_total",
			Help: "Total number of tool executions",
		}, []string{"tool", "outcome"}),
		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_llm_requests_total",
			Help: "Total number of LLM requests",
		}, []string{"agent"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helpdesk_circuit_state",
			Help: "Circuit breaker state per agent (0=closed, 1=half_open, 2=open)",
		}, []string{"agent"}),
		InFlightTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helpdesk_in_flight_turns",
			Help: "Number of chat turns currently being processed",
		}),
		OverloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helpdesk_overloads_total",
			Help: "Total number of turns rejected due to backpressure",
		}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helpdesk_turn_duration_seconds",
			Help:    "End-to-end chat turn duration",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.EscalationsTotal,
		m.ToolCallsTotal,
		m.LLMRequestsTotal,
		m.CircuitState,
		m.InFlightTurns,
		m.OverloadsTotal,
		m.TurnDuration,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
