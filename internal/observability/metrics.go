package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	// TurnCounter counts completed agent turns.
	// Labels: channel, status (ok|error|short_circuit)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: channel
	TurnDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM attempts through the resilience layer.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRetryCounter counts retried LLM attempts.
	// Labels: provider, reason
	LLMRetryCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// CircuitState reports breaker state as a gauge (0 closed, 1 open,
	// 0.5 half-open). Labels: name
	CircuitState *prometheus.GaugeVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ShortCircuitCounter counts middleware short-circuits.
	// Labels: middleware
	ShortCircuitCounter *prometheus.CounterVec

	// ActiveSessions tracks sessions currently admitted in memory.
	ActiveSessions prometheus.Gauge

	// QueueDepth tracks messages waiting in the pipeline queue.
	QueueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry so tests can
// instantiate it repeatedly.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		registry.MustRegister(c)
	}

	m := &Metrics{registry: registry}

	m.TurnCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_turns_total",
		Help: "Completed agent turns by channel and status",
	}, []string{"channel", "status"})
	factory(m.TurnCounter)

	m.TurnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_turn_duration_seconds",
		Help:    "Full turn latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"channel"})
	factory(m.TurnDuration)

	m.LLMRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_llm_requests_total",
		Help: "LLM attempts by provider, model, and status",
	}, []string{"provider", "model", "status"})
	factory(m.LLMRequestCounter)

	m.LLMRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_llm_retries_total",
		Help: "Retried LLM attempts by provider and failure reason",
	}, []string{"provider", "reason"})
	factory(m.LLMRetryCounter)

	m.LLMTokensUsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_llm_tokens_total",
		Help: "Token consumption by provider, model, and type",
	}, []string{"provider", "model", "type"})
	factory(m.LLMTokensUsed)

	m.CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_circuit_state",
		Help: "Circuit breaker state: 0 closed, 0.5 half-open, 1 open",
	}, []string{"name"})
	factory(m.CircuitState)

	m.ToolExecutionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tool_executions_total",
		Help: "Tool invocations by tool and status",
	}, []string{"tool", "status"})
	factory(m.ToolExecutionCounter)

	m.ToolExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_tool_execution_duration_seconds",
		Help:    "Tool execution time in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"tool"})
	factory(m.ToolExecutionDuration)

	m.ShortCircuitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_middleware_short_circuits_total",
		Help: "Messages answered directly by a middleware",
	}, []string{"middleware"})
	factory(m.ShortCircuitCounter)

	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Sessions currently admitted in memory",
	})
	factory(m.ActiveSessions)

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Messages waiting in the pipeline queue",
	})
	factory(m.QueueDepth)

	return m
}

// ObserveCircuitState records a breaker state transition.
func (m *Metrics) ObserveCircuitState(name, state string) {
	var value float64
	switch state {
	case "open":
		value = 1
	case "half-open":
		value = 0.5
	}
	m.CircuitState.WithLabelValues(name).Set(value)
}

// Handler serves the metrics registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
