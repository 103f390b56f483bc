// Package metrics exposes routing events as Prometheus collectors.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vnmchuo/genroute/internal/events"
)

// Sink implements events.Sink.
type Sink struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	costUSD      *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runCostUSD   *prometheus.HistogramVec
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)

	return &Sink{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genroute_requests_total",
				Help: "Routed generation requests by provider and outcome",
			},
			[]string{"provider", "status", "cached"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genroute_provider_latency_seconds",
				Help:    "Provider call latency for dispatched requests",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		costUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genroute_cost_usd_total",
				Help: "Accumulated provider cost in USD",
			},
			[]string{"provider"},
		),
		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genroute_tokens_total",
				Help: "Tokens consumed by direction",
			},
			[]string{"provider", "direction"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genroute_fallbacks_total",
				Help: "Requests served by a provider other than the first candidate",
			},
			[]string{"provider"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "genroute_circuit_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genroute_circuit_transitions_total",
				Help: "Circuit breaker transitions by target state",
			},
			[]string{"provider", "event"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genroute_workflow_runs_total",
				Help: "Workflow runs by terminal status",
			},
			[]string{"workflow", "status"},
		),
		runCostUSD: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genroute_workflow_run_cost_usd",
				Help:    "Total cost of a workflow run in USD",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"workflow"},
		),
	}
}

func (s *Sink) Dispatch(_ context.Context, e events.DispatchEvent) {
	cached := "false"
	if e.Cached {
		cached = "true"
	}
	providerName := e.Provider
	if providerName == "" {
		providerName = "none"
	}
	s.requests.WithLabelValues(providerName, string(e.Status), cached).Inc()

	if e.Status != events.StatusCompleted || e.Cached {
		return
	}
	s.latency.WithLabelValues(providerName).Observe(float64(e.LatencyMs) / 1000)
	s.costUSD.WithLabelValues(providerName).Add(e.CostUSD)
	s.tokens.WithLabelValues(providerName, "input").Add(float64(e.PromptTokens))
	s.tokens.WithLabelValues(providerName, "output").Add(float64(e.CompletionTokens))
	if e.FallbackUsed {
		s.fallbacks.WithLabelValues(providerName).Inc()
	}
}

func (s *Sink) Circuit(_ context.Context, e events.CircuitEvent) {
	var state float64
	switch e.Event {
	case events.CircuitHalfOpen:
		state = 1
	case events.CircuitOpened:
		state = 2
	}
	s.circuitState.WithLabelValues(e.Provider).Set(state)
	s.transitions.WithLabelValues(e.Provider, string(e.Event)).Inc()
}

func (s *Sink) Run(_ context.Context, e events.RunEvent) {
	s.runs.WithLabelValues(e.Workflow, e.Status).Inc()
	s.runCostUSD.WithLabelValues(e.Workflow).Observe(e.TotalCostUSD)
}
