package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/vnmchuo/genroute/internal/events"
)

func TestSink_Dispatch(t *testing.T) {
	s := New(prometheus.NewRegistry())
	ctx := context.Background()

	s.Dispatch(ctx, events.DispatchEvent{
		Provider: "openai", Status: events.StatusCompleted,
		CostUSD: 0.5, PromptTokens: 10, CompletionTokens: 20, LatencyMs: 300, FallbackUsed: true,
	})
	s.Dispatch(ctx, events.DispatchEvent{Provider: "openai", Status: events.StatusCompleted, Cached: true})
	s.Dispatch(ctx, events.DispatchEvent{Status: events.StatusFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(s.requests.WithLabelValues("openai", "completed", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.requests.WithLabelValues("openai", "completed", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.requests.WithLabelValues("none", "failed", "false")))
	assert.Equal(t, 0.5, testutil.ToFloat64(s.costUSD.WithLabelValues("openai")))
	assert.Equal(t, 20.0, testutil.ToFloat64(s.tokens.WithLabelValues("openai", "output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.fallbacks.WithLabelValues("openai")))
}

func TestSink_Circuit(t *testing.T) {
	s := New(prometheus.NewRegistry())
	ctx := context.Background()

	s.Circuit(ctx, events.CircuitEvent{Provider: "anthropic", Event: events.CircuitOpened})
	assert.Equal(t, 2.0, testutil.ToFloat64(s.circuitState.WithLabelValues("anthropic")))

	s.Circuit(ctx, events.CircuitEvent{Provider: "anthropic", Event: events.CircuitHalfOpen})
	assert.Equal(t, 1.0, testutil.ToFloat64(s.circuitState.WithLabelValues("anthropic")))

	s.Circuit(ctx, events.CircuitEvent{Provider: "anthropic", Event: events.CircuitClosed})
	assert.Equal(t, 0.0, testutil.ToFloat64(s.circuitState.WithLabelValues("anthropic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.transitions.WithLabelValues("anthropic", "opened")))
}

func TestSink_Run(t *testing.T) {
	s := New(prometheus.NewRegistry())
	s.Run(context.Background(), events.RunEvent{Workflow: "summarize", Status: "completed", TotalCostUSD: 0.02})
	assert.Equal(t, 1.0, testutil.ToFloat64(s.runs.WithLabelValues("summarize", "completed")))
}
