package router

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/approval"
	"github.com/vnmchuo/genroute/internal/cache"
	"github.com/vnmchuo/genroute/internal/circuit"
	"github.com/vnmchuo/genroute/internal/events"
	"github.com/vnmchuo/genroute/internal/identity"
	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/registry"
	"github.com/vnmchuo/genroute/pkg/ratelimit"
)

type MockProvider struct {
	name        string
	pricing     provider.Pricing
	generateErr error
	generateFn  func(ctx context.Context, req *provider.Request) (*provider.Result, error)
	calls       atomic.Int32
}

func (m *MockProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	m.calls.Add(1)
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return &provider.Result{
		Content:      "mock from " + m.name,
		FinishReason: provider.FinishStop,
		Provider:     m.name,
		Model:        "mock-model",
		Usage:        provider.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) provider.Health {
	return provider.Health{Status: "ok"}
}

func (m *MockProvider) EstimateCost(req *provider.Request) provider.Estimate {
	return provider.EstimateWith(nil, m.pricing, req)
}

func (m *MockProvider) Name() string { return m.name }

func descriptor(name string, in, out float64, latency int64) registry.Descriptor {
	return registry.Descriptor{
		Name:             name,
		Kind:             provider.KindEcho,
		Model:            "mock-model",
		CostPerMTokenIn:  in,
		CostPerMTokenOut: out,
		TypicalLatencyMs: latency,
		Configured:       true,
	}
}

type fixture struct {
	router  *Router
	a, b    *MockProvider
	breaker *circuit.Breaker
	sink    *events.Recorder
}

// setupTest wires providers A (cost 1) and B (cost 2).
func setupTest(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg, err := registry.New([]registry.Descriptor{
		descriptor("provider-a", 0.5, 0.5, 900),
		descriptor("provider-b", 1.0, 1.0, 300),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	a := &MockProvider{name: "provider-a", pricing: provider.Pricing{InputPerMTok: 0.5, OutputPerMTok: 0.5}}
	b := &MockProvider{name: "provider-b", pricing: provider.Pricing{InputPerMTok: 1.0, OutputPerMTok: 1.0}}
	breaker := circuit.New(circuit.DefaultSettings())
	sink := &events.Recorder{}

	base := []Option{
		WithSink(sink),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
		WithApprovalPolicy(approval.Policy{AutoApproveThresholdUSD: 1.0, TokenLimit: approval.DefaultTokenLimit}),
	}
	r := New(reg, map[string]provider.Adapter{"provider-a": a, "provider-b": b}, breaker, append(base, opts...)...)
	return &fixture{router: r, a: a, b: b, breaker: breaker, sink: sink}
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func TestGenerate_CheapestFirst(t *testing.T) {
	f := setupTest(t)

	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping", MaxTokens: 5}})
	if out.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %s (%v)", out.Status, out.Err)
	}
	if out.Result.Provider != "provider-a" {
		t.Errorf("Expected provider-a, got %s", out.Result.Provider)
	}
	if out.FallbackUsed {
		t.Errorf("Expected no fallback")
	}
	wantCost := provider.RoundUSD(10/1e6*0.5 + 20/1e6*0.5)
	if out.Result.CostUSD != wantCost {
		t.Errorf("Expected cost %v, got %v", wantCost, out.Result.CostUSD)
	}
}

func TestGenerate_FastestStrategy(t *testing.T) {
	f := setupTest(t)

	out := f.router.Generate(context.Background(), &Request{
		Generation: provider.Request{Prompt: "ping"},
		Strategy:   registry.StrategyFastest,
	})
	if out.Status != StatusCompleted || out.Result.Provider != "provider-b" {
		t.Fatalf("Expected provider-b via fastest, got %+v", out)
	}
}

func TestGenerate_FallbackOrdering(t *testing.T) {
	f := setupTest(t)
	f.a.generateErr = errors.New("simulated outage")

	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping"}})
	if out.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %s (%v)", out.Status, out.Err)
	}
	if out.Result.Provider != "provider-b" {
		t.Errorf("Expected provider-b, got %s", out.Result.Provider)
	}
	if !out.FallbackUsed {
		t.Errorf("Expected fallbackUsed=true")
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Error == "" {
		t.Errorf("Expected failed attempt then success, got %+v", out.Attempts)
	}

	dispatches := f.sink.Dispatches()
	if len(dispatches) != 1 || !dispatches[0].FallbackUsed || dispatches[0].Provider != "provider-b" {
		t.Errorf("Expected one completed dispatch event with fallback, got %+v", dispatches)
	}
	if f.breaker.Snapshot("provider-a").Failures != 1 {
		t.Errorf("Expected failure recorded for provider-a")
	}
}

func TestGenerate_NoFallback(t *testing.T) {
	f := setupTest(t)
	f.a.generateErr = errors.New("simulated outage")

	out := f.router.Generate(context.Background(), &Request{
		Generation:     provider.Request{Prompt: "ping"},
		EnableFallback: boolPtr(false),
	})
	if out.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", out.Status)
	}
	if out.Err.Kind != apperr.KindProviderError {
		t.Errorf("Expected provider_error, got %s", out.Err.Kind)
	}
	if f.b.calls.Load() != 0 {
		t.Errorf("Expected provider-b never called")
	}
}

func TestGenerate_Exhausted(t *testing.T) {
	f := setupTest(t)
	f.a.generateErr = errors.New("a down")
	f.b.generateErr = errors.New("b down")

	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping"}})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindExhausted {
		t.Fatalf("Expected all_candidates_exhausted, got %s %v", out.Status, out.Err)
	}
	if !strings.Contains(out.Err.Error(), "b down") {
		t.Errorf("Expected last error to be surfaced, got %v", out.Err)
	}
	if !errors.Is(out.Failure(), &apperr.Error{Kind: apperr.KindExhausted}) {
		t.Errorf("Expected errors.Is to match by kind")
	}
}

func TestGenerate_MaxRetriesBoundsDispatches(t *testing.T) {
	f := setupTest(t)
	f.a.generateErr = errors.New("a down")

	out := f.router.Generate(context.Background(), &Request{
		Generation: provider.Request{Prompt: "ping"},
		MaxRetries: intPtr(0),
	})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindExhausted {
		t.Fatalf("Expected exhaustion with zero retries, got %s %v", out.Status, out.Err)
	}
	if f.b.calls.Load() != 0 {
		t.Errorf("Expected no retry against provider-b")
	}
}

func TestGenerate_CircuitOpenSkipsCandidate(t *testing.T) {
	f := setupTest(t)
	for i := 0; i < 10; i++ {
		f.breaker.RecordFailure("provider-a", time.Millisecond)
	}

	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping"}})
	if out.Status != StatusCompleted || out.Result.Provider != "provider-b" {
		t.Fatalf("Expected provider-b after skipping open circuit, got %+v", out)
	}
	if f.a.calls.Load() != 0 {
		t.Errorf("Expected provider-a to be skipped")
	}
	if !out.Attempts[0].Skipped {
		t.Errorf("Expected skipped attempt recorded, got %+v", out.Attempts)
	}

	out = f.router.Generate(context.Background(), &Request{
		Generation:     provider.Request{Prompt: "ping again"},
		EnableFallback: boolPtr(false),
	})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindProviderUnavailable {
		t.Errorf("Expected provider_unavailable without fallback, got %s %v", out.Status, out.Err)
	}
}

func TestGenerate_ForcedProvider(t *testing.T) {
	f := setupTest(t)

	out := f.router.Generate(context.Background(), &Request{
		Generation: provider.Request{Prompt: "ping"},
		Provider:   "provider-b",
		Strategy:   registry.StrategySpecified,
	})
	if out.Status != StatusCompleted || out.Result.Provider != "provider-b" {
		t.Fatalf("Expected forced provider-b, got %+v", out)
	}

	out = f.router.Generate(context.Background(), &Request{
		Generation: provider.Request{Prompt: "ping"},
		Provider:   "provider-z",
	})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindValidation {
		t.Errorf("Expected validation_error for unknown provider, got %v", out.Err)
	}

	out = f.router.Generate(context.Background(), &Request{
		Generation: provider.Request{Prompt: "ping"},
		Strategy:   registry.StrategySpecified,
	})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindValidation {
		t.Errorf("Expected validation_error for specified without provider, got %v", out.Err)
	}
}

func TestGenerate_Validation(t *testing.T) {
	f := setupTest(t)

	tests := []struct {
		name string
		req  provider.Request
	}{
		{"empty prompt", provider.Request{}},
		{"temperature too high", provider.Request{Prompt: "x", Temperature: 2.5}},
		{"negative temperature", provider.Request{Prompt: "x", Temperature: -0.1}},
		{"negative max tokens", provider.Request{Prompt: "x", MaxTokens: -1}},
		{"max tokens too large", provider.Request{Prompt: "x", MaxTokens: MaxTokensLimit + 1}},
		{"too many stop sequences", provider.Request{Prompt: "x", StopSequences: []string{"a", "b", "c", "d", "e"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.router.Generate(context.Background(), &Request{Generation: tt.req})
			if out.Status != StatusFailed || out.Err.Kind != apperr.KindValidation {
				t.Errorf("Expected validation_error, got %s %v", out.Status, out.Err)
			}
		})
	}
	if f.a.calls.Load()+f.b.calls.Load() != 0 {
		t.Errorf("Expected no dispatch for invalid requests")
	}
}

func TestGenerate_NoProvidersConfigured(t *testing.T) {
	reg, _ := registry.New([]registry.Descriptor{{Name: "openai", Kind: provider.KindOpenAI}})
	r := New(reg, map[string]provider.Adapter{}, circuit.New(circuit.DefaultSettings()))

	out := r.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping"}})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindNoProviders {
		t.Fatalf("Expected no_providers_configured, got %s %v", out.Status, out.Err)
	}
}

func TestGenerate_ApprovalEndToEnd(t *testing.T) {
	f := setupTest(t)

	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping", MaxTokens: 5}})
	if out.Status != StatusCompleted {
		t.Fatalf("Expected completed for small request, got %s (%v)", out.Status, out.Err)
	}
	if out.Approval != nil {
		t.Errorf("Expected no approval decision on completed request")
	}

	out = f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping", MaxTokens: 1_000_000}})
	if out.Status != StatusRequiresApproval {
		t.Fatalf("Expected requires_approval, got %s", out.Status)
	}
	if out.Approval.Rule != approval.RuleTokenSize {
		t.Errorf("Expected token limit rule, got %s", out.Approval.Rule)
	}
	if !strings.Contains(out.Approval.Reason, "limit") {
		t.Errorf("Expected reason to mention the limit, got %s", out.Approval.Reason)
	}
	if f.a.calls.Load() != 1 {
		t.Errorf("Expected approval-gated request not to be dispatched")
	}
}

func TestGenerate_ApprovalKeyword(t *testing.T) {
	f := setupTest(t, WithApprovalPolicy(approval.Policy{
		AutoApproveThresholdUSD: 1.0,
		SensitiveKeywords:       []string{"password"},
	}))

	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "reset my PASSWORD"}})
	if out.Status != StatusRequiresApproval || out.Approval.Rule != approval.RuleKeyword {
		t.Fatalf("Expected keyword approval, got %+v", out)
	}
	ev := f.sink.Dispatches()
	if len(ev) != 1 || ev[0].Status != events.StatusRequiresApproval {
		t.Errorf("Expected approval event, got %+v", ev)
	}
}

func TestGenerate_CacheHit(t *testing.T) {
	f := setupTest(t, WithCache(cache.New(nil)))
	req := &Request{Generation: provider.Request{Prompt: "ping", Temperature: 0.2}}

	first := f.router.Generate(context.Background(), req)
	if first.Status != StatusCompleted || first.Result.Cached {
		t.Fatalf("Expected fresh completion, got %+v", first)
	}

	second := f.router.Generate(context.Background(), req)
	if second.Status != StatusCompleted || !second.Result.Cached {
		t.Fatalf("Expected cached completion, got %+v", second)
	}
	if second.Result.CostUSD != 0 || second.Result.LatencyMs != 0 {
		t.Errorf("Expected zero cost and latency on cache hit, got %+v", second.Result)
	}
	if second.Result.Content != first.Result.Content {
		t.Errorf("Expected identical content from cache")
	}
	if f.a.calls.Load() != 1 {
		t.Errorf("Expected a single dispatch, got %d", f.a.calls.Load())
	}

	changed := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping", Temperature: 0.3}})
	if changed.Result.Cached {
		t.Errorf("Expected different temperature to miss the cache")
	}
}

func TestGenerate_CacheKeyedByModel(t *testing.T) {
	f := setupTest(t, WithCache(cache.New(nil)))
	f.a.generateFn = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return &provider.Result{
			Content:      "from " + req.Model,
			FinishReason: provider.FinishStop,
			Model:        req.Model,
			Usage:        provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}, nil
	}

	big := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping", Model: "big-model"}})
	small := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping", Model: "small-model"}})
	if big.Status != StatusCompleted || small.Status != StatusCompleted {
		t.Fatalf("Expected both requests to complete, got %s and %s", big.Status, small.Status)
	}
	if small.Result.Cached {
		t.Errorf("Expected a different model to miss the cache")
	}
	if small.Result.Content != "from small-model" || small.Result.Model != "small-model" {
		t.Errorf("Expected small-model output, got content=%q model=%q", small.Result.Content, small.Result.Model)
	}
	if f.a.calls.Load() != 2 {
		t.Errorf("Expected two dispatches, got %d", f.a.calls.Load())
	}
}

func TestGenerate_CacheModes(t *testing.T) {
	c := cache.New(nil)
	f := setupTest(t, WithCache(c))
	gen := provider.Request{Prompt: "ping"}

	f.router.Generate(context.Background(), &Request{Generation: gen, Cache: CacheBypass})
	if c.Stats().Entries != 0 {
		t.Errorf("Expected bypass not to write the cache")
	}

	f.router.Generate(context.Background(), &Request{Generation: gen, Cache: CacheWriteOnly})
	out := f.router.Generate(context.Background(), &Request{Generation: gen, Cache: CacheWriteOnly})
	if out.Result.Cached {
		t.Errorf("Expected write-only mode to skip lookup")
	}
	if c.Stats().Entries != 1 {
		t.Errorf("Expected write-only mode to populate the cache")
	}

	out = f.router.Generate(context.Background(), &Request{Generation: gen})
	if !out.Result.Cached {
		t.Errorf("Expected read-write lookup to hit")
	}
}

func TestGenerate_RateLimitedNoFallback(t *testing.T) {
	limiter := ratelimit.NewLimiter(map[ratelimit.Layer]ratelimit.Rule{
		ratelimit.LayerUser: {Window: time.Minute, MaxRequests: 1},
	})
	f := setupTest(t, WithLimiter(limiter))
	caller := identity.Caller{UserID: "u1"}

	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "one"}, Caller: caller})
	if out.Status != StatusCompleted {
		t.Fatalf("Expected first request to complete, got %v", out.Err)
	}

	out = f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "two"}, Caller: caller})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindRateLimited {
		t.Fatalf("Expected rate_limited, got %s %v", out.Status, out.Err)
	}
	if out.Err.RetryAfter != time.Minute {
		t.Errorf("Expected retry-after of one window, got %v", out.Err.RetryAfter)
	}
	if f.b.calls.Load() != 0 {
		t.Errorf("Expected no fallback on rate limit")
	}
	ev := f.sink.Dispatches()
	if ev[len(ev)-1].Status != events.StatusRateLimited {
		t.Errorf("Expected rate_limited event, got %s", ev[len(ev)-1].Status)
	}
}

func TestGenerate_ProviderLayerLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(map[ratelimit.Layer]ratelimit.Rule{
		ratelimit.LayerProvider: {Window: time.Minute, MaxRequests: 1},
	})
	f := setupTest(t, WithLimiter(limiter))

	f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "one"}})
	out := f.router.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "two"}})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindRateLimited {
		t.Fatalf("Expected provider-layer rate limit, got %s %v", out.Status, out.Err)
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	f := setupTest(t)
	f.a.generateFn = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := f.router.Generate(ctx, &Request{Generation: provider.Request{Prompt: "slow"}})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindTimeout {
		t.Fatalf("Expected timeout, got %s %v", out.Status, out.Err)
	}
	if f.b.calls.Load() != 0 {
		t.Errorf("Expected no fallback after deadline")
	}
	if f.breaker.Snapshot("provider-a").Failures != 0 {
		t.Errorf("Expected caller deadline not to count against the provider")
	}
}

func TestGenerate_EventsCarryIdentity(t *testing.T) {
	f := setupTest(t)
	ctx := identity.WithRequestID(context.Background(), "req-42")

	out := f.router.Generate(ctx, &Request{
		Generation: provider.Request{Prompt: "ping"},
		Caller:     identity.Caller{UserID: "alice"},
		RunID:      "run-1",
		StepID:     "draft",
	})
	if out.RequestID != "req-42" {
		t.Errorf("Expected request id from context, got %s", out.RequestID)
	}
	ev := f.sink.Dispatches()
	if len(ev) != 1 {
		t.Fatalf("Expected one event, got %d", len(ev))
	}
	if ev[0].UserID != "alice" || ev[0].RunID != "run-1" || ev[0].StepID != "draft" || ev[0].RequestID != "req-42" {
		t.Errorf("Unexpected event identity: %+v", ev[0])
	}
}

// halfOpenRouter has one provider whose circuit is already half-open with a
// single probe slot.
func halfOpenRouter(t *testing.T, opts ...Option) (*Router, *MockProvider, *circuit.Breaker) {
	t.Helper()
	reg, err := registry.New([]registry.Descriptor{descriptor("provider-a", 0.5, 0.5, 900)})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	a := &MockProvider{name: "provider-a"}
	breaker := circuit.New(circuit.Settings{Cooldown: time.Millisecond, HalfOpenMaxAttempts: 1})
	for i := 0; i < 10; i++ {
		breaker.RecordFailure("provider-a", time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)

	base := []Option{WithTracer(noop.NewTracerProvider().Tracer("test"))}
	r := New(reg, map[string]provider.Adapter{"provider-a": a}, breaker, append(base, opts...)...)
	return r, a, breaker
}

func TestGenerate_CancelledProbeReleasesSlot(t *testing.T) {
	r, a, breaker := halfOpenRouter(t)
	a.generateFn = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := r.Generate(ctx, &Request{Generation: provider.Request{Prompt: "slow"}})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindTimeout {
		t.Fatalf("Expected timeout, got %s %v", out.Status, out.Err)
	}
	if breaker.Snapshot("provider-a").InFlightProbes != 0 {
		t.Fatalf("Expected the probe slot to be released")
	}

	a.generateFn = nil
	out = r.Generate(context.Background(), &Request{Generation: provider.Request{Prompt: "ping"}})
	if out.Status != StatusCompleted {
		t.Fatalf("Expected the next probe to be admitted, got %s %v", out.Status, out.Err)
	}
	if breaker.State("provider-a") != circuit.StateClosed {
		t.Errorf("Expected circuit closed after a successful probe, got %s", breaker.State("provider-a"))
	}
}

func TestGenerate_RateLimitedProbeReleasesSlot(t *testing.T) {
	limiter := ratelimit.NewLimiter(map[ratelimit.Layer]ratelimit.Rule{
		ratelimit.LayerUser: {Window: time.Minute, MaxRequests: 1},
	})
	r, a, breaker := halfOpenRouter(t, WithLimiter(limiter))
	// Use up the caller's only request without touching the circuit.
	limiter.Check(ratelimit.LayerUser, "u1")

	out := r.Generate(context.Background(), &Request{
		Generation: provider.Request{Prompt: "ping"},
		Caller:     identity.Caller{UserID: "u1"},
	})
	if out.Status != StatusFailed || out.Err.Kind != apperr.KindRateLimited {
		t.Fatalf("Expected rate_limited, got %s %v", out.Status, out.Err)
	}
	if a.calls.Load() != 0 {
		t.Errorf("Expected no dispatch")
	}
	if breaker.Snapshot("provider-a").InFlightProbes != 0 {
		t.Errorf("Expected the probe slot to be released after the denial")
	}
}
