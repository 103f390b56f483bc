// Package app assembles the routing and workflow stack from configuration.
// The gateway server and the CLI both build through it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/genroute/config"
	"github.com/vnmchuo/genroute/internal/approval"
	"github.com/vnmchuo/genroute/internal/cache"
	"github.com/vnmchuo/genroute/internal/circuit"
	"github.com/vnmchuo/genroute/internal/events"
	"github.com/vnmchuo/genroute/internal/logging"
	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/provider/factory"
	"github.com/vnmchuo/genroute/internal/registry"
	"github.com/vnmchuo/genroute/internal/router"
	"github.com/vnmchuo/genroute/internal/tokens"
	"github.com/vnmchuo/genroute/internal/workflow"
	"github.com/vnmchuo/genroute/pkg/ratelimit"
)

// Deps are the optional external collaborators. Zero values select in-memory
// implementations.
type Deps struct {
	Redis    *redis.Client
	RunStore workflow.RunStore
	Sink     events.Sink
	Tracer   trace.Tracer
}

type Stack struct {
	Registry *registry.Registry
	Breaker  *circuit.Breaker
	Limiter  *ratelimit.Limiter
	Cache    *cache.Cache
	Router   *router.Router
	Engine   *workflow.Engine
	Catalog  *workflow.Catalog
}

// EchoDescriptor is registered when the echo provider is enabled and the
// catalog does not already list one.
func EchoDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:             string(provider.KindEcho),
		Kind:             provider.KindEcho,
		Model:            "echo-1",
		TypicalLatencyMs: 1,
		Capabilities:     []string{"chat"},
	}
}

func Build(cfg *config.Config, deps Deps, log logrus.FieldLogger) (*Stack, error) {
	log = logging.WithComponent(log, "app")
	sink := deps.Sink
	if sink == nil {
		sink = events.Nop{}
	}

	reg, err := BuildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	counter := Counter(cfg, log)
	adapters, err := BuildAdapters(cfg, reg, counter)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		log.Warn("no provider has credentials; every generate call will fail")
	}

	breaker := circuit.New(cfg.Circuit, circuit.WithTransitionHook(CircuitHook(sink, time.Now)))
	limiter := ratelimit.NewLimiter(cfg.RateLimits)

	var store cache.Store = cache.NewMemoryStore()
	if deps.Redis != nil {
		store = cache.NewRedisStore(deps.Redis)
	}
	c := cache.New(store,
		cache.WithTTL(cfg.CacheTTL),
		cache.WithLogger(log),
		cache.WithSingleFlight(cfg.CacheSingleFlight),
	)

	routerOpts := []router.Option{
		router.WithLimiter(limiter),
		router.WithCache(c),
		router.WithApprovalPolicy(Policy(cfg)),
		router.WithSink(sink),
		router.WithLogger(log),
		router.WithDefaults(router.Defaults{
			Strategy:       cfg.RoutingStrategy,
			EnableFallback: cfg.EnableFallback,
			MaxRetries:     cfg.MaxRetries,
		}),
	}
	if deps.Redis != nil && cfg.DefaultRateLimitTPM > 0 {
		routerOpts = append(routerOpts, router.WithTokenBudget(ratelimit.NewTokenBudget(deps.Redis, cfg.DefaultRateLimitTPM)))
	}
	if deps.Tracer != nil {
		routerOpts = append(routerOpts, router.WithTracer(deps.Tracer))
	}
	rt := router.New(reg, adapters, breaker, routerOpts...)

	engineOpts := []workflow.Option{
		workflow.WithCache(c),
		workflow.WithLimiter(limiter),
		workflow.WithSink(sink),
		workflow.WithLogger(log),
	}
	if deps.RunStore != nil {
		engineOpts = append(engineOpts, workflow.WithStore(deps.RunStore))
	}
	if deps.Tracer != nil {
		engineOpts = append(engineOpts, workflow.WithTracer(deps.Tracer))
	}

	catalog := workflow.NewCatalog()
	if cfg.WorkflowDir != "" {
		n, err := catalog.LoadDir(cfg.WorkflowDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflows: %w", err)
		}
		log.WithField("count", n).Info("workflows loaded")
	}

	return &Stack{
		Registry: reg,
		Breaker:  breaker,
		Limiter:  limiter,
		Cache:    c,
		Router:   rt,
		Engine:   workflow.NewEngine(rt, engineOpts...),
		Catalog:  catalog,
	}, nil
}

func BuildRegistry(cfg *config.Config) (*registry.Registry, error) {
	descs, err := registry.LoadCatalog(cfg.ProviderCatalog)
	if err != nil {
		return nil, err
	}
	if cfg.EnableEchoProvider && !hasKind(descs, provider.KindEcho) {
		descs = append(descs, EchoDescriptor())
	}
	return registry.New(registry.MarkConfigured(descs, cfg.Credentialed))
}

// BuildAdapters constructs one adapter per configured descriptor, keyed by
// descriptor name.
func BuildAdapters(cfg *config.Config, reg *registry.Registry, counter tokens.Counter) (map[string]provider.Adapter, error) {
	adapters := make(map[string]provider.Adapter)
	for _, d := range reg.Configured() {
		a, err := factory.Build(d.Kind, provider.Config{
			Name:    d.Name,
			APIKey:  cfg.APIKey(d.Kind),
			BaseURL: d.BaseURL,
			Model:   d.Model,
			Pricing: d.Pricing(),
			Counter: counter,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", d.Name, err)
		}
		adapters[d.Name] = a
	}
	return adapters, nil
}

// Counter returns the configured tokenizer, falling back to the heuristic.
func Counter(cfg *config.Config, log logrus.FieldLogger) tokens.Counter {
	if !cfg.UseTiktoken() {
		return tokens.Heuristic{}
	}
	counter, err := tokens.Load(cfg.TokenEncoding)
	if err != nil {
		log.WithError(err).Warn("tokenizer unavailable, using heuristic estimates")
	}
	return counter
}

func Policy(cfg *config.Config) approval.Policy {
	return approval.Policy{
		AutoApproveThresholdUSD: cfg.AutoApproveThresholdUSD,
		SensitiveKeywords:       cfg.SensitiveKeywords,
		TokenLimit:              cfg.ApprovalTokenLimit,
	}
}

// CircuitHook forwards breaker transitions to sink.
func CircuitHook(sink events.Sink, now func() time.Time) circuit.TransitionFunc {
	return func(name string, _, to circuit.State) {
		sink.Circuit(context.Background(), events.CircuitEvent{
			Provider: name,
			Event:    transition(to),
			At:       now(),
		})
	}
}

func transition(to circuit.State) events.CircuitTransition {
	switch to {
	case circuit.StateOpen:
		return events.CircuitOpened
	case circuit.StateHalfOpen:
		return events.CircuitHalfOpen
	}
	return events.CircuitClosed
}

func hasKind(descs []registry.Descriptor, kind provider.Kind) bool {
	for _, d := range descs {
		if d.Kind == kind {
			return true
		}
	}
	return false
}
