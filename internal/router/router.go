// Package router selects a provider for a generation request and dispatches
// it with approval gating, caching, circuit breaking, rate limiting and
// fallback.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/approval"
	"github.com/vnmchuo/genroute/internal/cache"
	"github.com/vnmchuo/genroute/internal/circuit"
	"github.com/vnmchuo/genroute/internal/events"
	"github.com/vnmchuo/genroute/internal/identity"
	"github.com/vnmchuo/genroute/internal/logging"
	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/registry"
	"github.com/vnmchuo/genroute/pkg/ratelimit"
)

type Defaults struct {
	Strategy       registry.Strategy
	EnableFallback bool
	MaxRetries     int
}

func DefaultDefaults() Defaults {
	return Defaults{
		Strategy:       registry.StrategyCheapest,
		EnableFallback: true,
		MaxRetries:     DefaultMaxRetries,
	}
}

type Option func(*Router)

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Router) { r.limiter = l }
}

func WithTokenBudget(b *ratelimit.TokenBudget) Option {
	return func(r *Router) { r.budget = b }
}

func WithCache(c *cache.Cache) Option {
	return func(r *Router) { r.cache = c }
}

func WithApprovalPolicy(p approval.Policy) Option {
	return func(r *Router) { r.approval = p }
}

func WithSink(s events.Sink) Option {
	return func(r *Router) { r.sink = s }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Router) { r.log = logging.WithComponent(log, "router") }
}

func WithDefaults(d Defaults) Option {
	return func(r *Router) { r.defaults = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router is safe for concurrent use. Build one at startup and share it.
type Router struct {
	registry *registry.Registry
	adapters map[string]provider.Adapter
	breaker  *circuit.Breaker

	limiter  *ratelimit.Limiter
	budget   *ratelimit.TokenBudget
	cache    *cache.Cache
	approval approval.Policy
	sink     events.Sink
	tracer   trace.Tracer
	log      logrus.FieldLogger
	defaults Defaults
	now      func() time.Time
}

// New builds a router. adapters is keyed by descriptor name; a descriptor
// without an adapter is never a candidate.
func New(reg *registry.Registry, adapters map[string]provider.Adapter, breaker *circuit.Breaker, opts ...Option) *Router {
	r := &Router{
		registry: reg,
		adapters: adapters,
		breaker:  breaker,
		approval: approval.DefaultPolicy(),
		sink:     events.Nop{},
		tracer:   otel.Tracer("genroute/router"),
		log:      logging.WithComponent(nil, "router"),
		defaults: DefaultDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Registry() *registry.Registry {
	return r.registry
}

func (r *Router) Breaker() *circuit.Breaker {
	return r.breaker
}

func (r *Router) Cache() *cache.Cache {
	return r.cache
}

func (r *Router) Adapter(name string) (provider.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

type candidate struct {
	desc    registry.Descriptor
	adapter provider.Adapter
}

// call carries per-request state through the dispatch loop.
type call struct {
	req        *Request
	gen        provider.Request
	requestID  string
	fallback   bool
	maxRetries int
	key        string
	estimate   provider.Estimate
	out        *Outcome
}

// Generate never panics or returns a nil Outcome; every terminal state is an
// Outcome status.
func (r *Router) Generate(ctx context.Context, req *Request) *Outcome {
	c := &call{
		req:        req,
		gen:        req.Generation,
		requestID:  req.RequestID,
		fallback:   r.defaults.EnableFallback,
		maxRetries: r.defaults.MaxRetries,
	}
	if c.requestID == "" {
		c.requestID = identity.RequestID(ctx)
	}
	if c.requestID == "" {
		c.requestID = uuid.New().String()
	}
	if req.EnableFallback != nil {
		c.fallback = *req.EnableFallback
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		c.maxRetries = *req.MaxRetries
	}
	c.out = &Outcome{RequestID: c.requestID}

	ctx, span := r.tracer.Start(ctx, "router.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", c.requestID),
		attribute.String("user_id", req.Caller.UserID),
		attribute.String("provider.requested", req.Provider),
	)

	out := r.generate(ctx, c)

	switch out.Status {
	case StatusCompleted:
		span.SetAttributes(
			attribute.String("provider", out.Result.Provider),
			attribute.Bool("cached", out.Result.Cached),
			attribute.Bool("fallback_used", out.FallbackUsed),
		)
	case StatusRequiresApproval:
		span.SetAttributes(attribute.String("approval.rule", string(out.Approval.Rule)))
	case StatusFailed:
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out
}

func (r *Router) generate(ctx context.Context, c *call) *Outcome {
	if err := Normalize(&c.gen); err != nil {
		return r.fail(ctx, c, err)
	}

	strategy := c.req.Strategy
	if strategy == "" {
		strategy = r.defaults.Strategy
	}
	cands, err := r.candidates(c.req.Provider, strategy)
	if err != nil {
		return r.fail(ctx, c, err)
	}

	c.estimate = cands[0].adapter.EstimateCost(&c.gen)
	if d := r.approval.Evaluate(&c.gen, c.estimate); d.Required {
		return r.requireApproval(ctx, c, cands[0], d)
	}

	if r.cache == nil || c.req.Cache == CacheBypass {
		return r.dispatch(ctx, c, cands)
	}

	c.key = cache.Fingerprint(&c.gen, c.req.Provider)
	if c.req.Cache == CacheWriteOnly {
		return r.dispatch(ctx, c, cands)
	}

	if res, ok := r.cache.Get(ctx, c.key); ok {
		return r.complete(ctx, c, res, false)
	}

	var own *Outcome
	res, _, err2 := r.cache.Do(c.key, func() (*provider.Result, error) {
		own = r.dispatch(ctx, c, cands)
		if own.Err != nil {
			return nil, own.Err
		}
		return own.Result, nil
	})
	if own != nil {
		return own
	}
	// Another caller computed this fingerprint concurrently.
	if err2 != nil {
		return r.fail(ctx, c, apperr.As(err2))
	}
	shared := *res
	shared.Cached = true
	shared.CostUSD = 0
	shared.LatencyMs = 0
	return r.complete(ctx, c, &shared, false)
}

func (r *Router) candidates(forced string, strategy registry.Strategy) ([]candidate, *apperr.Error) {
	var out []candidate

	if forced != "" {
		d, ok := r.registry.Get(forced)
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "unknown provider %q", forced)
		}
		a, hasAdapter := r.adapters[d.Name]
		if !d.Configured || !hasAdapter {
			return nil, apperr.New(apperr.KindValidation, "provider %q is not configured", forced)
		}
		out = append(out, candidate{desc: d, adapter: a})
	} else if strategy == registry.StrategySpecified {
		return nil, apperr.New(apperr.KindValidation, "strategy %q requires a provider", strategy)
	}

	for _, d := range r.registry.Rank(strategy, forced) {
		if a, ok := r.adapters[d.Name]; ok {
			out = append(out, candidate{desc: d, adapter: a})
		}
	}

	if len(out) == 0 {
		return nil, apperr.New(apperr.KindNoProviders, "no configured providers")
	}
	return out, nil
}

func (r *Router) dispatch(ctx context.Context, c *call, cands []candidate) *Outcome {
	budget := 1 + c.maxRetries
	dispatched := 0
	admitted := false
	var lastErr *apperr.Error

	for i, cand := range cands {
		if i > 0 && !c.fallback {
			break
		}
		if dispatched >= budget {
			break
		}
		name := cand.desc.Name

		if r.breaker != nil && !r.breaker.IsAvailable(name) {
			lastErr = apperr.New(apperr.KindProviderUnavailable, "circuit open for provider %s", name)
			c.out.Attempts = append(c.out.Attempts, Attempt{Provider: name, Skipped: true, Error: lastErr.Reason})
			if !c.fallback {
				return r.fail(ctx, c, lastErr)
			}
			continue
		}

		if !admitted {
			if err := r.admitCaller(ctx, c); err != nil {
				r.release(name)
				return r.fail(ctx, c, err)
			}
			admitted = true
		}
		if err := r.admitProvider(name); err != nil {
			r.release(name)
			return r.fail(ctx, c, err)
		}

		dispatched++
		res, latency, err := r.attempt(ctx, c, cand)
		if err == nil {
			c.out.Attempts = append(c.out.Attempts, Attempt{Provider: name, LatencyMs: latency.Milliseconds()})
			c.out.FallbackUsed = i > 0
			res.Provider = name
			res.LatencyMs = latency.Milliseconds()
			res.CostUSD = provider.RoundUSD(cand.desc.Pricing().Cost(res.Usage.PromptTokens, res.Usage.CompletionTokens))
			if c.key != "" {
				r.cache.Set(ctx, c.key, res)
			}
			return r.complete(ctx, c, res, c.out.FallbackUsed)
		}

		c.out.Attempts = append(c.out.Attempts, Attempt{Provider: name, LatencyMs: latency.Milliseconds(), Error: err.Error()})

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return r.fail(ctx, c, apperr.Wrap(apperr.KindTimeout, err, "request deadline exceeded"))
			}
			return r.fail(ctx, c, apperr.Wrap(apperr.KindCancelled, err, "request cancelled"))
		}

		lastErr = apperr.Wrap(apperr.KindProviderError, err, fmt.Sprintf("provider %s failed", name))
		logging.WithContext(ctx, r.log).WithFields(logrus.Fields{
			"request_id": c.requestID,
			"provider":   name,
		}).WithError(err).Warn("provider call failed")

		if !c.fallback {
			return r.fail(ctx, c, lastErr)
		}
	}

	if lastErr == nil {
		lastErr = apperr.New(apperr.KindProviderUnavailable, "no candidate could be dispatched")
	}
	return r.fail(ctx, c, apperr.Wrap(apperr.KindExhausted, lastErr, "all candidates exhausted"))
}

// attempt makes one adapter call and records the outcome to the breaker.
// Caller cancellation is not held against the provider.
func (r *Router) attempt(ctx context.Context, c *call, cand candidate) (*provider.Result, time.Duration, error) {
	ctx, span := r.tracer.Start(ctx, "router.attempt")
	defer span.End()
	span.SetAttributes(attribute.String("provider", cand.desc.Name))

	start := r.now()
	res, err := cand.adapter.Generate(ctx, &c.gen)
	latency := r.now().Sub(start)

	if err == nil && res == nil {
		err = errors.New("adapter returned no result")
	}

	if r.breaker != nil {
		switch {
		case err == nil:
			r.breaker.RecordSuccess(cand.desc.Name, latency)
		case ctx.Err() == nil:
			r.breaker.RecordFailure(cand.desc.Name, latency)
		default:
			r.breaker.Release(cand.desc.Name)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, latency, err
	}
	return res, latency, nil
}

// release gives back a half-open probe slot for a call that was not dispatched.
func (r *Router) release(name string) {
	if r.breaker != nil {
		r.breaker.Release(name)
	}
}

func (r *Router) admitCaller(ctx context.Context, c *call) *apperr.Error {
	caller := c.req.Caller
	if r.limiter != nil {
		d := r.limiter.CheckAll(
			ratelimit.Key{Layer: ratelimit.LayerUser, Identifier: caller.UserID},
			ratelimit.Key{Layer: ratelimit.LayerAPIKey, Identifier: caller.APIKey},
			ratelimit.Key{Layer: ratelimit.LayerIP, Identifier: caller.IP},
			ratelimit.Key{Layer: ratelimit.LayerGlobal, Identifier: ratelimit.GlobalID},
		)
		if !d.Allowed {
			return rateLimited(d)
		}
	}

	if r.budget != nil && caller.UserID != "" {
		d, err := r.budget.Charge(ctx, caller.UserID, c.estimate.Tokens())
		if err != nil {
			logging.WithContext(ctx, r.log).WithError(err).Warn("token budget unavailable, allowing request")
			return nil
		}
		if !d.Allowed {
			return rateLimited(d)
		}
	}
	return nil
}

func (r *Router) admitProvider(name string) *apperr.Error {
	if r.limiter == nil {
		return nil
	}
	if d := r.limiter.Check(ratelimit.LayerProvider, name); !d.Allowed {
		return rateLimited(d)
	}
	return nil
}

func rateLimited(d ratelimit.Decision) *apperr.Error {
	e := apperr.New(apperr.KindRateLimited, "rate limit exceeded for %s %s", d.Layer, d.Identifier)
	e.RetryAfter = d.RetryAfter
	return e
}

func (r *Router) complete(ctx context.Context, c *call, res *provider.Result, fallbackUsed bool) *Outcome {
	c.out.Status = StatusCompleted
	c.out.Result = res
	c.out.FallbackUsed = fallbackUsed
	r.emit(ctx, c, events.DispatchEvent{
		Provider:         res.Provider,
		Model:            res.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CostUSD:          res.CostUSD,
		LatencyMs:        res.LatencyMs,
		Cached:           res.Cached,
		FallbackUsed:     fallbackUsed,
		Status:           events.StatusCompleted,
	})
	return c.out
}

func (r *Router) requireApproval(ctx context.Context, c *call, primary candidate, d approval.Decision) *Outcome {
	c.out.Status = StatusRequiresApproval
	c.out.Approval = &d
	r.emit(ctx, c, events.DispatchEvent{
		Provider: primary.desc.Name,
		Model:    primary.desc.Model,
		CostUSD:  0,
		Status:   events.StatusRequiresApproval,
		Reason:   d.Reason,
	})
	return c.out
}

func (r *Router) fail(ctx context.Context, c *call, err *apperr.Error) *Outcome {
	c.out.Status = StatusFailed
	c.out.Err = err
	c.out.Result = nil

	status := events.StatusFailed
	if err.Kind == apperr.KindRateLimited {
		status = events.StatusRateLimited
	}
	var providerName string
	if n := len(c.out.Attempts); n > 0 {
		providerName = c.out.Attempts[n-1].Provider
	}
	r.emit(ctx, c, events.DispatchEvent{
		Provider: providerName,
		Status:   status,
		Reason:   err.Error(),
	})
	return c.out
}

func (r *Router) emit(ctx context.Context, c *call, e events.DispatchEvent) {
	e.RequestID = c.requestID
	e.RunID = c.req.RunID
	e.StepID = c.req.StepID
	e.UserID = c.req.Caller.UserID
	e.At = r.now()
	r.sink.Dispatch(ctx, e)
}
