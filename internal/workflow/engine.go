package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/cache"
	"github.com/vnmchuo/genroute/internal/events"
	"github.com/vnmchuo/genroute/internal/identity"
	"github.com/vnmchuo/genroute/internal/logging"
	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/router"
	"github.com/vnmchuo/genroute/pkg/ratelimit"
)

// Generator is the dispatch surface the engine needs. *router.Router
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *router.Request) *router.Outcome
}

type RunRequest struct {
	Inputs map[string]string
	Caller identity.Caller
	// RunID is generated when empty.
	RunID string
}

type Option func(*Engine)

func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

func WithStore(s RunStore) Option {
	return func(e *Engine) { e.store = s }
}

func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = logging.WithComponent(log, "workflow") }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	gen     Generator
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	store   RunStore
	sink    events.Sink
	tracer  trace.Tracer
	log     logrus.FieldLogger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewEngine(gen Generator, opts ...Option) *Engine {
	e := &Engine{
		gen:    gen,
		store:  NewMemoryStore(),
		sink:   events.Nop{},
		tracer: otel.Tracer("genroute/workflow"),
		log:    logging.WithComponent(nil, "workflow"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() RunStore {
	return e.store
}

// Run validates def, then executes it to a terminal status. The error is
// non-nil only when the run is rejected before any step executes.
func (e *Engine) Run(ctx context.Context, def *Definition, req RunRequest) (*Run, error) {
	run, err := e.Begin(ctx, def, req)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, def, run, req.Caller), nil
}

// Begin validates def, applies the workflow rate limit and persists a
// running Run. Execute picks it up from there.
func (e *Engine) Begin(ctx context.Context, def *Definition, req RunRequest) (*Run, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	if e.limiter != nil {
		if d := e.limiter.Check(ratelimit.LayerWorkflow, def.Name); !d.Allowed {
			err := apperr.New(apperr.KindRateLimited, "rate limit exceeded for workflow %s", def.Name)
			err.RetryAfter = d.RetryAfter
			return nil, err
		}
	}

	id := req.RunID
	if id == "" {
		id = uuid.New().String()
	}
	run := &Run{
		ID:        id,
		Workflow:  def.Name,
		Version:   def.Version,
		UserID:    req.Caller.UserID,
		Inputs:    req.Inputs,
		Status:    RunRunning,
		Steps:     []StepResult{},
		StartedAt: e.now(),
	}
	run = run.Clone()
	e.persist(ctx, run)
	return run, nil
}

// Execute walks the step graph from the first step. It always returns a
// terminal Run.
func (e *Engine) Execute(ctx context.Context, def *Definition, run *Run, caller identity.Caller) *Run {
	ctx, span := e.tracer.Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow", def.Name),
		attribute.String("run_id", run.ID),
	)

	if t := def.Settings.timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	log := logging.WithContext(ctx, e.log).WithFields(logrus.Fields{
		"workflow": def.Name,
		"run_id":   run.ID,
	})

	steps := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = s
	}
	executed := make(map[string]bool, len(def.Steps))
	scope := NewScope(def.Variables, run.Inputs)

	next := def.Steps[0].ID
	for run.Status == RunRunning {
		if err := ctx.Err(); err != nil {
			e.finish(run, contextError(err))
			break
		}

		step := steps[next]
		executed[step.ID] = true
		res, stepErr := e.runStep(ctx, def, step, scope, caller, run.ID)

		run.Steps = append(run.Steps, res)
		run.TotalCostUSD = provider.RoundUSD(run.TotalCostUSD + res.CostUSD)
		run.TotalLatencyMs += res.LatencyMs
		scope.Record(step.ID, StepOutcome{
			Success: res.Status == StepCompleted,
			Output:  res.Output,
			Error:   res.Error,
		})
		e.persist(ctx, run)

		if ceiling := def.Settings.MaxTotalCostUSD; ceiling > 0 && run.TotalCostUSD > ceiling {
			e.finish(run, apperr.New(apperr.KindCostCeiling,
				"run cost $%.6f exceeds ceiling $%.6f after step %s", run.TotalCostUSD, ceiling, step.ID))
			break
		}

		if stepErr != nil {
			log.WithField("step", step.ID).WithError(stepErr).Warn("step failed")
			if err := ctx.Err(); err != nil {
				e.finish(run, contextError(err))
				break
			}
			if step.OnFailure == "" {
				e.finish(run, stepErr)
				break
			}
			next = step.OnFailure
			continue
		}

		if step.OnSuccess == "" {
			e.finish(run, nil)
			break
		}
		next = step.OnSuccess
	}

	for _, s := range def.Steps {
		if !executed[s.ID] {
			run.Steps = append(run.Steps, StepResult{StepID: s.ID, Status: StepSkipped})
		}
	}

	e.persist(ctx, run)
	e.sink.Run(ctx, events.RunEvent{
		RunID:        run.ID,
		Workflow:     run.Workflow,
		Status:       string(run.Status),
		TotalCostUSD: run.TotalCostUSD,
		LatencyMs:    run.TotalLatencyMs,
		Steps:        len(executed),
		At:           e.now(),
	})

	span.SetAttributes(
		attribute.String("status", string(run.Status)),
		attribute.Float64("total_cost_usd", run.TotalCostUSD),
	)
	if run.Status != RunCompleted {
		span.SetStatus(codes.Error, run.Error)
	}
	log.WithFields(logrus.Fields{
		"status":         run.Status,
		"total_cost_usd": run.TotalCostUSD,
		"steps":          len(executed),
	}).Info("workflow run finished")

	return run.Clone()
}

// runStep executes one step with retries. A non-nil error means the step
// failed; the StepResult is filled either way.
func (e *Engine) runStep(ctx context.Context, def *Definition, step Step, scope *Scope, caller identity.Caller, runID string) (StepResult, *apperr.Error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step")
	defer span.End()
	span.SetAttributes(attribute.String("step", step.ID))

	started := e.now()
	res := StepResult{
		StepID:    step.ID,
		Status:    StepRunning,
		Provider:  step.Provider,
		Model:     step.Model,
		StartedAt: &started,
	}

	gen, err := e.render(step, scope)
	if err != nil {
		return e.failStep(span, res, err), err
	}

	mode := router.CacheBypass
	if e.cache != nil && step.cacheEnabled(def.Settings) {
		mode = router.CacheWriteOnly
		norm := gen
		if router.Normalize(&norm) == nil {
			if hit, ok := e.cache.Get(ctx, cache.Fingerprint(&norm, step.Provider)); ok {
				return e.completeStep(span, res, hit), nil
			}
		}
	}

	var lastErr *apperr.Error
	for attempt := 1; attempt <= step.Retry.attempts(); attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, step.Retry.delay()); err != nil {
				lastErr = contextError(err)
				break
			}
		}
		res.Attempts = attempt

		out := e.gen.Generate(ctx, &router.Request{
			Generation: gen,
			Provider:   step.Provider,
			Strategy:   def.Settings.Strategy,
			Caller:     caller,
			RunID:      runID,
			StepID:     step.ID,
			Cache:      mode,
		})

		switch out.Status {
		case router.StatusCompleted:
			return e.completeStep(span, res, out.Result), nil
		case router.StatusRequiresApproval:
			lastErr = apperr.New(apperr.KindApprovalRequired, "step %s requires approval: %s", step.ID, out.Approval.Reason)
		default:
			lastErr = out.Err
			if lastErr == nil {
				lastErr = apperr.New(apperr.KindInternal, "step %s failed without an error", step.ID)
			}
		}

		if !lastErr.Retryable() || ctx.Err() != nil {
			break
		}
	}

	return e.failStep(span, res, lastErr), lastErr
}

func (e *Engine) render(step Step, scope *Scope) (provider.Request, *apperr.Error) {
	prompt, err := Render(step.Input.Prompt, scope)
	if err != nil {
		return provider.Request{}, apperr.Wrap(apperr.KindValidation, err, "render prompt")
	}
	system, err := Render(step.Input.SystemPrompt, scope)
	if err != nil {
		return provider.Request{}, apperr.Wrap(apperr.KindValidation, err, "render system prompt")
	}
	return provider.Request{
		Prompt:        prompt,
		SystemPrompt:  system,
		Model:         step.Model,
		Temperature:   step.Input.Temperature,
		MaxTokens:     step.Input.MaxTokens,
		StopSequences: step.Input.StopSequences,
	}, nil
}

func (e *Engine) completeStep(span trace.Span, res StepResult, r *provider.Result) StepResult {
	finished := e.now()
	res.Status = StepCompleted
	res.Provider = r.Provider
	res.Model = r.Model
	res.Output = r.Content
	res.CostUSD = r.CostUSD
	res.LatencyMs = r.LatencyMs
	res.Cached = r.Cached
	res.FinishedAt = &finished
	span.SetAttributes(
		attribute.String("provider", r.Provider),
		attribute.Bool("cached", r.Cached),
	)
	return res
}

func (e *Engine) failStep(span trace.Span, res StepResult, err *apperr.Error) StepResult {
	finished := e.now()
	res.Status = StepFailed
	res.Error = err.Error()
	res.ErrorKind = err.Kind
	res.LatencyMs = finished.Sub(*res.StartedAt).Milliseconds()
	res.FinishedAt = &finished
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return res
}

// finish moves run to its terminal status. A nil err completes it.
func (e *Engine) finish(run *Run, err *apperr.Error) {
	finished := e.now()
	run.FinishedAt = &finished
	switch {
	case err == nil:
		run.Status = RunCompleted
		return
	case err.Kind == apperr.KindCancelled:
		run.Status = RunCancelled
	default:
		run.Status = RunFailed
	}
	run.Error = err.Error()
	run.ErrorKind = err.Kind
}

func (e *Engine) persist(ctx context.Context, run *Run) {
	if err := e.store.Save(context.WithoutCancel(ctx), run.Clone()); err != nil {
		logging.WithContext(ctx, e.log).WithField("run_id", run.ID).WithError(err).Error("failed to persist workflow run")
	}
}

func contextError(err error) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, err, "workflow deadline exceeded")
	}
	return apperr.Wrap(apperr.KindCancelled, err, "workflow cancelled")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
