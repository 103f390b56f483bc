package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/audit"
	"github.com/vnmchuo/genroute/internal/circuit"
	"github.com/vnmchuo/genroute/internal/identity"
	"github.com/vnmchuo/genroute/internal/logging"
	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/registry"
	"github.com/vnmchuo/genroute/internal/router"
	"github.com/vnmchuo/genroute/internal/worker"
	"github.com/vnmchuo/genroute/internal/workflow"
)

const healthCheckTimeout = 5 * time.Second

type Handler struct {
	router  *router.Router
	engine  *workflow.Engine
	catalog *workflow.Catalog
	usage   audit.Store
	queue   worker.Queue
	tracer  trace.Tracer
	log     logrus.FieldLogger
}

func NewHandler(rt *router.Router, engine *workflow.Engine, catalog *workflow.Catalog, usage audit.Store, queue worker.Queue, tracer trace.Tracer, log logrus.FieldLogger) *Handler {
	return &Handler{
		router:  rt,
		engine:  engine,
		catalog: catalog,
		usage:   usage,
		queue:   queue,
		tracer:  tracer,
		log:     logging.WithComponent(log, "http"),
	}
}

type generateRequest struct {
	Prompt         string   `json:"prompt"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Model          string   `json:"model,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	StopSequences  []string `json:"stop_sequences,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
	EnableFallback *bool    `json:"enable_fallback,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
	// Cache set to false bypasses the response cache for this request.
	Cache *bool `json:"cache,omitempty"`
}

type errorBody struct {
	Kind       apperr.Kind `json:"kind"`
	Message    string      `json:"message"`
	RetryAfter float64     `json:"retry_after_seconds,omitempty"`
}

type generateResponse struct {
	*router.Outcome
	Error *errorBody `json:"error,omitempty"`
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := identity.FromContext(ctx)

	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", caller.UserID),
		attribute.String("request_id", identity.RequestID(ctx)),
	)

	req := &router.Request{
		Generation: provider.Request{
			Prompt:        body.Prompt,
			SystemPrompt:  body.SystemPrompt,
			Model:         body.Model,
			Temperature:   body.Temperature,
			MaxTokens:     body.MaxTokens,
			StopSequences: body.StopSequences,
		},
		Provider:       body.Provider,
		EnableFallback: body.EnableFallback,
		MaxRetries:     body.MaxRetries,
		Caller:         caller,
		RequestID:      identity.RequestID(ctx),
	}
	if body.Strategy != "" {
		s, err := registry.ParseStrategy(body.Strategy)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindValidation, err, "strategy"))
			return
		}
		req.Strategy = s
	}
	if body.Cache != nil && !*body.Cache {
		req.Cache = router.CacheBypass
	}

	out := h.router.Generate(ctx, req)
	span.SetAttributes(attribute.String("status", string(out.Status)))

	switch out.Status {
	case router.StatusCompleted:
		writeJSON(w, http.StatusOK, generateResponse{Outcome: out})
	case router.StatusRequiresApproval:
		writeJSON(w, http.StatusAccepted, generateResponse{Outcome: out})
	default:
		setRetryAfter(w, out.Err)
		writeJSON(w, apperr.HTTPStatus(out.Err.Kind), generateResponse{Outcome: out, Error: toErrorBody(out.Err)})
	}
}

type providerView struct {
	registry.Descriptor
	Circuit circuit.Snapshot `json:"circuit"`
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	breaker := h.router.Breaker()
	var views []providerView
	for _, d := range h.router.Registry().All() {
		v := providerView{Descriptor: d}
		if breaker != nil {
			v.Circuit = breaker.Snapshot(d.Name)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": views,
	})
}

func (h *Handler) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]provider.Health)
	)
	for _, d := range h.router.Registry().Configured() {
		adapter, ok := h.router.Adapter(d.Name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, a provider.Adapter) {
			defer wg.Done()
			health := a.HealthCheck(ctx)
			mu.Lock()
			results[name] = health
			mu.Unlock()
		}(d.Name, adapter)
	}
	wg.Wait()

	status := http.StatusOK
	for _, hc := range results {
		if hc.Status != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]interface{}{"providers": results})
}

func (h *Handler) HandleResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if _, ok := h.router.Registry().Get(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}
	breaker := h.router.Breaker()
	if breaker == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "circuit breaking disabled"})
		return
	}
	breaker.Reset(name)
	logging.WithContext(r.Context(), h.log).WithField("provider", name).Info("circuit reset by operator")
	writeJSON(w, http.StatusOK, breaker.Snapshot(name))
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := identity.FromContext(ctx)

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.usage.ByUser(ctx, caller.UserID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	totalCost, err := h.usage.TotalCostByUser(ctx, caller.UserID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        caller.UserID,
		"total_requests": len(records),
		"total_cost_usd": totalCost,
		"records":        records,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": h.catalog.List()})
}

func (h *Handler) HandleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid workflow definition"))
		return
	}
	if err := h.catalog.Register(&def); err != nil {
		writeError(w, err)
		return
	}
	logging.WithContext(r.Context(), h.log).WithField("workflow", def.Name).Info("workflow registered")
	writeJSON(w, http.StatusCreated, &def)
}

type runRequest struct {
	Inputs map[string]string `json:"inputs"`
}

func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	def, err := h.catalog.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apperr.New(apperr.KindValidation, "invalid run request body"))
			return
		}
	}
	req := workflow.RunRequest{Inputs: body.Inputs, Caller: identity.FromContext(ctx)}

	if r.URL.Query().Get("async") != "true" {
		run, err := h.engine.Run(ctx, def, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	run, err := h.engine.Begin(ctx, def, req)
	if err != nil {
		writeError(w, err)
		return
	}
	runID, status := run.ID, run.Status
	job := &worker.AsyncJob{
		ID:     runID,
		Kind:   "workflow_run",
		UserID: req.Caller.UserID,
		Exec: func(ctx context.Context) error {
			done := h.engine.Execute(ctx, def, run, req.Caller)
			if done.Status == workflow.RunCompleted {
				return nil
			}
			return errors.New(done.Error)
		},
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		h.abandon(ctx, run, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"runId":  runID,
		"status": status,
	})
}

// abandon records a run that was begun but could not be queued.
func (h *Handler) abandon(ctx context.Context, run *workflow.Run, cause error) {
	now := time.Now()
	run.Status = workflow.RunFailed
	run.Error = cause.Error()
	run.ErrorKind = apperr.KindInternal
	run.FinishedAt = &now
	if err := h.engine.Store().Save(context.WithoutCancel(ctx), run); err != nil {
		logging.WithContext(ctx, h.log).WithError(err).Error("failed to record abandoned run")
	}
}

func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	runs, err := h.engine.Store().List(r.Context(), r.URL.Query().Get("workflow"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound), errors.Is(err, workflow.ErrRunNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	e := apperr.As(err)
	setRetryAfter(w, e)
	writeJSON(w, apperr.HTTPStatus(e.Kind), map[string]*errorBody{"error": toErrorBody(e)})
}

func toErrorBody(e *apperr.Error) *errorBody {
	return &errorBody{
		Kind:       e.Kind,
		Message:    e.Error(),
		RetryAfter: e.RetryAfter.Seconds(),
	}
}

// setRetryAfter writes whole seconds, rounded up so clients never retry early.
func setRetryAfter(w http.ResponseWriter, e *apperr.Error) {
	if e == nil || e.Kind != apperr.KindRateLimited || e.RetryAfter <= 0 {
		return
	}
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
