// Package events carries observations out of the routing core. Sinks must not
// block the caller for long; slow sinks should buffer.
package events

import (
	"context"
	"sync"
	"time"
)

type Status string

const (
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusRequiresApproval Status = "requires_approval"
	StatusRateLimited      Status = "rate_limited"
)

// DispatchEvent describes one routed request.
type DispatchEvent struct {
	RequestID        string    `json:"request_id"`
	RunID            string    `json:"run_id,omitempty"`
	StepID           string    `json:"step_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Cached           bool      `json:"cached"`
	FallbackUsed     bool      `json:"fallback_used"`
	Status           Status    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	At               time.Time `json:"at"`
}

type CircuitTransition string

const (
	CircuitOpened   CircuitTransition = "opened"
	CircuitHalfOpen CircuitTransition = "half_open"
	CircuitClosed   CircuitTransition = "closed"
)

type CircuitEvent struct {
	Provider string            `json:"provider"`
	Event    CircuitTransition `json:"event"`
	At       time.Time         `json:"at"`
}

// RunEvent is emitted when a workflow run reaches a terminal status.
type RunEvent struct {
	RunID        string    `json:"run_id"`
	Workflow     string    `json:"workflow"`
	Status       string    `json:"status"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Steps        int       `json:"steps"`
	At           time.Time `json:"at"`
}

type Sink interface {
	Dispatch(ctx context.Context, e DispatchEvent)
	Circuit(ctx context.Context, e CircuitEvent)
	Run(ctx context.Context, e RunEvent)
}

type Nop struct{}

func (Nop) Dispatch(context.Context, DispatchEvent) {}
func (Nop) Circuit(context.Context, CircuitEvent) {}
func (Nop) Run(context.Context, RunEvent) {}

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) Dispatch(ctx context.Context, e DispatchEvent) {
	for _, s := range m {
		s.Dispatch(ctx, e)
	}
}

func (m Multi) Circuit(ctx context.Context, e CircuitEvent) {
	for _, s := range m {
		s.Circuit(ctx, e)
	}
}

func (m Multi) Run(ctx context.Context, e RunEvent) {
	for _, s := range m {
		s.Run(ctx, e)
	}
}

// Recorder keeps every event in memory. Tests use it to assert on emissions.
type Recorder struct {
	mu         sync.Mutex
	dispatches []DispatchEvent
	circuits   []CircuitEvent
	runs       []RunEvent
}

func (r *Recorder) Dispatch(_ context.Context, e DispatchEvent) {
	r.mu.Lock()
	r.dispatches = append(r.dispatches, e)
	r.mu.Unlock()
}

func (r *Recorder) Circuit(_ context.Context, e CircuitEvent) {
	r.mu.Lock()
	r.circuits = append(r.circuits, e)
	r.mu.Unlock()
}

func (r *Recorder) Run(_ context.Context, e RunEvent) {
	r.mu.Lock()
	r.runs = append(r.runs, e)
	r.mu.Unlock()
}

func (r *Recorder) Dispatches() []DispatchEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DispatchEvent(nil), r.dispatches...)
}

func (r *Recorder) Circuits() []CircuitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CircuitEvent(nil), r.circuits...)
}

func (r *Recorder) Runs() []RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunEvent(nil), r.runs...)
}
