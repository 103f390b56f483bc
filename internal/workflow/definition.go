// Package workflow executes multi-step generation pipelines. Steps run one at
// a time; the next step is chosen by the current step's onSuccess or
// onFailure edge.
package workflow

import (
	"time"

	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/registry"
)

type Definition struct {
	Name        string            `json:"name" yaml:"name"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Variables   map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Settings    Settings          `json:"settings" yaml:"settings"`
}

type Settings struct {
	// MaxTotalCostUSD aborts the run once exceeded. Zero disables the ceiling.
	MaxTotalCostUSD float64 `json:"maxTotalCostUSD,omitempty" yaml:"maxTotalCostUSD,omitempty"`
	// TimeoutMs bounds the whole run. Zero means no deadline.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	// CacheEnabled defaults to true.
	CacheEnabled *bool             `json:"cacheEnabled,omitempty" yaml:"cacheEnabled,omitempty"`
	Strategy     registry.Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

func (s Settings) cacheEnabled() bool {
	return s.CacheEnabled == nil || *s.CacheEnabled
}

func (s Settings) timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

type Step struct {
	ID        string      `json:"id" yaml:"id"`
	Provider  string      `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model     string      `json:"model,omitempty" yaml:"model,omitempty"`
	Input     StepInput   `json:"input" yaml:"input"`
	OnSuccess string      `json:"onSuccess,omitempty" yaml:"onSuccess,omitempty"`
	OnFailure string      `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	Retry     RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// CacheEnabled inherits the workflow setting when nil.
	CacheEnabled *bool `json:"cacheEnabled,omitempty" yaml:"cacheEnabled,omitempty"`
}

func (s Step) cacheEnabled(def Settings) bool {
	if !def.cacheEnabled() {
		return false
	}
	return s.CacheEnabled == nil || *s.CacheEnabled
}

type StepInput struct {
	Prompt        string   `json:"prompt" yaml:"prompt"`
	SystemPrompt  string   `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Temperature   float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty" yaml:"stopSequences,omitempty"`
}

type RetryPolicy struct {
	// MaxAttempts counts the first try. Zero means one attempt.
	MaxAttempts int `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	DelayMs     int `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
}

func (r RetryPolicy) attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

func (r RetryPolicy) delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s != RunRunning
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type StepResult struct {
	StepID     string      `json:"stepId"`
	Status     StepStatus  `json:"status"`
	Provider   string      `json:"provider,omitempty"`
	Model      string      `json:"model,omitempty"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  apperr.Kind `json:"errorKind,omitempty"`
	CostUSD    float64     `json:"costUSD"`
	LatencyMs  int64       `json:"latencyMs"`
	Cached     bool        `json:"cached"`
	Attempts   int         `json:"attempts,omitempty"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// Run records one execution. Steps are in execution order; steps that never
// ran are appended as skipped once the run ends.
type Run struct {
	ID             string            `json:"runId"`
	Workflow       string            `json:"workflow"`
	Version        string            `json:"version,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Status         RunStatus         `json:"status"`
	Steps          []StepResult      `json:"steps"`
	TotalCostUSD   float64           `json:"totalCostUSD"`
	TotalLatencyMs int64             `json:"totalLatencyMs"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      apperr.Kind       `json:"errorKind,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Steps = append([]StepResult(nil), r.Steps...)
	if r.Inputs != nil {
		cp.Inputs = make(map[string]string, len(r.Inputs))
		for k, v := range r.Inputs {
			cp.Inputs[k] = v
		}
	}
	return &cp
}

func (r *Run) Step(id string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepResult{}, false
}
