package router

import (
	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/approval"
	"github.com/vnmchuo/genroute/internal/identity"
	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/registry"
)

const (
	DefaultMaxTokens  = 1024
	MaxTokensLimit    = 10_000_000
	MaxStopSequences  = 4
	DefaultMaxRetries = 2
)

// CacheMode controls how a single request uses the response cache.
type CacheMode int

const (
	// CacheReadWrite looks up the cache before dispatch and stores the result.
	CacheReadWrite CacheMode = iota
	// CacheWriteOnly skips the lookup but stores the result. The workflow
	// engine uses it after doing its own lookup.
	CacheWriteOnly
	// CacheBypass neither reads nor writes.
	CacheBypass
)

type Request struct {
	Generation provider.Request
	// Provider forces the primary candidate. Empty lets the strategy decide.
	Provider string
	Strategy registry.Strategy
	// EnableFallback and MaxRetries fall back to the router defaults when nil.
	EnableFallback *bool
	MaxRetries     *int

	Caller    identity.Caller
	RequestID string
	RunID     string
	StepID    string
	Cache     CacheMode
}

type Status string

const (
	StatusCompleted        Status = "completed"
	StatusRequiresApproval Status = "requires_approval"
	StatusFailed           Status = "failed"
)

type Attempt struct {
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Outcome is the terminal result of Generate. Exactly one of Result,
// Approval and Err is set, matching Status.
type Outcome struct {
	Status       Status             `json:"status"`
	RequestID    string             `json:"request_id"`
	Result       *provider.Result   `json:"result,omitempty"`
	Approval     *approval.Decision `json:"approval,omitempty"`
	FallbackUsed bool               `json:"fallback_used"`
	Attempts     []Attempt          `json:"attempts,omitempty"`
	Err          *apperr.Error      `json:"-"`
}

// Failure returns Err as an error, or nil.
func (o *Outcome) Failure() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

// Normalize validates a generation request in place and fills defaults.
func Normalize(req *provider.Request) *apperr.Error {
	if req.Prompt == "" {
		return apperr.New(apperr.KindValidation, "prompt must not be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return apperr.New(apperr.KindValidation, "temperature %v out of range [0, 2]", req.Temperature)
	}
	if req.MaxTokens < 0 || req.MaxTokens > MaxTokensLimit {
		return apperr.New(apperr.KindValidation, "max_tokens %d out of range [0, %d]", req.MaxTokens, MaxTokensLimit)
	}
	if len(req.StopSequences) > MaxStopSequences {
		return apperr.New(apperr.KindValidation, "at most %d stop sequences are allowed", MaxStopSequences)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	return nil
}
