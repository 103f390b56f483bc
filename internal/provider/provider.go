package provider

import (
	"context"
	"math"

	"github.com/vnmchuo/genroute/internal/tokens"
)

// Kind is the closed set of adapter implementations the gateway can build.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindEcho      Kind = "echo"
)

var Kinds = []Kind{KindOpenAI, KindAnthropic, KindGemini, KindEcho}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

type Request struct {
	Prompt        string   `json:"prompt"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	Temperature   float64  `json:"temperature"`
	MaxTokens     int      `json:"max_tokens"`
	StopSequences []string `json:"stop_sequences,omitempty"`
	// Model overrides the descriptor's default model.
	Model string `json:"model,omitempty"`
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Result struct {
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	LatencyMs    int64        `json:"latency_ms"`
	CostUSD      float64      `json:"cost_usd"`
	Cached       bool         `json:"cached"`
}

type Health struct {
	Status    string `json:"status"` // "ok" or "error"
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type Estimate struct {
	CostUSD      float64 `json:"estimated_cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

func (e Estimate) Tokens() int {
	return e.InputTokens + e.OutputTokens
}

type Adapter interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Result, error)
	HealthCheck(ctx context.Context) Health
	EstimateCost(req *Request) Estimate
}

// Pricing is USD per one million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// Config is what every adapter constructor receives.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Pricing Pricing
	Counter tokens.Counter
}

// EstimateWith prices a request before dispatch. Output tokens are assumed to
// be the full MaxTokens budget.
func EstimateWith(counter tokens.Counter, pricing Pricing, req *Request) Estimate {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	in := counter.Count(req.Prompt) + counter.Count(req.SystemPrompt)
	out := req.MaxTokens
	if out < 0 {
		out = 0
	}
	return Estimate{
		CostUSD:      pricing.Cost(in, out),
		InputTokens:  in,
		OutputTokens: out,
	}
}

// RoundUSD trims float noise from computed costs.
func RoundUSD(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
