// Package echo is a local adapter that answers without leaving the process. It
// is used for development and for dry runs of workflow files.
package echo

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/tokens"
)

type EchoProvider struct {
	cfg provider.Config
}

func New(cfg provider.Config) provider.Adapter {
	if cfg.Name == "" {
		cfg.Name = string(provider.KindEcho)
	}
	if cfg.Model == "" {
		cfg.Model = "echo-1"
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.Heuristic{}
	}
	return &EchoProvider{cfg: cfg}
}

func (p *EchoProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	content := fmt.Sprintf("echo: %s", req.Prompt)
	finish := provider.FinishStop
	completion := p.cfg.Counter.Count(content)
	if req.MaxTokens > 0 && completion > req.MaxTokens {
		// Truncate to roughly MaxTokens worth of characters.
		limit := req.MaxTokens * 4
		if limit < len(content) {
			content = content[:limit]
		}
		completion = req.MaxTokens
		finish = provider.FinishLength
	}
	prompt := p.cfg.Counter.Count(req.Prompt) + p.cfg.Counter.Count(req.SystemPrompt)

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	return &provider.Result{
		Content:      content,
		FinishReason: finish,
		Usage: provider.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		Provider:  p.Name(),
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *EchoProvider) HealthCheck(ctx context.Context) provider.Health {
	return provider.Health{Status: "ok"}
}

func (p *EchoProvider) EstimateCost(req *provider.Request) provider.Estimate {
	return provider.EstimateWith(p.cfg.Counter, p.cfg.Pricing, req)
}

func (p *EchoProvider) Name() string {
	return p.cfg.Name
}
