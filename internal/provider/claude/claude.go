package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/genroute/internal/provider"
)

const (
	defaultModel     = "claude-3-5-haiku-20241022"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

type ClaudeProvider struct {
	cfg     provider.Config
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   float64         `json:"temperature"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(cfg provider.Config) provider.Adapter {
	if cfg.Name == "" {
		cfg.Name = string(provider.KindAnthropic)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &ClaudeProvider{
		cfg:     cfg,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

func (p *ClaudeProvider) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", p.cfg.APIKey)
	r.Header.Set("anthropic-version", apiVersion)
}

func (p *ClaudeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claude api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, err
	}

	if len(claudeResp.Content) == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &provider.Result{
		Content:      text.String(),
		FinishReason: mapStopReason(claudeResp.StopReason),
		Usage: provider.Usage{
			PromptTokens:     claudeResp.Usage.InputTokens,
			CompletionTokens: claudeResp.Usage.OutputTokens,
			TotalTokens:      claudeResp.Usage.InputTokens + claudeResp.Usage.OutputTokens,
		},
		Model:     claudeResp.Model,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	return claudeRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		System:        req.SystemPrompt,
		Messages:      []claudeMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
	}
}

func mapStopReason(reason string) provider.FinishReason {
	switch reason {
	case "", "end_turn", "stop_sequence", "tool_use":
		return provider.FinishStop
	case "max_tokens":
		return provider.FinishLength
	case "refusal":
		return provider.FinishContentFilter
	}
	return provider.FinishError
}

func (p *ClaudeProvider) HealthCheck(ctx context.Context) provider.Health {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/models", p.baseURL), nil)
	if err != nil {
		return provider.Health{Status: "error", Error: err.Error()}
	}
	p.setHeaders(httpReq)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.Health{Status: "error", LatencyMs: latency, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.Health{Status: "error", LatencyMs: latency, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return provider.Health{Status: "ok", LatencyMs: latency}
}

func (p *ClaudeProvider) EstimateCost(req *provider.Request) provider.Estimate {
	r := *req
	if r.MaxTokens == 0 {
		r.MaxTokens = defaultMaxTokens
	}
	return provider.EstimateWith(p.cfg.Counter, p.cfg.Pricing, &r)
}

func (p *ClaudeProvider) Name() string {
	return p.cfg.Name
}
