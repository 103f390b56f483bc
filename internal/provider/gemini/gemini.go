package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vnmchuo/genroute/internal/provider"
)

const defaultModel = "gemini-2.0-flash"

type GeminiProvider struct {
	cfg     provider.Config
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string              `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func New(cfg provider.Config) provider.Adapter {
	if cfg.Name == "" {
		cfg.Name = string(provider.KindGemini)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiProvider{
		cfg:     cfg,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

func (p *GeminiProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	model := p.model(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, err
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	candidate := geminiResp.Candidates[0]
	finish := mapFinishReason(candidate.FinishReason)
	if len(candidate.Content.Parts) == 0 && finish != provider.FinishContentFilter {
		return nil, fmt.Errorf("gemini api returned an empty candidate")
	}

	var content string
	for _, part := range candidate.Content.Parts {
		content += part.Text
	}

	usage := provider.Usage{
		PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
		CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	if geminiResp.ModelVersion != "" {
		model = geminiResp.ModelVersion
	}

	return &provider.Result{
		Content:      content,
		FinishReason: finish,
		Usage:        usage,
		Model:        model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *GeminiProvider) model(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	gr := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			StopSequences:   req.StopSequences,
		},
	}
	if req.SystemPrompt != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return gr
}

func mapFinishReason(reason string) provider.FinishReason {
	switch reason {
	case "", "STOP":
		return provider.FinishStop
	case "MAX_TOKENS":
		return provider.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return provider.FinishContentFilter
	}
	return provider.FinishError
}

func (p *GeminiProvider) HealthCheck(ctx context.Context) provider.Health {
	url := fmt.Sprintf("%s/v1beta/models?key=%s", p.baseURL, p.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return provider.Health{Status: "error", Error: err.Error()}
	}

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

func (p *GeminiProvider) EstimateCost(req *provider.Request) provider.Estimate {
	return provider.EstimateWith(p.cfg.Counter, p.cfg.Pricing, req)
}

func (p *GeminiProvider) Name() string {
	return p.cfg.Name
}
