package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/genroute/internal/provider"
)

func newTestProvider(url string) *ClaudeProvider {
	return New(provider.Config{APIKey: "test-key", BaseURL: url}).(*ClaudeProvider)
}

func TestGenerate_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header")
		}
		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeContent{
				{Type: "text", Text: "Hello from "},
				{Type: "text", Text: "Claude mock!"},
			},
			Usage: claudeUsage{
				InputTokens:  10,
				OutputTokens: 20,
			},
			StopReason: "max_tokens",
			Model:      "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	res, err := p.Generate(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if res.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", res.Content)
	}
	if res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 20 || res.Usage.TotalTokens != 30 {
		t.Errorf("Unexpected usage: %+v", res.Usage)
	}
	if res.FinishReason != provider.FinishLength {
		t.Errorf("Expected finish reason length, got %s", res.FinishReason)
	}
}

func TestName(t *testing.T) {
	p := New(provider.Config{})
	if p.Name() != "anthropic" {
		t.Errorf("Expected 'anthropic', got %s", p.Name())
	}
	p = New(provider.Config{Name: "claude"})
	if p.Name() != "claude" {
		t.Errorf("Expected configured name 'claude', got %s", p.Name())
	}
}

func TestSystemPromptMapping(t *testing.T) {
	var capturedReq claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &capturedReq)

		resp := claudeResponse{
			ID:      "msg_123",
			Content: []claudeContent{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	_, err := p.Generate(context.Background(), &provider.Request{
		Prompt:       "hi",
		SystemPrompt: "You are a helpful assistant.",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if capturedReq.System != "You are a helpful assistant." {
		t.Errorf("Expected system prompt to be sent as system field, got %s", capturedReq.System)
	}
	if len(capturedReq.Messages) != 1 || capturedReq.Messages[0].Role != "user" {
		t.Errorf("Expected a single user message, got %+v", capturedReq.Messages)
	}
	if capturedReq.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", defaultMaxTokens, capturedReq.MaxTokens)
	}
	if capturedReq.Model != defaultModel {
		t.Errorf("Expected default model, got %s", capturedReq.Model)
	}
}

func TestGenerate_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(claudeResponse{ID: "msg_empty"})
	}))
	defer server.Close()

	if _, err := newTestProvider(server.URL).Generate(context.Background(), &provider.Request{Prompt: "hi"}); err == nil {
		t.Fatal("Expected error when no content is returned")
	}
}
