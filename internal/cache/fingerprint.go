package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/vnmchuo/genroute/internal/provider"
)

// AutoProvider keys requests that let the router pick the provider.
const AutoProvider = "auto"

type fingerprintInput struct {
	Prompt        string   `json:"prompt"`
	SystemPrompt  string   `json:"systemPrompt"`
	Temperature   float64  `json:"temperature"`
	MaxTokens     int      `json:"maxTokens"`
	StopSequences []string `json:"stopSequences"`
	Model         string   `json:"model"`
	Provider      string   `json:"provider"`
}

// Fingerprint derives the cache key for a request. Struct field order fixes
// the JSON layout, so equal inputs always hash equally. An empty model keys
// apart from an explicit one even when it resolves to the same default.
func Fingerprint(req *provider.Request, providerName string) string {
	if providerName == "" {
		providerName = AutoProvider
	}
	var stops []string
	if len(req.StopSequences) > 0 {
		stops = req.StopSequences
	}
	payload, _ := json.Marshal(fingerprintInput{
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		StopSequences: stops,
		Model:         req.Model,
		Provider:      providerName,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
