package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/genroute/internal/provider"
)

type catalogFile struct {
	Providers []Descriptor `yaml:"providers"`
}

// DefaultCatalog mirrors the published list prices of the built-in adapters.
func DefaultCatalog() []Descriptor {
	return []Descriptor{
		{
			Name: "openai", Kind: provider.KindOpenAI, Model: "gpt-4o-mini",
			CostPerMTokenIn: 0.15, CostPerMTokenOut: 0.60, TypicalLatencyMs: 900,
			Capabilities: []string{"chat", "json", "tools"},
		},
		{
			Name: "anthropic", Kind: provider.KindAnthropic, Model: "claude-3-5-haiku-20241022",
			CostPerMTokenIn: 0.80, CostPerMTokenOut: 4.00, TypicalLatencyMs: 1100,
			Capabilities: []string{"chat", "long_context", "tools"},
		},
		{
			Name: "gemini", Kind: provider.KindGemini, Model: "gemini-2.0-flash",
			CostPerMTokenIn: 0.125, CostPerMTokenOut: 0.375, TypicalLatencyMs: 700,
			Capabilities: []string{"chat", "long_context", "vision"},
		},
	}
}

// LoadCatalog reads provider descriptors from a YAML file. An empty path yields
// DefaultCatalog.
func LoadCatalog(path string) ([]Descriptor, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("provider catalog %s lists no providers", path)
	}
	for i := range f.Providers {
		if f.Providers[i].Kind == "" {
			f.Providers[i].Kind = provider.Kind(f.Providers[i].Name)
		}
	}
	return f.Providers, nil
}

// MarkConfigured sets Configured on every descriptor whose kind has credentials.
func MarkConfigured(descs []Descriptor, credentialed func(provider.Kind) bool) []Descriptor {
	out := make([]Descriptor, len(descs))
	for i, d := range descs {
		d.Configured = credentialed(d.Kind)
		out[i] = d
	}
	return out
}
