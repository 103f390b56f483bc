package factory

import (
	"fmt"

	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/provider/claude"
	"github.com/vnmchuo/genroute/internal/provider/echo"
	"github.com/vnmchuo/genroute/internal/provider/gemini"
	"github.com/vnmchuo/genroute/internal/provider/openai"
)

// Build constructs the adapter for kind. Every provider.Kind must have a case.
func Build(kind provider.Kind, cfg provider.Config) (provider.Adapter, error) {
	switch kind {
	case provider.KindOpenAI:
		return openai.New(cfg), nil
	case provider.KindAnthropic:
		return claude.New(cfg), nil
	case provider.KindGemini:
		return gemini.New(cfg), nil
	case provider.KindEcho:
		return echo.New(cfg), nil
	}
	return nil, fmt.Errorf("unknown provider kind: %q", kind)
}
