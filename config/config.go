package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/genroute/internal/circuit"
	"github.com/vnmchuo/genroute/internal/provider"
	"github.com/vnmchuo/genroute/internal/registry"
	"github.com/vnmchuo/genroute/pkg/ratelimit"
)

const heuristicEncoding = "heuristic"

type Config struct {
	// Server
	Port string // default: 8080

	// Storage. Both are optional; in-memory stores are used when empty.
	PostgresDSN string
	RedisAddr   string

	// Providers
	OpenAIAPIKey       string
	GeminiAPIKey       string
	AnthropicAPIKey    string
	ProviderCatalog    string // YAML file; empty uses the built-in catalog
	EnableEchoProvider bool
	TokenEncoding      string // tiktoken encoding name, or "heuristic"

	// Routing
	RoutingStrategy registry.Strategy
	EnableFallback  bool
	MaxRetries      int

	// Approval
	AutoApproveThresholdUSD float64
	SensitiveKeywords       []string
	ApprovalTokenLimit      int

	Circuit circuit.Settings

	// Rate Limiting
	RateLimits          map[ratelimit.Layer]ratelimit.Rule
	DefaultRateLimitTPM int64 // tokens per minute per user, 0 disables

	// Cache
	CacheTTL          time.Duration
	CacheSingleFlight bool

	// Workflows
	WorkflowDir         string
	WorkerConcurrency   int
	WorkerQueueSize     int
	MaintenanceInterval time.Duration
	RunSeed             bool

	// Observability
	LogLevel             string
	LogFormat            string  // "json" or "text"
	OTELExporterType     string  // "stdout", "otlp" or "none"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // fraction of root spans kept, default 1
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		ProviderCatalog:      os.Getenv("PROVIDER_CATALOG"),
		TokenEncoding:        getEnv("TOKEN_ENCODING", heuristicEncoding),
		WorkflowDir:          os.Getenv("WORKFLOW_DIR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		SensitiveKeywords:    splitList(getEnv("SENSITIVE_KEYWORDS", "password,secret,api key,ssn,credit card")),
	}

	var err error
	strategy, err := registry.ParseStrategy(getEnv("ROUTING_STRATEGY", string(registry.StrategyCheapest)))
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTING_STRATEGY: %w", err)
	}
	if strategy == registry.StrategySpecified {
		return nil, fmt.Errorf("invalid ROUTING_STRATEGY: %q needs a provider per request and cannot be the default", strategy)
	}
	cfg.RoutingStrategy = strategy

	if cfg.EnableEchoProvider, err = parseBool("ENABLE_ECHO_PROVIDER", false); err != nil {
		return nil, err
	}
	if cfg.EnableFallback, err = parseBool("ENABLE_FALLBACK", true); err != nil {
		return nil, err
	}
	if cfg.CacheSingleFlight, err = parseBool("CACHE_SINGLE_FLIGHT", false); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = parseBool("RUN_SEED", false); err != nil {
		return nil, err
	}

	if cfg.MaxRetries, err = parseInt("MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.ApprovalTokenLimit, err = parseInt("APPROVAL_TOKEN_LIMIT", 100_000); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = parseInt("WORKER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.WorkerQueueSize, err = parseInt("WORKER_QUEUE_SIZE", 128); err != nil {
		return nil, err
	}

	if cfg.AutoApproveThresholdUSD, err = parseFloat("AUTO_APPROVE_THRESHOLD_USD", 0.10); err != nil {
		return nil, err
	}
	if cfg.OTELSampleRatio, err = parseFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if cfg.CacheTTL, err = parseDuration("CACHE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaintenanceInterval, err = parseDuration("MAINTENANCE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if cfg.Circuit, err = loadCircuit(); err != nil {
		return nil, err
	}
	if cfg.RateLimits, err = loadRateLimits(); err != nil {
		return nil, err
	}

	// Validation
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if cfg.AutoApproveThresholdUSD < 0 {
		return nil, fmt.Errorf("AUTO_APPROVE_THRESHOLD_USD must not be negative")
	}
	if cfg.OTELSampleRatio < 0 || cfg.OTELSampleRatio > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}

	return cfg, nil
}

func loadCircuit() (circuit.Settings, error) {
	d := circuit.DefaultSettings()
	var s circuit.Settings
	var err error
	if s.WindowSize, err = parseInt("CIRCUIT_WINDOW_SIZE", d.WindowSize); err != nil {
		return s, err
	}
	if s.MinSamples, err = parseInt("CIRCUIT_MIN_SAMPLES", d.MinSamples); err != nil {
		return s, err
	}
	if s.FailureThreshold, err = parseFloat("CIRCUIT_FAILURE_THRESHOLD", d.FailureThreshold); err != nil {
		return s, err
	}
	if s.Cooldown, err = parseDuration("CIRCUIT_COOLDOWN", d.Cooldown); err != nil {
		return s, err
	}
	if s.HalfOpenMaxAttempts, err = parseInt("CIRCUIT_HALF_OPEN_MAX_ATTEMPTS", d.HalfOpenMaxAttempts); err != nil {
		return s, err
	}
	if s.SlowCallThreshold, err = parseDuration("CIRCUIT_SLOW_CALL_THRESHOLD", d.SlowCallThreshold); err != nil {
		return s, err
	}
	return s, nil
}

// loadRateLimits reads RATE_LIMIT_<LAYER> as "count/window", e.g. "100/60s".
// "off" removes the layer.
func loadRateLimits() (map[ratelimit.Layer]ratelimit.Rule, error) {
	rules := ratelimit.DefaultRules()
	for _, layer := range ratelimit.Layers {
		key := "RATE_LIMIT_" + strings.ToUpper(string(layer))
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if strings.EqualFold(v, "off") {
			delete(rules, layer)
			continue
		}
		rule, err := ratelimit.ParseRule(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		rules[layer] = rule
	}
	return rules, nil
}

// APIKey returns the credential for kind. Echo needs none.
func (c *Config) APIKey(kind provider.Kind) string {
	switch kind {
	case provider.KindOpenAI:
		return c.OpenAIAPIKey
	case provider.KindAnthropic:
		return c.AnthropicAPIKey
	case provider.KindGemini:
		return c.GeminiAPIKey
	}
	return ""
}

// Credentialed reports whether adapters of kind can be built.
func (c *Config) Credentialed(kind provider.Kind) bool {
	if kind == provider.KindEcho {
		return c.EnableEchoProvider
	}
	return c.APIKey(kind) != ""
}

func (c *Config) UseTiktoken() bool {
	return c.TokenEncoding != "" && c.TokenEncoding != heuristicEncoding
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
