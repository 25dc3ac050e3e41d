// Package config loads and validates runtime configuration for the router.
//
// Configuration is read from environment variables, an optional .env file
// and an optional config.yaml in the working directory. Environment
// variables take precedence over the YAML file. Env vars use
// UPPER_SNAKE_CASE; the YAML file uses the same names.
//
// List values (PROVIDER_ORDER, SMART_KEYWORDS, CORS_ORIGINS, ...) are comma
// separated in the environment and may be YAML sequences in the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-router/internal/router"
)

// Provider kinds accepted in PROVIDER_ORDER.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// autoOrder is the pool order used when PROVIDER_ORDER is unset: local
// first, then hosted providers that have credentials.
var autoOrder = []string{ProviderOllama, ProviderOpenAI, ProviderGemini, ProviderAnthropic}

type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string
	// LogFormat is json or console. Default: json.
	LogFormat string

	Routing RoutingConfig

	// ProviderOrder is the pool in order; index 0 is the primary.
	ProviderOrder []string

	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Ollama    ProviderConfig

	// ModelAliases adds aliases to models a provider already registers,
	// parsed from MODEL_ALIASES="llama2=llama|l2,gpt-4o=4o".
	ModelAliases map[string][]string

	Redis          RedisConfig
	Cache          CacheConfig
	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimitConfig

	// HealthInterval is the background provider probe period. Default: 30s.
	HealthInterval time.Duration

	// CORSOrigins lists allowed origins; ["*"] allows any. Default: ["*"].
	CORSOrigins []string
}

// RoutingConfig maps onto router.Options.
type RoutingConfig struct {
	Strategy             router.Strategy
	MaxRetries           int
	Timeout              time.Duration
	RetryBackoff         time.Duration
	SkipTerminalRetries  bool
	VerifyConcurrent     bool
	VerifyThreshold      float64
	SmartLengthThreshold int
	SmartKeywords        []string
}

type ProviderConfig struct {
	APIKey string
	// BaseURL overrides the provider endpoint. Setting it for openai enables
	// keyless OpenAI-compatible servers.
	BaseURL         string
	EmbeddingModel  string
	CompletionModel string
}

type RedisConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL string
}

type CacheConfig struct {
	// Mode is redis, memory or none. Default: memory.
	Mode string
	// TTL of cached embeddings. Default: 24h.
	TTL time.Duration
	// MaxEntries bounds the memory backend. Default: 100000.
	MaxEntries int
	// Exclude lists models never cached; /regex/ entries are patterns.
	Exclude []string
}

type CircuitBreakerConfig struct {
	Enabled         bool
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

type RateLimitConfig struct {
	// RPMLimit is the per-client requests per minute. 0 disables limiting.
	RPMLimit int
}

// Load reads and validates configuration.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ROUTING_STRATEGY", router.DefaultStrategy.String())
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("TIMEOUT_SECONDS", 30)
	v.SetDefault("RETRY_BACKOFF", "1s")
	v.SetDefault("RETRY_SKIP_TERMINAL", false)
	v.SetDefault("VERIFY_CONCURRENT", false)
	v.SetDefault("VERIFY_THRESHOLD", router.DefaultDivergenceThreshold)
	v.SetDefault("SMART_LENGTH_THRESHOLD", router.DefaultSmartLengthThreshold)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "24h")
	v.SetDefault("CACHE_MAX_ENTRIES", 100_000)

	v.SetDefault("CB_ENABLED", true)
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("HEALTH_INTERVAL", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	strategy, err := router.ParseStrategy(v.GetString("ROUTING_STRATEGY"))
	if err != nil {
		return nil, fmt.Errorf("config: ROUTING_STRATEGY: %w", err)
	}

	aliases, err := ParseModelAliases(v.GetString("MODEL_ALIASES"))
	if err != nil {
		return nil, err
	}

	keywords := list(v, "SMART_KEYWORDS")
	if len(keywords) == 0 {
		keywords = router.DefaultSmartKeywords
	}

	cors := list(v, "CORS_ORIGINS")
	if len(cors) == 0 {
		cors = []string{"*"}
	}

	cfg := &Config{
		Port:      v.GetInt("PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),

		Routing: RoutingConfig{
			Strategy:             strategy,
			MaxRetries:           v.GetInt("MAX_RETRIES"),
			Timeout:              time.Duration(v.GetInt("TIMEOUT_SECONDS")) * time.Second,
			RetryBackoff:         v.GetDuration("RETRY_BACKOFF"),
			SkipTerminalRetries:  v.GetBool("RETRY_SKIP_TERMINAL"),
			VerifyConcurrent:     v.GetBool("VERIFY_CONCURRENT"),
			VerifyThreshold:      v.GetFloat64("VERIFY_THRESHOLD"),
			SmartLengthThreshold: v.GetInt("SMART_LENGTH_THRESHOLD"),
			SmartKeywords:        keywords,
		},

		OpenAI: ProviderConfig{
			APIKey:          v.GetString("OPENAI_API_KEY"),
			BaseURL:         v.GetString("OPENAI_BASE_URL"),
			EmbeddingModel:  v.GetString("OPENAI_EMBEDDING_MODEL"),
			CompletionModel: v.GetString("OPENAI_COMPLETION_MODEL"),
		},
		Anthropic: ProviderConfig{
			APIKey:          v.GetString("ANTHROPIC_API_KEY"),
			BaseURL:         v.GetString("ANTHROPIC_BASE_URL"),
			CompletionModel: v.GetString("ANTHROPIC_COMPLETION_MODEL"),
		},
		Gemini: ProviderConfig{
			APIKey:          v.GetString("GOOGLE_API_KEY"),
			BaseURL:         v.GetString("GEMINI_BASE_URL"),
			EmbeddingModel:  v.GetString("GEMINI_EMBEDDING_MODEL"),
			CompletionModel: v.GetString("GEMINI_COMPLETION_MODEL"),
		},
		Ollama: ProviderConfig{
			BaseURL:         v.GetString("OLLAMA_BASE_URL"),
			EmbeddingModel:  v.GetString("OLLAMA_EMBEDDING_MODEL"),
			CompletionModel: v.GetString("OLLAMA_COMPLETION_MODEL"),
		},

		ModelAliases: aliases,

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:        v.GetDuration("CACHE_TTL"),
			MaxEntries: v.GetInt("CACHE_MAX_ENTRIES"),
			Exclude:    list(v, "CACHE_EXCLUDE"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:         v.GetBool("CB_ENABLED"),
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		HealthInterval: v.GetDuration("HEALTH_INTERVAL"),
		CORSOrigins:    cors,
	}

	cfg.ProviderOrder = normalizeOrder(list(v, "PROVIDER_ORDER"))
	if len(cfg.ProviderOrder) == 0 {
		cfg.ProviderOrder = cfg.configuredProviders()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the constraints defaults cannot express.
func (c *Config) validate() error {
	if len(c.ProviderOrder) == 0 {
		return errors.New(
			"config: no providers configured; set PROVIDER_ORDER or one of " +
				"OLLAMA_BASE_URL, OPENAI_API_KEY, OPENAI_BASE_URL, GOOGLE_API_KEY, ANTHROPIC_API_KEY",
		)
	}

	seen := make(map[string]bool, len(c.ProviderOrder))
	for _, name := range c.ProviderOrder {
		if seen[name] {
			return fmt.Errorf("config: provider %q listed twice in PROVIDER_ORDER", name)
		}
		seen[name] = true

		switch name {
		case ProviderOllama:
		case ProviderOpenAI:
			if c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
				return errors.New("config: openai requires OPENAI_API_KEY or OPENAI_BASE_URL")
			}
		case ProviderAnthropic:
			if c.Anthropic.APIKey == "" {
				return errors.New("config: anthropic requires ANTHROPIC_API_KEY")
			}
		case ProviderGemini:
			if c.Gemini.APIKey == "" {
				return errors.New("config: gemini requires GOOGLE_API_KEY")
			}
		default:
			return fmt.Errorf(
				"config: unknown provider %q in PROVIDER_ORDER; must be one of: ollama, openai, anthropic, gemini",
				name,
			)
		}
	}

	if c.Routing.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Routing.MaxRetries)
	}
	if c.Routing.Timeout < time.Second {
		return fmt.Errorf("config: TIMEOUT_SECONDS must be ≥ 1, got %s", c.Routing.Timeout)
	}
	if c.Routing.RetryBackoff < 0 {
		return errors.New("config: RETRY_BACKOFF must not be negative")
	}
	if c.Routing.VerifyThreshold < -1 || c.Routing.VerifyThreshold > 1 {
		return fmt.Errorf("config: VERIFY_THRESHOLD must be within [-1, 1], got %g", c.Routing.VerifyThreshold)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return errors.New(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("config: invalid LOG_FORMAT %q; must be json or console", c.LogFormat)
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.ErrorThreshold < 1 {
			return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
		}
		if c.CircuitBreaker.TimeWindow <= 0 {
			return errors.New("config: CB_TIME_WINDOW must be a positive duration")
		}
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must not be negative, got %d", c.RateLimit.RPMLimit)
	}

	return nil
}

// configuredProviders derives the pool from whichever providers have
// settings, in autoOrder.
func (c *Config) configuredProviders() []string {
	var out []string
	for _, name := range autoOrder {
		ok := false
		switch name {
		case ProviderOllama:
			ok = c.Ollama.BaseURL != ""
		case ProviderOpenAI:
			ok = c.OpenAI.APIKey != "" || c.OpenAI.BaseURL != ""
		case ProviderGemini:
			ok = c.Gemini.APIKey != ""
		case ProviderAnthropic:
			ok = c.Anthropic.APIKey != ""
		}
		if ok {
			out = append(out, name)
		}
	}
	return out
}

// ParseModelAliases parses "model=alias1|alias2,other=alias".
func ParseModelAliases(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		model, rest, ok := strings.Cut(entry, "=")
		model = strings.TrimSpace(model)
		if !ok || model == "" {
			return nil, fmt.Errorf("config: MODEL_ALIASES entry %q must look like model=alias1|alias2", entry)
		}
		for _, a := range strings.Split(rest, "|") {
			if a = strings.TrimSpace(a); a != "" {
				out[model] = append(out[model], a)
			}
		}
	}
	return out, nil
}

// list reads a comma-separated env value or a YAML sequence.
func list(v *viper.Viper, key string) []string {
	raw := v.GetString(key)
	if raw == "" {
		return v.GetStringSlice(key)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeOrder(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
