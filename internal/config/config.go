// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DeepSeek, Moonshot and Zai are the OpenAI-compatible upstream providers.
	DeepSeek ProviderConfig
	Moonshot ProviderConfig
	Zai      ProviderConfig

	// Test enables the synthetic in-process provider used for benchmarking
	// and local development when no real provider keys are configured.
	Test TestProviderConfig

	// Backend is the out-of-process authority (key verification + usage
	// settlement) reachable at BACKEND_URL.
	Backend BackendConfig

	// Redis holds the connection URL for the Redis-backed edge KV. Required
	// only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the edge KV backend (key store + models list cache).
	Cache CacheConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single OpenAI-compatible provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL is the provider's chat-completions-compatible API root.
	BaseURL string

	// AllowedModels restricts which model names may be routed to this
	// provider. Empty means unrestricted (spec §4.6 step 3).
	AllowedModels []string
}

// TestProviderConfig enables the synthetic Test provider.
type TestProviderConfig struct {
	Enabled bool
}

// BackendConfig holds the authority service's connection details.
type BackendConfig struct {
	// URL is the authority's base URL (BACKEND_URL).
	URL string
	// InternalSecret is the bearer token for internal/* authority endpoints.
	InternalSecret string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the edge KV backend.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	// Default: "memory".
	Mode string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one of DeepSeek, Moonshot, Zai or the Test provider must be
// configured. REDIS_URL is only required when CACHE_MODE=redis.
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
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("TEST_PROVIDER_ENABLED", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DeepSeek: ProviderConfig{
			APIKey:        v.GetString("DEEPSEEK_API_KEY"),
			BaseURL:       v.GetString("DEEPSEEK_BASE_URL"),
			AllowedModels: v.GetStringSlice("DEEPSEEK_ALLOWED_MODELS"),
		},
		Moonshot: ProviderConfig{
			APIKey:        v.GetString("MOONSHOT_API_KEY"),
			BaseURL:       v.GetString("MOONSHOT_BASE_URL"),
			AllowedModels: v.GetStringSlice("MOONSHOT_ALLOWED_MODELS"),
		},
		Zai: ProviderConfig{
			APIKey:        v.GetString("ZAI_API_KEY"),
			BaseURL:       v.GetString("ZAI_BASE_URL"),
			AllowedModels: v.GetStringSlice("ZAI_ALLOWED_MODELS"),
		},

		Test: TestProviderConfig{Enabled: v.GetBool("TEST_PROVIDER_ENABLED")},

		Backend: BackendConfig{
			URL:            v.GetString("BACKEND_URL"),
			InternalSecret: v.GetString("INTERNAL_SECRET"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderConfigured() {
		return fmt.Errorf(
			"config: at least one provider must be configured " +
				"(DEEPSEEK_API_KEY, MOONSHOT_API_KEY, ZAI_API_KEY, or TEST_PROVIDER_ENABLED=true)",
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory", c.Cache.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	// Backend.URL/InternalSecret are intentionally not required here: a dev
	// deployment may run the Test provider only, and the key store and
	// settlement consumer already nack/fail gracefully when unconfigured
	// (spec §4.2, §4.8) rather than refusing to start.

	return nil
}

// AtLeastOneProviderConfigured returns true if at least one real provider key
// is set or the synthetic Test provider is enabled.
func (c *Config) AtLeastOneProviderConfigured() bool {
	return c.DeepSeek.APIKey != "" || c.Moonshot.APIKey != "" || c.Zai.APIKey != "" || c.Test.Enabled
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
