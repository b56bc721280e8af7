// Package config loads and validates all runtime configuration for the batcher.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GOOGLE_API_KEY becomes
// google_api_key in YAML.
//
// The API key for the selected upstream provider is the only hard
// requirement. Redis and ClickHouse are optional: set STORE_MODE=file to
// keep history on disk with no external dependencies.
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
	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream selects the generation backend and its model.
	Upstream UpstreamConfig

	// Provider API keys and endpoint overrides. Only the key of the selected
	// upstream provider is required.
	Gemini    ProviderConfig
	OpenAI    ProviderConfig
	Anthropic ProviderConfig

	// DataDir holds settings.json and, in file mode, chats.json.
	// Default: "data".
	DataDir string

	// LogDir holds the human-readable wire and request logs. Default: "logs".
	LogDir string

	// Store controls the chat history backend.
	Store StoreConfig

	// ClickHouseURL enables the ClickHouse completion-record sink when set.
	// Example: clickhouse://default:@localhost:9000/batcher
	ClickHouseURL string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig selects the generation backend.
type UpstreamConfig struct {
	// Provider is one of: gemini, openai, anthropic. Default: "gemini".
	Provider string

	// Model is the provider model name. Defaults per provider:
	// gemini-2.0-flash, gpt-4o-mini, claude-3-5-haiku-latest.
	Model string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// StoreConfig controls the chat history backend.
type StoreConfig struct {
	// Mode selects the backend:
	//   "file"  — JSON file under DataDir. No external deps.
	//   "redis" — Redis list (requires REDIS_URL). Shared across replicas.
	// Default: "file".
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	RedisURL string
}

// Default models per provider.
const (
	defaultGeminiModel    = "gemini-2.0-flash"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-3-5-haiku-latest"
)

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
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
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("UPSTREAM_PROVIDER", "gemini")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("LOG_DIR", "logs")
	v.SetDefault("STORE_MODE", "file")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			Provider: strings.ToLower(v.GetString("UPSTREAM_PROVIDER")),
			Model:    v.GetString("UPSTREAM_MODEL"),
		},

		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},

		DataDir: v.GetString("DATA_DIR"),
		LogDir:  v.GetString("LOG_DIR"),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if cfg.Upstream.Model == "" {
		switch cfg.Upstream.Provider {
		case "openai":
			cfg.Upstream.Model = defaultOpenAIModel
		case "anthropic":
			cfg.Upstream.Model = defaultAnthropicModel
		default:
			cfg.Upstream.Model = defaultGeminiModel
		}
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Upstream.Provider {
	case "gemini", "openai", "anthropic":
	default:
		return fmt.Errorf(
			"config: invalid UPSTREAM_PROVIDER %q; must be one of: gemini, openai, anthropic",
			c.Upstream.Provider,
		)
	}

	// The selected provider needs a key. The settings store may replace it at
	// runtime, but starting without one would fail the first batch.
	if c.UpstreamAPIKey() == "" {
		return fmt.Errorf(
			"config: no API key for UPSTREAM_PROVIDER=%s "+
				"(set GOOGLE_API_KEY, OPENAI_API_KEY, or ANTHROPIC_API_KEY to match)",
			c.Upstream.Provider,
		)
	}

	if c.Store.Mode == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=file to keep history on disk",
		)
	}
	switch c.Store.Mode {
	case "file", "redis":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: file, redis",
			c.Store.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	return nil
}

// UpstreamAPIKey returns the configured key for the selected provider.
func (c *Config) UpstreamAPIKey() string {
	switch c.Upstream.Provider {
	case "openai":
		return c.OpenAI.APIKey
	case "anthropic":
		return c.Anthropic.APIKey
	default:
		return c.Gemini.APIKey
	}
}

// UpstreamBaseURL returns the endpoint override for the selected provider.
func (c *Config) UpstreamBaseURL() string {
	switch c.Upstream.Provider {
	case "openai":
		return c.OpenAI.BaseURL
	case "anthropic":
		return c.Anthropic.BaseURL
	default:
		return c.Gemini.BaseURL
	}
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
