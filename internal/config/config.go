// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. A .env file, when
// present, is loaded into the process environment first; variables that are
// already set win over it. Environment variables take precedence over YAML.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_PATH becomes
// database_path in YAML.
//
// Nothing is strictly required: the defaults run a single node against a
// local Ollama with an in-process rate limiter and gateway.db in the working
// directory.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-meter/internal/providers"
	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
)

// Rate limiter store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	Database DatabaseConfig

	// DefaultBackend serves models that have no usable endpoint and model
	// ids with no record at all.
	DefaultBackend BackendConfig

	RateLimit RateLimitConfig

	// Redis is required only when RateLimit.Store is "redis".
	Redis RedisConfig

	Timeouts TimeoutConfig

	Billing BillingConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

type DatabaseConfig struct {
	// Path is the SQLite file. Default: gateway.db.
	Path string
}

// BackendConfig describes the fallback upstream.
type BackendConfig struct {
	// URL is the API root, e.g. http://localhost:11434/v1.
	URL string
	// APIKey is sent upstream when set.
	APIKey string
	// Kind selects the wire protocol: openai, ollama, anthropic or gemini.
	// Default: ollama.
	Kind string
}

type RateLimitConfig struct {
	// Store selects where counters live:
	//   "memory": in-process; limits are per replica.
	//   "redis":  shared across replicas (requires REDIS_URL).
	// Default: "memory".
	Store string

	// DefaultKeyLimit applies to keys without their own limit, in
	// "<count>/<s|m|h|d>" form. Default: 60/m.
	DefaultKeyLimit string

	// DefaultKeySpec is DefaultKeyLimit parsed by validate.
	DefaultKeySpec ratelimit.Spec
}

type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

type TimeoutConfig struct {
	// Provider bounds a non-streaming upstream call. Default: 60s.
	Provider time.Duration
	// Stream bounds a whole streaming response. Default: 10m.
	Stream time.Duration
}

// BillingConfig sizes the settlement queue.
type BillingConfig struct {
	// Workers settling in parallel. Default: 4.
	Workers int
	// QueueSize is the buffer before overflow settles on its own goroutine.
	// Default: 1024.
	QueueSize int
	// Timeout bounds one settlement. Default: 10s.
	Timeout time.Duration
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_PATH", "gateway.db")

	v.SetDefault("DEFAULT_BACKEND_URL", "http://localhost:11434/v1")
	v.SetDefault("DEFAULT_BACKEND_KIND", providers.KindOllama)

	v.SetDefault("RATELIMIT_STORE", StoreMemory)
	v.SetDefault("DEFAULT_KEY_RATE_LIMIT", ratelimit.DefaultKeySpec)

	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("STREAM_TIMEOUT", "10m")

	v.SetDefault("BILLING_WORKERS", 4)
	v.SetDefault("BILLING_QUEUE_SIZE", 1024)
	v.SetDefault("BILLING_TIMEOUT", "10s")

	v.SetDefault("CORS_ORIGINS", "*")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Database: DatabaseConfig{Path: v.GetString("DATABASE_PATH")},

		DefaultBackend: BackendConfig{
			URL:    strings.TrimSpace(v.GetString("DEFAULT_BACKEND_URL")),
			APIKey: v.GetString("DEFAULT_BACKEND_API_KEY"),
			Kind:   strings.ToLower(v.GetString("DEFAULT_BACKEND_KIND")),
		},

		RateLimit: RateLimitConfig{
			Store:           strings.ToLower(v.GetString("RATELIMIT_STORE")),
			DefaultKeyLimit: v.GetString("DEFAULT_KEY_RATE_LIMIT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Timeouts: TimeoutConfig{
			Provider: v.GetDuration("PROVIDER_TIMEOUT"),
			Stream:   v.GetDuration("STREAM_TIMEOUT"),
		},

		Billing: BillingConfig{
			Workers:   v.GetInt("BILLING_WORKERS"),
			QueueSize: v.GetInt("BILLING_QUEUE_SIZE"),
			Timeout:   v.GetDuration("BILLING_TIMEOUT"),
		},

		CORSOrigins: splitList(v.GetStringSlice("CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	if c.Database.Path == "" {
		return errors.New("config: DATABASE_PATH must not be empty")
	}

	if !providers.KnownKind(c.DefaultBackend.Kind) {
		return fmt.Errorf(
			"config: invalid DEFAULT_BACKEND_KIND %q; must be one of: %s, %s, %s, %s",
			c.DefaultBackend.Kind,
			providers.KindOpenAI, providers.KindOllama, providers.KindAnthropic, providers.KindGemini,
		)
	}
	if err := checkURL(c.DefaultBackend.URL); err != nil {
		return fmt.Errorf("config: invalid DEFAULT_BACKEND_URL: %w", err)
	}

	spec, err := ratelimit.ParseSpec(c.RateLimit.DefaultKeyLimit)
	if err != nil {
		return fmt.Errorf("config: invalid DEFAULT_KEY_RATE_LIMIT: %w", err)
	}
	c.RateLimit.DefaultKeySpec = spec

	switch c.RateLimit.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.URL == "" {
			return errors.New(
				"config: REDIS_URL is required when RATELIMIT_STORE=redis; " +
					"set RATELIMIT_STORE=memory to keep counters in process",
			)
		}
	default:
		return fmt.Errorf(
			"config: invalid RATELIMIT_STORE %q; must be one of: memory, redis",
			c.RateLimit.Store,
		)
	}

	if c.Timeouts.Provider <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Timeouts.Stream <= 0 {
		return errors.New("config: STREAM_TIMEOUT must be a positive duration")
	}

	if c.Billing.Workers < 1 {
		return fmt.Errorf("config: BILLING_WORKERS must be ≥ 1, got %d", c.Billing.Workers)
	}
	if c.Billing.QueueSize < 1 {
		return fmt.Errorf("config: BILLING_QUEUE_SIZE must be ≥ 1, got %d", c.Billing.QueueSize)
	}
	if c.Billing.Timeout <= 0 {
		return errors.New("config: BILLING_TIMEOUT must be a positive duration")
	}

	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
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
