package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Collection CollectionConfig
	AI         AIConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Database   DatabaseConfig
}

// CollectionConfig holds scheduler defaults applied when a job does not set them.
type CollectionConfig struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	GlobalTimeout  time.Duration
	RetryDelay     time.Duration
}

// AIConfig holds provider credentials and retry defaults.
type AIConfig struct {
	Provider        string
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaBaseURL   string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// MetricsConfig controls the prometheus textfile export and, for `digest
// watch`, the HTTP listener serving /metrics and /healthz.
type MetricsConfig struct {
	TextfilePath string
	ListenAddr   string
}

// DatabaseConfig points at the PostgreSQL database holding run history.
// Either URL or a Cloud SQL instance with User and Name must be set for
// history to be persisted; otherwise it stays in memory.
type DatabaseConfig struct {
	URL      string
	Instance string
	User     string
	Password string
	Name     string
}

// Enabled reports whether a database was configured.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.Instance != ""
}

const (
	defaultMaxConcurrency = 4
	defaultTaskTimeout    = 30 * time.Second

	defaultProvider   = "openai"
	defaultModel      = "gpt-4o-mini"
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second

	defaultLogFormat = "json"
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	cfg := Config{
		Collection: CollectionConfig{
			MaxConcurrency: defaultMaxConcurrency,
			TaskTimeout:    defaultTaskTimeout,
		},
		AI: AIConfig{
			Provider:        getEnv("DIGEST_AI_PROVIDER", defaultProvider),
			Model:           getEnv("OPENAI_MODEL", defaultModel),
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
			OllamaBaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
			MaxRetries:      defaultMaxRetries,
			BaseDelay:       defaultBaseDelay,
			MaxDelay:        defaultMaxDelay,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Metrics: MetricsConfig{
			TextfilePath: os.Getenv("DIGEST_METRICS_FILE"),
			ListenAddr:   os.Getenv("DIGEST_METRICS_ADDR"),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DIGEST_DATABASE_URL"),
			Instance: os.Getenv("INSTANCE_CONNECTION_NAME"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
		},
	}

	if v := os.Getenv("DIGEST_MAX_CONCURRENCY"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DIGEST_MAX_CONCURRENCY: %w", err)
		}
		cfg.Collection.MaxConcurrency = n
	}

	if v := os.Getenv("DIGEST_TASK_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DIGEST_TASK_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Collection.TaskTimeout = d
	}

	if v := os.Getenv("DIGEST_GLOBAL_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DIGEST_GLOBAL_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Collection.GlobalTimeout = d
	}

	if v := os.Getenv("DIGEST_RETRY_DELAY_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DIGEST_RETRY_DELAY_MS: %w", err)
		}
		cfg.Collection.RetryDelay = d
	}

	if v := os.Getenv("DIGEST_AI_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid DIGEST_AI_MAX_RETRIES: must be a non-negative integer")
		}
		cfg.AI.MaxRetries = n
	}

	if v := os.Getenv("DIGEST_AI_BASE_DELAY_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DIGEST_AI_BASE_DELAY_MS: %w", err)
		}
		cfg.AI.BaseDelay = d
	}

	if v := os.Getenv("DIGEST_AI_MAX_DELAY_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DIGEST_AI_MAX_DELAY_MS: %w", err)
		}
		cfg.AI.MaxDelay = d
	}

	if cfg.AI.MaxDelay < cfg.AI.BaseDelay {
		return Config{}, fmt.Errorf("DIGEST_AI_MAX_DELAY_MS must not be lower than DIGEST_AI_BASE_DELAY_MS")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	return cfg, nil
}

// APIKeyFor returns the environment-provided key for a provider, if any.
func (c AIConfig) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	default:
		return ""
	}
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseMillis(raw string) (time.Duration, error) {
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
