// Package config loads application configuration with multi-source priority.
//
// Sources (highest to lowest):
//  1. Environment variables (runtime override)
//  2. Config file (~/.relay/config.yaml or ./config.yaml)
//  3. Defaults
//
// Sensitive values (the PostgreSQL password) are masked in MarshalJSON and
// String, so a logged Config never leaks credentials. Validation is fail-fast:
// Load returns an error before any component sees a bad value.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for errors.Is checks on validation failures.
var (
	ErrNoProviders           = errors.New("at least one provider is required")
	ErrInvalidProvider       = errors.New("invalid provider entry")
	ErrDuplicateProvider     = errors.New("duplicate provider ID")
	ErrInvalidTemperature    = errors.New("invalid temperature")
	ErrInvalidMaxTokens      = errors.New("invalid max tokens")
	ErrInvalidTTL            = errors.New("invalid cache TTL")
	ErrInvalidWeights        = errors.New("invalid memory ranking weights")
	ErrInvalidPostgresHost   = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort   = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")
	ErrInvalidSSLMode        = errors.New("invalid PostgreSQL SSL mode")
)

// ProviderConfig describes one upstream LLM provider.
type ProviderConfig struct {
	ID    string `mapstructure:"id" json:"id"`
	Model string `mapstructure:"model" json:"model"` // provider-qualified, e.g. "googleai/gemini-2.5-flash"
	Tier  int    `mapstructure:"tier" json:"tier"`

	// Rate limits; zero means unlimited for that dimension.
	PerMinute int `mapstructure:"per_minute" json:"per_minute"`
	PerMonth  int `mapstructure:"per_month" json:"per_month"`

	// SmoothRPS enables proactive request smoothing; zero disables it.
	SmoothRPS float64 `mapstructure:"smooth_rps" json:"smooth_rps"`

	// Disabled removes the provider from routing without deleting its entry.
	Disabled bool `mapstructure:"disabled" json:"disabled"`
}

// CacheConfig holds the response cache TTL table.
type CacheConfig struct {
	GeneralTTL  time.Duration `mapstructure:"general_ttl" json:"general_ttl"`
	PersonalTTL time.Duration `mapstructure:"personal_ttl" json:"personal_ttl"`
	TemporalTTL time.Duration `mapstructure:"temporal_ttl" json:"temporal_ttl"`
}

// MemoryConfig tunes retrieval ranking and retention.
type MemoryConfig struct {
	WeightSimilarity float64 `mapstructure:"weight_similarity" json:"weight_similarity"`
	WeightImportance float64 `mapstructure:"weight_importance" json:"weight_importance"`
	WeightRecency    float64 `mapstructure:"weight_recency" json:"weight_recency"`
	RetentionDays    int     `mapstructure:"retention_days" json:"retention_days"`
	ContextTokens    int     `mapstructure:"context_tokens" json:"context_tokens"`
}

// RateLimitConfig tunes the shared tracker behavior.
type RateLimitConfig struct {
	SoftRatio        float64       `mapstructure:"soft_ratio" json:"soft_ratio"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" json:"cooldown"`
}

// OtelConfig configures trace export.
type OtelConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; update it when adding
// new secrets.
type Config struct {
	// Generation defaults applied to every provider call.
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Providers in fallback order; tier breaks ties.
	Providers []ProviderConfig `mapstructure:"providers" json:"providers"`

	// Extraction and summary model (provider-qualified). Defaults to the
	// first provider's model when empty.
	UtilityModel string `mapstructure:"utility_model" json:"utility_model"`

	// EmbedderModel produces memory vectors.
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	Cache     CacheConfig     `mapstructure:"cache" json:"cache"`
	Memory    MemoryConfig    `mapstructure:"memory" json:"memory"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`

	// AttemptTimeout bounds one provider attempt in the router.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`

	// HTTP server bind address.
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Storage configuration.
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	Otel OtelConfig `mapstructure:"otel" json:"otel"`
}

// Load reads configuration from file, environment, and defaults, validating
// before returning.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".relay")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL wins over individual postgres_* settings when set.
	if err := cfg.parseDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("embedder_model", "gemini-embedding-001")

	v.SetDefault("cache.general_ttl", "10m")
	v.SetDefault("cache.personal_ttl", "30s")
	v.SetDefault("cache.temporal_ttl", "15s")

	v.SetDefault("memory.weight_similarity", 0.6)
	v.SetDefault("memory.weight_importance", 0.2)
	v.SetDefault("memory.weight_recency", 0.2)
	v.SetDefault("memory.retention_days", 90)
	v.SetDefault("memory.context_tokens", 500)

	v.SetDefault("rate_limit.soft_ratio", 0.8)
	v.SetDefault("rate_limit.failure_threshold", 3)
	v.SetDefault("rate_limit.cooldown", "2m")

	v.SetDefault("attempt_timeout", "30s")
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "relay")
	v.SetDefault("postgres_password", "relay_dev_password")
	v.SetDefault("postgres_db_name", "relay")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4318")
	v.SetDefault("otel.service_name", "relay")
	v.SetDefault("otel.environment", "dev")
}

// bindEnvVariables binds runtime override variables explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}
	mustBind("listen_addr", "RELAY_LISTEN_ADDR")
	mustBind("embedder_model", "RELAY_EMBEDDER_MODEL")
	mustBind("utility_model", "RELAY_UTILITY_MODEL")
	mustBind("otel.enabled", "RELAY_OTEL_ENABLED")
	mustBind("otel.endpoint", "RELAY_OTEL_ENDPOINT")
}

// parseDatabaseURL overrides the postgres_* fields from a postgres:// URL.
// An empty input is a no-op.
func (c *Config) parseDatabaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("parsing port: %w", err)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// ConnURL returns the postgres:// connection URL for pgx and golang-migrate.
func (c *Config) ConnURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     "/" + c.PostgresDBName,
		RawQuery: "sslmode=" + c.PostgresSSLMode,
	}
	return u.String()
}

// maskedValue is the placeholder for masked sensitive data. Full-width blocks
// avoid substring matching against real secret fragments.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully masked;
// longer ones keep two characters on each end for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
