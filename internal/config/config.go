// Package config handles configuration for the intentd service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/intentd/intentd/pkg/observability"
)

// Config is the complete service configuration.
type Config struct {
	Service    ServiceConfig               `mapstructure:"service"`
	Database   DatabaseConfig              `mapstructure:"database"`
	Redis      RedisConfig                 `mapstructure:"redis"`
	Embedding  EmbeddingConfig             `mapstructure:"embedding"`
	Catalog    CatalogConfig               `mapstructure:"catalog"`
	Matcher    MatcherConfig               `mapstructure:"matcher"`
	Compound   CompoundConfig              `mapstructure:"compound"`
	Decomposer DecomposerConfig            `mapstructure:"decomposer"`
	RateLimit  RateLimitConfig             `mapstructure:"ratelimit"`
	Tenants    TenantStoreConfig           `mapstructure:"tenants"`
	Batch      BatchConfig                 `mapstructure:"batch"`
	Auth       AuthConfig                  `mapstructure:"auth"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ResolveTimeout caps a single pipeline run end to end.
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Database      string `mapstructure:"database"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SSLMode       string `mapstructure:"ssl_mode"`
	MaxConns      int    `mapstructure:"max_conns"`
	MaxIdleConns  int    `mapstructure:"max_idle_conns"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"`
	Dimensions int           `mapstructure:"dimensions"`
	CacheSize  int           `mapstructure:"cache_size"`
	Bedrock    BedrockConfig `mapstructure:"bedrock"`
}

// BedrockConfig configures the AWS Bedrock embedding provider.
type BedrockConfig struct {
	Region string `mapstructure:"region"`
	Model  string `mapstructure:"model"`
}

// CatalogConfig selects the vector catalog backend.
type CatalogConfig struct {
	Backend  string `mapstructure:"backend"`
	SeedPath string `mapstructure:"seed_path"`
}

// MatcherConfig tunes similarity matching. Defaults implement the shipped
// tiering contract; changing thresholds changes the external behavior.
type MatcherConfig struct {
	TopK            int     `mapstructure:"top_k"`
	MinSimilarity   float64 `mapstructure:"min_similarity"`
	HighThreshold   float64 `mapstructure:"high_threshold"`
	MediumThreshold float64 `mapstructure:"medium_threshold"`
	GapThreshold    float64 `mapstructure:"gap_threshold"`
}

// CompoundConfig tunes compound detection.
type CompoundConfig struct {
	CategoryMixThreshold float64 `mapstructure:"category_mix_threshold"`
}

// DecomposerConfig configures the LLM decomposer.
type DecomposerConfig struct {
	Provider    string               `mapstructure:"provider"`
	Model       string               `mapstructure:"model"`
	APIKey      string               `mapstructure:"api_key"`
	MaxTokens   int                  `mapstructure:"max_tokens"`
	Temperature float64              `mapstructure:"temperature"`
	Timeout     time.Duration        `mapstructure:"timeout"`
	RetryJitter time.Duration        `mapstructure:"retry_jitter"`
	Breaker     CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig contains circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxHalfOpen      int           `mapstructure:"max_half_open"`
}

// RateLimitConfig tunes the per-tenant token bucket.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ReasoningCost is the token charge for reasoning-path requests; the
	// fast path always costs 1.
	ReasoningCost int           `mapstructure:"reasoning_cost"`
	KeyTTL        time.Duration `mapstructure:"key_ttl"`
}

// TenantStoreConfig selects the tenant store backend and cache shape.
type TenantStoreConfig struct {
	Backend   string        `mapstructure:"backend"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// BatchConfig tunes the batch engine.
type BatchConfig struct {
	Workers          int           `mapstructure:"workers"`
	ItemConcurrency  int           `mapstructure:"item_concurrency"`
	MaxItems         int           `mapstructure:"max_items"`
	MaxQueueDepth    int           `mapstructure:"max_queue_depth"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	Webhook          WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig tunes terminal-state webhook delivery.
type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxPerSecond paces outbound deliveries across all jobs.
	MaxPerSecond float64 `mapstructure:"max_per_second"`
}

// AuthConfig contains authentication settings for the API surface.
type AuthConfig struct {
	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`
	JWTIssuer      string `mapstructure:"jwt_issuer"`
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/intentd")
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env vars suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration.
func setDefaults() {
	// Service defaults
	viper.SetDefault("service.port", 8085)
	viper.SetDefault("service.environment", "development")
	viper.SetDefault("service.log_level", "info")
	viper.SetDefault("service.shutdown_timeout", "30s")
	viper.SetDefault("service.resolve_timeout", "15s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "intentd_development")
	viper.SetDefault("database.username", "intentd")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_conns", 10)
	viper.SetDefault("database.max_idle_conns", 2)
	viper.SetDefault("database.auto_migrate", true)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Redis defaults
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.database", 0)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.pool_size", 10)

	// Embedding defaults
	viper.SetDefault("embedding.provider", "local")
	viper.SetDefault("embedding.dimensions", 384)
	viper.SetDefault("embedding.cache_size", 4096)
	viper.SetDefault("embedding.bedrock.region", "us-east-1")
	viper.SetDefault("embedding.bedrock.model", "amazon.titan-embed-text-v2:0")

	// Catalog defaults
	viper.SetDefault("catalog.backend", "postgres")
	viper.SetDefault("catalog.seed_path", "")

	// Matcher defaults
	viper.SetDefault("matcher.top_k", 5)
	viper.SetDefault("matcher.min_similarity", 0.0)
	viper.SetDefault("matcher.high_threshold", 0.85)
	viper.SetDefault("matcher.medium_threshold", 0.60)
	viper.SetDefault("matcher.gap_threshold", 0.05)

	// Compound detection defaults
	viper.SetDefault("compound.category_mix_threshold", 0.70)

	// Decomposer defaults
	viper.SetDefault("decomposer.provider", "anthropic")
	viper.SetDefault("decomposer.model", "claude-3-5-haiku-20241022")
	viper.SetDefault("decomposer.max_tokens", 1024)
	viper.SetDefault("decomposer.temperature", 0.0)
	viper.SetDefault("decomposer.timeout", "8s")
	viper.SetDefault("decomposer.retry_jitter", "250ms")
	viper.SetDefault("decomposer.circuit_breaker.failure_threshold", 5)
	viper.SetDefault("decomposer.circuit_breaker.timeout", "30s")
	viper.SetDefault("decomposer.circuit_breaker.max_half_open", 1)

	// Rate limit defaults
	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.reasoning_cost", 3)
	viper.SetDefault("ratelimit.key_ttl", "120s")

	// Tenant store defaults
	viper.SetDefault("tenants.backend", "postgres")
	viper.SetDefault("tenants.cache_size", 1024)
	viper.SetDefault("tenants.cache_ttl", "60s")

	// Batch defaults
	viper.SetDefault("batch.workers", 2)
	viper.SetDefault("batch.item_concurrency", 8)
	viper.SetDefault("batch.max_items", 2000)
	viper.SetDefault("batch.max_queue_depth", 100)
	viper.SetDefault("batch.progress_interval", "1s")
	viper.SetDefault("batch.webhook.timeout", "10s")
	viper.SetDefault("batch.webhook.max_per_second", 10)

	// Auth defaults
	viper.SetDefault("auth.jwt_issuer", "intentd")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("tracing.service_name", "intentd")
	viper.SetDefault("tracing.sample_rate", 1.0)
}

// bindEnvVars binds environment variables to configuration keys.
func bindEnvVars() {
	viper.SetEnvPrefix("INTENTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Service bindings
	_ = viper.BindEnv("service.port", "INTENTD_PORT")
	_ = viper.BindEnv("service.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("service.environment", "ENVIRONMENT")

	// Database bindings
	_ = viper.BindEnv("database.host", "DATABASE_HOST")
	_ = viper.BindEnv("database.port", "DATABASE_PORT")
	_ = viper.BindEnv("database.database", "DATABASE_NAME")
	_ = viper.BindEnv("database.username", "DATABASE_USER")
	_ = viper.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	// Redis bindings
	_ = viper.BindEnv("redis.address", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Provider bindings
	_ = viper.BindEnv("embedding.bedrock.region", "AWS_REGION")
	_ = viper.BindEnv("decomposer.api_key", "ANTHROPIC_API_KEY")

	// Auth bindings
	_ = viper.BindEnv("auth.admin_jwt_secret", "ADMIN_JWT_SECRET")

	// Tracing bindings
	_ = viper.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks configuration invariants.
func validate(cfg *Config) error {
	if cfg.Service.Port <= 0 || cfg.Service.Port > 65535 {
		return fmt.Errorf("service.port out of range: %d", cfg.Service.Port)
	}
	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", cfg.Embedding.Dimensions)
	}
	switch cfg.Embedding.Provider {
	case "local", "bedrock":
	default:
		return fmt.Errorf("unknown embedding.provider %q", cfg.Embedding.Provider)
	}
	switch cfg.Catalog.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown catalog.backend %q", cfg.Catalog.Backend)
	}
	switch cfg.Tenants.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown tenants.backend %q", cfg.Tenants.Backend)
	}
	switch cfg.Decomposer.Provider {
	case "anthropic", "static":
	default:
		return fmt.Errorf("unknown decomposer.provider %q", cfg.Decomposer.Provider)
	}
	if cfg.Matcher.TopK < 1 {
		return fmt.Errorf("matcher.top_k must be at least 1, got %d", cfg.Matcher.TopK)
	}
	if cfg.Matcher.HighThreshold <= cfg.Matcher.MediumThreshold {
		return fmt.Errorf("matcher.high_threshold (%v) must exceed medium_threshold (%v)",
			cfg.Matcher.HighThreshold, cfg.Matcher.MediumThreshold)
	}
	if cfg.Matcher.MediumThreshold < 0 || cfg.Matcher.HighThreshold > 1 {
		return fmt.Errorf("matcher thresholds must stay within [0, 1]")
	}
	if cfg.RateLimit.ReasoningCost < 1 {
		return fmt.Errorf("ratelimit.reasoning_cost must be at least 1, got %d", cfg.RateLimit.ReasoningCost)
	}
	if cfg.Batch.ItemConcurrency < 1 {
		return fmt.Errorf("batch.item_concurrency must be at least 1, got %d", cfg.Batch.ItemConcurrency)
	}
	if cfg.Batch.MaxItems < 1 || cfg.Batch.MaxItems > 2000 {
		return fmt.Errorf("batch.max_items must be within [1, 2000], got %d", cfg.Batch.MaxItems)
	}
	if cfg.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1, got %d", cfg.Batch.Workers)
	}
	return nil
}
