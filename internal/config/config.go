// Package config provides configuration loading using koanf.
// Precedence: environment > AWS Secrets Manager (chat API key) > compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/captionsync/internal/domain"
)

// Config holds all coordinator configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Coordinator CoordinatorConfig `koanf:"coordinator"`

	// Core component tuning. The source values disagreed across variants,
	// so every threshold is a key.
	Queue   QueueConfig   `koanf:"queue"`
	Health  HealthConfig  `koanf:"health"`
	Auth    AuthConfig    `koanf:"auth"`
	Backend BackendConfig `koanf:"backend"`
	Router  RouterConfig  `koanf:"router"`
	Chat    ChatConfig    `koanf:"chat"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// CoordinatorConfig holds the coordinator's listeners.
type CoordinatorConfig struct {
	HTTPPort       int      `koanf:"http_port"`
	GRPCPort       int      `koanf:"grpc_port"`
	AllowedOrigins []string `koanf:"allowed_origins"` // Empty applies the same-origin check
}

// QueueConfig tunes the delivery queue.
type QueueConfig struct {
	TTL             time.Duration `koanf:"ttl"`
	MaxAttempts     int           `koanf:"max_attempts"`
	DrainInterval   time.Duration `koanf:"drain_interval"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
}

// HealthConfig tunes the connection health monitor.
type HealthConfig struct {
	ErrorThreshold   int           `koanf:"error_threshold"`
	RecoveryCooldown time.Duration `koanf:"recovery_cooldown"`
	QuietReset       time.Duration `koanf:"quiet_reset"`
	CheckInterval    time.Duration `koanf:"check_interval"`
	ProbeURL         string        `koanf:"probe_url"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`
}

// AuthConfig tunes the auth-refresh scheduler and locates the auth backend.
type AuthConfig struct {
	RefreshInterval time.Duration       `koanf:"refresh_interval"`
	StartupDelay    time.Duration       `koanf:"startup_delay"`
	StuckAfter      time.Duration       `koanf:"stuck_after"`
	APIKey          domain.SecretString `koanf:"api_key"` // Required in production
	ProjectID       string              `koanf:"project_id"`
	TokenURL        string              `koanf:"token_url"`
	LookupURL       string              `koanf:"lookup_url"`
	JWKSURL         string              `koanf:"jwks_url"`
}

// BackendConfig bounds every backend call.
type BackendConfig struct {
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// RouterConfig bounds handler execution.
type RouterConfig struct {
	HandlerTimeout time.Duration `koanf:"handler_timeout"`
}

// ChatConfig configures the generative chat backend.
type ChatConfig struct {
	Model        string              `koanf:"model"`
	APIKey       domain.SecretString `koanf:"api_key"`
	APIKeySecret string              `koanf:"api_key_secret"` // Secrets Manager ID, used when api_key is empty
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Table    string        `koanf:"table"`    // Required in production
	Timeout  time.Duration `koanf:"timeout"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr      string        `koanf:"addr"` // Required in production
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	Timeout   time.Duration `koanf:"timeout"`
	KeyPrefix string        `koanf:"key_prefix"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Coordinator: CoordinatorConfig{
			HTTPPort: 8080,
			GRPCPort: 9090,
		},

		Queue: QueueConfig{
			TTL:             domain.QueueMessageTTL,
			MaxAttempts:     domain.QueueMaxAttempts,
			DrainInterval:   domain.QueueDrainInterval,
			DeliveryTimeout: domain.DeliveryTimeout,
		},
		Health: HealthConfig{
			ErrorThreshold:   domain.HealthErrorThreshold,
			RecoveryCooldown: domain.HealthRecoveryCooldown,
			QuietReset:       domain.HealthQuietReset,
			CheckInterval:    domain.HealthCheckInterval,
			ProbeURL:         "https://www.gstatic.com/generate_204",
			ProbeTimeout:     domain.ReachabilityTimeout,
		},
		Auth: AuthConfig{
			RefreshInterval: domain.AuthRefreshInterval,
			StartupDelay:    domain.AuthStartupDelay,
			StuckAfter:      domain.AuthStuckAfter,
			TokenURL:        "https://securetoken.googleapis.com/v1/token",
			LookupURL:       "https://identitytoolkit.googleapis.com/v1/accounts:lookup",
			JWKSURL:         "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com",
		},
		Backend: BackendConfig{
			CallTimeout: domain.BackendCallTimeout,
		},
		Router: RouterConfig{
			HandlerTimeout: domain.HandlerTimeout,
		},
		Chat: ChatConfig{
			Model: "gemini-2.0-flash",
		},

		DynamoDB: DynamoDBConfig{
			Table:   "captionsync-documents",
			Timeout: domain.DynamoDBTimeout,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			Timeout:   domain.RedisTimeout,
			KeyPrefix: "captionsync:",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		OTEL: OTELConfig{
			ServiceName: "coordinator",
		},
	}
}

// envKey maps an environment variable name to a config key. A double
// underscore separates levels so single underscores survive inside a key:
// QUEUE__MAX_ATTEMPTS -> queue.max_attempts, LOG_LEVEL -> log_level.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. AWS Secrets Manager, resolved by the coordinator for chat.api_key_secret
// 3. Compiled defaults (lowest)
//
// Required keys missing in production cause a startup failure.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}
	if err := validateRanges(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	// In local environment, most fields have sensible defaults
	if cfg.Environment != "prod" {
		return nil
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}
	if cfg.DynamoDB.Table == "" {
		return fmt.Errorf("%w: dynamodb.table", domain.ErrConfigRequired)
	}
	if cfg.Auth.APIKey.IsEmpty() {
		return fmt.Errorf("%w: auth.api_key", domain.ErrConfigRequired)
	}
	return nil
}

// validateRanges rejects values the components cannot run with.
func validateRanges(cfg *Config) error {
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("%w: queue.max_attempts must be at least 1", domain.ErrInvalidInput)
	}
	if cfg.Health.ErrorThreshold < 1 {
		return fmt.Errorf("%w: health.error_threshold must be at least 1", domain.ErrInvalidInput)
	}
	if cfg.Auth.StuckAfter >= cfg.Auth.RefreshInterval {
		return fmt.Errorf("%w: auth.stuck_after must be shorter than auth.refresh_interval", domain.ErrInvalidInput)
	}
	if cfg.Queue.DrainInterval >= cfg.Queue.TTL {
		return fmt.Errorf("%w: queue.drain_interval must be shorter than queue.ttl", domain.ErrInvalidInput)
	}
	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
