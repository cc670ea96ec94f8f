// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/database"
	"github.com/blueberrycongee/sicc/internal/embedding"
	"github.com/blueberrycongee/sicc/internal/hook"
	"github.com/blueberrycongee/sicc/internal/observability"
	"github.com/blueberrycongee/sicc/internal/secret"
	"github.com/blueberrycongee/sicc/internal/secret/vault"
	"github.com/blueberrycongee/sicc/internal/settings"
	"github.com/blueberrycongee/sicc/internal/worker"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SICC"

// Config represents the complete SICC service configuration.
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	CORS      CORSConfig                  `yaml:"cors"`
	Logging   LoggingConfig               `yaml:"logging"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Database  database.Config             `yaml:"database"`
	Redis     RedisConfig                 `yaml:"redis"`
	Auth      AuthConfig                  `yaml:"auth"`
	Embedding embedding.Config            `yaml:"embedding"`
	Hook      hook.Config                 `yaml:"hook"`
	Broker    BrokerConfig                `yaml:"broker"`
	Worker    worker.Config               `yaml:"worker"`
	Scheduler worker.SchedulerConfig      `yaml:"scheduler"`
	Archive   ArchiveConfig               `yaml:"archive"`
	Secrets   SecretsConfig               `yaml:"secrets"`

	// Defaults are the SICC settings of agents without stored settings.
	Defaults settings.Settings `yaml:"defaults"`
	// Agents seed the in-memory directory when the database is disabled.
	Agents []agent.Agent `yaml:"agents"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                int           `yaml:"port"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
}

// CORSConfig controls browser access to the API.
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AllowAllOrigins  bool          `yaml:"allow_all_origins"`
	AllowOrigins     []string      `yaml:"allow_origins"`
	DenyOrigins      []string      `yaml:"deny_origins"`
	AllowMethods     []string      `yaml:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig enables Redis-backed claims and dead letters. An empty
// address keeps both in process memory.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AuthConfig controls bearer authentication.
type AuthConfig struct {
	Enabled          bool     `yaml:"enabled"`
	JWTSecret        string   `yaml:"jwt_secret"`
	JWTIssuer        string   `yaml:"jwt_issuer"`
	CasbinPolicyPath string   `yaml:"casbin_policy_path"`
	SkipPaths        []string `yaml:"skip_paths"`

	// DevClientID is the tenant of every request while auth is disabled.
	DevClientID string `yaml:"dev_client_id"`
}

// BrokerConfig selects the durable task broker.
type BrokerConfig struct {
	Type          string             `yaml:"type"` // memory, kafka
	Kafka         broker.KafkaConfig `yaml:"kafka"`
	DeadLetterMax int                `yaml:"dead_letter_max"`

	// RouteHookEvents publishes hook events as analyze_event tasks instead
	// of analyzing them in the serving process.
	RouteHookEvents bool `yaml:"route_hook_events"`
}

// ArchiveConfig exports snapshots to S3 before retention deletes them.
type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	AccessKeyID string `yaml:"access_key_id"`
	SecretKey   string `yaml:"secret_key"`
	Endpoint    string `yaml:"endpoint"`
	PathPrefix  string `yaml:"path_prefix"`
	Compression bool   `yaml:"compression"`
}

// SecretsConfig configures resolution of "env://" and "vault://" references
// in credential fields.
type SecretsConfig struct {
	Vault    vault.Config  `yaml:"vault"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// EnvOverrides are the environment-level constants read with the SICC_ prefix.
type EnvOverrides struct {
	DatabaseDSN    string `envconfig:"DATABASE_DSN"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL"`
	BrokerDSN      string `envconfig:"BROKER_DSN"`
	RedisAddr      string `envconfig:"REDIS_ADDR"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        60 * time.Second,
			IdleTimeout:         60 * time.Second,
			ShutdownTimeout:     15 * time.Second,
			MaxRequestBodyBytes: 1 << 20,
		},
		CORS: CORSConfig{
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:       10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
		Database: database.Config{
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{KeyPrefix: "sicc:"},
		Auth: AuthConfig{
			Enabled:     true,
			SkipPaths:   []string{"/health/live", "/health/ready", "/metrics"},
			DevClientID: "dev",
		},
		Embedding: embedding.Config{
			Provider:  "hash",
			Model:     "feature-hash-384",
			Dimension: embedding.DefaultDimension,
			Tokenizer: "cl100k_base",
			MaxTokens: 512,
			CacheTTL:  time.Hour,
		},
		Hook: hook.DefaultConfig(),
		Broker: BrokerConfig{
			Type: "memory",
			Kafka: broker.KafkaConfig{
				Topic:        "sicc.tasks",
				GroupID:      "sicc-workers",
				WriteTimeout: 10 * time.Second,
			},
			DeadLetterMax: 1000,
		},
		Worker:    worker.DefaultConfig(),
		Scheduler: worker.DefaultSchedulerConfig(),
		Archive:   ArchiveConfig{PathPrefix: "sicc/snapshots", Compression: true},
		Secrets:   SecretsConfig{CacheTTL: 5 * time.Minute},
		Defaults:  settings.Defaults(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded and
// SICC_* overrides are applied last.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the SICC_* environment constants.
func (c *Config) ApplyEnv() error {
	var env EnvOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	if env.DatabaseDSN != "" {
		c.Database.DSN = env.DatabaseDSN
		c.Database.Enabled = true
	}
	if env.EmbeddingModel != "" {
		c.Embedding.Model = env.EmbeddingModel
		c.Defaults.EmbeddingModel = env.EmbeddingModel
	}
	if env.BrokerDSN != "" {
		c.Broker.Type = "kafka"
		c.Broker.Kafka.Brokers = broker.ParseBrokers(env.BrokerDSN)
	}
	if env.RedisAddr != "" {
		c.Redis.Addr = env.RedisAddr
	}
	if env.JWTSecret != "" {
		c.Auth.JWTSecret = env.JWTSecret
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("server.max_request_body_bytes cannot be negative")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "", "memory":
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required for the kafka broker")
		}
		if c.Broker.Kafka.Topic == "" {
			return fmt.Errorf("broker.kafka.topic is required")
		}
	default:
		return fmt.Errorf("unknown broker type %q", c.Broker.Type)
	}

	switch c.Embedding.Provider {
	case "", "hash":
	case "openai":
		if c.Embedding.APIBase == "" {
			return fmt.Errorf("embedding.api_base is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret != "" && !secret.IsReference(c.Auth.JWTSecret) && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if !c.Auth.Enabled && c.Auth.DevClientID == "" {
		return fmt.Errorf("auth.dev_client_id is required when auth is disabled")
	}

	if c.Worker.Concurrency < 0 || c.Worker.MaxAttempts < 0 {
		return fmt.Errorf("worker.concurrency and worker.max_attempts cannot be negative")
	}
	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required when vault is enabled")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}

	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

// ResolveSecrets replaces secret references in credential fields with the
// values r reads for them.
func (c *Config) ResolveSecrets(ctx context.Context, r *secret.Resolver) error {
	err := r.ResolveInPlace(ctx,
		&c.Database.DSN,
		&c.Database.Password,
		&c.Redis.Password,
		&c.Auth.JWTSecret,
		&c.Embedding.APIKey,
		&c.Archive.AccessKeyID,
		&c.Archive.SecretKey,
	)
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	return nil
}
