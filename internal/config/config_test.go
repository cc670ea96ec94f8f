package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/secret"
	"github.com/blueberrycongee/sicc/internal/settings"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("default read timeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Broker.Type != "memory" {
		t.Errorf("default broker = %s, want memory", cfg.Broker.Type)
	}
	if cfg.Embedding.Provider != "hash" {
		t.Errorf("default embedding provider = %s, want hash", cfg.Embedding.Provider)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
	if !cfg.Auth.Enabled {
		t.Error("auth should be enabled by default")
	}
	if cfg.Defaults.AutoApproveThreshold != settings.Defaults().AutoApproveThreshold {
		t.Error("defaults should start from the SICC settings defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid"},
		{
			name:    "invalid port zero",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "invalid port too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Broker.Type = "kafka" },
			wantErr: "broker.kafka.brokers",
		},
		{
			name: "kafka with brokers",
			mutate: func(c *Config) {
				c.Broker.Type = "kafka"
				c.Broker.Kafka.Brokers = []string{"localhost:9092"}
			},
		},
		{
			name:    "unknown broker",
			mutate:  func(c *Config) { c.Broker.Type = "rabbit" },
			wantErr: "unknown broker type",
		},
		{
			name:    "openai embedder without base url",
			mutate:  func(c *Config) { c.Embedding.Provider = "openai" },
			wantErr: "embedding.api_base",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErr: "jwt_secret",
		},
		{
			name: "auth disabled without dev client",
			mutate: func(c *Config) {
				c.Auth.Enabled = false
				c.Auth.DevClientID = ""
			},
			wantErr: "dev_client_id",
		},
		{
			name:    "archive without bucket",
			mutate:  func(c *Config) { c.Archive.Enabled = true },
			wantErr: "archive.bucket",
		},
		{
			name: "duplicate agents",
			mutate: func(c *Config) {
				c.Agents = []agent.Agent{{ID: "a", ClientID: "c"}, {ID: "a", ClientID: "c"}}
			},
			wantErr: "duplicate id",
		},
		{
			name:    "default thresholds out of range",
			mutate:  func(c *Config) { c.Defaults.ManualReviewThreshold = 0.99 },
			wantErr: "defaults",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	path := writeConfigFile(t, `
server:
  port: 9000
  read_timeout: 5s
embedding:
  provider: openai
  api_base: https://api.example.com/v1
  api_key: ${TEST_OPENAI_KEY}
worker:
  concurrency: 8
scheduler:
  snapshot_retention_days: 30
defaults:
  max_snapshots: 5
  snapshot_frequency: weekly
agents:
  - id: agent-a
    client_id: client-a
    agent_type: support
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("read timeout = %v, want 5s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("write timeout = %v, want default 60s", cfg.Server.WriteTimeout)
	}
	if cfg.Embedding.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want expanded env value", cfg.Embedding.APIKey)
	}
	if cfg.Worker.Concurrency != 8 || cfg.Worker.MaxAttempts == 0 {
		t.Errorf("worker = %+v, want concurrency 8 and default attempts", cfg.Worker)
	}
	if cfg.Scheduler.SnapshotRetentionDays != 30 {
		t.Errorf("retention = %d, want 30", cfg.Scheduler.SnapshotRetentionDays)
	}
	if cfg.Defaults.MaxSnapshots != 5 || cfg.Defaults.SnapshotFrequency != settings.FrequencyWeekly {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if cfg.Defaults.AutoApproveThreshold != settings.Defaults().AutoApproveThreshold {
		t.Error("unset defaults should keep their default values")
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].AgentType != "support" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeConfigFile(t, "server: [")
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SICC_DATABASE_DSN", "postgres://sicc@db/sicc")
	t.Setenv("SICC_EMBEDDING_MODEL", "text-embedding-3-small")
	t.Setenv("SICC_BROKER_DSN", "kafka-1:9092, kafka-2:9092")
	t.Setenv("SICC_REDIS_ADDR", "redis:6379")
	t.Setenv("SICC_JWT_SECRET", strings.Repeat("s", 32))

	cfg, err := Parse([]byte("server:\n  port: 8080\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !cfg.Database.Enabled || cfg.Database.DSN != "postgres://sicc@db/sicc" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" || cfg.Defaults.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("embedding model not overridden: %q / %q", cfg.Embedding.Model, cfg.Defaults.EmbeddingModel)
	}
	if cfg.Broker.Type != "kafka" || len(cfg.Broker.Kafka.Brokers) != 2 || cfg.Broker.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if len(cfg.Auth.JWTSecret) != 32 {
		t.Errorf("jwt secret not overridden")
	}
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("SICC_TEST_JWT", strings.Repeat("j", 32))
	t.Setenv("SICC_TEST_DB_PASSWORD", "hunter2")

	cfg, err := Parse([]byte(`
database:
  password: env://SICC_TEST_DB_PASSWORD
  dsn: postgres://sicc@db/sicc
auth:
  jwt_secret: env://SICC_TEST_JWT
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := cfg.ResolveSecrets(context.Background(), secret.NewResolver()); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("database password = %q", cfg.Database.Password)
	}
	if cfg.Database.DSN != "postgres://sicc@db/sicc" {
		t.Errorf("dsn should stay literal, got %q", cfg.Database.DSN)
	}
	if cfg.Auth.JWTSecret != strings.Repeat("j", 32) {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}

	cfg.Archive.SecretKey = "vault://secret/sicc#s3"
	if err := cfg.ResolveSecrets(context.Background(), secret.NewResolver()); err == nil {
		t.Error("expected an error for a vault reference without vault")
	}
}
