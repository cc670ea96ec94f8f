package embedding

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/sicc/internal/resilience"
	"github.com/blueberrycongee/sicc/internal/tokenizer"
)

// Config is the embedding section of the service configuration.
type Config struct {
	Provider          string                          `yaml:"provider"` // "hash" or "openai"
	Model             string                          `yaml:"model"`
	Dimension         int                             `yaml:"dimension"`
	APIBase           string                          `yaml:"api_base"`
	APIKey            string                          `yaml:"api_key"`
	Timeout           time.Duration                   `yaml:"timeout"`
	RequestsPerSecond float64                         `yaml:"requests_per_second"`
	Tokenizer         string                          `yaml:"tokenizer"`
	MaxTokens         int                             `yaml:"max_tokens"`
	CacheTTL          time.Duration                   `yaml:"cache_ttl"`
	CircuitBreaker    resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DefaultConfig returns the hash embedder at the deployment dimension.
func DefaultConfig() Config {
	svc := DefaultServiceConfig()
	return Config{
		Provider:       "hash",
		Model:          HashModelName,
		Dimension:      DefaultDimension,
		Timeout:        10 * time.Second,
		Tokenizer:      tokenizer.DefaultEncoding,
		MaxTokens:      svc.MaxTokens,
		CacheTTL:       svc.CacheTTL,
		CircuitBreaker: svc.Breaker,
	}
}

// NewFromConfig builds the embedding service described by cfg.
func NewFromConfig(cfg Config, logger *slog.Logger) (*Service, error) {
	var embedder Embedder
	switch cfg.Provider {
	case "", "hash":
		embedder = NewHashEmbedder(cfg.Dimension)
	case "openai":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:            cfg.APIKey,
			APIBase:           cfg.APIBase,
			Model:             cfg.Model,
			Dimension:         cfg.Dimension,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		embedder = e
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}

	return NewService(embedder, tokenizer.New(cfg.Tokenizer), ServiceConfig{
		MaxTokens: cfg.MaxTokens,
		CacheTTL:  cfg.CacheTTL,
		Breaker:   cfg.CircuitBreaker,
	}, logger)
}
