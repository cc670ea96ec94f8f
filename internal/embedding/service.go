package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/resilience"
	"github.com/blueberrycongee/sicc/internal/tokenizer"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// ServiceConfig configures the embedding service.
type ServiceConfig struct {
	// MaxTokens is the model input budget; longer text is truncated before embedding.
	MaxTokens int
	// CacheTTL bounds how long vectors stay cached. Zero disables caching.
	CacheTTL time.Duration
	// Breaker guards the backing model.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultServiceConfig returns defaults for gte-small (512 token context).
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxTokens: 512,
		CacheTTL:  time.Hour,
		Breaker:   resilience.DefaultCircuitBreakerConfig(),
	}
}

// Service is the Embedding Service: text -> vector with deterministic,
// cache-consistent behavior, plus cosine similarity and token helpers.
// Vectors are derived from content only, so caching them is always safe.
type Service struct {
	embedder  Embedder
	tokenizer *tokenizer.Tokenizer
	cache     *gocache.Cache
	breaker   *resilience.CircuitBreaker
	maxTokens int
	logger    *slog.Logger
}

// NewService wraps embedder.
func NewService(embedder Embedder, tok *tokenizer.Tokenizer, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if embedder.Dimension() <= 0 {
		return nil, fmt.Errorf("embedder dimension must be positive")
	}
	if tok == nil {
		tok = tokenizer.New(tokenizer.DefaultEncoding)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultServiceConfig().MaxTokens
	}

	s := &Service{
		embedder:  embedder,
		tokenizer: tok,
		breaker:   resilience.NewCircuitBreaker("embedding", cfg.Breaker),
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}
	if cfg.CacheTTL > 0 {
		s.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	s.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		metrics.EmbeddingCircuitState.Set(float64(to))
		logger.Warn("embedding circuit state changed", "from", from.String(), "to", to.String())
	})
	return s, nil
}

// Model returns the backing model identifier.
func (s *Service) Model() string {
	return s.embedder.Model()
}

// Dimension returns the vector width.
func (s *Service) Dimension() int {
	return s.embedder.Dimension()
}

// MaxTokens returns the ingest token budget.
func (s *Service) MaxTokens() int {
	return s.maxTokens
}

// Available reports whether the backing model currently accepts calls.
func (s *Service) Available() bool {
	return s.breaker.State() != resilience.StateOpen
}

// CountTokens returns the number of tokens in text.
func (s *Service) CountTokens(text string) int {
	return s.tokenizer.Count(text)
}

// Truncate shortens text so that CountTokens(result) <= maxTokens.
func (s *Service) Truncate(text string, maxTokens int) string {
	return s.tokenizer.Truncate(text, maxTokens)
}

// CosineSimilarity returns the cosine similarity of a and b.
func (s *Service) CosineSimilarity(a, b []float32) float64 {
	return CosineSimilarity(a, b)
}

// Embed returns the vector for text, truncated to the model budget.
// It fails with a model-unavailable error when the backend cannot serve.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in order; cached vectors are reused and only
// misses reach the backend in a single batch call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string

	for i, text := range texts {
		text = s.tokenizer.Truncate(text, s.maxTokens)
		if vec, ok := s.cached(text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, text)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	var vectors [][]float32
	err := s.breaker.Execute(func() error {
		var callErr error
		vectors, callErr = s.embedder.EmbedBatch(ctx, missText)
		if callErr != nil {
			return callErr
		}
		if len(vectors) != len(missText) {
			return fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(missText))
		}
		for _, vec := range vectors {
			if len(vec) != s.embedder.Dimension() {
				return fmt.Errorf("embedder returned dimension %d, want %d", len(vec), s.embedder.Dimension())
			}
		}
		return nil
	})
	if err != nil {
		result := "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			result = "circuit_open"
		}
		metrics.EmbeddingRequests.WithLabelValues(s.Model(), result).Inc()
		return nil, apperrors.NewModelUnavailableError(s.Model(), err)
	}
	metrics.EmbeddingRequests.WithLabelValues(s.Model(), "ok").Inc()

	for j, i := range missIdx {
		out[i] = vectors[j]
		s.store(missText[j], vectors[j])
	}
	return out, nil
}

func (s *Service) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return s.embedder.Model() + ":" + hex.EncodeToString(sum[:])
}

func (s *Service) cached(text string) ([]float32, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok := s.cache.Get(s.cacheKey(text))
	if !ok {
		return nil, false
	}
	metrics.EmbeddingCacheHits.Inc()
	vec := v.([]float32)
	return append([]float32(nil), vec...), true
}

func (s *Service) store(text string, vec []float32) {
	if s.cache == nil {
		return
	}
	s.cache.SetDefault(s.cacheKey(text), append([]float32(nil), vec...))
}
