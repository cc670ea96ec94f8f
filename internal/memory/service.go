package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/observability"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

const (
	DefaultSearchLimit         = 5
	DefaultSimilarityThreshold = 0.3
	DefaultListLimit           = 50
	MaxListLimit               = 500
	// DefaultConfidence applies to chunks created without one.
	DefaultConfidence = 1.0
)

// Embedder is the part of the embedding service the store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	MaxTokens() int
	Truncate(text string, maxTokens int) string
}

// Service implements memory operations on top of a Store.
type Service struct {
	store    Store
	agents   agent.Directory
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a memory service.
func NewService(store Store, agents agent.Directory, embedder Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		agents:   agents,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateRequest describes a new chunk. The client is derived from the agent.
type CreateRequest struct {
	AgentID    string                 `json:"agent_id"`
	Content    string                 `json:"content"`
	ChunkType  string                 `json:"chunk_type"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`

	// RequireEmbedding fails the call instead of storing a chunk without
	// an embedding. Consolidation sets it so an outage is retried.
	RequireEmbedding bool `json:"-"`
}

// Create stores a new active chunk. When the embedding model is unavailable
// the chunk is stored without an embedding and a warning is logged, unless
// the request requires one.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Chunk, error) {
	a, err := agent.Resolve(ctx, s.agents, req.AgentID)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperrors.NewContentEmptyError()
	}
	confidence := DefaultConfidence
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, apperrors.NewValidationError("confidence must be within [0, 1]")
	}

	now := s.timestamp()
	c := &Chunk{
		ID:         uuid.NewString(),
		AgentID:    a.ID,
		ClientID:   a.ClientID,
		Content:    s.embedder.Truncate(content, s.embedder.MaxTokens()),
		ChunkType:  ParseChunkType(req.ChunkType),
		Metadata:   req.Metadata,
		Confidence: confidence,
		UsageCount: 0,
		Version:    1,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if c.ChunkType.IsOther() {
		s.logger.Warn("unknown chunk type stored as general", "agent_id", a.ID, "chunk_type", c.ChunkType.Tag())
	}
	if req.RequireEmbedding {
		vec, err := s.embedder.Embed(ctx, c.Content)
		if err != nil {
			return nil, err
		}
		c.Embedding = vec
	} else {
		c.Embedding = s.embed(ctx, c)
	}

	if err := s.store.Create(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateSource) {
			return nil, err
		}
		return nil, apperrors.NewTransientError("store memory chunk", err)
	}
	c.HasEmbedding = len(c.Embedding) > 0
	return c, nil
}

func (s *Service) embed(ctx context.Context, c *Chunk) []float32 {
	vec, err := s.embedder.Embed(ctx, c.Content)
	if err != nil {
		s.logger.Warn("storing memory chunk without embedding",
			"agent_id", c.AgentID, "chunk_id", c.ID, "error", err)
		return nil
	}
	return vec
}

// Get returns an active or inactive chunk owned by clientID.
func (s *Service) Get(ctx context.Context, clientID, id string) (*Chunk, error) {
	c, err := s.store.Get(ctx, clientID, id)
	if err != nil {
		return nil, apperrors.NewTransientError("get memory chunk", err)
	}
	if c == nil {
		return nil, apperrors.NewNotFoundError("memory", id)
	}
	return c, nil
}

// UpdateRequest carries the fields to change; nil fields are kept.
type UpdateRequest struct {
	Content    *string                `json:"content,omitempty"`
	ChunkType  *string                `json:"chunk_type,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	IsActive   *bool                  `json:"is_active,omitempty"`
}

// Update applies a partial update. A content change re-embeds the chunk
// and bumps its version.
func (s *Service) Update(ctx context.Context, clientID, id string, req UpdateRequest) (*Chunk, error) {
	c, err := s.Get(ctx, clientID, id)
	if err != nil {
		return nil, err
	}

	if req.Content != nil {
		content := strings.TrimSpace(*req.Content)
		if content == "" {
			return nil, apperrors.NewContentEmptyError()
		}
		content = s.embedder.Truncate(content, s.embedder.MaxTokens())
		if content != c.Content {
			c.Content = content
			c.Embedding = s.embed(ctx, c)
			c.Version++
		}
	}
	if req.ChunkType != nil {
		c.ChunkType = ParseChunkType(*req.ChunkType)
	}
	if req.Metadata != nil {
		if c.Metadata == nil {
			c.Metadata = make(map[string]interface{}, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			c.Metadata[k] = v
		}
	}
	if req.Confidence != nil {
		if *req.Confidence < 0 || *req.Confidence > 1 {
			return nil, apperrors.NewValidationError("confidence must be within [0, 1]")
		}
		c.Confidence = *req.Confidence
	}
	c.UpdatedAt = s.timestamp()

	if err := s.store.Update(ctx, c); err != nil {
		return nil, apperrors.NewTransientError("update memory chunk", err)
	}
	// is_active is written on its own so a concurrent rollback or delete
	// is not reverted by a field edit.
	if req.IsActive != nil {
		if err := s.store.SetActive(ctx, clientID, id, *req.IsActive, c.UpdatedAt); err != nil {
			return nil, apperrors.NewTransientError("update memory chunk", err)
		}
	}
	return s.Get(ctx, clientID, id)
}

// Delete soft-deletes a chunk.
func (s *Service) Delete(ctx context.Context, clientID, id string) error {
	if _, err := s.Get(ctx, clientID, id); err != nil {
		return err
	}
	if _, err := s.store.Deactivate(ctx, clientID, []string{id}, s.timestamp()); err != nil {
		return apperrors.NewTransientError("deactivate memory chunk", err)
	}
	return nil
}

// SearchRequest is a similarity query for one agent. A nil
// SimilarityThreshold means DefaultSimilarityThreshold; results must score
// strictly above the threshold.
type SearchRequest struct {
	AgentID             string   `json:"agent_id"`
	Query               string   `json:"query"`
	Limit               int      `json:"limit,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	ChunkType           string   `json:"chunk_type,omitempty"`
}

// Search ranks the agent's active chunks by cosine similarity to the query.
// Every returned chunk has its usage count incremented and its
// last access time set.
func (s *Service) Search(ctx context.Context, req SearchRequest) (results []SearchResult, err error) {
	ctx, span := observability.StartSpan(ctx, "memory.search", req.AgentID)
	defer func() { observability.EndSpan(span, err) }()
	start := time.Now()

	a, err := agent.Resolve(ctx, s.agents, req.AgentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.NewValidationError("query must not be empty")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultSearchLimit
	}
	threshold := DefaultSimilarityThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
		if threshold < -1 || threshold > 1 {
			return nil, apperrors.NewValidationError("similarity_threshold must be within [-1, 1]")
		}
	}

	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	q := SearchQuery{
		ClientID:  a.ClientID,
		AgentID:   a.ID,
		Vector:    vec,
		Limit:     req.Limit,
		Threshold: threshold,
	}
	if req.ChunkType != "" {
		ct := ParseChunkType(req.ChunkType)
		q.ChunkType = &ct
	}

	results, err = s.store.Search(ctx, q)
	if err != nil {
		return nil, apperrors.NewTransientError("search memory chunks", err)
	}
	if len(results) > 0 {
		now := s.timestamp()
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Chunk.ID
		}
		if err := s.store.Touch(ctx, a.ClientID, ids, now); err != nil {
			return nil, apperrors.NewTransientError("record memory usage", err)
		}
		for _, r := range results {
			r.Chunk.UsageCount++
			t := now
			r.Chunk.LastAccessedAt = &t
		}
	}

	metrics.MemorySearchLatency.Observe(time.Since(start).Seconds())
	metrics.MemorySearchResults.Observe(float64(len(results)))
	return results, nil
}

// ListRequest pages through an agent's chunks.
type ListRequest struct {
	AgentID   string
	ChunkType string
	IsActive  *bool
	Limit     int
	Offset    int
}

// List returns chunks owned by clientID, newest first.
func (s *Service) List(ctx context.Context, clientID string, req ListRequest) ([]*Chunk, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultListLimit
	}
	if req.Limit > MaxListLimit {
		req.Limit = MaxListLimit
	}
	if req.Offset < 0 {
		return nil, apperrors.NewValidationError("offset must not be negative")
	}
	f := Filter{
		ClientID: clientID,
		AgentID:  req.AgentID,
		IsActive: req.IsActive,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	if req.ChunkType != "" {
		ct := ParseChunkType(req.ChunkType)
		f.ChunkType = &ct
	}
	chunks, err := s.store.List(ctx, f)
	if err != nil {
		return nil, apperrors.NewTransientError("list memory chunks", err)
	}
	return chunks, nil
}

// Stats summarizes the agent's memory.
func (s *Service) Stats(ctx context.Context, agentID string) (*Stats, error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	st, err := s.store.Stats(ctx, a.ClientID, a.ID)
	if err != nil {
		return nil, apperrors.NewTransientError("memory stats", err)
	}
	return st, nil
}

// TopByUsage returns the agent's most used active chunks.
func (s *Service) TopByUsage(ctx context.Context, agentID string, limit int) ([]*Chunk, error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	active := true
	chunks, err := s.store.List(ctx, Filter{ClientID: a.ClientID, AgentID: a.ID, IsActive: &active})
	if err != nil {
		return nil, apperrors.NewTransientError("list memory chunks", err)
	}
	sortByUsage(chunks)
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

// FindBySourceLog returns the chunk consolidated from a learning log, or nil.
func (s *Service) FindBySourceLog(ctx context.Context, clientID, logID string) (*Chunk, error) {
	c, err := s.store.FindBySourceLog(ctx, clientID, logID)
	if err != nil {
		return nil, apperrors.NewTransientError("find memory by learning log", err)
	}
	return c, nil
}

// ActiveIDs returns the ids of the agent's active chunks.
func (s *Service) ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error) {
	ids, err := s.store.ActiveIDs(ctx, clientID, agentID)
	if err != nil {
		return nil, apperrors.NewTransientError("list active memory ids", err)
	}
	return ids, nil
}

// CountActive counts the agent's active chunks.
func (s *Service) CountActive(ctx context.Context, clientID, agentID string) (int, error) {
	n, err := s.store.CountActive(ctx, clientID, agentID)
	if err != nil {
		return 0, apperrors.NewTransientError("count active memory chunks", err)
	}
	return n, nil
}

// DeactivateSince soft-deletes every active chunk created at or after since
// that is not listed in keep.
func (s *Service) DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string) ([]string, error) {
	ids, err := s.store.DeactivateSince(ctx, clientID, agentID, since, keep, s.timestamp())
	if err != nil {
		return nil, apperrors.NewTransientError("deactivate memory chunks", err)
	}
	if len(ids) > 0 {
		metrics.RetentionDeactivations.WithLabelValues("memory", "rollback").Add(float64(len(ids)))
	}
	return ids, nil
}

// Reembed recomputes embeddings for the agent's active chunks, used after a
// model or dimension change.
func (s *Service) Reembed(ctx context.Context, clientID, agentID string) (int, error) {
	active := true
	chunks, err := s.store.List(ctx, Filter{ClientID: clientID, AgentID: agentID, IsActive: &active})
	if err != nil {
		return 0, apperrors.NewTransientError("list memory chunks", err)
	}
	n := 0
	for _, c := range chunks {
		vec, err := s.embedder.Embed(ctx, c.Content)
		if err != nil {
			return n, fmt.Errorf("re-embed chunk %s: %w", c.ID, err)
		}
		c.Embedding = vec
		c.UpdatedAt = s.timestamp()
		if err := s.store.Update(ctx, c); err != nil {
			return n, apperrors.NewTransientError("update memory chunk", err)
		}
		n++
	}
	return n, nil
}
