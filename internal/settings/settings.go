// Package settings holds the per-agent SICC tunables.
package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Frequency is how often a scheduled job runs for an agent.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Interval returns the period between runs.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func (f Frequency) valid() bool {
	return f == FrequencyHourly || f == FrequencyDaily || f == FrequencyWeekly
}

// Settings are the SICC knobs for one agent.
type Settings struct {
	AgentID string `json:"agent_id" yaml:"-"`

	AutoApproveThreshold         float64   `json:"auto_approve_threshold" yaml:"auto_approve_threshold"`
	ManualReviewThreshold        float64   `json:"manual_review_threshold" yaml:"manual_review_threshold"`
	ConsolidationFrequency       Frequency `json:"consolidation_frequency" yaml:"consolidation_frequency"`
	MinLearningsForConsolidation int       `json:"min_learnings_for_consolidation" yaml:"min_learnings_for_consolidation"`

	MaxMemoryChunks           int     `json:"max_memory_chunks" yaml:"max_memory_chunks"`
	MemoryImportanceThreshold float64 `json:"memory_importance_threshold" yaml:"memory_importance_threshold"`
	MemoryRetentionDays       int     `json:"memory_retention_days" yaml:"memory_retention_days"`

	MaxBehaviorPatterns     int     `json:"max_behavior_patterns" yaml:"max_behavior_patterns"`
	PatternMinUsageCount    int     `json:"pattern_min_usage_count" yaml:"pattern_min_usage_count"`
	PatternSuccessThreshold float64 `json:"pattern_success_threshold" yaml:"pattern_success_threshold"`

	SnapshotFrequency Frequency `json:"snapshot_frequency" yaml:"snapshot_frequency"`
	MaxSnapshots      int       `json:"max_snapshots" yaml:"max_snapshots"`

	LearnFromConversations bool `json:"learn_from_conversations" yaml:"learn_from_conversations"`
	LearnFromDocuments     bool `json:"learn_from_documents" yaml:"learn_from_documents"`
	LearnFromFeedback      bool `json:"learn_from_feedback" yaml:"learn_from_feedback"`
	LearnFromPatterns      bool `json:"learn_from_patterns" yaml:"learn_from_patterns"`

	EmbeddingModel      string `json:"embedding_model" yaml:"embedding_model"`
	SimilarityAlgorithm string `json:"similarity_algorithm" yaml:"similarity_algorithm"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Defaults returns conservative settings: only explicit instructions
// reach the auto-approve threshold with the heuristic analyzer.
func Defaults() Settings {
	return Settings{
		AutoApproveThreshold:         0.9,
		ManualReviewThreshold:        0.6,
		ConsolidationFrequency:       FrequencyDaily,
		MinLearningsForConsolidation: 1,
		MaxMemoryChunks:              1000,
		MemoryImportanceThreshold:    0.3,
		MemoryRetentionDays:          90,
		MaxBehaviorPatterns:          100,
		PatternMinUsageCount:         5,
		PatternSuccessThreshold:      0.3,
		SnapshotFrequency:            FrequencyDaily,
		MaxSnapshots:                 30,
		LearnFromConversations:       true,
		LearnFromDocuments:           true,
		LearnFromFeedback:            true,
		LearnFromPatterns:            true,
		SimilarityAlgorithm:          "cosine",
	}
}

// Validate checks every knob against its bounds.
func (s Settings) Validate() error {
	if s.ManualReviewThreshold < 0 || s.AutoApproveThreshold > 1 || s.ManualReviewThreshold > s.AutoApproveThreshold {
		return apperrors.NewSettingsOutOfRangeError(fmt.Sprintf(
			"thresholds out of range: manual_review_threshold=%.2f auto_approve_threshold=%.2f",
			s.ManualReviewThreshold, s.AutoApproveThreshold))
	}
	if s.MemoryImportanceThreshold < 0 || s.MemoryImportanceThreshold > 1 {
		return apperrors.NewSettingsOutOfRangeError("memory_importance_threshold must be within [0, 1]")
	}
	if s.PatternSuccessThreshold < 0 || s.PatternSuccessThreshold > 1 {
		return apperrors.NewSettingsOutOfRangeError("pattern_success_threshold must be within [0, 1]")
	}
	if s.MaxMemoryChunks <= 0 || s.MaxBehaviorPatterns <= 0 || s.MaxSnapshots <= 0 {
		return apperrors.NewSettingsOutOfRangeError("max_memory_chunks, max_behavior_patterns and max_snapshots must be positive")
	}
	if s.MemoryRetentionDays <= 0 {
		return apperrors.NewSettingsOutOfRangeError("memory_retention_days must be positive")
	}
	if s.MinLearningsForConsolidation < 0 || s.PatternMinUsageCount < 0 {
		return apperrors.NewSettingsOutOfRangeError("minimum counts must not be negative")
	}
	if !s.ConsolidationFrequency.valid() || !s.SnapshotFrequency.valid() {
		return apperrors.NewSettingsOutOfRangeError("frequencies must be hourly, daily or weekly")
	}
	if s.SimilarityAlgorithm != "" && s.SimilarityAlgorithm != "cosine" {
		return apperrors.NewSettingsOutOfRangeError(fmt.Sprintf("similarity_algorithm %q is not supported", s.SimilarityAlgorithm))
	}
	return nil
}

// Store persists settings per agent.
type Store interface {
	// Get returns the stored settings or nil when the agent has none.
	Get(ctx context.Context, agentID string) (*Settings, error)
	Put(ctx context.Context, s *Settings) error
}

// Provider resolves effective settings: stored values or the configured defaults.
type Provider struct {
	store    Store
	mu       sync.RWMutex
	defaults Settings
}

// NewProvider creates a provider falling back to defaults.
func NewProvider(store Store, defaults Settings) *Provider {
	return &Provider{store: store, defaults: defaults}
}

// SetDefaults swaps the fallback settings, used on config reload.
func (p *Provider) SetDefaults(d Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults = d
}

// Defaults returns the current fallback settings.
func (p *Provider) Defaults() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaults
}

// Get returns the effective settings for agentID. Stored settings that no
// longer validate are reported instead of silently replaced.
func (p *Provider) Get(ctx context.Context, agentID string) (Settings, error) {
	stored, err := p.store.Get(ctx, agentID)
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if stored == nil {
		s := p.Defaults()
		s.AgentID = agentID
		return s, nil
	}
	if err := stored.Validate(); err != nil {
		return Settings{}, err
	}
	return *stored, nil
}

// Put validates and stores settings for agentID.
func (p *Provider) Put(ctx context.Context, agentID string, s Settings) (Settings, error) {
	s.AgentID = agentID
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	s.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := p.store.Put(ctx, &s); err != nil {
		return Settings{}, fmt.Errorf("put settings: %w", err)
	}
	return s, nil
}

// MemoryStore keeps settings in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]Settings)}
}

func (m *MemoryStore) Get(ctx context.Context, agentID string) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[agentID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.AgentID] = *s
	return nil
}
