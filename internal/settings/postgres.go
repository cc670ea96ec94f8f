package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists settings in sicc_settings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const settingsColumns = `agent_id, auto_approve_threshold, manual_review_threshold,
	consolidation_frequency, min_learnings_for_consolidation,
	max_memory_chunks, memory_importance_threshold, memory_retention_days,
	max_behavior_patterns, pattern_min_usage_count, pattern_success_threshold,
	snapshot_frequency, max_snapshots,
	learn_from_conversations, learn_from_documents, learn_from_feedback, learn_from_patterns,
	embedding_model, similarity_algorithm, updated_at`

func (p *PostgresStore) Get(ctx context.Context, agentID string) (*Settings, error) {
	var s Settings
	var model sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT `+settingsColumns+` FROM sicc_settings WHERE agent_id = $1`, agentID,
	).Scan(
		&s.AgentID, &s.AutoApproveThreshold, &s.ManualReviewThreshold,
		&s.ConsolidationFrequency, &s.MinLearningsForConsolidation,
		&s.MaxMemoryChunks, &s.MemoryImportanceThreshold, &s.MemoryRetentionDays,
		&s.MaxBehaviorPatterns, &s.PatternMinUsageCount, &s.PatternSuccessThreshold,
		&s.SnapshotFrequency, &s.MaxSnapshots,
		&s.LearnFromConversations, &s.LearnFromDocuments, &s.LearnFromFeedback, &s.LearnFromPatterns,
		&model, &s.SimilarityAlgorithm, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	s.EmbeddingModel = model.String
	return &s, nil
}

func (p *PostgresStore) Put(ctx context.Context, s *Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sicc_settings (`+settingsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (agent_id) DO UPDATE SET
			auto_approve_threshold = EXCLUDED.auto_approve_threshold,
			manual_review_threshold = EXCLUDED.manual_review_threshold,
			consolidation_frequency = EXCLUDED.consolidation_frequency,
			min_learnings_for_consolidation = EXCLUDED.min_learnings_for_consolidation,
			max_memory_chunks = EXCLUDED.max_memory_chunks,
			memory_importance_threshold = EXCLUDED.memory_importance_threshold,
			memory_retention_days = EXCLUDED.memory_retention_days,
			max_behavior_patterns = EXCLUDED.max_behavior_patterns,
			pattern_min_usage_count = EXCLUDED.pattern_min_usage_count,
			pattern_success_threshold = EXCLUDED.pattern_success_threshold,
			snapshot_frequency = EXCLUDED.snapshot_frequency,
			max_snapshots = EXCLUDED.max_snapshots,
			learn_from_conversations = EXCLUDED.learn_from_conversations,
			learn_from_documents = EXCLUDED.learn_from_documents,
			learn_from_feedback = EXCLUDED.learn_from_feedback,
			learn_from_patterns = EXCLUDED.learn_from_patterns,
			embedding_model = EXCLUDED.embedding_model,
			similarity_algorithm = EXCLUDED.similarity_algorithm,
			updated_at = EXCLUDED.updated_at`,
		s.AgentID, s.AutoApproveThreshold, s.ManualReviewThreshold,
		string(s.ConsolidationFrequency), s.MinLearningsForConsolidation,
		s.MaxMemoryChunks, s.MemoryImportanceThreshold, s.MemoryRetentionDays,
		s.MaxBehaviorPatterns, s.PatternMinUsageCount, s.PatternSuccessThreshold,
		string(s.SnapshotFrequency), s.MaxSnapshots,
		s.LearnFromConversations, s.LearnFromDocuments, s.LearnFromFeedback, s.LearnFromPatterns,
		sql.NullString{String: s.EmbeddingModel, Valid: s.EmbeddingModel != ""}, s.SimilarityAlgorithm, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}
