package behavior

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/observability"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

const (
	DefaultConfidence = 0.5
	DefaultListLimit  = 50
	MaxListLimit      = 500
)

// Service implements behavior pattern operations.
type Service struct {
	store  Store
	agents agent.Directory
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a pattern service.
func NewService(store Store, agents agent.Directory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, agents: agents, logger: logger, now: time.Now}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateRequest describes a new pattern.
type CreateRequest struct {
	AgentID        string                 `json:"agent_id"`
	PatternType    string                 `json:"pattern_type"`
	TriggerContext TriggerContext         `json:"trigger_context"`
	ActionConfig   map[string]interface{} `json:"action_config"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Confidence     *float64               `json:"confidence,omitempty"`
}

// Create stores a new active pattern with no recorded applications.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Pattern, error) {
	a, err := agent.Resolve(ctx, s.agents, req.AgentID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTrigger(req.TriggerContext); err != nil {
		return nil, err
	}
	if len(req.ActionConfig) == 0 {
		return nil, apperrors.NewValidationError("action_config must not be empty")
	}
	confidence := DefaultConfidence
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, apperrors.NewValidationError("confidence must be within [0, 1]")
	}

	now := s.timestamp()
	p := &Pattern{
		ID:             uuid.NewString(),
		AgentID:        a.ID,
		ClientID:       a.ClientID,
		PatternType:    ParsePatternType(req.PatternType),
		TriggerContext: req.TriggerContext,
		ActionConfig:   req.ActionConfig,
		Metadata:       req.Metadata,
		Confidence:     confidence,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateSource) {
			return nil, err
		}
		return nil, apperrors.NewTransientError("store behavior pattern", err)
	}
	return p, nil
}

// Get returns a pattern owned by clientID.
func (s *Service) Get(ctx context.Context, clientID, id string) (*Pattern, error) {
	p, err := s.store.Get(ctx, clientID, id)
	if err != nil {
		return nil, apperrors.NewTransientError("get behavior pattern", err)
	}
	if p == nil {
		return nil, apperrors.NewNotFoundError("pattern", id)
	}
	return p, nil
}

// UpdateRequest carries the fields to change; nil fields are kept.
// Outcome statistics can only change through RecordApplication.
type UpdateRequest struct {
	PatternType    *string                `json:"pattern_type,omitempty"`
	TriggerContext *TriggerContext        `json:"trigger_context,omitempty"`
	ActionConfig   map[string]interface{} `json:"action_config,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Confidence     *float64               `json:"confidence,omitempty"`
	IsActive       *bool                  `json:"is_active,omitempty"`
}

func (s *Service) Update(ctx context.Context, clientID, id string, req UpdateRequest) (*Pattern, error) {
	p, err := s.Get(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	if req.PatternType != nil {
		p.PatternType = ParsePatternType(*req.PatternType)
	}
	if req.TriggerContext != nil {
		if err := ValidateTrigger(*req.TriggerContext); err != nil {
			return nil, err
		}
		p.TriggerContext = *req.TriggerContext
	}
	if req.ActionConfig != nil {
		if len(req.ActionConfig) == 0 {
			return nil, apperrors.NewValidationError("action_config must not be empty")
		}
		p.ActionConfig = req.ActionConfig
	}
	if req.Metadata != nil {
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{}, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			p.Metadata[k] = v
		}
	}
	if req.Confidence != nil {
		if *req.Confidence < 0 || *req.Confidence > 1 {
			return nil, apperrors.NewValidationError("confidence must be within [0, 1]")
		}
		p.Confidence = *req.Confidence
	}
	p.UpdatedAt = s.timestamp()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, apperrors.NewTransientError("update behavior pattern", err)
	}
	if req.IsActive != nil {
		if err := s.store.SetActive(ctx, clientID, id, *req.IsActive, p.UpdatedAt); err != nil {
			return nil, apperrors.NewTransientError("update behavior pattern", err)
		}
	}
	return s.Get(ctx, clientID, id)
}

// Delete soft-deletes a pattern.
func (s *Service) Delete(ctx context.Context, clientID, id string) error {
	if _, err := s.Get(ctx, clientID, id); err != nil {
		return err
	}
	if _, err := s.store.Deactivate(ctx, clientID, []string{id}, s.timestamp()); err != nil {
		return apperrors.NewTransientError("deactivate behavior pattern", err)
	}
	return nil
}

// ListRequest pages through patterns.
type ListRequest struct {
	AgentID     string
	PatternType string
	IsActive    *bool
	Limit       int
	Offset      int
}

func (s *Service) List(ctx context.Context, clientID string, req ListRequest) ([]*Pattern, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultListLimit
	}
	if req.Limit > MaxListLimit {
		req.Limit = MaxListLimit
	}
	if req.Offset < 0 {
		return nil, apperrors.NewValidationError("offset must not be negative")
	}
	f := Filter{ClientID: clientID, AgentID: req.AgentID, IsActive: req.IsActive, Limit: req.Limit, Offset: req.Offset}
	if req.PatternType != "" {
		pt := ParsePatternType(req.PatternType)
		f.PatternType = &pt
	}
	list, err := s.store.List(ctx, f)
	if err != nil {
		return nil, apperrors.NewTransientError("list behavior patterns", err)
	}
	return list, nil
}

// FindMatching returns the agent's active patterns whose trigger matches
// matchCtx and whose confidence is at least minConfidence, best first.
func (s *Service) FindMatching(ctx context.Context, agentID string, matchCtx map[string]interface{}, minConfidence float64) (matched []*Pattern, err error) {
	ctx, span := observability.StartSpan(ctx, "behavior.find_matching", agentID)
	defer func() { observability.EndSpan(span, err) }()
	start := time.Now()

	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	active := true
	candidates, err := s.store.List(ctx, Filter{ClientID: a.ClientID, AgentID: a.ID, IsActive: &active})
	if err != nil {
		return nil, apperrors.NewTransientError("list behavior patterns", err)
	}

	for _, p := range candidates {
		if p.Confidence < minConfidence {
			continue
		}
		if Matches(p.TriggerContext, matchCtx) {
			matched = append(matched, p)
		}
	}
	sortByPerformance(matched)

	metrics.PatternMatchLatency.Observe(time.Since(start).Seconds())
	return matched, nil
}

// RecordApplication folds one outcome into the pattern's success rate.
func (s *Service) RecordApplication(ctx context.Context, clientID, id string, success bool) (*Pattern, error) {
	p, err := s.store.RecordApplication(ctx, clientID, id, success, s.timestamp())
	if err != nil {
		return nil, apperrors.NewTransientError("record pattern application", err)
	}
	if p == nil {
		return nil, apperrors.NewNotFoundError("pattern", id)
	}
	return p, nil
}

// Stats summarizes the agent's patterns.
func (s *Service) Stats(ctx context.Context, agentID string) (*Stats, error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	st, err := s.store.Stats(ctx, a.ClientID, a.ID)
	if err != nil {
		return nil, apperrors.NewTransientError("pattern stats", err)
	}
	return st, nil
}

// TopActive returns the agent's best performing active patterns.
func (s *Service) TopActive(ctx context.Context, agentID string, limit int) ([]*Pattern, error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	active := true
	list, err := s.store.List(ctx, Filter{ClientID: a.ClientID, AgentID: a.ID, IsActive: &active})
	if err != nil {
		return nil, apperrors.NewTransientError("list behavior patterns", err)
	}
	sortByPerformance(list)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Service) FindBySourceLog(ctx context.Context, clientID, logID string) (*Pattern, error) {
	p, err := s.store.FindBySourceLog(ctx, clientID, logID)
	if err != nil {
		return nil, apperrors.NewTransientError("find pattern by learning log", err)
	}
	return p, nil
}

func (s *Service) ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error) {
	ids, err := s.store.ActiveIDs(ctx, clientID, agentID)
	if err != nil {
		return nil, apperrors.NewTransientError("list active pattern ids", err)
	}
	return ids, nil
}

func (s *Service) CountActive(ctx context.Context, clientID, agentID string) (int, error) {
	n, err := s.store.CountActive(ctx, clientID, agentID)
	if err != nil {
		return 0, apperrors.NewTransientError("count active patterns", err)
	}
	return n, nil
}

// DeactivateSince soft-deletes every active pattern created at or after
// since that is not listed in keep.
func (s *Service) DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string) ([]string, error) {
	ids, err := s.store.DeactivateSince(ctx, clientID, agentID, since, keep, s.timestamp())
	if err != nil {
		return nil, apperrors.NewTransientError("deactivate behavior patterns", err)
	}
	if len(ids) > 0 {
		metrics.RetentionDeactivations.WithLabelValues("pattern", "rollback").Add(float64(len(ids)))
	}
	return ids, nil
}

// AvgSuccessRate is the mean success rate over the agent's active patterns.
func (s *Service) AvgSuccessRate(ctx context.Context, clientID, agentID string) (float64, error) {
	st, err := s.store.Stats(ctx, clientID, agentID)
	if err != nil {
		return 0, apperrors.NewTransientError("pattern stats", err)
	}
	return st.AvgSuccessRate, nil
}

// RetentionPolicy is the subset of agent settings pattern retention reads.
type RetentionPolicy struct {
	MinUsageCount    int
	SuccessThreshold float64
	MaxPatterns      int
}

// RetentionResult lists the patterns a retention pass deactivated.
type RetentionResult struct {
	Underperforming []string `json:"underperforming"`
	Evicted         []string `json:"evicted"`
}

// ApplyRetention deactivates patterns that proved ineffective and then
// enforces the active-pattern quota.
func (s *Service) ApplyRetention(ctx context.Context, clientID, agentID string, p RetentionPolicy) (*RetentionResult, error) {
	active := true
	list, err := s.store.List(ctx, Filter{ClientID: clientID, AgentID: agentID, IsActive: &active})
	if err != nil {
		return nil, apperrors.NewTransientError("list behavior patterns", err)
	}

	res := &RetentionResult{}
	var remaining []*Pattern
	for _, pat := range list {
		if pat.ApplicationCount >= p.MinUsageCount && pat.ApplicationCount > 0 && pat.SuccessRate < p.SuccessThreshold {
			res.Underperforming = append(res.Underperforming, pat.ID)
			continue
		}
		remaining = append(remaining, pat)
	}
	if p.MaxPatterns > 0 && len(remaining) > p.MaxPatterns {
		sortByPerformance(remaining)
		for _, pat := range remaining[p.MaxPatterns:] {
			res.Evicted = append(res.Evicted, pat.ID)
		}
	}

	now := s.timestamp()
	for reason, ids := range map[string][]string{"underperforming": res.Underperforming, "quota": res.Evicted} {
		if len(ids) == 0 {
			continue
		}
		if _, err := s.store.Deactivate(ctx, clientID, ids, now); err != nil {
			return nil, apperrors.NewTransientError("deactivate behavior patterns", err)
		}
		metrics.RetentionDeactivations.WithLabelValues("pattern", reason).Add(float64(len(ids)))
	}
	if len(res.Underperforming)+len(res.Evicted) > 0 {
		s.logger.Info("pattern retention applied",
			"agent_id", agentID, "underperforming", len(res.Underperforming), "evicted", len(res.Evicted))
	}
	return res, nil
}

// sortByPerformance orders by success rate, then application count, both descending.
func sortByPerformance(list []*Pattern) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].SuccessRate != list[j].SuccessRate {
			return list[i].SuccessRate > list[j].SuccessRate
		}
		if list[i].ApplicationCount != list[j].ApplicationCount {
			return list[i].ApplicationCount > list[j].ApplicationCount
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
