package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/sicc/internal/agent"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Service records and reads daily agent metrics.
type Service struct {
	store  Store
	agents agent.Directory
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, agents agent.Directory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, agents: agents, logger: logger, now: time.Now}
}

// Interaction is one completed agent turn.
type Interaction struct {
	// EventID makes recording idempotent across retries. When empty a
	// fresh id is generated and the call is never deduplicated.
	EventID        string     `json:"event_id,omitempty"`
	AgentID        string     `json:"agent_id"`
	Success        bool       `json:"success"`
	ResponseTimeMs *float64   `json:"response_time_ms,omitempty"`
	Satisfaction   *float64   `json:"satisfaction,omitempty"`
	At             *time.Time `json:"at,omitempty"`
}

// RecordInteraction counts one interaction in the day's row and folds its
// outcome into the streaming averages. It returns false when the event id
// was already recorded.
func (s *Service) RecordInteraction(ctx context.Context, in Interaction) (bool, error) {
	if in.ResponseTimeMs != nil && *in.ResponseTimeMs < 0 {
		return false, apperrors.NewValidationError("response_time_ms must not be negative")
	}
	at := s.now()
	if in.At != nil {
		at = *in.At
	}
	eventID := in.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	return s.apply(ctx, in.AgentID, at, eventID, func(m *DailyMetrics) {
		m.InteractionsCount++
		if in.Success {
			m.SuccessfulCount++
		}
		m.SuccessRate = float64(m.SuccessfulCount) / float64(m.InteractionsCount)
		if in.ResponseTimeMs != nil {
			m.ResponseTimeCount++
			m.AvgResponseTimeMs += (*in.ResponseTimeMs - m.AvgResponseTimeMs) / float64(m.ResponseTimeCount)
		}
		if in.Satisfaction != nil {
			m.SatisfactionCount++
			m.AvgSatisfaction += (*in.Satisfaction - m.AvgSatisfaction) / float64(m.SatisfactionCount)
		}
	})
}

// IncrementMemoryUsage adds n retrieved memories to today's row.
func (s *Service) IncrementMemoryUsage(ctx context.Context, agentID, eventID string, n int) error {
	_, err := s.apply(ctx, agentID, s.now(), eventID, func(m *DailyMetrics) { m.MemoryUsageCount += n })
	return err
}

// IncrementPatternApplications adds n pattern applications to today's row.
func (s *Service) IncrementPatternApplications(ctx context.Context, agentID, eventID string, n int) error {
	_, err := s.apply(ctx, agentID, s.now(), eventID, func(m *DailyMetrics) { m.PatternApplications += n })
	return err
}

// IncrementNewLearnings adds n materialized learnings to today's row.
func (s *Service) IncrementNewLearnings(ctx context.Context, agentID, eventID string, n int) error {
	_, err := s.apply(ctx, agentID, s.now(), eventID, func(m *DailyMetrics) { m.NewLearnings += n })
	return err
}

// RecordApproval counts a consolidated learning, automatic or manual.
func (s *Service) RecordApproval(ctx context.Context, agentID, eventID string, automatic bool) error {
	_, err := s.apply(ctx, agentID, s.now(), eventID, func(m *DailyMetrics) {
		m.NewLearnings++
		if automatic {
			m.AutoApprovals++
		} else {
			m.ManualApprovals++
		}
	})
	return err
}

// RecordRejection counts a rejected learning.
func (s *Service) RecordRejection(ctx context.Context, agentID, eventID string) error {
	_, err := s.apply(ctx, agentID, s.now(), eventID, func(m *DailyMetrics) { m.Rejections++ })
	return err
}

// Inventory is the artifact census written by RefreshInventory.
type Inventory struct {
	TotalMemories  int
	ActiveMemories int
	TotalPatterns  int
	ActivePatterns int
	AvgConfidence  float64
}

// RefreshInventory stores today's artifact counts and the trailing
// seven-day learning velocity.
func (s *Service) RefreshInventory(ctx context.Context, agentID string, inv Inventory) error {
	velocity, err := s.LearningVelocity(ctx, agentID, 7)
	if err != nil {
		return err
	}
	_, err = s.apply(ctx, agentID, s.now(), "", func(m *DailyMetrics) {
		m.TotalMemories = inv.TotalMemories
		m.ActiveMemories = inv.ActiveMemories
		m.TotalPatterns = inv.TotalPatterns
		m.ActivePatterns = inv.ActivePatterns
		m.AvgConfidence = inv.AvgConfidence
		m.LearningVelocity = velocity
	})
	return err
}

// Get returns the period's daily rows, oldest first.
func (s *Service) Get(ctx context.Context, agentID string, period Period) ([]*DailyMetrics, error) {
	return s.series(ctx, agentID, period.Days())
}

// GetAggregated folds the period's rows into scalars.
func (s *Service) GetAggregated(ctx context.Context, agentID string, period Period) (*Aggregate, error) {
	rows, err := s.series(ctx, agentID, period.Days())
	if err != nil {
		return nil, err
	}
	agg := Fold(agentID, period.Days(), rows)
	agg.Period = period
	return &agg, nil
}

// Totals aggregates every row ever recorded for the agent.
func (s *Service) Totals(ctx context.Context, clientID, agentID string) (*Aggregate, error) {
	rows, err := s.store.Range(ctx, clientID, agentID, time.Time{}, s.now())
	if err != nil {
		return nil, apperrors.NewTransientError("read metrics", err)
	}
	agg := Fold(agentID, 0, rows)
	return &agg, nil
}

// LearningVelocity is new learnings per day over the trailing window.
func (s *Service) LearningVelocity(ctx context.Context, agentID string, days int) (float64, error) {
	if days <= 0 {
		return 0, apperrors.NewValidationError("days must be positive")
	}
	rows, err := s.series(ctx, agentID, days)
	if err != nil {
		return 0, err
	}
	return Fold(agentID, days, rows).LearningVelocity, nil
}

func (s *Service) series(ctx context.Context, agentID string, days int) ([]*DailyMetrics, error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	to := Day(s.now())
	from := to.AddDate(0, 0, -(days - 1))
	rows, err := s.store.Range(ctx, a.ClientID, a.ID, from, to)
	if err != nil {
		return nil, apperrors.NewTransientError("read metrics", err)
	}
	return rows, nil
}

func (s *Service) apply(ctx context.Context, agentID string, at time.Time, eventID string, fn func(*DailyMetrics)) (bool, error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return false, err
	}
	applied, err := s.store.Apply(ctx, Key{AgentID: a.ID, ClientID: a.ClientID, Date: at}, eventID, fn)
	if err != nil {
		return false, apperrors.NewTransientError("update metrics", err)
	}
	if !applied {
		s.logger.Debug("duplicate metrics event ignored", "agent_id", agentID, "event_id", eventID)
	}
	return applied, nil
}
