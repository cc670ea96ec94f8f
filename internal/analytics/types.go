// Package analytics keeps the per-agent daily metrics rows.
package analytics

import (
	"fmt"
	"time"

	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// DailyMetrics is one (agent_id, metric_date) row.
type DailyMetrics struct {
	AgentID    string    `json:"agent_id"`
	ClientID   string    `json:"client_id"`
	MetricDate time.Time `json:"metric_date"`

	TotalMemories  int `json:"total_memories"`
	ActiveMemories int `json:"active_memories"`
	TotalPatterns  int `json:"total_patterns"`
	ActivePatterns int `json:"active_patterns"`

	NewLearnings     int     `json:"new_learnings"`
	LearningVelocity float64 `json:"learning_velocity"`
	AvgConfidence    float64 `json:"avg_confidence"`

	InteractionsCount int     `json:"interactions_count"`
	SuccessfulCount   int     `json:"successful_count"`
	SuccessRate       float64 `json:"success_rate"`
	ResponseTimeCount int     `json:"response_time_count"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	SatisfactionCount int     `json:"satisfaction_count"`
	AvgSatisfaction   float64 `json:"avg_satisfaction"`

	MemoryUsageCount    int `json:"memory_usage_count"`
	PatternApplications int `json:"pattern_applications"`
	AutoApprovals       int `json:"auto_approvals"`
	ManualApprovals     int `json:"manual_approvals"`
	Rejections          int `json:"rejections"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Day returns the UTC calendar day containing t.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Period names a trailing window of days ending today.
type Period string

const (
	PeriodToday      Period = "today"
	PeriodLast7Days  Period = "last_7_days"
	PeriodLast30Days Period = "last_30_days"
	PeriodLast90Days Period = "last_90_days"
)

// Days is the number of calendar days the period covers, today included.
func (p Period) Days() int {
	switch p {
	case PeriodToday:
		return 1
	case PeriodLast7Days:
		return 7
	case PeriodLast90Days:
		return 90
	default:
		return 30
	}
}

// ParsePeriod validates a period name. An empty name means last_30_days.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return PeriodLast30Days, nil
	case PeriodToday, PeriodLast7Days, PeriodLast30Days, PeriodLast90Days:
		return p, nil
	default:
		return "", apperrors.NewValidationError(fmt.Sprintf("unknown period %q", s))
	}
}

// Aggregate folds a series of daily rows into scalars.
type Aggregate struct {
	AgentID             string  `json:"agent_id"`
	Period              Period  `json:"period,omitempty"`
	Days                int     `json:"days"`
	InteractionsCount   int     `json:"interactions_count"`
	SuccessfulCount     int     `json:"successful_count"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseTimeMs   float64 `json:"avg_response_time_ms"`
	AvgSatisfaction     float64 `json:"avg_satisfaction"`
	MemoryUsageCount    int     `json:"memory_usage_count"`
	PatternApplications int     `json:"pattern_applications"`
	NewLearnings        int     `json:"new_learnings"`
	LearningVelocity    float64 `json:"learning_velocity"`
	AutoApprovals       int     `json:"auto_approvals"`
	ManualApprovals     int     `json:"manual_approvals"`
	Rejections          int     `json:"rejections"`
}

// Fold aggregates rows. Averages are weighted by their sample counts.
func Fold(agentID string, days int, rows []*DailyMetrics) Aggregate {
	agg := Aggregate{AgentID: agentID, Days: days}
	var rtCount, satCount int
	var rtSum, satSum float64
	for _, r := range rows {
		agg.InteractionsCount += r.InteractionsCount
		agg.SuccessfulCount += r.SuccessfulCount
		agg.MemoryUsageCount += r.MemoryUsageCount
		agg.PatternApplications += r.PatternApplications
		agg.NewLearnings += r.NewLearnings
		agg.AutoApprovals += r.AutoApprovals
		agg.ManualApprovals += r.ManualApprovals
		agg.Rejections += r.Rejections
		rtCount += r.ResponseTimeCount
		rtSum += r.AvgResponseTimeMs * float64(r.ResponseTimeCount)
		satCount += r.SatisfactionCount
		satSum += r.AvgSatisfaction * float64(r.SatisfactionCount)
	}
	if agg.InteractionsCount > 0 {
		agg.SuccessRate = float64(agg.SuccessfulCount) / float64(agg.InteractionsCount)
	}
	if rtCount > 0 {
		agg.AvgResponseTimeMs = rtSum / float64(rtCount)
	}
	if satCount > 0 {
		agg.AvgSatisfaction = satSum / float64(satCount)
	}
	if days > 0 {
		agg.LearningVelocity = float64(agg.NewLearnings) / float64(days)
	}
	return agg
}
