package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store on the agent_metrics table. Rows are
// locked with SELECT ... FOR UPDATE so concurrent updates to the same
// (agent_id, metric_date) apply one after another.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const metricColumns = `agent_id, client_id, metric_date, total_memories, active_memories, total_patterns,
	active_patterns, new_learnings, learning_velocity, avg_confidence, interactions_count, successful_count,
	success_rate, response_time_count, avg_response_time_ms, satisfaction_count, avg_satisfaction,
	memory_usage_count, pattern_applications, auto_approvals, manual_approvals, rejections, updated_at`

func (s *PostgresStore) Apply(ctx context.Context, key Key, eventID string, fn func(*DailyMetrics)) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin metrics tx: %w", err)
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	if eventID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO agent_metric_events (event_id, agent_id) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
			eventID, key.AgentID)
		if err != nil {
			return false, fmt.Errorf("claim metric event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
	}

	date := Day(key.Date).Format(time.DateOnly)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_metrics (agent_id, client_id, metric_date) VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, metric_date) DO NOTHING`, key.AgentID, key.ClientID, date); err != nil {
		return false, fmt.Errorf("insert metrics row: %w", err)
	}
	row, err := scanMetrics(tx.QueryRowContext(ctx,
		`SELECT `+metricColumns+` FROM agent_metrics WHERE agent_id = $1 AND metric_date = $2 FOR UPDATE`,
		key.AgentID, date))
	if err != nil {
		return false, err
	}

	fn(row)

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_metrics SET
		    total_memories = $3, active_memories = $4, total_patterns = $5, active_patterns = $6,
		    new_learnings = $7, learning_velocity = $8, avg_confidence = $9,
		    interactions_count = $10, successful_count = $11, success_rate = $12,
		    response_time_count = $13, avg_response_time_ms = $14,
		    satisfaction_count = $15, avg_satisfaction = $16,
		    memory_usage_count = $17, pattern_applications = $18,
		    auto_approvals = $19, manual_approvals = $20, rejections = $21, updated_at = NOW()
		WHERE agent_id = $1 AND metric_date = $2`,
		key.AgentID, date,
		row.TotalMemories, row.ActiveMemories, row.TotalPatterns, row.ActivePatterns,
		row.NewLearnings, row.LearningVelocity, row.AvgConfidence,
		row.InteractionsCount, row.SuccessfulCount, row.SuccessRate,
		row.ResponseTimeCount, row.AvgResponseTimeMs,
		row.SatisfactionCount, row.AvgSatisfaction,
		row.MemoryUsageCount, row.PatternApplications,
		row.AutoApprovals, row.ManualApprovals, row.Rejections,
	); err != nil {
		return false, fmt.Errorf("update metrics row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit metrics tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Range(ctx context.Context, clientID, agentID string, from, to time.Time) ([]*DailyMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metricColumns+` FROM agent_metrics
		WHERE client_id = $1 AND agent_id = $2 AND metric_date BETWEEN $3 AND $4
		ORDER BY metric_date`,
		clientID, agentID, Day(from).Format(time.DateOnly), Day(to).Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()
	var out []*DailyMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMetrics(row rowScanner) (*DailyMetrics, error) {
	var m DailyMetrics
	if err := row.Scan(
		&m.AgentID, &m.ClientID, &m.MetricDate, &m.TotalMemories, &m.ActiveMemories, &m.TotalPatterns,
		&m.ActivePatterns, &m.NewLearnings, &m.LearningVelocity, &m.AvgConfidence, &m.InteractionsCount,
		&m.SuccessfulCount, &m.SuccessRate, &m.ResponseTimeCount, &m.AvgResponseTimeMs, &m.SatisfactionCount,
		&m.AvgSatisfaction, &m.MemoryUsageCount, &m.PatternApplications, &m.AutoApprovals, &m.ManualApprovals,
		&m.Rejections, &m.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan metrics row: %w", err)
	}
	m.MetricDate = Day(m.MetricDate)
	return &m, nil
}
