package behavior

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

const sourceLogIndex = "behavior_patterns_source_log_idx"

// PostgresStore implements Store on PostgreSQL. Outcome recording is a
// single UPDATE, so concurrent applications never lose an update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const patternColumns = `id, agent_id, client_id, pattern_type, trigger_context, action_config, metadata,
	success_rate, application_count, confidence, is_active, last_used_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Pattern) error {
	trigger, action, md, err := encodePattern(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavior_patterns (`+patternColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.AgentID, p.ClientID, p.PatternType.String(), trigger, action, md,
		p.SuccessRate, p.ApplicationCount, p.Confidence, p.IsActive, nullTime(p.LastUsedAt), p.CreatedAt, p.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == sourceLogIndex {
		return ErrDuplicateSource
	}
	if err != nil {
		return fmt.Errorf("insert behavior pattern: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID, id string) (*Pattern, error) {
	p, err := scanPattern(s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM behavior_patterns WHERE client_id = $1 AND id = $2`, clientID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Pattern) error {
	trigger, action, md, err := encodePattern(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE behavior_patterns
		SET pattern_type = $3, trigger_context = $4, action_config = $5, metadata = $6,
		    confidence = $7, updated_at = $8
		WHERE client_id = $1 AND id = $2`,
		p.ClientID, p.ID, p.PatternType.String(), trigger, action, md, p.Confidence, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update behavior pattern: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, clientID, id string, active bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE behavior_patterns SET is_active = $3, updated_at = $4 WHERE client_id = $1 AND id = $2`,
		clientID, id, active, at)
	if err != nil {
		return fmt.Errorf("set behavior pattern active: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Pattern, error) {
	where := []string{"client_id = $1"}
	args := []interface{}{f.ClientID}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if f.PatternType != nil {
		args = append(args, f.PatternType.String())
		where = append(where, fmt.Sprintf("pattern_type = $%d", len(args)))
	}
	query := `SELECT ` + patternColumns + ` FROM behavior_patterns WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list behavior patterns: %w", err)
	}
	defer rows.Close()
	var list []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (s *PostgresStore) RecordApplication(ctx context.Context, clientID, id string, success bool, at time.Time) (*Pattern, error) {
	outcome := 0.0
	if success {
		outcome = 1
	}
	// Right-hand sides see the pre-update row, so application_count + 1 is the new count.
	p, err := scanPattern(s.db.QueryRowContext(ctx, `
		UPDATE behavior_patterns
		SET application_count = application_count + 1,
		    success_rate = success_rate + ($3 - success_rate) / (application_count + 1),
		    last_used_at = $4, updated_at = $4
		WHERE client_id = $1 AND id = $2
		RETURNING `+patternColumns, clientID, id, outcome, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) Stats(ctx context.Context, clientID, agentID string) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_type, is_active, COUNT(*), COALESCE(SUM(success_rate), 0), COALESCE(SUM(application_count), 0)
		FROM behavior_patterns
		WHERE client_id = $1 AND agent_id = $2
		GROUP BY pattern_type, is_active`, clientID, agentID)
	if err != nil {
		return nil, fmt.Errorf("pattern stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{AgentID: agentID, ByType: make(map[string]int)}
	var rateSum float64
	for rows.Next() {
		var patternType string
		var active bool
		var count, apps int
		var rate float64
		if err := rows.Scan(&patternType, &active, &count, &rate, &apps); err != nil {
			return nil, fmt.Errorf("scan pattern stats: %w", err)
		}
		st.Total += count
		if !active {
			continue
		}
		st.Active += count
		st.ByType[patternType] += count
		rateSum += rate
		st.TotalApplications += apps
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if st.Active > 0 {
		st.AvgSuccessRate = rateSum / float64(st.Active)
	}
	return st, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, clientID string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE behavior_patterns SET is_active = FALSE, updated_at = $3
		WHERE client_id = $1 AND id = ANY($2) AND is_active`, clientID, pq.Array(ids), at)
	if err != nil {
		return 0, fmt.Errorf("deactivate behavior patterns: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string, at time.Time) ([]string, error) {
	if keep == nil {
		keep = []string{}
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE behavior_patterns SET is_active = FALSE, updated_at = $5
		WHERE client_id = $1 AND agent_id = $2 AND is_active AND created_at >= $3 AND NOT (id = ANY($4))
		RETURNING id`, clientID, agentID, since, pq.Array(keep), at)
	if err != nil {
		return nil, fmt.Errorf("deactivate behavior patterns: %w", err)
	}
	return scanIDs(rows)
}

func (s *PostgresStore) FindBySourceLog(ctx context.Context, clientID, logID string) (*Pattern, error) {
	p, err := scanPattern(s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM behavior_patterns WHERE client_id = $1 AND metadata->>'learning_log_id' = $2`,
		clientID, logID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM behavior_patterns WHERE client_id = $1 AND agent_id = $2 AND is_active ORDER BY id`,
		clientID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list active pattern ids: %w", err)
	}
	return scanIDs(rows)
}

func (s *PostgresStore) CountActive(ctx context.Context, clientID, agentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM behavior_patterns WHERE client_id = $1 AND agent_id = $2 AND is_active`,
		clientID, agentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active patterns: %w", err)
	}
	return n, nil
}

func encodePattern(p *Pattern) (trigger, action, md string, err error) {
	tb, err := json.Marshal(p.TriggerContext)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal trigger_context: %w", err)
	}
	ab, err := json.Marshal(nonNil(p.ActionConfig))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal action_config: %w", err)
	}
	mb, err := json.Marshal(p.storedMetadata())
	if err != nil {
		return "", "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(tb), string(ab), string(mb), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var p Pattern
	var patternType string
	var trigger, action, md []byte
	var lastUsed sql.NullTime
	err := row.Scan(
		&p.ID, &p.AgentID, &p.ClientID, &patternType, &trigger, &action, &md,
		&p.SuccessRate, &p.ApplicationCount, &p.Confidence, &p.IsActive, &lastUsed, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan behavior pattern: %w", err)
	}
	if err := json.Unmarshal(trigger, &p.TriggerContext); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_context: %w", err)
	}
	if err := json.Unmarshal(action, &p.ActionConfig); err != nil {
		return nil, fmt.Errorf("unmarshal action_config: %w", err)
	}
	if err := json.Unmarshal(md, &p.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		p.LastUsedAt = &t
	}
	p.PatternType = restoreType(patternType, p.Metadata)
	return &p, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
