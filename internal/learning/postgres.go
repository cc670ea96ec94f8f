package learning

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

// PostgresStore implements Store on the learning_logs table. Status
// changes are single conditional UPDATEs, so concurrent approvals of the
// same log resolve to exactly one winner.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const logColumns = `id, agent_id, client_id, event_id, learning_type, source_data, analysis, confidence,
	status, reviewed_by, reviewed_at, artifact_type, artifact_id, deferred_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, l *Log) error {
	source, err := json.Marshal(nonNil(l.SourceData))
	if err != nil {
		return fmt.Errorf("marshal source_data: %w", err)
	}
	analysis, err := json.Marshal(l.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.AgentID, l.ClientID, nullString(l.EventID), l.LearningType, string(source), string(analysis),
		l.Confidence, string(l.Status), nullString(l.ReviewedBy), l.ReviewedAt,
		nullString(string(l.ArtifactType)), nullString(l.ArtifactID), l.DeferredAt, l.CreatedAt, l.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateLog
	}
	if err != nil {
		return fmt.Errorf("insert learning log: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID, id string) (*Log, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM learning_logs WHERE client_id = $1 AND id = $2`, clientID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Log, error) {
	where := []string{"client_id = $1"}
	args := []interface{}{f.ClientID}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(f.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("analysis->>'kind' = $%d", len(args)))
	}
	if f.MinConfidence > 0 {
		args = append(args, f.MinConfidence)
		where = append(where, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	query := `SELECT ` + logColumns + ` FROM learning_logs WHERE ` + strings.Join(where, " AND ") +
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
		return nil, fmt.Errorf("list learning logs: %w", err)
	}
	defer rows.Close()
	var list []*Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, clientID, id string, t Transition) (*Log, error) {
	var reviewedAt sql.NullTime
	if t.To == StatusApproved || t.To == StatusRejected {
		reviewedAt = sql.NullTime{Time: t.At, Valid: true}
	}
	l, err := scanLog(s.db.QueryRowContext(ctx, `
		UPDATE learning_logs SET
		    status = $4,
		    reviewed_by = COALESCE(NULLIF($5, ''), reviewed_by),
		    reviewed_at = COALESCE($6, reviewed_at),
		    artifact_type = COALESCE(NULLIF($7, ''), artifact_type),
		    artifact_id = COALESCE(NULLIF($8, ''), artifact_id),
		    updated_at = $9
		WHERE client_id = $1 AND id = $2 AND status = ANY($3)
		RETURNING `+logColumns,
		clientID, id, pq.Array(statusStrings(t.From)), string(t.To), t.ReviewedBy, reviewedAt,
		string(t.ArtifactType), t.ArtifactID, t.At))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM learning_logs WHERE client_id = $1 AND id = $2)`, clientID, id,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check learning log: %w", err)
	}
	if !exists {
		return nil, nil
	}
	return nil, ErrStatusConflict
}

func (s *PostgresStore) Stats(ctx context.Context, clientID, agentID string) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COALESCE(analysis->>'kind', ''), COUNT(*), COALESCE(SUM(confidence), 0)
		FROM learning_logs WHERE client_id = $1 AND agent_id = $2
		GROUP BY 1, 2`, clientID, agentID)
	if err != nil {
		return nil, fmt.Errorf("learning stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{AgentID: agentID, ByStatus: make(map[Status]int), ByKind: make(map[Kind]int)}
	var confSum float64
	for rows.Next() {
		var status, kind string
		var n int
		var sum float64
		if err := rows.Scan(&status, &kind, &n, &sum); err != nil {
			return nil, fmt.Errorf("scan learning stats: %w", err)
		}
		st.Total += n
		st.ByStatus[Status(status)] += n
		st.ByKind[Kind(kind)] += n
		confSum += sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if st.Total > 0 {
		st.AvgConfidence = confSum / float64(st.Total)
	}
	approved := st.ByStatus[StatusApproved] + st.ByStatus[StatusAutoApproved]
	if decided := approved + st.ByStatus[StatusRejected]; decided > 0 {
		st.ApprovalRate = float64(approved) / float64(decided)
	}
	return st, nil
}

func (s *PostgresStore) MarkDeferred(ctx context.Context, clientID, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE learning_logs SET deferred_at = $3
		WHERE client_id = $1 AND id = $2 AND status = 'pending' AND deferred_at IS NULL`,
		clientID, id, at)
	if err != nil {
		return fmt.Errorf("mark learning log deferred: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLog(row rowScanner) (*Log, error) {
	var l Log
	var source, analysis []byte
	var status string
	var eventID, reviewedBy, artifactType, artID sql.NullString
	var reviewedAt, deferredAt sql.NullTime
	err := row.Scan(&l.ID, &l.AgentID, &l.ClientID, &eventID, &l.LearningType, &source, &analysis, &l.Confidence,
		&status, &reviewedBy, &reviewedAt, &artifactType, &artID, &deferredAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan learning log: %w", err)
	}
	if err := json.Unmarshal(source, &l.SourceData); err != nil {
		return nil, fmt.Errorf("decode source_data: %w", err)
	}
	if err := json.Unmarshal(analysis, &l.Analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	l.Status = Status(status)
	l.EventID = eventID.String
	l.ReviewedBy = reviewedBy.String
	l.ArtifactType = Target(artifactType.String)
	l.ArtifactID = artID.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		l.ReviewedAt = &t
	}
	if deferredAt.Valid {
		t := deferredAt.Time
		l.DeferredAt = &t
	}
	return &l, nil
}

func statusStrings(list []Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
