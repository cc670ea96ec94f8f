package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

// PostgresStore implements Store on the agent_snapshots table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const snapshotColumns = `id, agent_id, client_id, snapshot_type, memory_count, pattern_count,
	total_interactions, avg_success_rate, snapshot_data, created_at`

func (p *PostgresStore) Create(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("marshal snapshot data: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agent_snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.AgentID, s.ClientID, string(s.SnapshotType), s.MemoryCount, s.PatternCount,
		s.TotalInteractions, s.AvgSuccessRate, string(data), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, clientID, id string) (*Snapshot, error) {
	s, err := scanSnapshot(p.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM agent_snapshots WHERE client_id = $1 AND id = $2`, clientID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM agent_snapshots
		WHERE client_id = $1 AND agent_id = $2 AND ($3 = '' OR snapshot_type = $3)
		ORDER BY created_at DESC, id DESC`
	args := []interface{}{f.ClientID, f.AgentID, string(f.Type)}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return p.query(ctx, query, args...)
}

func (p *PostgresStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Snapshot, error) {
	return p.query(ctx, `SELECT `+snapshotColumns+` FROM agent_snapshots
		WHERE created_at < $1 ORDER BY created_at, id LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM agent_snapshots WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return int(n), nil
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var list []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var s Snapshot
	var typ string
	var data []byte
	err := row.Scan(&s.ID, &s.AgentID, &s.ClientID, &typ, &s.MemoryCount, &s.PatternCount,
		&s.TotalInteractions, &s.AvgSuccessRate, &data, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	s.SnapshotType = Type(typ)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.Data); err != nil {
			return nil, fmt.Errorf("decode snapshot data: %w", err)
		}
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}
