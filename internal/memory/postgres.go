package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// sourceLogIndex is the unique partial index on (client_id, metadata->>'learning_log_id').
const sourceLogIndex = "memory_chunks_source_log_idx"

// PostgresStore implements Store on PostgreSQL with a pgvector column.
// Similarity search uses the cosine distance operator so the HNSW
// vector_cosine_ops index serves it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const chunkColumns = `id, agent_id, client_id, content, chunk_type, metadata, embedding,
	confidence, usage_count, last_accessed_at, version, is_active, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, c *Chunk) error {
	md, err := json.Marshal(c.storedMetadata())
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_chunks (`+chunkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.AgentID, c.ClientID, c.Content, c.ChunkType.String(), string(md), vectorArg(c.Embedding),
		c.Confidence, c.UsageCount, nullTime(c.LastAccessedAt), c.Version, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == sourceLogIndex {
		return ErrDuplicateSource
	}
	if err != nil {
		return fmt.Errorf("insert memory chunk: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM memory_chunks WHERE client_id = $1 AND id = $2`, clientID, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) Update(ctx context.Context, c *Chunk) error {
	md, err := json.Marshal(c.storedMetadata())
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE memory_chunks
		SET content = $3, chunk_type = $4, metadata = $5, embedding = $6,
		    confidence = $7, version = $8, updated_at = $9
		WHERE client_id = $1 AND id = $2`,
		c.ClientID, c.ID, c.Content, c.ChunkType.String(), string(md), vectorArg(c.Embedding),
		c.Confidence, c.Version, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update memory chunk: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, clientID, id string, active bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_chunks SET is_active = $3, updated_at = $4 WHERE client_id = $1 AND id = $2`,
		clientID, id, active, at)
	if err != nil {
		return fmt.Errorf("set memory chunk active: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Chunk, error) {
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
	if f.ChunkType != nil {
		args = append(args, f.ChunkType.String())
		where = append(where, fmt.Sprintf("chunk_type = $%d", len(args)))
	}

	query := `SELECT ` + chunkColumns + ` FROM memory_chunks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryChunks(ctx, query, args...)
}

func (s *PostgresStore) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	args := []interface{}{q.ClientID, q.AgentID, pgvector.NewVector(q.Vector), q.Threshold}
	query := `SELECT ` + chunkColumns + `, 1 - (embedding <=> $3) AS similarity
		FROM memory_chunks
		WHERE client_id = $1 AND agent_id = $2 AND is_active AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $3) > $4`
	if q.ChunkType != nil {
		args = append(args, q.ChunkType.String())
		query += fmt.Sprintf(" AND chunk_type = $%d", len(args))
	}
	query += " ORDER BY embedding <=> $3, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var sim float64
		c, err := scanChunk(rows, &sim)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Chunk: c, Similarity: sim})
	}
	return results, rows.Err()
}

func (s *PostgresStore) Touch(ctx context.Context, clientID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_chunks
		SET usage_count = usage_count + 1, last_accessed_at = $3
		WHERE client_id = $1 AND id = ANY($2)`,
		clientID, pq.Array(ids), at,
	)
	if err != nil {
		return fmt.Errorf("touch memory chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context, clientID, agentID string) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_type, is_active, COUNT(*), COALESCE(SUM(confidence), 0), COALESCE(SUM(usage_count), 0)
		FROM memory_chunks
		WHERE client_id = $1 AND agent_id = $2
		GROUP BY chunk_type, is_active`, clientID, agentID)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{AgentID: agentID, ByType: make(map[string]int)}
	var confSum float64
	for rows.Next() {
		var chunkType string
		var active bool
		var count, usage int
		var conf float64
		if err := rows.Scan(&chunkType, &active, &count, &conf, &usage); err != nil {
			return nil, fmt.Errorf("scan memory stats: %w", err)
		}
		st.Total += count
		if !active {
			continue
		}
		st.Active += count
		st.ByType[chunkType] += count
		confSum += conf
		st.TotalUsage += usage
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if st.Active > 0 {
		st.AvgConfidence = confSum / float64(st.Active)
	}
	return st, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, clientID string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_chunks SET is_active = FALSE, updated_at = $3
		WHERE client_id = $1 AND id = ANY($2) AND is_active`,
		clientID, pq.Array(ids), at)
	if err != nil {
		return 0, fmt.Errorf("deactivate memory chunks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string, at time.Time) ([]string, error) {
	if keep == nil {
		keep = []string{}
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE memory_chunks SET is_active = FALSE, updated_at = $5
		WHERE client_id = $1 AND agent_id = $2 AND is_active AND created_at >= $3 AND NOT (id = ANY($4))
		RETURNING id`, clientID, agentID, since, pq.Array(keep), at)
	if err != nil {
		return nil, fmt.Errorf("deactivate memory chunks: %w", err)
	}
	return scanIDs(rows)
}

func (s *PostgresStore) FindBySourceLog(ctx context.Context, clientID, logID string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM memory_chunks WHERE client_id = $1 AND metadata->>'learning_log_id' = $2`,
		clientID, logID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM memory_chunks WHERE client_id = $1 AND agent_id = $2 AND is_active ORDER BY id`,
		clientID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list active memory ids: %w", err)
	}
	return scanIDs(rows)
}

func (s *PostgresStore) CountActive(ctx context.Context, clientID, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_chunks WHERE client_id = $1 AND agent_id = $2 AND is_active`,
		clientID, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active memory chunks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner, extra ...interface{}) (*Chunk, error) {
	var c Chunk
	var chunkType string
	var md []byte
	var vec sql.NullString
	var lastAccessed sql.NullTime

	dest := []interface{}{
		&c.ID, &c.AgentID, &c.ClientID, &c.Content, &chunkType, &md, &vec,
		&c.Confidence, &c.UsageCount, &lastAccessed, &c.Version, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan memory chunk: %w", err)
	}

	if len(md) > 0 {
		if err := json.Unmarshal(md, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if vec.Valid {
		var v pgvector.Vector
		if err := v.Scan(vec.String); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		c.Embedding = v.Slice()
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		c.LastAccessedAt = &t
	}
	c.ChunkType = restoreType(chunkType, c.Metadata)
	c.HasEmbedding = len(c.Embedding) > 0
	return &c, nil
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

func vectorArg(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
