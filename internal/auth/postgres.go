package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on the sicc_api_keys table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, key_hash, key_prefix, name, profile_id, client_id, role,
	is_active, created_at, expires_at, last_used_at`

// GetAPIKeyByHash retrieves an API key by its hash.
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM sicc_api_keys WHERE key_hash = $1`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return key, nil
}

// CreateAPIKey inserts a new API key.
func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sicc_api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.ProfileID, key.ClientID, string(key.Role),
		key.IsActive, key.CreatedAt, nullTime(key.ExpiresAt), nullTime(key.LastUsedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, clientID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM sicc_api_keys WHERE client_id = $1 ORDER BY created_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	out := make([]*APIKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, clientID, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sicc_api_keys SET is_active = FALSE WHERE client_id = $1 AND id = $2`, clientID, keyID)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	return n > 0, nil
}

// UpdateAPIKeyLastUsed updates the last used timestamp.
func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, keyID string, lastUsed time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sicc_api_keys SET last_used_at = $1 WHERE id = $2`, lastUsed, keyID)
	if err != nil {
		return fmt.Errorf("update last_used_at: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key        APIKey
		role       string
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&key.ID, &key.KeyHash, &key.KeyPrefix, &key.Name, &key.ProfileID, &key.ClientID, &role,
		&key.IsActive, &key.CreatedAt, &expiresAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	key.Role = Role(role)
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
