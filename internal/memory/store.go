package memory

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateSource is returned by Create when a chunk already exists for
// the same learning log.
var ErrDuplicateSource = errors.New("memory already consolidated from this learning log")

// Store persists memory chunks. Every method is scoped by client id and
// never returns rows owned by another client.
type Store interface {
	Create(ctx context.Context, c *Chunk) error
	// Get returns nil when the chunk does not exist for clientID.
	Get(ctx context.Context, clientID, id string) (*Chunk, error)
	// Update writes the editable fields. It never changes is_active,
	// usage_count or last_accessed_at.
	Update(ctx context.Context, c *Chunk) error
	// SetActive sets is_active on one chunk.
	SetActive(ctx context.Context, clientID, id string, active bool, at time.Time) error
	List(ctx context.Context, f Filter) ([]*Chunk, error)
	// Search returns active chunks with an embedding whose similarity
	// exceeds the threshold, most similar first.
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	// Touch increments usage_count by one and sets last_accessed_at.
	Touch(ctx context.Context, clientID string, ids []string, at time.Time) error
	Stats(ctx context.Context, clientID, agentID string) (*Stats, error)
	// Deactivate soft-deletes active chunks and returns how many changed.
	Deactivate(ctx context.Context, clientID string, ids []string, at time.Time) (int, error)
	// DeactivateSince soft-deletes active chunks created at or after since
	// whose id is not in keep.
	DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string, at time.Time) ([]string, error)
	// FindBySourceLog returns the chunk consolidated from logID, or nil.
	FindBySourceLog(ctx context.Context, clientID, logID string) (*Chunk, error)
	// ActiveIDs returns the ids of active chunks.
	ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error)
	CountActive(ctx context.Context, clientID, agentID string) (int, error)
}
