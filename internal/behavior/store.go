package behavior

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateSource is returned by Create when a pattern already exists
// for the same learning log.
var ErrDuplicateSource = errors.New("pattern already consolidated from this learning log")

// Store persists behavior patterns scoped by client id.
type Store interface {
	Create(ctx context.Context, p *Pattern) error
	// Get returns nil when the pattern does not exist for clientID.
	Get(ctx context.Context, clientID, id string) (*Pattern, error)
	// Update writes the editable fields. It never changes is_active or the
	// outcome statistics.
	Update(ctx context.Context, p *Pattern) error
	SetActive(ctx context.Context, clientID, id string, active bool, at time.Time) error
	List(ctx context.Context, f Filter) ([]*Pattern, error)
	// RecordApplication atomically folds one outcome into the streaming
	// success mean and returns the updated pattern, or nil when missing.
	RecordApplication(ctx context.Context, clientID, id string, success bool, at time.Time) (*Pattern, error)
	Stats(ctx context.Context, clientID, agentID string) (*Stats, error)
	Deactivate(ctx context.Context, clientID string, ids []string, at time.Time) (int, error)
	// DeactivateSince soft-deletes active patterns created at or after since
	// whose id is not in keep.
	DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string, at time.Time) ([]string, error)
	FindBySourceLog(ctx context.Context, clientID, logID string) (*Pattern, error)
	ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error)
	CountActive(ctx context.Context, clientID, agentID string) (int, error)
}
