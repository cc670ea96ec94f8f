package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Filter selects one agent's snapshots, newest first.
type Filter struct {
	ClientID string
	AgentID  string
	Type     Type
	Limit    int
	Offset   int
}

// Store persists snapshots.
type Store interface {
	Create(ctx context.Context, s *Snapshot) error
	// Get returns nil when the snapshot does not exist for clientID.
	Get(ctx context.Context, clientID, id string) (*Snapshot, error)
	List(ctx context.Context, f Filter) ([]*Snapshot, error)
	// ListBefore returns up to limit snapshots of any tenant created before
	// cutoff, oldest first. Used by the archive job only.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Snapshot, error)
	// Delete removes snapshots by id and returns how many existed.
	Delete(ctx context.Context, ids []string) (int, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, clientID, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[id]
	if !ok || s.ClientID != clientID {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*Snapshot
	for _, s := range m.snaps {
		if s.ClientID != f.ClientID || s.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && s.SnapshotType != f.Type {
			continue
		}
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	return page(list, f.Offset, f.Limit), nil
}

func (m *MemoryStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*Snapshot
	for _, s := range m.snaps {
		if s.CreatedAt.Before(cutoff) {
			list = append(list, s)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return page(list, 0, limit), nil
}

func (m *MemoryStore) Delete(ctx context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.snaps[id]; ok {
			delete(m.snaps, id)
			n++
		}
	}
	return n, nil
}

func page(list []*Snapshot, offset, limit int) []*Snapshot {
	if offset > 0 {
		if offset >= len(list) {
			return nil
		}
		list = list[offset:]
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Snapshot, len(list))
	for i, s := range list {
		out[i] = s.Clone()
	}
	return out
}
