package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateKey is returned when a key id or hash already exists.
var ErrDuplicateKey = errors.New("api key already exists")

// Store persists API keys.
type Store interface {
	// GetAPIKeyByHash returns the key or nil when no key has the hash.
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, key *APIKey) error
	// ListAPIKeys returns a client's keys, newest first.
	ListAPIKeys(ctx context.Context, clientID string) ([]*APIKey, error)
	// RevokeAPIKey deactivates a key and reports whether it existed.
	RevokeAPIKey(ctx context.Context, clientID, keyID string) (bool, error)
	UpdateAPIKeyLastUsed(ctx context.Context, keyID string, lastUsed time.Time) error
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[string]*APIKey
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) GetAPIKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	return s.keys[id].Clone(), nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := s.byHash[key.KeyHash]; ok {
		return ErrDuplicateKey
	}
	s.keys[key.ID] = key.Clone()
	s.byHash[key.KeyHash] = key.ID
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, clientID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*APIKey, 0)
	for _, k := range s.keys {
		if k.ClientID == clientID {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, clientID, keyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok || k.ClientID != clientID {
		return false, nil
	}
	k.IsActive = false
	return true, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, keyID string, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		t := lastUsed
		k.LastUsedAt = &t
	}
	return nil
}
