package behavior

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store. RecordApplication runs
// under the write lock, which serializes outcomes per pattern.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patterns: make(map[string]*Pattern)}
}

func (s *MemoryStore) Create(ctx context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logID, ok := p.Metadata[SourceLogMetadataKey].(string); ok && logID != "" {
		if s.bySourceLocked(p.ClientID, logID) != nil {
			return ErrDuplicateSource
		}
	}
	cp := p.Clone()
	cp.Metadata = p.storedMetadata()
	s.patterns[p.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, clientID, id string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok || p.ClientID != clientID {
		return nil, nil
	}
	return out(p), nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.patterns[p.ID]
	if !ok || existing.ClientID != p.ClientID {
		return nil
	}
	cp := p.Clone()
	cp.Metadata = p.storedMetadata()
	// Outcome statistics are owned by RecordApplication.
	cp.SuccessRate = existing.SuccessRate
	cp.ApplicationCount = existing.ApplicationCount
	cp.LastUsedAt = existing.LastUsedAt
	cp.IsActive = existing.IsActive
	cp.CreatedAt = existing.CreatedAt
	s.patterns[p.ID] = cp
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, clientID, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok || p.ClientID != clientID {
		return nil
	}
	p.IsActive = active
	p.UpdatedAt = at
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*Pattern
	for _, p := range s.patterns {
		if p.ClientID != f.ClientID {
			continue
		}
		if f.AgentID != "" && p.AgentID != f.AgentID {
			continue
		}
		if f.IsActive != nil && p.IsActive != *f.IsActive {
			continue
		}
		if f.PatternType != nil && p.PatternType.String() != f.PatternType.String() {
			continue
		}
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(list) {
			return nil, nil
		}
		list = list[f.Offset:]
	}
	if f.Limit > 0 && len(list) > f.Limit {
		list = list[:f.Limit]
	}
	result := make([]*Pattern, len(list))
	for i, p := range list {
		result[i] = out(p)
	}
	return result, nil
}

func (s *MemoryStore) RecordApplication(ctx context.Context, clientID, id string, success bool, at time.Time) (*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok || p.ClientID != clientID {
		return nil, nil
	}
	outcome := 0.0
	if success {
		outcome = 1
	}
	p.ApplicationCount++
	p.SuccessRate += (outcome - p.SuccessRate) / float64(p.ApplicationCount)
	t := at
	p.LastUsedAt = &t
	p.UpdatedAt = at
	return out(p), nil
}

func (s *MemoryStore) Stats(ctx context.Context, clientID, agentID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &Stats{AgentID: agentID, ByType: make(map[string]int)}
	var rateSum float64
	for _, p := range s.patterns {
		if p.ClientID != clientID || p.AgentID != agentID {
			continue
		}
		st.Total++
		if !p.IsActive {
			continue
		}
		st.Active++
		st.ByType[p.PatternType.String()]++
		rateSum += p.SuccessRate
		st.TotalApplications += p.ApplicationCount
	}
	if st.Active > 0 {
		st.AvgSuccessRate = rateSum / float64(st.Active)
	}
	return st, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, clientID string, ids []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		p, ok := s.patterns[id]
		if !ok || p.ClientID != clientID || !p.IsActive {
			continue
		}
		p.IsActive = false
		p.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	var ids []string
	for _, p := range s.patterns {
		if p.ClientID != clientID || p.AgentID != agentID || !p.IsActive || p.CreatedAt.Before(since) || kept[p.ID] {
			continue
		}
		p.IsActive = false
		p.UpdatedAt = at
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) FindBySourceLog(ctx context.Context, clientID, logID string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.bySourceLocked(clientID, logID); p != nil {
		return out(p), nil
	}
	return nil, nil
}

func (s *MemoryStore) ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, p := range s.patterns {
		if p.ClientID == clientID && p.AgentID == agentID && p.IsActive {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, clientID, agentID string) (int, error) {
	ids, err := s.ActiveIDs(ctx, clientID, agentID)
	return len(ids), err
}

func (s *MemoryStore) bySourceLocked(clientID, logID string) *Pattern {
	for _, p := range s.patterns {
		if p.ClientID != clientID {
			continue
		}
		if v, ok := p.Metadata[SourceLogMetadataKey].(string); ok && v == logID {
			return p
		}
	}
	return nil
}

func out(p *Pattern) *Pattern {
	cp := p.Clone()
	cp.PatternType = restoreType(p.PatternType.String(), p.Metadata)
	return cp
}
