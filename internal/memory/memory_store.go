package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/sicc/internal/embedding"
)

// MemoryStore is a thread-safe in-memory Store with brute-force cosine search.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]*Chunk
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]*Chunk)}
}

func (s *MemoryStore) Create(ctx context.Context, c *Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if logID, ok := c.Metadata[SourceLogMetadataKey].(string); ok && logID != "" {
		if s.bySourceLocked(c.ClientID, logID) != nil {
			return ErrDuplicateSource
		}
	}
	cp := c.Clone()
	cp.Metadata = c.storedMetadata()
	s.chunks[c.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, clientID, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	if !ok || c.ClientID != clientID {
		return nil, nil
	}
	return s.out(c), nil
}

func (s *MemoryStore) Update(ctx context.Context, c *Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.chunks[c.ID]
	if !ok || existing.ClientID != c.ClientID {
		return nil
	}
	cp := c.Clone()
	cp.Metadata = c.storedMetadata()
	cp.IsActive = existing.IsActive
	cp.UsageCount = existing.UsageCount
	cp.LastAccessedAt = existing.LastAccessedAt
	cp.CreatedAt = existing.CreatedAt
	s.chunks[c.ID] = cp
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, clientID, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok || c.ClientID != clientID {
		return nil
	}
	c.IsActive = active
	c.UpdatedAt = at
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Chunk
	for _, c := range s.chunks {
		if c.ClientID != f.ClientID {
			continue
		}
		if f.AgentID != "" && c.AgentID != f.AgentID {
			continue
		}
		if f.IsActive != nil && c.IsActive != *f.IsActive {
			continue
		}
		if f.ChunkType != nil && c.ChunkType.String() != f.ChunkType.String() {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	result := make([]*Chunk, len(out))
	for i, c := range out {
		result[i] = s.out(c)
	}
	return result, nil
}

func (s *MemoryStore) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SearchResult
	for _, c := range s.chunks {
		if c.ClientID != q.ClientID || c.AgentID != q.AgentID || !c.IsActive {
			continue
		}
		if len(c.Embedding) == 0 || len(c.Embedding) != len(q.Vector) {
			continue
		}
		if q.ChunkType != nil && c.ChunkType.String() != q.ChunkType.String() {
			continue
		}
		sim := embedding.CosineSimilarity(q.Vector, c.Embedding)
		if sim <= q.Threshold {
			continue
		}
		results = append(results, SearchResult{Chunk: c, Similarity: sim})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	for i := range results {
		results[i].Chunk = s.out(results[i].Chunk)
	}
	return results, nil
}

func (s *MemoryStore) Touch(ctx context.Context, clientID string, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		c, ok := s.chunks[id]
		if !ok || c.ClientID != clientID {
			continue
		}
		c.UsageCount++
		t := at
		c.LastAccessedAt = &t
	}
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, clientID, agentID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{AgentID: agentID, ByType: make(map[string]int)}
	var confSum float64
	for _, c := range s.chunks {
		if c.ClientID != clientID || c.AgentID != agentID {
			continue
		}
		st.Total++
		if !c.IsActive {
			continue
		}
		st.Active++
		st.ByType[c.ChunkType.String()]++
		confSum += c.Confidence
		st.TotalUsage += c.UsageCount
	}
	if st.Active > 0 {
		st.AvgConfidence = confSum / float64(st.Active)
	}
	return st, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, clientID string, ids []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		c, ok := s.chunks[id]
		if !ok || c.ClientID != clientID || !c.IsActive {
			continue
		}
		c.IsActive = false
		c.UpdatedAt = at
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
	for _, c := range s.chunks {
		if c.ClientID != clientID || c.AgentID != agentID || !c.IsActive || c.CreatedAt.Before(since) || kept[c.ID] {
			continue
		}
		c.IsActive = false
		c.UpdatedAt = at
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) FindBySourceLog(ctx context.Context, clientID, logID string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.bySourceLocked(clientID, logID); c != nil {
		return s.out(c), nil
	}
	return nil, nil
}

func (s *MemoryStore) ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, c := range s.chunks {
		if c.ClientID == clientID && c.AgentID == agentID && c.IsActive {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, clientID, agentID string) (int, error) {
	ids, err := s.ActiveIDs(ctx, clientID, agentID)
	return len(ids), err
}

func (s *MemoryStore) bySourceLocked(clientID, logID string) *Chunk {
	for _, c := range s.chunks {
		if c.ClientID != clientID {
			continue
		}
		if v, ok := c.Metadata[SourceLogMetadataKey].(string); ok && v == logID {
			return c
		}
	}
	return nil
}

// out returns a copy with the chunk type restored from metadata, the way
// PostgresStore reads it back.
func (s *MemoryStore) out(c *Chunk) *Chunk {
	cp := c.Clone()
	cp.ChunkType = restoreType(c.ChunkType.String(), c.Metadata)
	cp.HasEmbedding = len(cp.Embedding) > 0
	return cp
}
