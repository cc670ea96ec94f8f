package learning

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateLog is returned by Create when the id already exists.
	ErrDuplicateLog = errors.New("learning log already exists")
	// ErrStatusConflict is returned by Transition when the log is no
	// longer in one of the expected states.
	ErrStatusConflict = errors.New("learning log status changed concurrently")
)

// Transition describes a compare-and-swap status change.
type Transition struct {
	From         []Status
	To           Status
	ReviewedBy   string
	ArtifactType Target
	ArtifactID   string
	At           time.Time
}

// Store persists learning logs. Every method is scoped by client id.
type Store interface {
	Create(ctx context.Context, l *Log) error
	// Get returns nil when the log does not exist for the client.
	Get(ctx context.Context, clientID, id string) (*Log, error)
	List(ctx context.Context, f Filter) ([]*Log, error)
	// Transition moves the log to t.To only if its status is in t.From.
	// It returns nil when the log does not exist and ErrStatusConflict
	// when the status did not match.
	Transition(ctx context.Context, clientID, id string, t Transition) (*Log, error)
	// MarkDeferred records a failed inline auto-consolidation on a pending log.
	MarkDeferred(ctx context.Context, clientID, id string, at time.Time) error
	Stats(ctx context.Context, clientID, agentID string) (*Stats, error)
}

// MemoryStore keeps logs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*Log
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*Log)}
}

func (s *MemoryStore) Create(ctx context.Context, l *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[l.ID]; ok {
		return ErrDuplicateLog
	}
	s.logs[l.ID] = l.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, clientID, id string) (*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[id]
	if !ok || l.ClientID != clientID {
		return nil, nil
	}
	return l.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*Log
	for _, l := range s.logs {
		if l.ClientID != f.ClientID {
			continue
		}
		if f.AgentID != "" && l.AgentID != f.AgentID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, l.Status) {
			continue
		}
		if f.Kind != "" && l.Analysis.Kind != f.Kind {
			continue
		}
		if f.MinConfidence > 0 && l.Confidence < f.MinConfidence {
			continue
		}
		list = append(list, l)
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
	out := make([]*Log, len(list))
	for i, l := range list {
		out[i] = l.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, clientID, id string, t Transition) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || l.ClientID != clientID {
		return nil, nil
	}
	if !containsStatus(t.From, l.Status) {
		return nil, ErrStatusConflict
	}
	applyTransition(l, t)
	return l.Clone(), nil
}

func (s *MemoryStore) MarkDeferred(ctx context.Context, clientID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || l.ClientID != clientID || l.Status != StatusPending || l.DeferredAt != nil {
		return nil
	}
	t := at
	l.DeferredAt = &t
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, clientID, agentID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []*Log
	for _, l := range s.logs {
		if l.ClientID == clientID && l.AgentID == agentID {
			logs = append(logs, l)
		}
	}
	return summarize(agentID, logs), nil
}

func applyTransition(l *Log, t Transition) {
	l.Status = t.To
	if t.ReviewedBy != "" {
		l.ReviewedBy = t.ReviewedBy
	}
	if t.To == StatusApproved || t.To == StatusRejected {
		at := t.At
		l.ReviewedAt = &at
	}
	if t.ArtifactID != "" {
		l.ArtifactType = t.ArtifactType
		l.ArtifactID = t.ArtifactID
	}
	l.UpdatedAt = t.At
}

func summarize(agentID string, logs []*Log) *Stats {
	st := &Stats{AgentID: agentID, ByStatus: make(map[Status]int), ByKind: make(map[Kind]int)}
	var confSum float64
	for _, l := range logs {
		st.Total++
		st.ByStatus[l.Status]++
		st.ByKind[l.Analysis.Kind]++
		confSum += l.Confidence
	}
	if st.Total > 0 {
		st.AvgConfidence = confSum / float64(st.Total)
	}
	approved := st.ByStatus[StatusApproved] + st.ByStatus[StatusAutoApproved]
	if decided := approved + st.ByStatus[StatusRejected]; decided > 0 {
		st.ApprovalRate = float64(approved) / float64(decided)
	}
	return st
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
