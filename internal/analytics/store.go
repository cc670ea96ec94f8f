package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Key addresses one daily row.
type Key struct {
	AgentID  string
	ClientID string
	Date     time.Time
}

// Store persists daily metrics rows.
type Store interface {
	// Apply runs fn against the row for key, creating a zero row first when
	// missing. Calls for the same key are serialized. When eventID is not
	// empty fn runs at most once per event id and applied reports whether
	// it ran.
	Apply(ctx context.Context, key Key, eventID string, fn func(*DailyMetrics)) (applied bool, err error)
	// Range returns the rows in [from, to] ordered by date.
	Range(ctx context.Context, clientID, agentID string, from, to time.Time) ([]*DailyMetrics, error)
}

// MemoryStore keeps rows in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*DailyMetrics
	events map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*DailyMetrics), events: make(map[string]struct{})}
}

func rowKey(agentID string, date time.Time) string {
	return agentID + "|" + date.Format(time.DateOnly)
}

func (s *MemoryStore) Apply(ctx context.Context, key Key, eventID string, fn func(*DailyMetrics)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventID != "" {
		if _, seen := s.events[eventID]; seen {
			return false, nil
		}
		s.events[eventID] = struct{}{}
	}
	date := Day(key.Date)
	k := rowKey(key.AgentID, date)
	row, ok := s.rows[k]
	if !ok {
		row = &DailyMetrics{AgentID: key.AgentID, ClientID: key.ClientID, MetricDate: date}
		s.rows[k] = row
	}
	fn(row)
	return true, nil
}

func (s *MemoryStore) Range(ctx context.Context, clientID, agentID string, from, to time.Time) ([]*DailyMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, to = Day(from), Day(to)
	var out []*DailyMetrics
	for _, r := range s.rows {
		if r.AgentID != agentID || r.ClientID != clientID {
			continue
		}
		if r.MetricDate.Before(from) || r.MetricDate.After(to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricDate.Before(out[j].MetricDate) })
	return out, nil
}
