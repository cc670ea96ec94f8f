// Package snapshot keeps dated per-agent inventories of active memories and
// patterns and rolls an agent back to one of them.
package snapshot

import (
	"fmt"
	"time"
)

// Type classifies why a snapshot was taken.
type Type string

const (
	TypeAutomatic   Type = "automatic"
	TypeManual      Type = "manual"
	TypeMilestone   Type = "milestone"
	TypePreRollback Type = "pre_rollback"
)

// ParseType accepts the four snapshot types. An empty string means manual.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "":
		return TypeManual, nil
	case TypeAutomatic, TypeManual, TypeMilestone, TypePreRollback:
		return t, nil
	}
	return "", fmt.Errorf("unknown snapshot type %q", s)
}

// Data is the inventory payload stored with a snapshot.
type Data struct {
	MemoryIDs  []string `json:"memory_ids"`
	PatternIDs []string `json:"pattern_ids"`

	// RollbackTarget is set on pre_rollback snapshots.
	RollbackTarget string `json:"rollback_target,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Snapshot is a point-in-time inventory of one agent.
type Snapshot struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	ClientID          string    `json:"client_id"`
	SnapshotType      Type      `json:"snapshot_type"`
	MemoryCount       int       `json:"memory_count"`
	PatternCount      int       `json:"pattern_count"`
	TotalInteractions int       `json:"total_interactions"`
	AvgSuccessRate    float64   `json:"avg_success_rate"`
	Data              Data      `json:"snapshot_data"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data.MemoryIDs = cloneIDs(s.Data.MemoryIDs)
	cp.Data.PatternIDs = cloneIDs(s.Data.PatternIDs)
	return &cp
}

func cloneIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	return append(make([]string, 0, len(ids)), ids...)
}

// Comparison describes how an agent changed between two snapshots.
type Comparison struct {
	Older *Snapshot `json:"older"`
	Newer *Snapshot `json:"newer"`

	MemoriesAdded   []string `json:"memories_added"`
	MemoriesRemoved []string `json:"memories_removed"`
	PatternsAdded   []string `json:"patterns_added"`
	PatternsRemoved []string `json:"patterns_removed"`

	MemoryCountDelta  int     `json:"memory_count_delta"`
	PatternCountDelta int     `json:"pattern_count_delta"`
	InteractionsDelta int     `json:"interactions_delta"`
	SuccessRateDelta  float64 `json:"success_rate_delta"`
	IntervalSeconds   float64 `json:"interval_seconds"`
}

// RollbackResult reports what a rollback deactivated.
type RollbackResult struct {
	Target              *Snapshot `json:"target"`
	PreRollback         *Snapshot `json:"pre_rollback"`
	DeactivatedMemories []string  `json:"deactivated_memories"`
	DeactivatedPatterns []string  `json:"deactivated_patterns"`
}

// ArchiveResult reports an archive pass.
type ArchiveResult struct {
	Cutoff   time.Time `json:"cutoff"`
	Exported int       `json:"exported"`
	Deleted  int       `json:"deleted"`
}

// diff returns the ids in b that are not in a.
func diff(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	out := []string{}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
