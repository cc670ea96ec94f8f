package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/blueberrycongee/sicc/internal/metrics"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Score weights for quota eviction.
const (
	confidenceWeight = 0.4
	usageWeight      = 0.4
	recencyWeight    = 0.2
	// recencyScaleDays sets how fast an idle chunk loses its recency score.
	recencyScaleDays = 30.0
)

// RetentionPolicy is the subset of agent settings retention reads.
type RetentionPolicy struct {
	MaxChunks           int
	ImportanceThreshold float64
	RetentionDays       int
}

// RetentionResult lists the chunks a retention pass deactivated.
type RetentionResult struct {
	Expired []string `json:"expired"`
	Evicted []string `json:"evicted"`
}

// Score ranks a chunk for quota eviction; lower scores go first.
// usage is normalized by the agent's highest usage count and recency decays
// exponentially from the last access (or creation when never accessed).
func Score(c *Chunk, maxUsage int, now time.Time) float64 {
	usage := 0.0
	if maxUsage > 0 {
		usage = float64(c.UsageCount) / float64(maxUsage)
	}
	last := c.CreatedAt
	if c.LastAccessedAt != nil {
		last = *c.LastAccessedAt
	}
	ageDays := now.Sub(last).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / recencyScaleDays)
	return confidenceWeight*c.Confidence + usageWeight*usage + recencyWeight*recency
}

// ApplyRetention expires stale low-importance chunks and then enforces the
// active-chunk quota for one agent.
func (s *Service) ApplyRetention(ctx context.Context, clientID, agentID string, p RetentionPolicy) (*RetentionResult, error) {
	active := true
	chunks, err := s.store.List(ctx, Filter{ClientID: clientID, AgentID: agentID, IsActive: &active})
	if err != nil {
		return nil, apperrors.NewTransientError("list memory chunks", err)
	}

	now := s.timestamp()
	cutoff := now.AddDate(0, 0, -p.RetentionDays)
	res := &RetentionResult{}

	remaining := chunks[:0:0]
	for _, c := range chunks {
		if c.Confidence < p.ImportanceThreshold && c.UsageCount == 0 && c.CreatedAt.Before(cutoff) {
			res.Expired = append(res.Expired, c.ID)
			continue
		}
		remaining = append(remaining, c)
	}

	if p.MaxChunks > 0 && len(remaining) > p.MaxChunks {
		maxUsage := 0
		for _, c := range remaining {
			if c.UsageCount > maxUsage {
				maxUsage = c.UsageCount
			}
		}
		sort.SliceStable(remaining, func(i, j int) bool {
			si, sj := Score(remaining[i], maxUsage, now), Score(remaining[j], maxUsage, now)
			if si != sj {
				return si < sj
			}
			if !remaining[i].CreatedAt.Equal(remaining[j].CreatedAt) {
				return remaining[i].CreatedAt.Before(remaining[j].CreatedAt)
			}
			return remaining[i].ID < remaining[j].ID
		})
		for _, c := range remaining[:len(remaining)-p.MaxChunks] {
			res.Evicted = append(res.Evicted, c.ID)
		}
	}

	if len(res.Expired) > 0 {
		if _, err := s.store.Deactivate(ctx, clientID, res.Expired, now); err != nil {
			return nil, apperrors.NewTransientError("expire memory chunks", err)
		}
		metrics.RetentionDeactivations.WithLabelValues("memory", "expired").Add(float64(len(res.Expired)))
	}
	if len(res.Evicted) > 0 {
		if _, err := s.store.Deactivate(ctx, clientID, res.Evicted, now); err != nil {
			return nil, apperrors.NewTransientError("evict memory chunks", err)
		}
		metrics.RetentionDeactivations.WithLabelValues("memory", "quota").Add(float64(len(res.Evicted)))
	}
	if len(res.Expired)+len(res.Evicted) > 0 {
		s.logger.Info("memory retention applied",
			"agent_id", agentID, "expired", len(res.Expired), "evicted", len(res.Evicted))
	}
	return res, nil
}

func sortByUsage(chunks []*Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].UsageCount != chunks[j].UsageCount {
			return chunks[i].UsageCount > chunks[j].UsageCount
		}
		return chunks[i].Confidence > chunks[j].Confidence
	})
}
