package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fresh := &Chunk{Confidence: 1, UsageCount: 10, CreatedAt: now}
	assert.InDelta(t, 1.0, Score(fresh, 10, now), 1e-9)

	stale := &Chunk{Confidence: 0, UsageCount: 0, CreatedAt: now.AddDate(0, 0, -30)}
	assert.InDelta(t, 0.2*0.36787944, Score(stale, 10, now), 1e-6)

	accessed := now.Add(-time.Hour)
	touched := &Chunk{Confidence: 0.5, CreatedAt: now.AddDate(-1, 0, 0), LastAccessedAt: &accessed}
	assert.Greater(t, Score(touched, 0, now), 0.39)
}

func TestApplyRetention(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	create := func(content string, confidence float64, createdAt time.Time) *Chunk {
		svc.now = func() time.Time { return createdAt }
		c, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: content, Confidence: ptr(confidence)})
		require.NoError(t, err)
		return c
	}

	oldLow := create("old low confidence", 0.1, now.AddDate(0, 0, -100))
	oldUsed := create("old but used", 0.1, now.AddDate(0, 0, -100))
	a := create("strong a", 0.9, now)
	b := create("strong b", 0.8, now)
	c := create("weak recent", 0.2, now.AddDate(0, 0, -10))
	d := create("middling", 0.5, now)

	require.NoError(t, store.Touch(ctx, "client-a", []string{oldUsed.ID}, now))
	require.NoError(t, store.Touch(ctx, "client-a", []string{oldUsed.ID}, now))

	svc.now = func() time.Time { return now }
	res, err := svc.ApplyRetention(ctx, "client-a", "agent-a", RetentionPolicy{
		MaxChunks:           3,
		ImportanceThreshold: 0.3,
		RetentionDays:       90,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{oldLow.ID}, res.Expired)
	assert.ElementsMatch(t, []string{c.ID, d.ID}, res.Evicted)

	active, err := svc.ActiveIDs(ctx, "client-a", "agent-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{oldUsed.ID, a.ID, b.ID}, active)
	assert.LessOrEqual(t, len(active), 3)
}

func TestApplyRetention_KeepsRecentLowConfidence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	svc.now = func() time.Time { return now.AddDate(0, 0, -30) }
	_, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "young and unused", Confidence: ptr(0.1)})
	require.NoError(t, err)

	svc.now = func() time.Time { return now }
	res, err := svc.ApplyRetention(ctx, "client-a", "agent-a", RetentionPolicy{MaxChunks: 10, ImportanceThreshold: 0.3, RetentionDays: 90})
	require.NoError(t, err)
	assert.Empty(t, res.Expired)
	assert.Empty(t, res.Evicted)
}
