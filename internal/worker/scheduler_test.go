package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/idempotency"
	"github.com/blueberrycongee/sicc/internal/settings"
)

func drain(t *testing.T, b *broker.MemoryBroker) map[broker.TaskType][]string {
	t.Helper()
	out := make(map[broker.TaskType][]string)
	for b.Len() > 0 {
		d, err := b.Receive(context.Background())
		require.NoError(t, err)
		out[d.Task.Type] = append(out[d.Task.Type], d.Task.AgentID)
	}
	return out
}

func newScheduler(t *testing.T, b broker.Broker, claims idempotency.Store, now *time.Time) *Scheduler {
	t.Helper()
	agents := agent.NewMemoryDirectory(
		agent.Agent{ID: "agent-a", ClientID: "client-a"},
		agent.Agent{ID: "agent-b", ClientID: "client-b"},
		agent.Agent{ID: "orphan"},
	)
	provider := settings.NewProvider(settings.NewMemoryStore(), settings.Defaults())
	hourly := settings.Defaults()
	hourly.ConsolidationFrequency = settings.FrequencyHourly
	_, err := provider.Put(context.Background(), "agent-b", hourly)
	require.NoError(t, err)

	s := NewScheduler(b, agents, provider, claims, DefaultSchedulerConfig(), nil)
	s.now = func() time.Time { return *now }
	return s
}

func TestScheduler_PublishesOncePerPeriod(t *testing.T) {
	b := broker.NewMemoryBroker()
	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	s := newScheduler(t, b, idempotency.NewMemoryStore(), &now)
	ctx := context.Background()

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	got := drain(t, b)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, got[broker.TaskConsolidate])
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, got[broker.TaskSnapshot])
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, got[broker.TaskRefreshMetrics])
	assert.Equal(t, []string{""}, got[broker.TaskArchiveSnapshots])

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Next hour: hourly consolidation for agent-b and the metrics refresh.
	now = now.Add(time.Hour)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got = drain(t, b)
	assert.Equal(t, []string{"agent-b"}, got[broker.TaskConsolidate])
	assert.Len(t, got[broker.TaskRefreshMetrics], 2)
}

func TestScheduler_SharedClaimsAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := broker.NewMemoryBroker()
	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	first := newScheduler(t, b, idempotency.NewRedisStore(client, "sicc:"), &now)
	second := newScheduler(t, b, idempotency.NewRedisStore(client, "sicc:"), &now)

	n1, err := first.Tick(context.Background())
	require.NoError(t, err)
	n2, err := second.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n1+n2)
	assert.Equal(t, 7, b.Len())
}

func TestScheduler_ReleasesClaimWhenPublishFails(t *testing.T) {
	b := broker.NewMemoryBroker()
	require.NoError(t, b.Close())
	claims := idempotency.NewMemoryStore()
	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	s := newScheduler(t, b, claims, &now)

	_, err := s.Tick(context.Background())
	require.Error(t, err)

	ok, err := claims.PutIfAbsent(context.Background(), ClaimKey(broker.TaskSnapshot, "agent-a", now, 24*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimKey(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	assert.Equal(t,
		ClaimKey(broker.TaskSnapshot, "agent-a", at, time.Hour),
		ClaimKey(broker.TaskSnapshot, "agent-a", at.Add(30*time.Minute), time.Hour))
	assert.NotEqual(t,
		ClaimKey(broker.TaskSnapshot, "agent-a", at, time.Hour),
		ClaimKey(broker.TaskSnapshot, "agent-a", at.Add(time.Hour), time.Hour))
	assert.Contains(t, ClaimKey(broker.TaskArchiveSnapshots, "", at, 24*time.Hour), ":*:")
}
