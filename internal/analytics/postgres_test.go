package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/database/dbtest"
)

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	day := time.Date(2026, 5, 20, 8, 0, 0, 0, time.UTC)
	key := Key{AgentID: "agent-1", ClientID: "c1", Date: day}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Apply(ctx, key, "", func(m *DailyMetrics) { m.InteractionsCount++ })
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	applied, err := store.Apply(ctx, key, "evt-1", func(m *DailyMetrics) { m.Rejections++ })
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = store.Apply(ctx, key, "evt-1", func(m *DailyMetrics) { m.Rejections++ })
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = store.Apply(ctx, Key{AgentID: "agent-1", ClientID: "c1", Date: day.AddDate(0, 0, -3)}, "",
		func(m *DailyMetrics) { m.NewLearnings = 2 })
	require.NoError(t, err)

	rows, err := store.Range(ctx, "c1", "agent-1", day.AddDate(0, 0, -7), day)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].NewLearnings)
	assert.Equal(t, Day(day), rows[1].MetricDate)
	assert.Equal(t, 20, rows[1].InteractionsCount)
	assert.Equal(t, 1, rows[1].Rejections)

	other, err := store.Range(ctx, "c2", "agent-1", day.AddDate(0, 0, -7), day)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestPostgresStoreContract(t *testing.T) {
	db := dbtest.Postgres(t, 3)
	if db == nil {
		t.Skip("postgres with pgvector not available")
	}
	runStoreContract(t, NewPostgresStore(db))
}
