package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/database/dbtest"
)

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mk := func(id, clientID string, typ Type, at time.Time) *Snapshot {
		return &Snapshot{
			ID:                id,
			AgentID:           "agent-" + clientID,
			ClientID:          clientID,
			SnapshotType:      typ,
			MemoryCount:       2,
			PatternCount:      1,
			TotalInteractions: 10,
			AvgSuccessRate:    0.8,
			Data:              Data{MemoryIDs: []string{"m1", "m2"}, PatternIDs: []string{"p1"}, Note: id},
			CreatedAt:         at,
		}
	}
	for _, s := range []*Snapshot{
		mk("s1", "c1", TypeAutomatic, t0),
		mk("s2", "c1", TypeManual, t0.Add(time.Hour)),
		mk("s3", "c1", TypeAutomatic, t0.Add(2*time.Hour)),
		mk("s4", "c2", TypeAutomatic, t0.Add(-time.Hour)),
	} {
		require.NoError(t, store.Create(ctx, s))
	}

	got, err := store.Get(ctx, "c1", "s2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TypeManual, got.SnapshotType)
	assert.Equal(t, []string{"m1", "m2"}, got.Data.MemoryIDs)
	assert.Equal(t, "s2", got.Data.Note)
	assert.True(t, got.CreatedAt.Equal(t0.Add(time.Hour)))

	missing, err := store.Get(ctx, "c2", "s2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := store.List(ctx, Filter{ClientID: "c1", AgentID: "agent-c1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "s3", list[0].ID)
	assert.Equal(t, "s1", list[2].ID)

	auto, err := store.List(ctx, Filter{ClientID: "c1", AgentID: "agent-c1", Type: TypeAutomatic, Offset: 1})
	require.NoError(t, err)
	require.Len(t, auto, 1)
	assert.Equal(t, "s1", auto[0].ID)

	old, err := store.ListBefore(ctx, t0.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, old, 3)
	assert.Equal(t, "s4", old[0].ID)

	n, err := store.Delete(ctx, []string{"s1", "s4", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	old, err = store.ListBefore(ctx, t0.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "s2", old[0].ID)
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
