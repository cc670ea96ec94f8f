package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/database/dbtest"
)

func contractPattern(id, clientID string, createdAt time.Time) *Pattern {
	return &Pattern{
		ID:             id,
		AgentID:        "agent-1",
		ClientID:       clientID,
		PatternType:    PatternToneAdjustment,
		TriggerContext: TriggerContext{Keywords: []string{"price"}},
		ActionConfig:   map[string]interface{}{"tone": "formal"},
		Confidence:     0.7,
		IsActive:       true,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := contractPattern("p-a", "c1", t0)
	b := contractPattern("p-b", "c1", t0.Add(time.Minute))
	b.PatternType = OtherPattern("upsell")
	b.Metadata = map[string]interface{}{SourceLogMetadataKey: "log-9"}
	b.TriggerContext = TriggerContext{Conditions: []Condition{{Field: "user_profile.tier", Operator: OpIn, Value: []interface{}{"gold"}}}}
	c := contractPattern("p-c", "c2", t0)
	for _, p := range []*Pattern{a, b, c} {
		require.NoError(t, store.Create(ctx, p))
	}

	t.Run("round trip", func(t *testing.T) {
		got, err := store.Get(ctx, "c1", "p-b")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "upsell", got.PatternType.Tag())
		require.Len(t, got.TriggerContext.Conditions, 1)
		assert.Equal(t, OpIn, got.TriggerContext.Conditions[0].Operator)
		assert.True(t, got.CreatedAt.Equal(b.CreatedAt))

		missing, err := store.Get(ctx, "c2", "p-b")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("duplicate source log", func(t *testing.T) {
		dup := contractPattern("p-dup", "c1", t0)
		dup.Metadata = map[string]interface{}{SourceLogMetadataKey: "log-9"}
		assert.ErrorIs(t, store.Create(ctx, dup), ErrDuplicateSource)

		found, err := store.FindBySourceLog(ctx, "c1", "log-9")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "p-b", found.ID)
	})

	t.Run("record application", func(t *testing.T) {
		at := t0.Add(time.Hour)
		_, err := store.RecordApplication(ctx, "c1", "p-a", true, at)
		require.NoError(t, err)
		got, err := store.RecordApplication(ctx, "c1", "p-a", false, at)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ApplicationCount)
		assert.InDelta(t, 0.5, got.SuccessRate, 1e-12)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, got.LastUsedAt.Equal(at))

		none, err := store.RecordApplication(ctx, "c2", "p-a", true, at)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("update keeps statistics", func(t *testing.T) {
		got, err := store.Get(ctx, "c1", "p-a")
		require.NoError(t, err)
		got.Confidence = 0.9
		got.SuccessRate = 0
		got.ApplicationCount = 0
		require.NoError(t, store.Update(ctx, got))

		after, err := store.Get(ctx, "c1", "p-a")
		require.NoError(t, err)
		assert.Equal(t, 0.9, after.Confidence)
		assert.Equal(t, 2, after.ApplicationCount)
	})

	t.Run("list and stats", func(t *testing.T) {
		list, err := store.List(ctx, Filter{ClientID: "c1"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "p-b", list[0].ID)

		tone := PatternToneAdjustment
		typed, err := store.List(ctx, Filter{ClientID: "c1", PatternType: &tone})
		require.NoError(t, err)
		require.Len(t, typed, 1)
		assert.Equal(t, "p-a", typed[0].ID)

		st, err := store.Stats(ctx, "c1", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 2, st.Active)
		assert.Equal(t, 2, st.TotalApplications)
		assert.InDelta(t, 0.25, st.AvgSuccessRate, 1e-9)
	})

	t.Run("deactivate", func(t *testing.T) {
		ids, err := store.DeactivateSince(ctx, "c1", "agent-1", t0, []string{"p-a"}, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"p-b"}, ids)

		n, err := store.Deactivate(ctx, "c1", []string{"p-a", "p-b"}, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		count, err := store.CountActive(ctx, "c1", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		other, err := store.ActiveIDs(ctx, "c2", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"p-c"}, other)
	})

	t.Run("update leaves activity alone", func(t *testing.T) {
		got, err := store.Get(ctx, "c1", "p-a")
		require.NoError(t, err)
		got.IsActive = true
		got.Confidence = 0.6
		require.NoError(t, store.Update(ctx, got))

		after, err := store.Get(ctx, "c1", "p-a")
		require.NoError(t, err)
		assert.False(t, after.IsActive)
		assert.Equal(t, 0.6, after.Confidence)

		require.NoError(t, store.SetActive(ctx, "c1", "p-a", true, t0.Add(3*time.Hour)))
		count, err := store.CountActive(ctx, "c1", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
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
