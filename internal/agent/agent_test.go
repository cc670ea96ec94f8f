package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

func TestResolve(t *testing.T) {
	dir := NewMemoryDirectory(
		Agent{ID: "a1", ClientID: "c1", Name: "Sales"},
		Agent{ID: "orphan"},
	)
	ctx := context.Background()

	a, err := Resolve(ctx, dir, "a1")
	require.NoError(t, err)
	assert.Equal(t, "c1", a.ClientID)

	_, err = Resolve(ctx, dir, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAgentNotFound))

	_, err = Resolve(ctx, dir, "orphan")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAgentMissingClient))

	_, err = Resolve(ctx, dir, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestMemoryDirectory_ListSortedCopies(t *testing.T) {
	dir := NewMemoryDirectory(Agent{ID: "b", ClientID: "c"}, Agent{ID: "a", ClientID: "c"})

	list, err := dir.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	list[0].ClientID = "tampered"
	again, _ := dir.GetAgent(context.Background(), "a")
	assert.Equal(t, "c", again.ClientID)
}
