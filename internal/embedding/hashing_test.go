package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedder_DimensionStability(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	texts := []string{
		"Returns accepted within 30 days",
		"Prefiro contato por e-mail",
		"",
		"!!! ???",
		"a much longer sentence about pricing, discounts and the quarterly renewal of enterprise contracts",
	}
	for _, text := range texts {
		first, err := e.Embed(ctx, text)
		require.NoError(t, err)
		second, err := e.Embed(ctx, text)
		require.NoError(t, err)

		assert.Len(t, first, DefaultDimension)
		assert.Equal(t, first, second, "embedding must be deterministic for %q", text)
	}
}

func TestHashEmbedder_BatchMatchesSingle(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()
	texts := []string{"price of the plan", "cancel my order", "horário de atendimento"}

	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))

	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestHashEmbedder_RelatedTextsAreCloser(t *testing.T) {
	e := NewHashEmbedder(DefaultDimension)
	ctx := context.Background()

	memory, _ := e.Embed(ctx, "Returns accepted within 30 days")
	related, _ := e.Embed(ctx, "what is the return policy?")
	unrelated, _ := e.Embed(ctx, "Our office opens at nine")

	simRelated := CosineSimilarity(memory, related)
	simUnrelated := CosineSimilarity(memory, unrelated)

	assert.Greater(t, simRelated, 0.3)
	assert.Greater(t, simRelated, simUnrelated)
}

func TestHashEmbedder_AccentInsensitive(t *testing.T) {
	e := NewHashEmbedder(DefaultDimension)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "Devolução")
	b, _ := e.Embed(ctx, "devolucao")
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)
}

func TestHashEmbedder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHashEmbedder(8).Embed(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"price", "plan"}, Terms("What is the PRICE of the plans?"))
	assert.Equal(t, []string{"devolucao"}, Terms("as devoluções"))
	assert.Empty(t, Terms("the of and"))
}
