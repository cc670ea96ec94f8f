package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/embedding"
	"github.com/blueberrycongee/sicc/internal/tokenizer"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

func newEmbeddingService(t *testing.T) *embedding.Service {
	t.Helper()
	svc, err := embedding.NewService(
		embedding.NewHashEmbedder(embedding.DefaultDimension),
		tokenizer.New(tokenizer.EncodingEstimate),
		embedding.ServiceConfig{MaxTokens: 512},
		nil,
	)
	require.NoError(t, err)
	return svc
}

func testAgents() *agent.MemoryDirectory {
	return agent.NewMemoryDirectory(
		agent.Agent{ID: "agent-a", ClientID: "client-a", AgentType: "sales"},
		agent.Agent{ID: "agent-b", ClientID: "client-b", AgentType: "support"},
		agent.Agent{ID: "agent-orphan"},
	)
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, testAgents(), newEmbeddingService(t), nil), store
}

func ptr[T any](v T) *T { return &v }

type downEmbedder struct{}

func (downEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, apperrors.NewModelUnavailableError("gte-small", errors.New("connection refused"))
}
func (downEmbedder) Dimension() int                     { return embedding.DefaultDimension }
func (downEmbedder) MaxTokens() int                     { return 512 }
func (downEmbedder) Truncate(text string, n int) string { return text }

func TestCreate_Completeness(t *testing.T) {
	svc, _ := newTestService(t)

	c, err := svc.Create(context.Background(), CreateRequest{
		AgentID:    "agent-a",
		Content:    "Returns accepted within 30 days",
		ChunkType:  "faq",
		Confidence: ptr(0.9),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "agent-a", c.AgentID)
	assert.Equal(t, "client-a", c.ClientID)
	assert.Equal(t, "Returns accepted within 30 days", c.Content)
	assert.Equal(t, ChunkFAQ, c.ChunkType)
	assert.Equal(t, 0.9, c.Confidence)
	assert.Equal(t, 0, c.UsageCount)
	assert.Equal(t, 1, c.Version)
	assert.True(t, c.IsActive)
	assert.False(t, c.CreatedAt.IsZero())
	assert.True(t, c.HasEmbedding)
	assert.Len(t, c.Embedding, embedding.DefaultDimension)
}

func TestCreate_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "   "})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeContentEmpty))

	_, err = svc.Create(ctx, CreateRequest{AgentID: "nobody", Content: "x"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAgentNotFound))

	_, err = svc.Create(ctx, CreateRequest{AgentID: "agent-orphan", Content: "x"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAgentMissingClient))

	_, err = svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "x", Confidence: ptr(1.5)})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestCreate_WithoutEmbeddingWhenModelUnavailable(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, testAgents(), downEmbedder{}, nil)

	c, err := svc.Create(context.Background(), CreateRequest{AgentID: "agent-a", Content: "Office opens at nine", ChunkType: "process"})
	require.NoError(t, err)
	assert.False(t, c.HasEmbedding)
	assert.Nil(t, c.Embedding)

	// Still retrievable by type.
	chunks, err := svc.List(context.Background(), "client-a", ListRequest{AgentID: "agent-a", ChunkType: "process"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, c.ID, chunks[0].ID)
}

func TestCreate_UnknownChunkTypeKeepsTag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "x", ChunkType: "pricing_rule"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, "client-a", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "general", got.ChunkType.String())
	assert.Equal(t, "pricing_rule", got.ChunkType.Tag())
}

// A return-policy question finds the FAQ chunk first and counts its use.
func TestSearch_ReturnPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m1, err := svc.Create(ctx, CreateRequest{
		AgentID: "agent-a", Content: "Returns accepted within 30 days", ChunkType: "faq", Confidence: ptr(0.9),
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "Our office opens at nine", ChunkType: "process"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "Enterprise plan includes SSO", ChunkType: "product"})
	require.NoError(t, err)

	results, err := svc.Search(ctx, SearchRequest{
		AgentID: "agent-a", Query: "what is the return policy?", Limit: 3, SimilarityThreshold: ptr(0.3),
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, m1.ID, results[0].Chunk.ID)
	assert.Equal(t, 1, results[0].Chunk.UsageCount)

	stored, err := svc.Get(ctx, "client-a", m1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsageCount)
	require.NotNil(t, stored.LastAccessedAt)
}

var vocabulary = strings.Fields(`price cost plan refund return order shipping delivery invoice
	discount contract renewal support ticket email phone schedule meeting demo trial upgrade`)

func randomSentence(r *rand.Rand) string {
	n := 3 + r.Intn(5)
	words := make([]string, n)
	for i := range words {
		words[i] = vocabulary[r.Intn(len(vocabulary))]
	}
	return strings.Join(words, " ")
}

func TestSearch_LimitOrderingAndUsage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 40; i++ {
		_, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: randomSentence(r)})
		require.NoError(t, err)
	}

	for _, q := range []string{"price of the plan", "refund my order", "schedule a demo", "email support"} {
		for _, k := range []int{1, 3, 10} {
			t.Run(fmt.Sprintf("%s/limit=%d", q, k), func(t *testing.T) {
				before := usageByID(t, svc)

				results, err := svc.Search(ctx, SearchRequest{AgentID: "agent-a", Query: q, Limit: k, SimilarityThreshold: ptr(0.1)})
				require.NoError(t, err)
				assert.LessOrEqual(t, len(results), k)

				returned := make(map[string]bool)
				for i, res := range results {
					assert.Greater(t, res.Similarity, 0.1)
					if i > 0 {
						assert.LessOrEqual(t, res.Similarity, results[i-1].Similarity)
					}
					returned[res.Chunk.ID] = true
				}

				after := usageByID(t, svc)
				for id, n := range after {
					if returned[id] {
						assert.Equal(t, before[id]+1, n, "returned chunk usage must grow by one")
					} else {
						assert.Equal(t, before[id], n, "other chunks must be untouched")
					}
				}
			})
		}
	}
}

func usageByID(t *testing.T, svc *Service) map[string]int {
	t.Helper()
	chunks, err := svc.List(context.Background(), "client-a", ListRequest{AgentID: "agent-a", Limit: MaxListLimit})
	require.NoError(t, err)
	out := make(map[string]int, len(chunks))
	for _, c := range chunks {
		out[c.ID] = c.UsageCount
	}
	return out
}

func TestSearch_ExcludesInactiveAndFiltersType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	faq, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "refund within 30 days", ChunkType: "faq"})
	require.NoError(t, err)
	product, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "refund insurance add-on", ChunkType: "product"})
	require.NoError(t, err)

	results, err := svc.Search(ctx, SearchRequest{AgentID: "agent-a", Query: "refund", ChunkType: "product", SimilarityThreshold: ptr(0.01)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, product.ID, results[0].Chunk.ID)

	require.NoError(t, svc.Delete(ctx, "client-a", product.ID))
	results, err = svc.Search(ctx, SearchRequest{AgentID: "agent-a", Query: "refund", SimilarityThreshold: ptr(0.01)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, faq.ID, results[0].Chunk.ID)

	deleted, err := svc.Get(ctx, "client-a", product.ID)
	require.NoError(t, err)
	assert.False(t, deleted.IsActive, "delete is soft")
}

func TestSearch_ModelUnavailable(t *testing.T) {
	svc := NewService(NewMemoryStore(), testAgents(), downEmbedder{}, nil)
	_, err := svc.Search(context.Background(), SearchRequest{AgentID: "agent-a", Query: "x"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeModelUnavailable))
}

func TestUpdate_ReembedsOnContentChange(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "ships in two days"})
	require.NoError(t, err)
	oldVec := c.Embedding

	updated, err := svc.Update(ctx, "client-a", c.ID, UpdateRequest{Content: ptr("ships in five days")})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.NotEqual(t, oldVec, updated.Embedding)

	same, err := svc.Update(ctx, "client-a", c.ID, UpdateRequest{Confidence: ptr(0.4), Metadata: map[string]interface{}{"source": "manual"}})
	require.NoError(t, err)
	assert.Equal(t, 2, same.Version)
	assert.Equal(t, 0.4, same.Confidence)
	assert.Equal(t, "manual", same.Metadata["source"])

	_, err = svc.Update(ctx, "client-a", c.ID, UpdateRequest{Content: ptr("")})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeContentEmpty))
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "client A secret pricing"})
	require.NoError(t, err)
	b, err := svc.Create(ctx, CreateRequest{AgentID: "agent-b", Content: "client B secret pricing"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "client-b", a.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	_, err = svc.Update(ctx, "client-b", a.ID, UpdateRequest{Confidence: ptr(0.1)})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	assert.True(t, apperrors.IsKind(svc.Delete(ctx, "client-b", a.ID), apperrors.KindNotFound))

	list, err := svc.List(ctx, "client-b", ListRequest{})
	require.NoError(t, err)
	for _, c := range list {
		assert.Equal(t, "client-b", c.ClientID)
	}
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	results, err := svc.Search(ctx, SearchRequest{AgentID: "agent-b", Query: "secret pricing", SimilarityThreshold: ptr(0.01)})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "client-b", r.Chunk.ClientID)
	}
}

func TestStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, req := range []CreateRequest{
		{AgentID: "agent-a", Content: "a", ChunkType: "faq", Confidence: ptr(0.8)},
		{AgentID: "agent-a", Content: "b", ChunkType: "faq", Confidence: ptr(0.6)},
		{AgentID: "agent-a", Content: "c", ChunkType: "product", Confidence: ptr(1.0)},
	} {
		_, err := svc.Create(ctx, req)
		require.NoError(t, err)
	}

	st, err := svc.Stats(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Active)
	assert.Equal(t, map[string]int{"faq": 2, "product": 1}, st.ByType)
	assert.InDelta(t, 0.8, st.AvgConfidence, 1e-9)
	assert.Equal(t, 0, st.TotalUsage)
}

func TestDuplicateSourceLog(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	md := map[string]interface{}{SourceLogMetadataKey: "log-1"}

	first, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "x", Metadata: md})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "x", Metadata: md})
	assert.ErrorIs(t, err, ErrDuplicateSource)

	found, err := svc.FindBySourceLog(ctx, "client-a", "log-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
}

func TestDeactivateSince(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc.now = func() time.Time { return t0 }
	before, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "before"})
	require.NoError(t, err)
	sameInstant, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "same microsecond"})
	require.NoError(t, err)

	svc.now = func() time.Time { return t0.Add(time.Hour) }
	after, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "after"})
	require.NoError(t, err)

	ids, err := svc.DeactivateSince(ctx, "client-a", "agent-a", t0, []string{before.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{after.ID, sameInstant.ID}, ids)

	active, err := svc.ActiveIDs(ctx, "client-a", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, []string{before.ID}, active)
}

// interleavedStore runs before ahead of the next Update it forwards.
type interleavedStore struct {
	*MemoryStore
	before func()
}

func (s *interleavedStore) Update(ctx context.Context, c *Chunk) error {
	if fn := s.before; fn != nil {
		s.before = nil
		fn()
	}
	return s.MemoryStore.Update(ctx, c)
}

func TestUpdate_KeepsConcurrentRollbackAndUsage(t *testing.T) {
	store := &interleavedStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, testAgents(), newEmbeddingService(t), nil)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return t0 }

	c, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: "Office opens at nine"})
	require.NoError(t, err)

	store.before = func() {
		require.NoError(t, store.Touch(ctx, "client-a", []string{c.ID}, t0.Add(time.Minute)))
		ids, err := store.DeactivateSince(ctx, "client-a", "agent-a", t0.Add(-time.Hour), nil, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, []string{c.ID}, ids)
	}
	got, err := svc.Update(ctx, "client-a", c.ID, UpdateRequest{Confidence: ptr(0.95)})
	require.NoError(t, err)
	assert.Equal(t, 0.95, got.Confidence)
	assert.False(t, got.IsActive, "a rollback between read and write must stick")
	assert.Equal(t, 1, got.UsageCount)
	require.NotNil(t, got.LastAccessedAt)

	got, err = svc.Update(ctx, "client-a", c.ID, UpdateRequest{IsActive: ptr(true)})
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.UsageCount)
}

func TestSearch_ExplicitThreshold(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, content := range []string{"Office opens at nine", "Enterprise plan includes SSO", "Parking is behind the building"} {
		_, err := svc.Create(ctx, CreateRequest{AgentID: "agent-a", Content: content})
		require.NoError(t, err)
	}

	all, err := svc.Search(ctx, SearchRequest{AgentID: "agent-a", Query: "office hours", Limit: 10, SimilarityThreshold: ptr(-1.0)})
	require.NoError(t, err)
	assert.Len(t, all, 3, "the lowest threshold applies no cutoff")

	_, err = svc.Search(ctx, SearchRequest{AgentID: "agent-a", Query: "office hours", SimilarityThreshold: ptr(1.5)})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}
