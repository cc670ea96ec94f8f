package learning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/embedding"
	"github.com/blueberrycongee/sicc/internal/idempotency"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/settings"
	"github.com/blueberrycongee/sicc/internal/tokenizer"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// flakyEmbedder fails while down is set.
type flakyEmbedder struct {
	*embedding.Service
	down atomic.Bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.down.Load() {
		return nil, apperrors.NewModelUnavailableError("gte-small", errors.New("connection refused"))
	}
	return f.Service.Embed(ctx, text)
}

type stubAnalyzer struct {
	proposals []Proposal
}

func (s stubAnalyzer) Analyze(context.Context, Event) ([]Proposal, error) {
	return s.proposals, nil
}

type fixture struct {
	pipeline  *Pipeline
	logs      *MemoryStore
	embedder  *flakyEmbedder
	memories  *memory.Service
	patterns  *behavior.Service
	settings  *settings.Provider
	analytics *analytics.Service
}

func newFixture(t *testing.T, analyzer Analyzer) *fixture {
	t.Helper()
	agents := agent.NewMemoryDirectory(
		agent.Agent{ID: "agent-a", ClientID: "client-a"},
		agent.Agent{ID: "agent-b", ClientID: "client-b"},
	)
	emb, err := embedding.NewService(
		embedding.NewHashEmbedder(embedding.DefaultDimension),
		tokenizer.New(tokenizer.EncodingEstimate),
		embedding.ServiceConfig{MaxTokens: 512},
		nil,
	)
	require.NoError(t, err)

	f := &fixture{
		logs:     NewMemoryStore(),
		embedder: &flakyEmbedder{Service: emb},
		settings: settings.NewProvider(settings.NewMemoryStore(), settings.Defaults()),
	}
	f.memories = memory.NewService(memory.NewMemoryStore(), agents, f.embedder, nil)
	f.patterns = behavior.NewService(behavior.NewMemoryStore(), agents, nil)
	f.analytics = analytics.NewService(analytics.NewMemoryStore(), agents, nil)
	consolidator := NewConsolidator(f.logs, f.memories, f.patterns, idempotency.NewMemoryStore(), f.analytics, nil)
	f.pipeline = NewPipeline(f.logs, analyzer, agents, f.settings, consolidator, nil)
	return f
}

func (f *fixture) setThresholds(t *testing.T, auto, manual float64) {
	t.Helper()
	s := settings.Defaults()
	s.AutoApproveThreshold = auto
	s.ManualReviewThreshold = manual
	_, err := f.settings.Put(context.Background(), "agent-a", s)
	require.NoError(t, err)
}

func (f *fixture) activeMemories(t *testing.T) []*memory.Chunk {
	t.Helper()
	list, err := f.memories.List(context.Background(), "client-a", memory.ListRequest{AgentID: "agent-a", IsActive: ptr(true)})
	require.NoError(t, err)
	return list
}

func ptr[T any](v T) *T { return &v }

func memorize(content, chunkType string, confidence float64) Proposal {
	return Proposal{
		LearningType: "positive_feedback",
		Confidence:   confidence,
		Analysis: Analysis{
			Kind:   KindMemorize,
			Target: TargetMemory,
			Memory: &MemoryProposal{Content: content, ChunkType: chunkType},
		},
	}
}

func event(id string) Event {
	return Event{
		ID:       id,
		AgentID:  "agent-a",
		Messages: []Message{{Role: "user", Content: "I'd rather get an email than a call"}},
		Response: "Noted, we will email you.",
	}
}

func TestProcess_AutoApproval(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Prefers email over phone", "insight", 0.95)}})
	f.setThresholds(t, 0.8, 0.6)

	logs, err := f.pipeline.Process(context.Background(), event("evt-s2"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusAutoApproved, logs[0].Status)
	assert.Equal(t, TargetMemory, logs[0].ArtifactType)
	assert.Nil(t, logs[0].ReviewedAt)

	active := f.activeMemories(t)
	require.Len(t, active, 1)
	assert.Equal(t, "Prefers email over phone", active[0].Content)
	assert.Equal(t, memory.ChunkInsight, active[0].ChunkType)
	assert.Equal(t, logs[0].ArtifactID, active[0].ID)
	assert.Equal(t, logs[0].ID, active[0].Metadata[memory.SourceLogMetadataKey])
	assert.InDelta(t, 0.95, active[0].Confidence, 1e-12)

	agg, err := f.analytics.GetAggregated(context.Background(), "agent-a", analytics.PeriodToday)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.AutoApprovals)
}

func TestProcess_ManualReject(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Prefers email over phone", "insight", 0.75)}})
	f.setThresholds(t, 0.8, 0.6)
	ctx := context.Background()

	logs, err := f.pipeline.Process(ctx, event("evt-s3"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusPending, logs[0].Status)

	rejected, err := f.pipeline.Consolidator().Reject(ctx, "client-a", logs[0].ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "reviewer-1", rejected.ReviewedBy)
	require.NotNil(t, rejected.ReviewedAt)
	assert.Empty(t, f.activeMemories(t))

	_, err = f.pipeline.Consolidator().Approve(ctx, "client-a", logs[0].ID, "reviewer-2")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyTerminal))
	_, err = f.pipeline.Consolidator().Reject(ctx, "client-a", logs[0].ID, "reviewer-2")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyTerminal))

	got, err := f.pipeline.Get(ctx, "client-a", logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestProcess_LowConfidenceNeedsReview(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Asks for invoices monthly", "insight", 0.4)}})
	ctx := context.Background()

	logs, err := f.pipeline.Process(ctx, event("evt-low"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusNeedsReview, logs[0].Status)

	approved, err := f.pipeline.Consolidator().Approve(ctx, "client-a", logs[0].ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Len(t, f.activeMemories(t), 1)
}

func TestApprove_Idempotent(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Ships to Portugal and Spain", "faq", 0.7)}})
	ctx := context.Background()

	logs, err := f.pipeline.Process(ctx, event("evt-idem"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	id := logs[0].ID

	first, err := f.pipeline.Consolidator().Approve(ctx, "client-a", id, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, first.Status)

	for i := 0; i < 3; i++ {
		_, err := f.pipeline.Consolidator().Approve(ctx, "client-a", id, "reviewer-1")
		assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyConsolidated))
		assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
	}
	_, err = f.pipeline.Consolidator().Reject(ctx, "client-a", id, "reviewer-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyConsolidated))

	assert.Len(t, f.activeMemories(t), 1)
	got, err := f.pipeline.Get(ctx, "client-a", id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, first.ArtifactID, got.ArtifactID)
}

func TestApprove_ConcurrentCallersMaterializeOnce(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Closed on public holidays", "faq", 0.7)}})
	ctx := context.Background()

	logs, err := f.pipeline.Process(ctx, event("evt-race"))
	require.NoError(t, err)
	id := logs[0].ID

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Consolidator().Approve(ctx, "client-a", id, "reviewer")
			if err == nil {
				successes.Add(1)
				return
			}
			assert.True(t, apperrors.IsKind(err, apperrors.KindConflict), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Len(t, f.activeMemories(t), 1)
}

func TestConsolidation_FailureLeavesLogPendingAndRetries(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Prefers email over phone", "insight", 0.95)}})
	f.setThresholds(t, 0.8, 0.6)
	ctx := context.Background()

	f.embedder.down.Store(true)
	logs, err := f.pipeline.Process(ctx, event("evt-outage"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusPending, logs[0].Status)
	assert.Empty(t, logs[0].ArtifactID)
	assert.Empty(t, f.activeMemories(t))

	f.embedder.down.Store(false)
	report, err := f.pipeline.RunConsolidation(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Consolidated)

	got, err := f.pipeline.Get(ctx, "client-a", logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoApproved, got.Status)
	active := f.activeMemories(t)
	require.Len(t, active, 1)
	assert.True(t, active[0].HasEmbedding)
}

func TestConsolidation_FinalizesExistingArtifact(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Offers a 14 day trial", "product", 0.7)}})
	ctx := context.Background()

	logs, err := f.pipeline.Process(ctx, event("evt-crash"))
	require.NoError(t, err)
	id := logs[0].ID

	// An earlier attempt created the chunk but never finalized the log.
	orphan, err := f.memories.Create(ctx, memory.CreateRequest{
		AgentID:  "agent-a",
		Content:  "Offers a 14 day trial",
		Metadata: map[string]interface{}{memory.SourceLogMetadataKey: id},
	})
	require.NoError(t, err)

	approved, err := f.pipeline.Consolidator().Approve(ctx, "client-a", id, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, approved.ArtifactID)
	assert.Len(t, f.activeMemories(t), 1)
}

func TestProcess_ReprocessingAnEventIsIdempotent(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Prefers email over phone", "insight", 0.95)}})
	f.setThresholds(t, 0.8, 0.6)
	ctx := context.Background()

	first, err := f.pipeline.Process(ctx, event("evt-dup"))
	require.NoError(t, err)
	second, err := f.pipeline.Process(ctx, event("evt-dup"))
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, StatusAutoApproved, second[0].Status)
	assert.Len(t, f.activeMemories(t), 1)
}

func TestProcess_PatternProposal(t *testing.T) {
	f := newFixture(t, NewHeuristicAnalyzer())
	ctx := context.Background()

	logs, err := f.pipeline.Process(ctx, Event{
		ID:      "evt-pattern",
		AgentID: "agent-a",
		Messages: []Message{
			{Role: "user", Content: "When a customer asks about pricing, always mention the annual discount"},
		},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusPending, logs[0].Status)
	assert.Equal(t, TargetPattern, logs[0].Analysis.Target)

	approved, err := f.pipeline.Consolidator().Approve(ctx, "client-a", logs[0].ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, TargetPattern, approved.ArtifactType)

	matched, err := f.patterns.FindMatching(ctx, "agent-a", map[string]interface{}{"message": "What's the price?"}, 0)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, approved.ArtifactID, matched[0].ID)
	assert.Equal(t, "Always mention the annual discount", matched[0].ActionConfig["instruction"])
}

func TestProcess_SourceToggles(t *testing.T) {
	f := newFixture(t, stubAnalyzer{proposals: []Proposal{memorize("Likes short answers", "insight", 0.7)}})
	s := settings.Defaults()
	s.LearnFromFeedback = false
	_, err := f.settings.Put(context.Background(), "agent-a", s)
	require.NoError(t, err)

	logs, err := f.pipeline.Process(context.Background(), event("evt-toggle"))
	require.NoError(t, err)
	assert.Empty(t, logs)

	_, err = f.pipeline.Submit(context.Background(), SubmitRequest{
		AgentID:    "agent-a",
		Source:     SourceFeedback,
		Analysis:   memorize("x", "general", 0.7).Analysis,
		Confidence: 0.7,
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestProcess_RetrievalCountsMemoryUsage(t *testing.T) {
	f := newFixture(t, NewHeuristicAnalyzer())
	ctx := context.Background()

	ev := Event{
		ID:       "evt-retrieve",
		AgentID:  "agent-a",
		Messages: []Message{{Role: "user", Content: "hello"}},
		Context:  map[string]interface{}{ContextRetrievedMemoryIDs: []interface{}{"m1", "m2"}},
	}
	logs, err := f.pipeline.Process(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, logs)
	_, err = f.pipeline.Process(ctx, ev)
	require.NoError(t, err)

	agg, err := f.analytics.GetAggregated(ctx, "agent-a", analytics.PeriodToday)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.MemoryUsageCount)
}

func TestSubmitListAndStats(t *testing.T) {
	f := newFixture(t, NewHeuristicAnalyzer())
	ctx := context.Background()

	high, err := f.pipeline.Submit(ctx, SubmitRequest{AgentID: "agent-a", Analysis: Analysis{
		Kind: KindLearn, Target: TargetMemory, Memory: &MemoryProposal{Content: "VAT is included in prices"},
	}, Confidence: 0.95})
	require.NoError(t, err)
	assert.Equal(t, StatusAutoApproved, high.Status)

	mid, err := f.pipeline.Submit(ctx, SubmitRequest{AgentID: "agent-a", Analysis: Analysis{
		Kind: KindLearn, Target: TargetMemory, Memory: &MemoryProposal{Content: "Support answers within a day"},
	}, Confidence: 0.7})
	require.NoError(t, err)
	_, err = f.pipeline.Consolidator().Reject(ctx, "client-a", mid.ID, "reviewer")
	require.NoError(t, err)

	_, err = f.pipeline.Submit(ctx, SubmitRequest{AgentID: "agent-a", Analysis: Analysis{
		Kind: KindLearn, Target: TargetPattern, Pattern: &PatternProposal{},
	}, Confidence: 0.7})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = f.pipeline.Submit(ctx, SubmitRequest{AgentID: "agent-a", Analysis: Analysis{
		Kind: KindLearn, Target: TargetMemory, Memory: &MemoryProposal{Content: "x"},
	}, Confidence: 1.2})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	rejected, err := f.pipeline.List(ctx, "client-a", ListRequest{AgentID: "agent-a", Status: "rejected"})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, mid.ID, rejected[0].ID)

	_, err = f.pipeline.List(ctx, "client-a", ListRequest{Status: "limbo"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	other, err := f.pipeline.List(ctx, "client-b", ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, other)
	_, err = f.pipeline.Get(ctx, "client-b", high.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	st, err := f.pipeline.Stats(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus[StatusAutoApproved])
	assert.Equal(t, 1, st.ByStatus[StatusRejected])
	assert.InDelta(t, 0.5, st.ApprovalRate, 1e-12)
	assert.InDelta(t, 0.825, st.AvgConfidence, 1e-12)
}

func TestRunConsolidation_RetriesDeferredBelowMinimum(t *testing.T) {
	f := newFixture(t, NewHeuristicAnalyzer())
	ctx := context.Background()
	s := settings.Defaults()
	s.MinLearningsForConsolidation = 5
	_, err := f.settings.Put(ctx, "agent-a", s)
	require.NoError(t, err)

	f.embedder.down.Store(true)
	l, err := f.pipeline.Submit(ctx, SubmitRequest{AgentID: "agent-a", Analysis: Analysis{
		Kind: KindLearn, Target: TargetMemory, Memory: &MemoryProposal{Content: "Invoices are sent on the 1st"},
	}, Confidence: 0.95})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, l.Status)
	require.NotNil(t, l.DeferredAt)
	f.embedder.down.Store(false)

	report, err := f.pipeline.RunConsolidation(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Consolidated)

	got, err := f.pipeline.Get(ctx, "client-a", l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoApproved, got.Status)
	assert.Len(t, f.activeMemories(t), 1)
}

func TestRunConsolidation_MinimumAndRetention(t *testing.T) {
	f := newFixture(t, NewHeuristicAnalyzer())
	ctx := context.Background()
	s := settings.Defaults()
	s.MinLearningsForConsolidation = 2
	s.MaxMemoryChunks = 1
	setAuto := func(threshold float64) {
		s.AutoApproveThreshold = threshold
		_, err := f.settings.Put(ctx, "agent-a", s)
		require.NoError(t, err)
	}
	// Logs submitted above the threshold in force stay pending without an
	// inline attempt, so they are not deferred.
	submitUnattempted := func(content string) {
		setAuto(0.99)
		l, err := f.pipeline.Submit(ctx, SubmitRequest{AgentID: "agent-a", Analysis: Analysis{
			Kind: KindLearn, Target: TargetMemory, Memory: &MemoryProposal{Content: content},
		}, Confidence: 0.95})
		require.NoError(t, err)
		require.Nil(t, l.DeferredAt)
		setAuto(0.9)
	}

	submitUnattempted("Invoices are sent on the 1st")
	report, err := f.pipeline.RunConsolidation(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 0, report.Consolidated)

	for _, content := range []string{"Refunds take five days", "Warehouse is in Porto"} {
		_, err := f.memories.Create(ctx, memory.CreateRequest{AgentID: "agent-a", Content: content, Confidence: ptr(0.9)})
		require.NoError(t, err)
	}
	submitUnattempted("Office closes at 6pm")

	report, err = f.pipeline.RunConsolidation(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Consolidated)
	require.NotNil(t, report.MemoryRetention)
	assert.Len(t, report.MemoryRetention.Evicted, 3)
	assert.Len(t, f.activeMemories(t), 1)
}
