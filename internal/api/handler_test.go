package api //nolint:revive // package name is intentional

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/auth"
	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/embedding"
	"github.com/blueberrycongee/sicc/internal/hook"
	"github.com/blueberrycongee/sicc/internal/idempotency"
	"github.com/blueberrycongee/sicc/internal/learning"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/settings"
	"github.com/blueberrycongee/sicc/internal/snapshot"
	"github.com/blueberrycongee/sicc/internal/tokenizer"
)

type testServer struct {
	t       *testing.T
	mux     *http.ServeMux
	hook    *hook.Hook
	dlq     *broker.MemoryDeadLetterQueue
	handler *Handler
}

func newTestServer(t *testing.T, withHook bool) *testServer {
	t.Helper()
	agents := agent.NewMemoryDirectory(
		agent.Agent{ID: "agent-a", ClientID: "client-a", AgentType: "support"},
		agent.Agent{ID: "agent-b", ClientID: "client-b"},
	)
	emb, err := embedding.NewService(
		embedding.NewHashEmbedder(embedding.DefaultDimension),
		tokenizer.New(tokenizer.EncodingEstimate),
		embedding.ServiceConfig{MaxTokens: 512},
		nil,
	)
	require.NoError(t, err)
	provider := settings.NewProvider(settings.NewMemoryStore(), settings.Defaults())
	memories := memory.NewService(memory.NewMemoryStore(), agents, emb, nil)
	patterns := behavior.NewService(behavior.NewMemoryStore(), agents, nil)
	stats := analytics.NewService(analytics.NewMemoryStore(), agents, nil)
	logs := learning.NewMemoryStore()
	consolidator := learning.NewConsolidator(logs, memories, patterns, idempotency.NewMemoryStore(), stats, nil)
	pipeline := learning.NewPipeline(logs, learning.NewHeuristicAnalyzer(), agents, provider, consolidator, nil)

	s := &testServer{t: t, mux: http.NewServeMux(), dlq: broker.NewMemoryDeadLetterQueue(10)}
	if withHook {
		s.hook = hook.New(hook.Config{Enabled: true}, pipeline, nil, nil)
	}
	s.handler = NewHandler(Deps{
		Agents:      agents,
		Memories:    memories,
		Patterns:    patterns,
		Pipeline:    pipeline,
		Snapshots:   snapshot.NewService(snapshot.NewMemoryStore(), memories, patterns, stats, agents, provider, nil),
		Analytics:   stats,
		Settings:    provider,
		Hook:        s.hook,
		DeadLetters: s.dlq,
	})
	s.handler.RegisterRoutes(s.mux)
	return s
}

// do sends body as JSON on behalf of clientID and decodes the response into out.
func (s *testServer) do(clientID, method, path string, body, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		p := &auth.Principal{ProfileID: "profile-" + clientID, ClientID: clientID, Role: auth.RoleAdmin, Method: auth.MethodAPIKey}
		req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

func TestMemoryLifecycle(t *testing.T) {
	s := newTestServer(t, false)

	var created memory.Chunk
	code := s.do("client-a", http.MethodPost, "/sicc/memories", memory.CreateRequest{
		AgentID:   "agent-a",
		Content:   "Our office opens at 9am",
		ChunkType: "fact",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "client-a", created.ClientID)
	assert.True(t, created.IsActive)

	var got memory.Chunk
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/memories/"+created.ID, nil, &got))
	assert.Equal(t, created.Content, got.Content)

	content := "Our office opens at 8am"
	var updated memory.Chunk
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPut, "/sicc/memories/"+created.ID, memory.UpdateRequest{Content: &content}, &updated))
	assert.Equal(t, content, updated.Content)
	assert.Equal(t, created.Version+1, updated.Version)

	var list dataEnvelope[[]memory.Chunk]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/memories?agent_id=agent-a&is_active=true", nil, &list))
	assert.Len(t, list.Data, 1)

	require.Equal(t, http.StatusNoContent, s.do("client-a", http.MethodDelete, "/sicc/memories/"+created.ID, nil, nil))

	var st memory.Stats
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/memories/agent/agent-a/stats", nil, &st))
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 0, st.Active)
}

func TestMemorySearch(t *testing.T) {
	s := newTestServer(t, false)
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/memories", memory.CreateRequest{
		AgentID: "agent-a",
		Content: "refunds are processed within five business days",
	}, nil))

	var res dataEnvelope[[]memory.SearchResult]
	code := s.do("client-a", http.MethodPost, "/sicc/memories/search", memory.SearchRequest{
		AgentID: "agent-a",
		Query:   "refunds are processed within five business days",
	}, &res)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, res.Data, 1)
	assert.InDelta(t, 1.0, res.Data[0].Similarity, 1e-6)

	var errResp ErrorResponse
	code = s.do("client-a", http.MethodPost, "/sicc/memories/search", memory.SearchRequest{AgentID: "agent-a"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", errResp.Error.Type)
}

func TestTenantIsolation(t *testing.T) {
	s := newTestServer(t, false)
	var created memory.Chunk
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/memories", memory.CreateRequest{
		AgentID: "agent-a",
		Content: "secret roadmap",
	}, &created))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"create for foreign agent", http.MethodPost, "/sicc/memories", memory.CreateRequest{AgentID: "agent-a", Content: "x"}, http.StatusForbidden, "forbidden"},
		{"foreign memory by id", http.MethodGet, "/sicc/memories/" + created.ID, nil, http.StatusNotFound, "not_found"},
		{"delete foreign memory", http.MethodDelete, "/sicc/memories/" + created.ID, nil, http.StatusNotFound, "not_found"},
		{"foreign agent stats", http.MethodGet, "/sicc/stats/agent/agent-a/dashboard", nil, http.StatusForbidden, "forbidden"},
		{"foreign settings", http.MethodGet, "/sicc/settings/agent/agent-a", nil, http.StatusForbidden, "forbidden"},
		{"unknown agent", http.MethodGet, "/sicc/memories/agent/ghost/stats", nil, http.StatusNotFound, "agent_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, tt.status, s.do("client-b", tt.method, tt.path, tt.body, &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	// The foreign tenant cannot see the chunk in listings either.
	var list dataEnvelope[[]memory.Chunk]
	require.Equal(t, http.StatusOK, s.do("client-b", http.MethodGet, "/sicc/memories", nil, &list))
	assert.Empty(t, list.Data)
}

func TestMissingPrincipalIsForbidden(t *testing.T) {
	s := newTestServer(t, false)
	var resp ErrorResponse
	assert.Equal(t, http.StatusForbidden, s.do("", http.MethodGet, "/sicc/memories", nil, &resp))
	assert.Equal(t, "forbidden_error", resp.Error.Type)
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/sicc/memories", bytes.NewBufferString("{not json"))
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{ClientID: "client-a", Role: auth.RoleMember}))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request body")
}

func TestLearningReviewFlow(t *testing.T) {
	s := newTestServer(t, false)
	submit := learning.SubmitRequest{
		AgentID:      "agent-a",
		LearningType: "memorize",
		Analysis: learning.Analysis{
			Kind:   learning.KindMemorize,
			Target: learning.TargetMemory,
			Memory: &learning.MemoryProposal{Content: "The customer prefers email"},
		},
		Confidence: 0.7,
	}
	var pending learning.Log
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/learnings", submit, &pending))
	assert.Equal(t, learning.StatusPending, pending.Status)

	var approved learning.Log
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/learnings/"+pending.ID+"/approve", nil, &approved))
	assert.Equal(t, learning.StatusApproved, approved.Status)
	assert.Equal(t, "profile-client-a", approved.ReviewedBy)
	assert.NotEmpty(t, approved.ArtifactID)

	var conflict ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do("client-a", http.MethodPost, "/sicc/learnings/"+pending.ID+"/approve", nil, &conflict))
	assert.Equal(t, "already_consolidated", conflict.Error.Code)

	var rejected learning.Log
	submit.Confidence = 0.65
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/learnings", submit, &rejected))

	var batch dataEnvelope[[]learning.BatchResult]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/learnings/batch/reject", BatchRequest{IDs: []string{rejected.ID, "missing"}}, &batch))
	require.Len(t, batch.Data, 2)
	assert.Equal(t, learning.StatusRejected, batch.Data[0].Status)
	assert.Equal(t, "not_found", batch.Data[1].Code)

	var list dataEnvelope[[]learning.Log]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/learnings?agent_id=agent-a&status=rejected", nil, &list))
	assert.Len(t, list.Data, 1)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do("client-a", http.MethodPost, "/sicc/learnings/batch/approve", BatchRequest{}, &errResp))
}

func TestAnalyzeConversation(t *testing.T) {
	s := newTestServer(t, false)
	var res dataEnvelope[[]learning.Log]
	code := s.do("client-a", http.MethodPost, "/sicc/learnings/agent/agent-a/analyze", learning.AnalyzeRequest{
		Messages: []learning.Message{{Role: "user", Content: "Remember that our office opens at 9am"}},
	}, &res)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, res.Data, 1)
	assert.Equal(t, learning.StatusAutoApproved, res.Data[0].Status)

	var st learning.Stats
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/learnings/agent/agent-a/stats", nil, &st))

	var report learning.ConsolidationReport
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/learnings/agent/agent-a/consolidate", nil, &report))
	assert.Equal(t, "agent-a", report.AgentID)
}

func TestPatternSearchAndApplication(t *testing.T) {
	s := newTestServer(t, false)
	confidence := 0.8
	var created behavior.Pattern
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/patterns", behavior.CreateRequest{
		AgentID:        "agent-a",
		PatternType:    "response_strategy",
		TriggerContext: behavior.TriggerContext{Keywords: []string{"price"}},
		ActionConfig:   map[string]interface{}{"response": "Plans start at $10/month"},
		Confidence:     &confidence,
	}, &created))

	var matched dataEnvelope[[]behavior.Pattern]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/patterns/search", PatternSearchRequest{
		AgentID: "agent-a",
		Context: map[string]interface{}{"message": "What is the PRICE?"},
	}, &matched))
	require.Len(t, matched.Data, 1)
	assert.Equal(t, created.ID, matched.Data[0].ID)

	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/patterns/search", PatternSearchRequest{
		AgentID: "agent-a",
		Context: map[string]interface{}{"message": "hello"},
	}, &matched))
	assert.Empty(t, matched.Data)

	success := true
	var applied behavior.Pattern
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/patterns/"+created.ID+"/record-application", RecordApplicationRequest{Success: &success}, &applied))
	assert.Equal(t, 1, applied.ApplicationCount)

	var agg analytics.Aggregate
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/stats/agent/agent-a/aggregated?period=today", nil, &agg))
	assert.Equal(t, 1, agg.PatternApplications)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do("client-a", http.MethodPost, "/sicc/patterns/"+created.ID+"/record-application", map[string]any{}, &errResp))

	var active dataEnvelope[[]behavior.Pattern]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/stats/agent/agent-a/active-patterns?limit=5", nil, &active))
	assert.Len(t, active.Data, 1)
}

func TestStatsEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/memories", memory.CreateRequest{
		AgentID: "agent-a",
		Content: "VIP customers get priority support",
	}, nil))

	var dash DashboardResponse
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/stats/agent/agent-a/dashboard", nil, &dash))
	require.NotNil(t, dash.Memories)
	assert.Equal(t, 1, dash.Memories.Active)
	assert.NotNil(t, dash.Metrics)

	var top dataEnvelope[[]memory.Chunk]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/stats/agent/agent-a/top-memories", nil, &top))
	assert.Len(t, top.Data, 1)

	var v VelocityResponse
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/stats/agent/agent-a/learning-velocity?days=7", nil, &v))
	assert.Equal(t, 7, v.Days)

	var evo EvolutionResponse
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/stats/agent/agent-a/evolution?period=last_7_days", nil, &evo))
	assert.Equal(t, analytics.PeriodLast7Days, evo.Period)

	tests := []struct {
		name string
		path string
	}{
		{"unknown period", "/sicc/stats/agent/agent-a/metrics?period=forever"},
		{"bad limit", "/sicc/stats/agent/agent-a/top-memories?limit=0"},
		{"non-numeric days", "/sicc/stats/agent/agent-a/learning-velocity?days=x"},
		{"too many days", "/sicc/stats/agent/agent-a/learning-velocity?days=1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, s.do("client-a", http.MethodGet, tt.path, nil, nil))
		})
	}
}

func TestSettingsEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	var st settings.Settings
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/settings/agent/agent-a", nil, &st))
	assert.Equal(t, settings.Defaults().AutoApproveThreshold, st.AutoApproveThreshold)

	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPut, "/sicc/settings/agent/agent-a", map[string]any{"max_snapshots": 3}, &st))
	assert.Equal(t, 3, st.MaxSnapshots)
	assert.Equal(t, settings.Defaults().AutoApproveThreshold, st.AutoApproveThreshold)

	var errResp ErrorResponse
	code := s.do("client-a", http.MethodPut, "/sicc/settings/agent/agent-a", map[string]any{"manual_review_threshold": 0.95, "auto_approve_threshold": 0.5}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "settings_out_of_range", errResp.Error.Code)

	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/settings/agent/agent-a", nil, &st))
	assert.Equal(t, 3, st.MaxSnapshots)
}

func TestSnapshotEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	var first snapshot.Snapshot
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/snapshots/agent/agent-a", nil, &first))
	assert.Equal(t, snapshot.TypeManual, first.SnapshotType)

	var mem memory.Chunk
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/memories", memory.CreateRequest{
		AgentID: "agent-a",
		Content: "Shipping is free above $50",
	}, &mem))

	var second snapshot.Snapshot
	require.Equal(t, http.StatusCreated, s.do("client-a", http.MethodPost, "/sicc/snapshots/agent/agent-a", snapshot.CreateRequest{Type: "milestone", Note: "v2"}, &second))

	var cmp snapshot.Comparison
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/snapshots/compare?older="+first.ID+"&newer="+second.ID, nil, &cmp))
	assert.Equal(t, []string{mem.ID}, cmp.MemoriesAdded)
	assert.Equal(t, 1, cmp.MemoryCountDelta)

	assert.Equal(t, http.StatusBadRequest, s.do("client-a", http.MethodGet, "/sicc/snapshots/compare?older="+first.ID, nil, nil))

	var list dataEnvelope[[]snapshot.Snapshot]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/snapshots/agent/agent-a", nil, &list))
	assert.Len(t, list.Data, 2)

	assert.Equal(t, http.StatusNotFound, s.do("client-b", http.MethodPost, "/sicc/snapshots/"+first.ID+"/rollback", nil, nil))

	var rb snapshot.RollbackResult
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/snapshots/"+first.ID+"/rollback", nil, &rb))
	assert.Equal(t, []string{mem.ID}, rb.DeactivatedMemories)

	var got memory.Chunk
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/memories/"+mem.ID, nil, &got))
	assert.False(t, got.IsActive)
}

func TestHookEndpoints(t *testing.T) {
	s := newTestServer(t, true)

	success := true
	code := s.do("client-a", http.MethodPost, "/sicc/interactions", InteractionRequest{
		EventID:  "evt-1",
		AgentID:  "agent-a",
		Messages: []learning.Message{{Role: "user", Content: "Remember that returns need a receipt"}},
		Response: "Noted.",
		Success:  &success,
	}, nil)
	require.Equal(t, http.StatusAccepted, code)

	var st hook.Stats
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/hook/stats", nil, &st))
	assert.Equal(t, 1, st.QueueSize)

	var flushed hook.FlushResult
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/hook/flush", nil, &flushed))
	assert.Equal(t, 1, flushed.Processed)

	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/hook/disable", nil, nil))
	assert.False(t, s.hook.Enabled())
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodPost, "/sicc/hook/enable", nil, nil))
	assert.True(t, s.hook.Enabled())

	var health hook.Health
	s.do("client-a", http.MethodGet, "/sicc/hook/health", nil, &health)
	assert.NotEmpty(t, health.Status)

	var agg analytics.Aggregate
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/stats/agent/agent-a/aggregated?period=today", nil, &agg))
	assert.Equal(t, 1, agg.InteractionsCount)

	assert.Equal(t, http.StatusForbidden, s.do("client-b", http.MethodPost, "/sicc/interactions", InteractionRequest{
		AgentID:  "agent-a",
		Messages: []learning.Message{{Role: "user", Content: "hi"}},
	}, nil))
}

func TestHookEndpointsWithoutHook(t *testing.T) {
	s := newTestServer(t, false)
	var resp ErrorResponse
	assert.Equal(t, http.StatusServiceUnavailable, s.do("client-a", http.MethodGet, "/sicc/hook/stats", nil, &resp))
	assert.Equal(t, "transient_error", resp.Error.Type)
}

func TestDeadLetters(t *testing.T) {
	s := newTestServer(t, false)
	tk, err := broker.NewTask(broker.TaskConsolidate, "agent-a", nil)
	require.NoError(t, err)
	require.NoError(t, s.dlq.Push(context.Background(), broker.DeadLetter{Task: tk, Error: "boom", Code: "transient", Attempts: 5}))

	var list dataEnvelope[[]broker.DeadLetter]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/workers/dead-letters", nil, &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "boom", list.Data[0].Error)
}

func TestDeadLettersWithoutQueue(t *testing.T) {
	s := newTestServer(t, false)
	s.handler.DeadLetters = nil

	var list dataEnvelope[[]broker.DeadLetter]
	require.Equal(t, http.StatusOK, s.do("client-a", http.MethodGet, "/sicc/workers/dead-letters", nil, &list))
	assert.Empty(t, list.Data)
}
