package api //nolint:revive // package name is intentional

import "net/http"

// RegisterRoutes mounts every /sicc endpoint on mux. Authentication and
// role checks are applied by middleware around the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sicc/memories", h.ListMemories)
	mux.HandleFunc("POST /sicc/memories", h.CreateMemory)
	mux.HandleFunc("POST /sicc/memories/search", h.SearchMemories)
	mux.HandleFunc("GET /sicc/memories/agent/{id}/stats", h.MemoryStats)
	mux.HandleFunc("GET /sicc/memories/{id}", h.GetMemory)
	mux.HandleFunc("PUT /sicc/memories/{id}", h.UpdateMemory)
	mux.HandleFunc("DELETE /sicc/memories/{id}", h.DeleteMemory)

	mux.HandleFunc("GET /sicc/learnings", h.ListLearnings)
	mux.HandleFunc("POST /sicc/learnings", h.SubmitLearning)
	mux.HandleFunc("POST /sicc/learnings/batch/approve", h.BatchApproveLearnings)
	mux.HandleFunc("POST /sicc/learnings/batch/reject", h.BatchRejectLearnings)
	mux.HandleFunc("POST /sicc/learnings/agent/{id}/analyze", h.AnalyzeConversation)
	mux.HandleFunc("POST /sicc/learnings/agent/{id}/consolidate", h.Consolidate)
	mux.HandleFunc("GET /sicc/learnings/agent/{id}/stats", h.LearningStats)
	mux.HandleFunc("GET /sicc/learnings/{id}", h.GetLearning)
	mux.HandleFunc("POST /sicc/learnings/{id}/approve", h.ApproveLearning)
	mux.HandleFunc("POST /sicc/learnings/{id}/reject", h.RejectLearning)

	mux.HandleFunc("GET /sicc/patterns", h.ListPatterns)
	mux.HandleFunc("POST /sicc/patterns", h.CreatePattern)
	mux.HandleFunc("POST /sicc/patterns/search", h.SearchPatterns)
	mux.HandleFunc("GET /sicc/patterns/agent/{id}/stats", h.PatternStats)
	mux.HandleFunc("GET /sicc/patterns/{id}", h.GetPattern)
	mux.HandleFunc("PUT /sicc/patterns/{id}", h.UpdatePattern)
	mux.HandleFunc("DELETE /sicc/patterns/{id}", h.DeletePattern)
	mux.HandleFunc("POST /sicc/patterns/{id}/record-application", h.RecordPatternApplication)

	mux.HandleFunc("GET /sicc/stats/agent/{id}/metrics", h.AgentMetrics)
	mux.HandleFunc("GET /sicc/stats/agent/{id}/aggregated", h.AggregatedMetrics)
	mux.HandleFunc("GET /sicc/stats/agent/{id}/learning-velocity", h.LearningVelocity)
	mux.HandleFunc("GET /sicc/stats/agent/{id}/evolution", h.Evolution)
	mux.HandleFunc("GET /sicc/stats/agent/{id}/top-memories", h.TopMemories)
	mux.HandleFunc("GET /sicc/stats/agent/{id}/active-patterns", h.ActivePatterns)
	mux.HandleFunc("GET /sicc/stats/agent/{id}/dashboard", h.Dashboard)

	mux.HandleFunc("GET /sicc/settings/agent/{id}", h.GetSettings)
	mux.HandleFunc("PUT /sicc/settings/agent/{id}", h.PutSettings)

	mux.HandleFunc("GET /sicc/snapshots/agent/{id}", h.ListSnapshots)
	mux.HandleFunc("POST /sicc/snapshots/agent/{id}", h.CreateSnapshot)
	mux.HandleFunc("GET /sicc/snapshots/compare", h.CompareSnapshots)
	mux.HandleFunc("GET /sicc/snapshots/{id}", h.GetSnapshot)
	mux.HandleFunc("POST /sicc/snapshots/{id}/rollback", h.RollbackSnapshot)

	mux.HandleFunc("POST /sicc/interactions", h.RecordInteraction)

	mux.HandleFunc("GET /sicc/hook/stats", h.HookStats)
	mux.HandleFunc("GET /sicc/hook/health", h.HookHealth)
	mux.HandleFunc("POST /sicc/hook/enable", h.EnableHook)
	mux.HandleFunc("POST /sicc/hook/disable", h.DisableHook)
	mux.HandleFunc("POST /sicc/hook/flush", h.FlushHook)

	mux.HandleFunc("GET /sicc/workers/dead-letters", h.ListDeadLetters)
}
