package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/learning"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/snapshot"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

const (
	defaultTopLimit     = 10
	maxTopLimit         = 100
	defaultVelocityDays = 7
	maxVelocityDays     = 365
	evolutionSnapshots  = 50
)

// EvolutionResponse is the agent's snapshot timeline alongside its daily
// metrics for the requested period.
type EvolutionResponse struct {
	AgentID   string                    `json:"agent_id"`
	Period    analytics.Period          `json:"period"`
	Snapshots []*snapshot.Snapshot      `json:"snapshots"`
	Metrics   []*analytics.DailyMetrics `json:"metrics"`
}

// DashboardResponse summarizes an agent on one screen.
type DashboardResponse struct {
	AgentID   string               `json:"agent_id"`
	Memories  *memory.Stats        `json:"memories"`
	Patterns  *behavior.Stats      `json:"patterns"`
	Learnings *learning.Stats      `json:"learnings"`
	Metrics   *analytics.Aggregate `json:"metrics"`
}

// VelocityResponse reports new learnings per day.
type VelocityResponse struct {
	AgentID  string  `json:"agent_id"`
	Days     int     `json:"days"`
	Velocity float64 `json:"learning_velocity"`
}

func (h *Handler) AgentMetrics(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	period, err := analytics.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.Analytics.Get(r.Context(), a.ID, period)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, rows)
}

func (h *Handler) AggregatedMetrics(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	period, err := analytics.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	agg, err := h.Analytics.GetAggregated(r.Context(), a.ID, period)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agg)
}

func (h *Handler) LearningVelocity(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	days, err := queryInt(r, "days", defaultVelocityDays)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if days > maxVelocityDays {
		h.writeError(w, r, apperrors.NewValidationError("days must not exceed 365"))
		return
	}
	v, err := h.Analytics.LearningVelocity(r.Context(), a.ID, days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, VelocityResponse{AgentID: a.ID, Days: days, Velocity: v})
}

func (h *Handler) Evolution(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	period, err := analytics.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snaps, err := h.Snapshots.List(r.Context(), a.ID, snapshot.ListRequest{Limit: evolutionSnapshots})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.Analytics.Get(r.Context(), a.ID, period)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, EvolutionResponse{AgentID: a.ID, Period: period, Snapshots: snaps, Metrics: rows})
}

func topLimit(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit", defaultTopLimit)
	if err != nil {
		return 0, err
	}
	if limit <= 0 || limit > maxTopLimit {
		return 0, apperrors.NewValidationError("limit must be between 1 and 100")
	}
	return limit, nil
}

func (h *Handler) TopMemories(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := topLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	chunks, err := h.Memories.TopByUsage(r.Context(), a.ID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, chunks)
}

func (h *Handler) ActivePatterns(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := topLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	patterns, err := h.Patterns.TopActive(r.Context(), a.ID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, patterns)
}

// Dashboard combines inventory, learning and last-30-day metrics.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	resp := DashboardResponse{AgentID: a.ID}
	if resp.Memories, err = h.Memories.Stats(ctx, a.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if resp.Patterns, err = h.Patterns.Stats(ctx, a.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if resp.Learnings, err = h.Pipeline.Stats(ctx, a.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if resp.Metrics, err = h.Analytics.GetAggregated(ctx, a.ID, analytics.PeriodLast30Days); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}
