package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/blueberrycongee/sicc/internal/behavior"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// PatternSearchRequest is the body of POST /sicc/patterns/search.
type PatternSearchRequest struct {
	AgentID       string                 `json:"agent_id"`
	Context       map[string]interface{} `json:"context"`
	MinConfidence float64                `json:"min_confidence,omitempty"`
}

// RecordApplicationRequest is the body of POST /sicc/patterns/{id}/record-application.
// EventID makes the daily application counter idempotent across retries.
type RecordApplicationRequest struct {
	Success *bool  `json:"success"`
	EventID string `json:"event_id,omitempty"`
}

func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	req := behavior.ListRequest{AgentID: q.Get("agent_id"), PatternType: q.Get("pattern_type")}
	if req.AgentID != "" {
		if _, err := h.authorizeAgent(r.Context(), p, req.AgentID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.IsActive, err = queryBool(r, "is_active"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Offset, err = queryInt(r, "offset", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	patterns, err := h.Patterns.List(r.Context(), p.ClientID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, patterns)
}

func (h *Handler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req behavior.CreateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.authorizeAgent(r.Context(), p, req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	pat, err := h.Patterns.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, pat)
}

func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pat, err := h.Patterns.Get(r.Context(), p.ClientID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pat)
}

func (h *Handler) UpdatePattern(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req behavior.UpdateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	pat, err := h.Patterns.Update(r.Context(), p.ClientID, r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pat)
}

func (h *Handler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Patterns.Delete(r.Context(), p.ClientID, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchPatterns returns the agent's active patterns whose trigger matches
// the supplied context, best performing first.
func (h *Handler) SearchPatterns(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req PatternSearchRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.authorizeAgent(r.Context(), p, req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	matched, err := h.Patterns.FindMatching(r.Context(), req.AgentID, req.Context, req.MinConfidence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if matched == nil {
		matched = []*behavior.Pattern{}
	}
	h.writeData(w, http.StatusOK, matched)
}

// RecordPatternApplication folds an outcome into the pattern and counts
// the application in the agent's daily metrics.
func (h *Handler) RecordPatternApplication(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req RecordApplicationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Success == nil {
		h.writeError(w, r, apperrors.NewValidationError("success is required"))
		return
	}
	pat, err := h.Patterns.RecordApplication(r.Context(), p.ClientID, r.PathValue("id"), *req.Success)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.Analytics != nil {
		eventID := req.EventID
		if eventID == "" {
			eventID = uuid.NewString()
		}
		if err := h.Analytics.IncrementPatternApplications(r.Context(), pat.AgentID, "pattern_application:"+eventID, 1); err != nil {
			h.logger.Warn("count pattern application", "pattern_id", pat.ID, "error", err)
		}
	}
	h.writeJSON(w, http.StatusOK, pat)
}

func (h *Handler) PatternStats(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Patterns.Stats(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}
