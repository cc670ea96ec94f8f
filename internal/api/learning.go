package api //nolint:revive // package name is intentional

import (
	"context"
	"net/http"

	"github.com/blueberrycongee/sicc/internal/learning"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// maxBatchSize bounds the ids of one batch decision.
const maxBatchSize = 100

// BatchRequest is the body of the batch approve and reject endpoints.
type BatchRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) ListLearnings(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	req := learning.ListRequest{AgentID: q.Get("agent_id"), Status: q.Get("status"), Kind: q.Get("learning_type")}
	if req.AgentID != "" {
		if _, err := h.authorizeAgent(r.Context(), p, req.AgentID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Offset, err = queryInt(r, "offset", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	logs, err := h.Pipeline.List(r.Context(), p.ClientID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, logs)
}

// SubmitLearning records a proposal directly and applies the agent's thresholds.
func (h *Handler) SubmitLearning(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req learning.SubmitRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.authorizeAgent(r.Context(), p, req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.Pipeline.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) GetLearning(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.Pipeline.Get(r.Context(), p.ClientID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

// ApproveLearning consolidates a pending log. Repeating the call on an
// approved log answers 409 already_consolidated.
func (h *Handler) ApproveLearning(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.Pipeline.Consolidator().Approve(r.Context(), p.ClientID, r.PathValue("id"), p.ProfileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) RejectLearning(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.Pipeline.Consolidator().Reject(r.Context(), p.ClientID, r.PathValue("id"), p.ProfileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) BatchApproveLearnings(w http.ResponseWriter, r *http.Request) {
	h.batchDecision(w, r, (*learning.Consolidator).BatchApprove)
}

func (h *Handler) BatchRejectLearnings(w http.ResponseWriter, r *http.Request) {
	h.batchDecision(w, r, (*learning.Consolidator).BatchReject)
}

type batchFunc func(c *learning.Consolidator, ctx context.Context, clientID string, ids []string, reviewer string) []learning.BatchResult

// batchDecision answers 200 with one result per id; individual failures
// are reported inline and never fail the request.
func (h *Handler) batchDecision(w http.ResponseWriter, r *http.Request, fn batchFunc) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req BatchRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, r, apperrors.NewValidationError("ids must not be empty"))
		return
	}
	if len(req.IDs) > maxBatchSize {
		h.writeError(w, r, apperrors.NewValidationError("too many ids in one batch"))
		return
	}
	results := fn(h.Pipeline.Consolidator(), r.Context(), p.ClientID, req.IDs, p.ProfileID)
	h.writeData(w, http.StatusOK, results)
}

// AnalyzeConversation runs the pipeline synchronously on a posted conversation.
func (h *Handler) AnalyzeConversation(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req learning.AnalyzeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	logs, err := h.Pipeline.Analyze(r.Context(), a.ID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*learning.Log{}
	}
	h.writeData(w, http.StatusOK, logs)
}

func (h *Handler) LearningStats(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Pipeline.Stats(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// Consolidate runs one consolidation pass for the agent immediately.
func (h *Handler) Consolidate(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.Pipeline.RunConsolidation(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
