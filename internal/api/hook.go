package api //nolint:revive // package name is intentional

import (
	"context"
	"net/http"
	"time"

	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/learning"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// flushTimeout bounds POST /sicc/hook/flush.
const flushTimeout = 30 * time.Second

// InteractionRequest reports one completed agent turn. Success, when set,
// is also recorded in the agent's daily metrics.
type InteractionRequest struct {
	EventID        string                 `json:"event_id,omitempty"`
	AgentID        string                 `json:"agent_id"`
	Messages       []learning.Message     `json:"messages"`
	Response       string                 `json:"response"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Success        *bool                  `json:"success,omitempty"`
	ResponseTimeMs *float64               `json:"response_time_ms,omitempty"`
	Satisfaction   *float64               `json:"satisfaction,omitempty"`
}

func hookUnavailable() error {
	return apperrors.NewTransientError("ingress hook is not running in this process", nil)
}

func (h *Handler) HookStats(w http.ResponseWriter, r *http.Request) {
	if h.Hook == nil {
		h.writeError(w, r, hookUnavailable())
		return
	}
	h.writeJSON(w, http.StatusOK, h.Hook.Stats())
}

// HookHealth answers 503 when the hook is unhealthy so load balancers can act on it.
func (h *Handler) HookHealth(w http.ResponseWriter, r *http.Request) {
	if h.Hook == nil {
		h.writeError(w, r, hookUnavailable())
		return
	}
	health := h.Hook.Health()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

func (h *Handler) EnableHook(w http.ResponseWriter, r *http.Request) {
	if h.Hook == nil {
		h.writeError(w, r, hookUnavailable())
		return
	}
	h.Hook.Enable()
	h.logger.Info("ingress hook enabled")
	h.writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (h *Handler) DisableHook(w http.ResponseWriter, r *http.Request) {
	if h.Hook == nil {
		h.writeError(w, r, hookUnavailable())
		return
	}
	h.Hook.Disable()
	h.logger.Info("ingress hook disabled")
	h.writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (h *Handler) FlushHook(w http.ResponseWriter, r *http.Request) {
	if h.Hook == nil {
		h.writeError(w, r, hookUnavailable())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()
	h.writeJSON(w, http.StatusOK, h.Hook.Flush(ctx))
}

// RecordInteraction hands a turn to the ingress hook and answers 202
// without waiting for analysis.
func (h *Handler) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req InteractionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.authorizeAgent(r.Context(), p, req.AgentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, r, apperrors.NewValidationError("messages must not be empty"))
		return
	}
	if h.Hook == nil {
		h.writeError(w, r, hookUnavailable())
		return
	}
	if req.Success != nil && h.Analytics != nil {
		_, err := h.Analytics.RecordInteraction(r.Context(), analytics.Interaction{
			EventID:        req.EventID,
			AgentID:        a.ID,
			Success:        *req.Success,
			ResponseTimeMs: req.ResponseTimeMs,
			Satisfaction:   req.Satisfaction,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	h.Hook.OnInteraction(a.ID, a.AgentType, req.Messages, req.Response, req.Context)
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// ListDeadLetters lists tasks the worker pool gave up on, newest first.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.DeadLetters == nil {
		h.writeData(w, http.StatusOK, []struct{}{})
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.DeadLetters.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, apperrors.NewTransientError("list dead letters", err))
		return
	}
	h.writeData(w, http.StatusOK, list)
}
