// Package api serves the SICC HTTP surface under /sicc.
package api //nolint:revive // package name is intentional

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/auth"
	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/hook"
	"github.com/blueberrycongee/sicc/internal/httputil"
	"github.com/blueberrycongee/sicc/internal/learning"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/settings"
	"github.com/blueberrycongee/sicc/internal/snapshot"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Deps are the services behind the API. Hook and DeadLetters may be nil.
type Deps struct {
	Agents      agent.Directory
	Memories    *memory.Service
	Patterns    *behavior.Service
	Pipeline    *learning.Pipeline
	Snapshots   *snapshot.Service
	Analytics   *analytics.Service
	Settings    *settings.Provider
	Hook        *hook.Hook
	DeadLetters broker.DeadLetterQueue
	Logger      *slog.Logger
	MaxBodySize int64
}

// Handler implements the /sicc endpoints.
type Handler struct {
	Deps
	logger *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.MaxBodySize <= 0 {
		d.MaxBodySize = httputil.DefaultMaxRequestBodyBytes
	}
	return &Handler{Deps: d, logger: logger}
}

// principal returns the caller. The auth middleware always sets one; a
// missing principal is a wiring bug and is treated as forbidden.
func principal(r *http.Request) (*auth.Principal, error) {
	p := auth.PrincipalFrom(r.Context())
	if p == nil || p.ClientID == "" {
		return nil, apperrors.NewForbiddenError("request has no tenant")
	}
	return p, nil
}

// authorizeAgent resolves agentID and checks that the caller's client owns it.
func (h *Handler) authorizeAgent(ctx context.Context, p *auth.Principal, agentID string) (*agent.Agent, error) {
	a, err := agent.Resolve(ctx, h.Agents, agentID)
	if err != nil {
		return nil, err
	}
	if !p.CanAccess(a.ClientID) {
		return nil, apperrors.NewForbiddenError("agent " + a.ID + " belongs to another client")
	}
	return a, nil
}

// agentScope combines principal and authorizeAgent for handlers keyed by
// the {id} path value.
func (h *Handler) agentScope(r *http.Request) (*auth.Principal, *agent.Agent, error) {
	p, err := principal(r)
	if err != nil {
		return nil, nil, err
	}
	a, err := h.authorizeAgent(r.Context(), p, r.PathValue("id"))
	if err != nil {
		return nil, nil, err
	}
	return p, a, nil
}

func (h *Handler) decode(r *http.Request, v interface{}) error {
	if err := httputil.DecodeJSON(r.Body, h.MaxBodySize, v); err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			return apperrors.NewValidationError("request body too large")
		}
		return apperrors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewValidationError(name + " must be an integer")
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperrors.NewValidationError(name + " must be a boolean")
	}
	return &b, nil
}

func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperrors.NewValidationError(name + " must be a number")
	}
	return f, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, map[string]any{"data": data})
}

// writeError renders err in the error envelope. Errors outside the
// taxonomy are logged and reported without their message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.StatusCode(err)
	detail := ErrorDetail{
		Message: "internal error",
		Type:    string(apperrors.KindInternal),
		Code:    apperrors.CodeInternal,
	}
	if e, ok := apperrors.As(err); ok {
		detail = ErrorDetail{Message: e.Message, Type: string(e.Kind), Code: e.Code, Hint: e.Hint}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, ErrorResponse{Error: detail})
}
