package api //nolint:revive // package name is intentional

import (
	"net/http"

	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Settings.Get(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// PutSettings overlays the body on the agent's effective settings, so
// fields absent from the body keep their current values.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Settings.Get(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.decode(r, &st); err != nil {
		h.writeError(w, r, err)
		return
	}
	saved, err := h.Settings.Put(r.Context(), a.ID, st)
	if err != nil {
		h.writeError(w, r, asInputError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, saved)
}

// asInputError reports out-of-range settings submitted by a caller as a
// 400. Stored settings that fail validation stay configuration errors.
func asInputError(err error) error {
	e, ok := apperrors.As(err)
	if !ok || e.Code != apperrors.CodeSettingsOutOfRange {
		return err
	}
	return &apperrors.Error{Kind: apperrors.KindValidation, Code: e.Code, Message: e.Message}
}
