package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/blueberrycongee/sicc/internal/snapshot"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := snapshot.ListRequest{Type: r.URL.Query().Get("snapshot_type")}
	if req.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Offset, err = queryInt(r, "offset", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	snaps, err := h.Snapshots.List(r.Context(), a.ID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, snaps)
}

// CreateSnapshot takes a manual snapshot unless the body names another type.
func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req snapshot.CreateRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	req.AgentID = a.ID
	if req.Type == "" {
		req.Type = string(snapshot.TypeManual)
	}
	snap, err := h.Snapshots.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.Snapshots.Get(r.Context(), p.ClientID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// CompareSnapshots handles GET /sicc/snapshots/compare?older=&newer=.
func (h *Handler) CompareSnapshots(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	older, newer := q.Get("older"), q.Get("newer")
	if older == "" || newer == "" {
		h.writeError(w, r, apperrors.NewValidationError("older and newer are required"))
		return
	}
	cmp, err := h.Snapshots.Compare(r.Context(), p.ClientID, older, newer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cmp)
}

// RollbackSnapshot deactivates everything the snapshot's agent learned
// after the snapshot was taken.
func (h *Handler) RollbackSnapshot(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	target, err := h.Snapshots.Get(r.Context(), p.ClientID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.authorizeAgent(r.Context(), p, target.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Snapshots.Rollback(r.Context(), target.AgentID, target.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
