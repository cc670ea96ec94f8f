package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/blueberrycongee/sicc/internal/memory"
)

// ListMemories handles GET /sicc/memories?agent_id=&chunk_type=&is_active=&limit=&offset=.
func (h *Handler) ListMemories(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	req := memory.ListRequest{AgentID: q.Get("agent_id"), ChunkType: q.Get("chunk_type")}
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
	chunks, err := h.Memories.List(r.Context(), p.ClientID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, chunks)
}

// CreateMemory handles POST /sicc/memories.
func (h *Handler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req memory.CreateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.authorizeAgent(r.Context(), p, req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Memories.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Memories.Get(r.Context(), p.ClientID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req memory.UpdateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Memories.Update(r.Context(), p.ClientID, r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// DeleteMemory soft-deletes a chunk.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Memories.Delete(r.Context(), p.ClientID, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchMemories handles POST /sicc/memories/search.
func (h *Handler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req memory.SearchRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.authorizeAgent(r.Context(), p, req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.Memories.Search(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, results)
}

func (h *Handler) MemoryStats(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.agentScope(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Memories.Stats(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}
