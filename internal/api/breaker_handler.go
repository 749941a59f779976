package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tollbooth/internal/sandbox"
)

type breakerHandler struct {
	sandbox *sandbox.Sandbox
}

func newBreakerHandler(sb *sandbox.Sandbox) *breakerHandler {
	return &breakerHandler{sandbox: sb}
}

// GetBreaker handles GET /api/v1/admin/tools/{toolID}/breaker.
func (h *breakerHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	snap, ok := h.sandbox.BreakerState(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "tool not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// UnregisterTool handles DELETE /api/v1/admin/tools/{toolID}.
func (h *breakerHandler) UnregisterTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	if !h.sandbox.UnregisterTool(id) {
		writeError(w, http.StatusNotFound, "not_found", "tool not found")
		return
	}
	adminLog(r, "unregister", "tool", id)
	w.WriteHeader(http.StatusNoContent)
}
