package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mailgenius/dispatch/internal/pkg/httputil"
	"github.com/mailgenius/dispatch/internal/progress"
)

// GetJobProgress returns the progress record sharing the job's id.
// GET /api/jobs/{id}/progress
func (h *Handlers) GetJobProgress(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, progress.ErrNotFound) {
		httputil.NotFound(w, "progress record not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, rec)
}

// ListProgress returns an owner's records, newest first.
// GET /api/progress?owner_id=...&limit=...
func (h *Handlers) ListProgress(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		httputil.BadRequest(w, "owner_id is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.tracker.ForOwner(r.Context(), ownerID, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// DeleteProgress removes one finished record. Running records are refused;
// cancel the job instead.
// DELETE /api/progress/{id}
func (h *Handlers) DeleteProgress(w http.ResponseWriter, r *http.Request) {
	err := h.tracker.Remove(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		httputil.NoContent(w)
	case errors.Is(err, progress.ErrNotFound):
		httputil.NotFound(w, "progress record not found")
	case errors.Is(err, progress.ErrStillRunning):
		httputil.Conflict(w, "progress record still running")
	default:
		httputil.InternalError(w, err)
	}
}
