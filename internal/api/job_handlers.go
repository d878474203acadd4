package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/pkg/httputil"
	"github.com/mailgenius/dispatch/internal/queue"
)

type jobResponse struct {
	Job     *domain.Job    `json:"job"`
	Batches []domain.Batch `json:"batches"`
}

// GetJob returns one job with all its batches.
// GET /api/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.store.Get(r.Context(), jobID)
	if errors.Is(err, queue.ErrNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	batches, err := h.store.Batches(r.Context(), jobID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, jobResponse{Job: job, Batches: batches})
}

// CancelJob moves a non-terminal job to cancelled. Workers notice at the
// next batch boundary.
// POST /api/jobs/{id}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	err := h.store.Cancel(r.Context(), jobID)
	var transition *domain.InvalidTransitionError
	switch {
	case err == nil:
		httputil.OK(w, map[string]string{"job_id": jobID, "status": string(domain.JobCancelled)})
	case errors.Is(err, queue.ErrNotFound):
		httputil.NotFound(w, "job not found")
	case errors.As(err, &transition):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// RetryJob requeues a failed or cancelled job from the top.
// POST /api/jobs/{id}/retry
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	err := h.store.Requeue(r.Context(), jobID)
	switch {
	case err == nil:
		httputil.OK(w, map[string]string{"job_id": jobID, "status": string(domain.JobPending)})
	case errors.Is(err, queue.ErrNotFound):
		httputil.NotFound(w, "job not found")
	case errors.Is(err, queue.ErrNotRequeueable):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
