package api

import (
	"net/http"

	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/pkg/httputil"
	"github.com/mailgenius/dispatch/internal/worker"
)

// ListWorkers returns the worker registry, most recently started first.
// Offline rows linger until cleanup so operators can see recent deaths.
// GET /api/workers
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, name, status, last_heartbeat, current_job_id,
		       consecutive_failures, total_processed, total_errors, started_at
		FROM workers
		ORDER BY started_at DESC`)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	defer rows.Close()

	workers := []domain.WorkerInfo{}
	for rows.Next() {
		var wi domain.WorkerInfo
		err := rows.Scan(&wi.ID, &wi.Name, &wi.Status, &wi.LastHeartbeat, &wi.CurrentJobID,
			&wi.ConsecutiveFailures, &wi.TotalProcessed, &wi.TotalErrors, &wi.StartedAt)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		workers = append(workers, wi)
	}
	if err := rows.Err(); err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"workers": workers,
		"count":   len(workers),
	})
}

// ScaleWorkers sets the worker-count target every pool converges on. Pools
// clamp the target to their own min/max bounds.
// POST /api/workers/scale
func (h *Handlers) ScaleWorkers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Count < 1 {
		httputil.BadRequest(w, "count must be positive")
		return
	}

	if err := h.redis.Set(r.Context(), worker.WorkerTargetKey, req.Count, 0).Err(); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"target": req.Count})
}
