package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/mailgenius/dispatch/internal/pkg/httputil"
	"github.com/mailgenius/dispatch/internal/worker"
)

// QueueStats reports queue composition, claimable depth, and the pause flag.
// GET /api/queue/stats
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.StatusCounts(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	depth, err := h.store.Depth(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	paused, err := h.redis.Get(r.Context(), worker.QueuePausedKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"status_counts": counts,
		"depth":         depth,
		"paused":        paused == "1",
	})
}

// PauseQueue sets the claim-pause flag every pool polls. Jobs already
// claimed run to completion; nothing new is claimed.
// POST /api/queue/pause
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Set(r.Context(), worker.QueuePausedKey, "1", 0).Err(); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"queue": "paused"})
}

// ResumeQueue clears the claim-pause flag.
// POST /api/queue/resume
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Del(r.Context(), worker.QueuePausedKey).Err(); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"queue": "running"})
}

// CleanupQueue deletes terminal jobs, finished progress records, and settled
// retry entries past the retention window.
// POST /api/queue/cleanup
func (h *Handlers) CleanupQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Days == 0 {
		req.Days = h.retentionDays
	}
	if req.Days < 1 {
		httputil.BadRequest(w, "days must be positive")
		return
	}

	removed, err := h.runCleanup(r.Context(), req.Days)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, removed)
}

func (h *Handlers) runCleanup(ctx context.Context, days int) (map[string]int64, error) {
	jobs, err := h.store.CleanupOlderThan(ctx, days)
	if err != nil {
		return nil, err
	}
	records, err := h.tracker.Delete(ctx, days)
	if err != nil {
		return nil, err
	}
	retries, err := h.sweeper.CleanupOld(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int64{
		"jobs_removed":     jobs,
		"progress_removed": records,
		"retries_removed":  retries,
	}, nil
}
