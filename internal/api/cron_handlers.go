package api

import (
	"net/http"

	"github.com/mailgenius/dispatch/internal/pkg/httputil"
)

// ProcessScheduled runs one scheduler pass: dispatch campaigns whose
// scheduled time has arrived, settle campaigns whose jobs finished. The
// in-process scheduler loop does the same on its own cadence; this endpoint
// exists for deployments that drive scheduling from an external cron.
// POST /cron/process-scheduled
func (h *Handlers) ProcessScheduled(w http.ResponseWriter, r *http.Request) {
	h.scheduler.RunOnce(r.Context())
	httputil.OK(w, map[string]string{"status": "ok"})
}

// RetrySweep drains due recipient retries and reclaims jobs whose worker
// stopped heartbeating.
// POST /cron/retry-sweep
func (h *Handlers) RetrySweep(w http.ResponseWriter, r *http.Request) {
	processed, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	reclaimed, err := h.sweeper.ReclaimStale(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]int64{
		"retries_processed": int64(processed),
		"jobs_reclaimed":    reclaimed,
	})
}

// CronCleanup is the scheduled variant of queue cleanup, always at the
// configured retention.
// POST /cron/cleanup
func (h *Handlers) CronCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.runCleanup(r.Context(), h.retentionDays)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, removed)
}
