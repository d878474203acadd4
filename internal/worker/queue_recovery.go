package worker

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/progress"
	"github.com/mailgenius/dispatch/internal/queue"
)

// RecoveryWorker reclaims jobs stranded by dead workers. A worker that
// crashes mid-job leaves it in processing with a stale claim; this sweep
// hands such jobs back to the queue while retries remain and fails them
// once the cap is hit, so no job stays permanently claimed by a corpse.
// It also flips registry rows to offline when their heartbeats stop.
type RecoveryWorker struct {
	db       *sql.DB
	store    *queue.Store
	progress *progress.Tracker
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryWorker creates a recovery sweep from the worker config.
func NewRecoveryWorker(db *sql.DB, store *queue.Store, tracker *progress.Tracker, cfg config.WorkerConfig) *RecoveryWorker {
	return &RecoveryWorker{
		db:       db,
		store:    store,
		progress: tracker,
		interval: cfg.RecoveryInterval(),
		staleAge: cfg.StaleAfter(),
	}
}

// Start runs the sweep loop. An immediate first pass picks up anything left
// over from a previous process. Blocks until ctx is cancelled.
func (r *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] starting (interval=%s, stale_age=%s)", r.interval, r.staleAge)

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full sweep: reclaim stale jobs under the retry cap,
// fail the rest, mark dead workers offline.
func (r *RecoveryWorker) RunOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if n, err := r.reclaimStale(sweepCtx); err != nil {
		log.Printf("[QueueRecovery] reclaim error: %v", err)
	} else if n > 0 {
		log.Printf("[QueueRecovery] reclaimed %d stale jobs", n)
	}

	if ids, err := r.failExhausted(sweepCtx); err != nil {
		log.Printf("[QueueRecovery] fail-exhausted error: %v", err)
	} else if len(ids) > 0 {
		log.Printf("[QueueRecovery] failed %d jobs past the retry cap", len(ids))
	}

	if n, err := r.markOfflineWorkers(sweepCtx); err != nil {
		log.Printf("[QueueRecovery] offline-mark error: %v", err)
	} else if n > 0 {
		log.Printf("[QueueRecovery] marked %d workers offline", n)
	}
}

// reclaimStale puts stale processing jobs back in line: retrying with
// scheduled_at = NOW() is claimable immediately, and resume skips the
// batches the dead worker already finished. The retry bump keeps a job that
// kills every worker it touches from looping forever.
func (r *RecoveryWorker) reclaimStale(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying',
		    retry_count = retry_count + 1,
		    scheduled_at = NOW(),
		    claimed_by = NULL,
		    claimed_at = NULL,
		    error_message = 'reclaimed from stale worker',
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND claimed_at < NOW() - $1::interval
		  AND retry_count < max_retries`,
		r.staleAge.String())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// failExhausted closes out stale jobs that have no retries left, charging
// every unattempted recipient to the failure counters.
func (r *RecoveryWorker) failExhausted(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    error_message = 'worker lost and job retries exhausted',
		    completed_at = NOW(),
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND claimed_at < NOW() - $1::interval
		  AND retry_count >= max_retries
		RETURNING id`,
		r.staleAge.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return ids, err
	}

	const reason = "worker lost and job retries exhausted"
	for _, id := range ids {
		if err := r.store.FailRemaining(ctx, id, reason); err != nil {
			log.Printf("[QueueRecovery] fail remaining for job %s: %v", id, err)
		}
		if err := r.progress.Finish(ctx, id, domain.ProgressFailed, reason); err != nil {
			log.Printf("[QueueRecovery] finish progress for job %s: %v", id, err)
		}
	}
	return ids, nil
}

// markOfflineWorkers flips registry rows whose heartbeats went quiet.
func (r *RecoveryWorker) markOfflineWorkers(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workers
		SET status = 'offline', current_job_id = NULL
		WHERE status IN ('idle', 'busy')
		  AND last_heartbeat < NOW() - $1::interval`,
		r.staleAge.String())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
