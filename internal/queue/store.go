package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mailgenius/dispatch/internal/domain"
)

// Store is the Postgres-backed job queue.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share the store's
// database (recovery sweep, worker registry).
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewJob is the enqueue request. Recipients live inside Payload.
type NewJob struct {
	WorkspaceID string
	CampaignID  string
	Priority    int
	Payload     domain.JobPayload
	BatchSize   int
	MaxRetries  int
	ScheduledAt *time.Time
}

// Enqueue inserts the job, its batches, and its progress record in one
// transaction. The job appears to claimers only after commit, so a claim
// can never observe a job without batches.
func (s *Store) Enqueue(ctx context.Context, req NewJob) (string, error) {
	if len(req.Payload.Recipients) == 0 {
		return "", &ValidationError{Field: "recipients", Reason: "must not be empty"}
	}
	if req.BatchSize <= 0 {
		return "", &ValidationError{Field: "batch_size", Reason: fmt.Sprintf("must be positive, got %d", req.BatchSize)}
	}
	if req.MaxRetries < 0 {
		return "", &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	jobID := uuid.New().String()
	total := len(req.Payload.Recipients)
	ranges := SplitRecipients(total, req.BatchSize)

	batchIDs := make([]string, len(ranges))
	indexes := make([]int64, len(ranges))
	starts := make([]int64, len(ranges))
	ends := make([]int64, len(ranges))
	for i, r := range ranges {
		batchIDs[i] = uuid.New().String()
		indexes[i] = int64(r.Index)
		starts[i] = int64(r.Start)
		ends[i] = int64(r.End)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, workspace_id, campaign_id, status, priority, payload,
			batch_size, total_recipients, max_retries, scheduled_at
		) VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9)`,
		jobID, req.WorkspaceID, req.CampaignID, req.Priority, payload,
		req.BatchSize, total, req.MaxRetries, req.ScheduledAt)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_batches (id, job_id, batch_index, start_record, end_record, status)
		SELECT UNNEST($1::uuid[]), $2, UNNEST($3::int[]), UNNEST($4::int[]), UNNEST($5::int[]), 'pending'`,
		pq.Array(batchIDs), jobID, pq.Array(indexes), pq.Array(starts), pq.Array(ends))
	if err != nil {
		return "", fmt.Errorf("insert batches: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"campaign_id": req.CampaignID})
	_, err = tx.ExecContext(ctx, `
		INSERT INTO progress_records (id, type, owner_id, status, total_items, metadata, start_time)
		VALUES ($1, 'campaign_send', $2, 'running', $3, $4, NOW())`,
		jobID, req.WorkspaceID, total, meta)
	if err != nil {
		return "", fmt.Errorf("insert progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}
	return jobID, nil
}

const claimColumns = `
	j.id, j.workspace_id, j.campaign_id, j.status, j.priority, j.payload,
	j.batch_size, j.total_recipients, j.max_retries, j.retry_count,
	j.scheduled_at, j.started_at, j.completed_at,
	COALESCE(j.error_message, ''), COALESCE(j.claimed_by, ''), j.claimed_at,
	j.created_at, j.updated_at`

// ClaimNext atomically claims the highest-priority eligible job for
// workerID: pending jobs whose scheduled_at has passed (or is unset) and
// retrying jobs whose due time has arrived. Returns (nil, nil) when nothing
// is eligible; a concurrent loser also gets (nil, nil), never an error.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE (status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= NOW()))
			   OR (status = 'retrying' AND scheduled_at IS NOT NULL AND scheduled_at <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'processing',
		    claimed_by = $1,
		    claimed_at = NOW(),
		    started_at = COALESCE(j.started_at, NOW()),
		    updated_at = NOW()
		FROM next
		WHERE j.id = next.id
		RETURNING `+claimColumns,
		workerID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
	)
	err := row.Scan(
		&j.ID, &j.WorkspaceID, &j.CampaignID, &j.Status, &j.Priority, &payload,
		&j.BatchSize, &j.TotalRecipients, &j.MaxRetries, &j.RetryCount,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt,
		&j.ErrorMessage, &j.ClaimedBy, &j.ClaimedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// Get returns the job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM jobs j WHERE j.id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Status returns just the current status, used at batch boundaries to honor
// cancellation without loading the payload.
func (s *Store) Status(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("job status: %w", err)
	}
	return status, nil
}

// transitionSources returns every status that may legally precede next.
func transitionSources(next domain.JobStatus) []string {
	all := []domain.JobStatus{
		domain.JobPending, domain.JobProcessing, domain.JobCompleted,
		domain.JobFailed, domain.JobRetrying, domain.JobCancelled,
	}
	var from []string
	for _, s := range all {
		if s.CanTransitionTo(next) {
			from = append(from, string(s))
		}
	}
	return from
}

// UpdateStatus transitions the job, enforcing the allowed state graph. An
// illegal transition returns InvalidTransitionError and leaves the row
// untouched. Timestamps move with the status: started_at on processing,
// completed_at on any terminal state.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	if !domain.ValidJobStatus(status) {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    started_at = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		jobID, string(status), errMsg, pq.Array(transitionSources(status)))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status rows: %w", err)
	}
	if affected == 0 {
		current, err := s.Status(ctx, jobID)
		if err != nil {
			return err
		}
		return &domain.InvalidTransitionError{JobID: jobID, From: current, To: status}
	}
	return nil
}

// ScheduleRetry moves a processing job to retrying with a due time, bumping
// retry_count. Used for job-level infrastructure failures; the claim query
// picks the job back up once dueAt passes.
func (s *Store) ScheduleRetry(ctx context.Context, jobID string, dueAt time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying',
		    retry_count = retry_count + 1,
		    scheduled_at = $2,
		    error_message = NULLIF($3, ''),
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		jobID, dueAt, errMsg)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, serr := s.Status(ctx, jobID)
		if serr != nil {
			return serr
		}
		return &domain.InvalidTransitionError{JobID: jobID, From: current, To: domain.JobRetrying}
	}
	return nil
}

// AwaitRetries parks a processing job in retrying with no due time: every
// batch has been attempted but recipient-level retries are still in flight.
// The claim query skips it (scheduled_at is NULL); the retry sweep finalizes
// the job when the last entry resolves.
func (s *Store) AwaitRetries(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying',
		    scheduled_at = NULL,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		jobID)
	if err != nil {
		return fmt.Errorf("await retries: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, serr := s.Status(ctx, jobID)
		if serr != nil {
			return serr
		}
		return &domain.InvalidTransitionError{JobID: jobID, From: current, To: domain.JobRetrying}
	}
	return nil
}

// Release hands a processing job back to the queue without burning a retry:
// retrying with scheduled_at = NOW() is immediately claimable, and resume
// skips the batches that already completed. Workers call this when they shut
// down between batches.
func (s *Store) Release(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying',
		    scheduled_at = NOW(),
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		jobID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, serr := s.Status(ctx, jobID)
		if serr != nil {
			return serr
		}
		return &domain.InvalidTransitionError{JobID: jobID, From: current, To: domain.JobRetrying}
	}
	return nil
}

// Finalize closes the job once every batch is terminal and no retry entries
// remain live: completed when nothing failed, failed otherwise. Returns the
// final status, or "" when the job is not ready to close (open batches or
// live retries remain) or is already terminal.
func (s *Store) Finalize(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var final domain.JobStatus
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs j
		SET status = CASE WHEN p.failed_items = 0 THEN 'completed' ELSE 'failed' END,
		    error_message = CASE WHEN p.failed_items = 0 THEN NULL
		                         ELSE p.failed_items || ' of ' || j.total_recipients || ' recipients failed' END,
		    completed_at = NOW(),
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		FROM progress_records p
		WHERE j.id = $1
		  AND p.id = j.id
		  AND j.status IN ('processing', 'retrying')
		  AND NOT EXISTS (
			SELECT 1 FROM job_batches b
			WHERE b.job_id = j.id AND b.status NOT IN ('completed', 'failed')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM retry_entries r
			WHERE r.original_job_id = j.id AND r.status IN ('scheduled', 'executing')
		  )
		RETURNING j.status`,
		jobID).Scan(&final)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finalize job: %w", err)
	}

	// Mirror the outcome onto the progress record.
	pstatus := "completed"
	if final == domain.JobFailed {
		pstatus = "failed"
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE progress_records SET status = $2, end_time = NOW() WHERE id = $1`,
		jobID, pstatus)
	if err != nil {
		return final, fmt.Errorf("finalize progress: %w", err)
	}
	return final, nil
}

// Cancel is the terminal override: any non-terminal job moves to cancelled.
// Scheduled retry entries for the job are voided in the same transaction so
// the sweep never resurrects a cancelled send. A worker mid-batch notices at
// the next batch boundary.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing', 'retrying')`,
		jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current domain.JobStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("cancel lookup: %w", err)
		}
		return &domain.InvalidTransitionError{JobID: jobID, From: current, To: domain.JobCancelled}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE retry_entries
		SET status = 'exhausted', last_error = 'job cancelled', updated_at = NOW()
		WHERE original_job_id = $1 AND status = 'scheduled'`,
		jobID)
	if err != nil {
		return fmt.Errorf("void retries: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE progress_records
		SET status = 'cancelled', end_time = NOW(), message = 'cancelled by operator'
		WHERE id = $1 AND status = 'running'`,
		jobID)
	if err != nil {
		return fmt.Errorf("cancel progress: %w", err)
	}

	return tx.Commit()
}

// Requeue is the operator's manual retry for a failed or cancelled job. It
// resets the job to pending, reopens non-completed batches with zeroed
// counts, and recomputes the progress counters from the batches that stay
// closed, so a resumed run never double-counts.
func (s *Store) Requeue(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', retry_count = 0, error_message = NULL,
		    scheduled_at = NOW(), claimed_by = NULL, claimed_at = NULL,
		    completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('failed', 'cancelled')`,
		jobID)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("requeue lookup: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotRequeueable
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_batches
		SET status = 'pending', valid_count = 0, invalid_count = 0,
		    awaiting_retries = FALSE, error_message = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status <> 'completed'`,
		jobID)
	if err != nil {
		return fmt.Errorf("requeue batches: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE progress_records p
		SET status = 'running', end_time = NULL, message = '',
		    processed_items = agg.valid,
		    failed_items = agg.invalid
		FROM (
			SELECT COALESCE(SUM(valid_count), 0) AS valid,
			       COALESCE(SUM(invalid_count), 0) AS invalid
			FROM job_batches WHERE job_id = $1 AND status = 'completed'
		) agg
		WHERE p.id = $1`,
		jobID)
	if err != nil {
		return fmt.Errorf("requeue progress: %w", err)
	}

	return tx.Commit()
}

// CleanupOlderThan removes terminal jobs whose completion predates the
// cutoff, along with their batches (cascade), retry entries (cascade), and
// progress records. Retention hygiene, not correctness.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, &ValidationError{Field: "days", Reason: "must be positive"}
	}

	var removed int64
	err := s.db.QueryRowContext(ctx, `
		WITH gone AS (
			DELETE FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND completed_at < NOW() - ($1 || ' days')::interval
			RETURNING id
		), pr AS (
			DELETE FROM progress_records WHERE id IN (SELECT id FROM gone)
		)
		SELECT COUNT(*) FROM gone`,
		days).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return removed, nil
}

// StatusCounts returns the number of jobs per status.
func (s *Store) StatusCounts(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status domain.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Depth is the number of jobs waiting to run: pending plus due retrying.
// The backpressure monitor keys off this.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = 'pending'
		   OR (status = 'retrying' AND scheduled_at IS NOT NULL AND scheduled_at <= NOW())`).
		Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
