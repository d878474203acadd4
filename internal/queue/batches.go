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

// Batches returns every batch for the job ordered by index.
func (s *Store) Batches(ctx context.Context, jobID string) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, batch_index, start_record, end_record, status,
		       valid_count, invalid_count, awaiting_retries,
		       COALESCE(error_message, ''), created_at, updated_at
		FROM job_batches
		WHERE job_id = $1
		ORDER BY batch_index ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// OpenBatches returns the batches a claiming worker still has to run, in
// index order. Completed batches are skipped, which is what makes a reclaim
// resume instead of restart. Batches parked on recipient retries are skipped
// too; the retry sweep owns those.
func (s *Store) OpenBatches(ctx context.Context, jobID string) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, batch_index, start_record, end_record, status,
		       valid_count, invalid_count, awaiting_retries,
		       COALESCE(error_message, ''), created_at, updated_at
		FROM job_batches
		WHERE job_id = $1
		  AND status NOT IN ('completed', 'failed')
		  AND NOT awaiting_retries
		ORDER BY batch_index ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("open batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func scanBatches(rows *sql.Rows) ([]domain.Batch, error) {
	var batches []domain.Batch
	for rows.Next() {
		var b domain.Batch
		err := rows.Scan(
			&b.ID, &b.JobID, &b.BatchIndex, &b.StartRecord, &b.EndRecord, &b.Status,
			&b.ValidCount, &b.InvalidCount, &b.AwaitingRetries,
			&b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// StartBatch marks a batch as processing and clears any counts left over
// from an interrupted earlier run. A batch that was cut off mid-send gets
// reprocessed whole; delivery is at-least-once by contract.
func (s *Store) StartBatch(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_batches
		SET status = 'processing', valid_count = 0, invalid_count = 0,
		    awaiting_retries = FALSE, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		batchID)
	if err != nil {
		return fmt.Errorf("start batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("start batch %s: %w", batchID, ErrNotFound)
	}
	return nil
}

// NewRetry describes one recipient send that failed transiently during a
// batch and should be retried on its own schedule.
type NewRetry struct {
	TargetID   string
	Payload    domain.RetryPayload
	MaxRetries int
	DelaySecs  int
	LastError  string
}

// BatchOutcome is everything a worker learned from running one batch,
// applied in a single transaction by FinishBatch.
type BatchOutcome struct {
	Sent    int
	Failed  int
	Retries []NewRetry
	Error   string
}

// FinishBatch settles a batch: inserts retry entries for the transiently
// failed recipients, sets the batch's final counts and status, and bumps the
// job's progress counters, all in one transaction. A crash before commit
// leaves the batch processing with awaiting_retries false, so the reclaiming
// worker reruns it and progress counts each batch exactly once.
//
// The batch lands on completed when no retries remain, or stays processing
// with awaiting_retries set while they drain.
func (s *Store) FinishBatch(ctx context.Context, jobID, batchID string, out BatchOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish batch: %w", err)
	}
	defer tx.Rollback()

	if len(out.Retries) > 0 {
		ids := make([]string, len(out.Retries))
		targets := make([]string, len(out.Retries))
		payloads := make([]string, len(out.Retries))
		maxes := make([]int64, len(out.Retries))
		delays := make([]int64, len(out.Retries))
		dues := make([]time.Time, len(out.Retries))
		errs := make([]string, len(out.Retries))
		now := time.Now()
		for i, r := range out.Retries {
			body, err := json.Marshal(r.Payload)
			if err != nil {
				return fmt.Errorf("marshal retry payload: %w", err)
			}
			ids[i] = uuid.New().String()
			targets[i] = r.TargetID
			payloads[i] = string(body)
			maxes[i] = int64(r.MaxRetries)
			delays[i] = int64(r.DelaySecs)
			dues[i] = now.Add(time.Duration(r.DelaySecs) * time.Second)
			errs[i] = r.LastError
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO retry_entries (
				id, original_job_id, batch_id, target_id, payload,
				status, attempt_count, max_retries, delay_seconds, next_attempt_at, last_error
			)
			SELECT UNNEST($1::uuid[]), $2, $3, UNNEST($4::text[]), UNNEST($5::jsonb[]),
			       'scheduled', 0, UNNEST($6::int[]), UNNEST($7::int[]), UNNEST($8::timestamptz[]), UNNEST($9::text[])`,
			pq.Array(ids), jobID, batchID, pq.Array(targets), pq.Array(payloads),
			pq.Array(maxes), pq.Array(delays), pq.Array(dues), pq.Array(errs))
		if err != nil {
			return fmt.Errorf("insert retries: %w", err)
		}
	}

	status := "completed"
	awaiting := false
	if len(out.Retries) > 0 {
		status = "processing"
		awaiting = true
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE job_batches
		SET status = $2, awaiting_retries = $3,
		    valid_count = $4, invalid_count = $5,
		    error_message = NULLIF($6, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		batchID, status, awaiting, out.Sent, out.Failed, out.Error)
	if err != nil {
		return fmt.Errorf("settle batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("settle batch %s: %w", batchID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE progress_records
		SET processed_items = processed_items + $2,
		    failed_items = failed_items + $3
		WHERE id = $1`,
		jobID, out.Sent, out.Failed)
	if err != nil {
		return fmt.Errorf("bump progress: %w", err)
	}

	return tx.Commit()
}

// RecordRetryOutcome folds one resolved retry entry into its batch and the
// job's progress: a success adds a sent, an exhausted entry adds a failure.
// Called by the retry sweep, one transaction per resolution.
func (s *Store) RecordRetryOutcome(ctx context.Context, jobID, batchID string, succeeded bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retry outcome: %w", err)
	}
	defer tx.Rollback()

	sent, failed := 0, 1
	if succeeded {
		sent, failed = 1, 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_batches
		SET valid_count = valid_count + $2,
		    invalid_count = invalid_count + $3,
		    updated_at = NOW()
		WHERE id = $1`,
		batchID, sent, failed)
	if err != nil {
		return fmt.Errorf("batch retry outcome: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE progress_records
		SET processed_items = processed_items + $2,
		    failed_items = failed_items + $3
		WHERE id = $1`,
		jobID, sent, failed)
	if err != nil {
		return fmt.Errorf("progress retry outcome: %w", err)
	}

	return tx.Commit()
}

// CloseBatchIfResolved completes a batch that was parked on recipient
// retries once none of its entries remain live. Returns true when the batch
// flipped.
func (s *Store) CloseBatchIfResolved(ctx context.Context, batchID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_batches b
		SET status = 'completed', awaiting_retries = FALSE, updated_at = NOW()
		WHERE b.id = $1
		  AND b.status = 'processing'
		  AND b.awaiting_retries
		  AND NOT EXISTS (
			SELECT 1 FROM retry_entries r
			WHERE r.batch_id = b.id AND r.status IN ('scheduled', 'executing')
		  )`,
		batchID)
	if err != nil {
		return false, fmt.Errorf("close batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close batch rows: %w", err)
	}
	return n > 0, nil
}

// FailRemaining marks every unfinished batch of a dead job as failed and
// charges the unattempted recipients to the job's failure counters, keeping
// sent + failed + pending consistent with the recipient total.
func (s *Store) FailRemaining(ctx context.Context, jobID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail remaining: %w", err)
	}
	defer tx.Rollback()

	var unattempted sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		WITH open AS (
			SELECT id, GREATEST((end_record - start_record) - valid_count - invalid_count, 0) AS remainder
			FROM job_batches
			WHERE job_id = $1 AND status NOT IN ('completed', 'failed')
			FOR UPDATE
		), doomed AS (
			UPDATE job_batches b
			SET status = 'failed',
			    invalid_count = b.invalid_count + open.remainder,
			    awaiting_retries = FALSE,
			    error_message = $2,
			    updated_at = NOW()
			FROM open
			WHERE b.id = open.id
			RETURNING open.remainder
		)
		SELECT SUM(remainder) FROM doomed`,
		jobID, reason).Scan(&unattempted)
	if err != nil {
		return fmt.Errorf("fail batches: %w", err)
	}

	if unattempted.Valid && unattempted.Int64 > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE progress_records
			SET failed_items = failed_items + $2
			WHERE id = $1`,
			jobID, unattempted.Int64)
		if err != nil {
			return fmt.Errorf("charge progress: %w", err)
		}
	}

	return tx.Commit()
}
