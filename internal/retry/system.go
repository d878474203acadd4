// Package retry drains per-recipient retry entries: transient send failures
// captured during batch processing are re-attempted on their own schedule
// with doubling backoff until they succeed or exhaust. Exhaustion is an
// outcome, not an error; it lands in the entry row and the job's failure
// counters.
package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/queue"
	"github.com/mailgenius/dispatch/internal/ratelimit"
	"github.com/mailgenius/dispatch/internal/sender"
)

const (
	// staleExecutingAge is how long an entry can sit in executing before
	// we assume the sweeper died mid-send and put it back in line.
	staleExecutingAge = 5 * time.Minute

	// sendTimeout bounds one resend attempt.
	sendTimeout = 30 * time.Second

	// rateProfile is the limiter profile retry sends share with batch
	// sends.
	rateProfile = "email-sending"
)

// System claims due entries and resends them. Multiple processes can run
// the sweep concurrently; SKIP LOCKED keeps them off each other's entries.
type System struct {
	db      *sql.DB
	store   *queue.Store
	sender  sender.Sender
	limiter *ratelimit.Limiter
	cfg     config.RetryConfig

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSystem creates a retry system. A nil limiter disables rate limiting,
// which only tests should do.
func NewSystem(db *sql.DB, store *queue.Store, snd sender.Sender, limiter *ratelimit.Limiter, cfg config.RetryConfig) *System {
	return &System{
		db:      db,
		store:   store,
		sender:  snd,
		limiter: limiter,
		cfg:     cfg,
	}
}

// Start launches the sweep loop.
func (s *System) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("retry system already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.loop()

	log.Printf("[RetrySweep] Started (interval=%s, batch=%d, max_delay=%s)",
		s.cfg.SweepInterval(), s.cfg.SweepBatchSize, s.cfg.MaxDelay())
	return nil
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *System) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[RetrySweep] Stopped")
}

func (s *System) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ReclaimStale(s.ctx); err != nil {
				log.Printf("[RetrySweep] reclaim error: %v", err)
			} else if n > 0 {
				log.Printf("[RetrySweep] reclaimed %d stuck entries", n)
			}

			if n, err := s.Sweep(s.ctx); err != nil {
				log.Printf("[RetrySweep] sweep error: %v", err)
			} else if n > 0 {
				log.Printf("[RetrySweep] resolved %d entries", n)
			}
		}
	}
}

// dueEntry is one claimed entry plus the owning job's workspace and
// campaign: the rate limiter keys on the workspace, and the resend is
// tagged with the campaign.
type dueEntry struct {
	domain.RetryEntry
	WorkspaceID string
	CampaignID  string
}

// claimDue flips a batch of due scheduled entries to executing and bumps
// their attempt count. The bump happens at claim so an entry that keeps
// killing its sweeper still runs out of attempts.
func (s *System) claimDue(ctx context.Context) ([]dueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE retry_entries r
		SET status = 'executing',
		    attempt_count = r.attempt_count + 1,
		    updated_at = NOW()
		FROM (
			SELECT id FROM retry_entries
			WHERE status = 'scheduled' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due, jobs j
		WHERE r.id = due.id AND j.id = r.original_job_id
		RETURNING r.id, r.original_job_id, r.batch_id, r.target_id, r.payload,
		          r.attempt_count, r.max_retries, r.delay_seconds,
		          j.workspace_id, j.campaign_id`,
		s.cfg.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}
	defer rows.Close()

	var entries []dueEntry
	for rows.Next() {
		var (
			e       dueEntry
			payload []byte
		)
		err := rows.Scan(
			&e.ID, &e.OriginalJobID, &e.BatchID, &e.TargetID, &payload,
			&e.AttemptCount, &e.MaxRetries, &e.DelaySeconds,
			&e.WorkspaceID, &e.CampaignID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan due entry: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal retry payload %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sweep processes one batch of due entries and returns how many reached a
// terminal status.
func (s *System) Sweep(ctx context.Context) (int, error) {
	entries, err := s.claimDue(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		terminal, err := s.process(ctx, entry)
		if err != nil {
			log.Printf("[RetrySweep] entry %s: %v", entry.ID, err)
			continue
		}
		if terminal {
			resolved++
		}
	}
	return resolved, nil
}

// process resends one claimed entry from its payload snapshot and settles
// the result. Returns true when the entry reached succeeded or exhausted.
func (s *System) process(ctx context.Context, entry dueEntry) (bool, error) {
	if s.limiter != nil {
		if _, err := s.limiter.Wait(ctx, entry.WorkspaceID, rateProfile); err != nil {
			// Not an attempt: put the entry back without the claim's bump.
			return false, s.requeue(ctx, entry, "rate limit wait interrupted")
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	result, err := s.sender.Send(sendCtx, &sender.EmailMessage{
		JobID:      entry.OriginalJobID,
		CampaignID: entry.CampaignID,
		LeadID:     entry.TargetID,
		Email:      entry.Payload.Email,
		FromName:   entry.Payload.FromName,
		FromEmail:  entry.Payload.FromEmail,
		ReplyTo:    entry.Payload.ReplyTo,
		Subject:    entry.Payload.Subject,
		HTMLBody:   entry.Payload.HTMLBody,
		TextBody:   entry.Payload.TextBody,
		Tags:       entry.Payload.Tags,
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("send: %w", err)
	}

	if result.Success {
		if err := s.settle(ctx, entry, domain.RetrySucceeded, ""); err != nil {
			return false, err
		}
		return true, s.fold(ctx, entry, true)
	}

	errMsg := "send failed"
	if result.Error != nil {
		errMsg = result.Error.Error()
	}

	if result.Permanent || entry.AttemptCount >= entry.MaxRetries {
		if err := s.settle(ctx, entry, domain.RetryExhausted, errMsg); err != nil {
			return false, err
		}
		return true, s.fold(ctx, entry, false)
	}

	return false, s.reschedule(ctx, entry, errMsg)
}

// settle marks the entry terminal.
func (s *System) settle(ctx context.Context, entry dueEntry, status domain.RetryStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_entries
		SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'executing'`,
		entry.ID, status, errMsg)
	if err != nil {
		return fmt.Errorf("settle entry: %w", err)
	}
	return nil
}

// fold pushes a terminal entry's outcome into its batch, job, and progress
// counters, closing whatever the resolution finished.
func (s *System) fold(ctx context.Context, entry dueEntry, succeeded bool) error {
	if err := s.store.RecordRetryOutcome(ctx, entry.OriginalJobID, entry.BatchID, succeeded); err != nil {
		return err
	}
	if _, err := s.store.CloseBatchIfResolved(ctx, entry.BatchID); err != nil {
		return err
	}
	final, err := s.store.Finalize(ctx, entry.OriginalJobID)
	if err != nil {
		return err
	}
	if final != "" {
		log.Printf("[RetrySweep] job %s finalized as %s", entry.OriginalJobID, final)
	}
	return nil
}

// reschedule books the next attempt with doubled, capped delay. The delay
// never decreases, so a flapping provider sees progressively less traffic.
func (s *System) reschedule(ctx context.Context, entry dueEntry, errMsg string) error {
	delay := NextDelay(entry.DelaySeconds, s.cfg)
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_entries
		SET status = 'scheduled',
		    delay_seconds = $2,
		    next_attempt_at = NOW() + make_interval(secs => $2),
		    last_error = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'executing'`,
		entry.ID, delay, errMsg)
	if err != nil {
		return fmt.Errorf("reschedule entry: %w", err)
	}
	return nil
}

// requeue puts an unattempted entry back in line, reversing the claim's
// attempt bump.
func (s *System) requeue(ctx context.Context, entry dueEntry, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_entries
		SET status = 'scheduled',
		    attempt_count = GREATEST(attempt_count - 1, 0),
		    next_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'executing'`,
		entry.ID)
	if err != nil {
		return fmt.Errorf("requeue entry (%s): %w", reason, err)
	}
	return nil
}

// ReclaimStale puts entries stuck in executing back in line. A sweeper
// crash between claim and settle leaves them behind; the claim-time bump
// keeps a crash loop from retrying forever.
func (s *System) ReclaimStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_entries
		SET status = 'scheduled', next_attempt_at = NOW(), updated_at = NOW()
		WHERE status = 'executing'
		  AND updated_at < NOW() - make_interval(secs => $1)
		  AND attempt_count < max_retries`,
		int(staleExecutingAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale entries: %w", err)
	}
	reclaimed, _ := res.RowsAffected()

	// Entries that spent their last attempt crashing get closed out the
	// slow way so their jobs can finish.
	rows, err := s.db.QueryContext(ctx, `
		UPDATE retry_entries r
		SET status = 'exhausted',
		    last_error = COALESCE(last_error, 'sweeper lost mid-send'),
		    updated_at = NOW()
		FROM (
			SELECT id FROM retry_entries
			WHERE status = 'executing'
			  AND updated_at < NOW() - make_interval(secs => $1)
			  AND attempt_count >= max_retries
			FOR UPDATE SKIP LOCKED
		) dead
		WHERE r.id = dead.id
		RETURNING r.original_job_id, r.batch_id`,
		int(staleExecutingAge.Seconds()))
	if err != nil {
		return reclaimed, fmt.Errorf("exhaust stale entries: %w", err)
	}
	defer rows.Close()

	type ref struct{ jobID, batchID string }
	var dead []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.jobID, &r.batchID); err != nil {
			return reclaimed, fmt.Errorf("scan stale entry: %w", err)
		}
		dead = append(dead, r)
	}
	if err := rows.Err(); err != nil {
		return reclaimed, err
	}

	for _, r := range dead {
		entry := dueEntry{RetryEntry: domain.RetryEntry{OriginalJobID: r.jobID, BatchID: r.batchID}}
		if err := s.fold(ctx, entry, false); err != nil {
			log.Printf("[RetrySweep] fold stale entry for job %s: %v", r.jobID, err)
		}
	}
	return reclaimed + int64(len(dead)), nil
}

// CleanupOld removes terminal entries past the retention window.
func (s *System) CleanupOld(ctx context.Context) (int64, error) {
	days := s.cfg.RetentionDays
	if days <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM retry_entries
		WHERE status IN ('succeeded', 'exhausted')
		  AND updated_at < NOW() - ($1 || ' days')::interval`,
		days)
	if err != nil {
		return 0, fmt.Errorf("cleanup retry entries: %w", err)
	}
	return res.RowsAffected()
}

// NextDelay doubles the current delay, clamped to the configured floor and
// ceiling. The progression never decreases.
func NextDelay(currentSecs int, cfg config.RetryConfig) int {
	base := cfg.BaseDelaySecs
	if base <= 0 {
		base = 60
	}
	maxDelay := cfg.MaxDelaySecs
	if maxDelay <= 0 {
		maxDelay = 3600
	}

	if currentSecs < base {
		currentSecs = base
	}
	next := currentSecs * 2
	if next > maxDelay {
		next = maxDelay
	}
	return next
}
