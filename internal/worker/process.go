package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/pkg/logger"
	"github.com/mailgenius/dispatch/internal/queue"
	"github.com/mailgenius/dispatch/internal/sender"
)

// processJob walks the job's open batches in index order. Completed batches
// from an earlier run are skipped, so a reclaimed job resumes where the dead
// worker left off. Cancellation and shutdown are honored between batches,
// never inside one: the in-flight batch always finishes its bookkeeping.
func (p *Pool) processJob(workerID string, job *domain.Job) error {
	log.Printf("[WorkerPool] %s: processing job %s (%d recipients, batch size %d)",
		workerID, job.ID, job.TotalRecipients, job.BatchSize)

	batches, err := p.store.OpenBatches(p.ctx, job.ID)
	if err != nil {
		return p.jobFailure(job, fmt.Errorf("load batches: %w", err))
	}

	for i := range batches {
		b := &batches[i]

		st, err := p.store.Status(p.ctx, job.ID)
		if err != nil {
			return p.jobFailure(job, fmt.Errorf("status check: %w", err))
		}
		if st == domain.JobCancelled {
			log.Printf("[WorkerPool] %s: job %s cancelled, stopping after %d of %d batches",
				workerID, job.ID, i, len(batches))
			p.templates.Evict(job.ID)
			return nil
		}

		if p.claimCtx.Err() != nil {
			if err := p.store.Release(p.ctx, job.ID); err != nil {
				log.Printf("[WorkerPool] %s: release job %s: %v", workerID, job.ID, err)
			} else {
				atomic.AddInt64(&p.jobsReleased, 1)
				log.Printf("[WorkerPool] %s: released job %s mid-drain (%d batches left)",
					workerID, job.ID, len(batches)-i)
			}
			return nil
		}

		if err := p.store.StartBatch(p.ctx, b.ID); err != nil {
			return p.jobFailure(job, fmt.Errorf("start batch %d: %w", b.BatchIndex, err))
		}

		out := p.runBatch(job, b)
		if out.Error != "" {
			if p.ctx.Err() != nil {
				// Hard shutdown mid-batch. The batch stays processing and the
				// recovery sweep hands the job to another worker, which reruns
				// this one batch.
				log.Printf("[WorkerPool] %s: aborted mid-batch, leaving job %s for reclaim", workerID, job.ID)
				return nil
			}
			return p.jobFailure(job, errors.New(out.Error))
		}

		if err := p.store.FinishBatch(p.ctx, job.ID, b.ID, out); err != nil {
			return p.jobFailure(job, fmt.Errorf("finish batch %d: %w", b.BatchIndex, err))
		}

		atomic.AddInt64(&p.emailsSent, int64(out.Sent))
		atomic.AddInt64(&p.emailsFailed, int64(out.Failed))
		atomic.AddInt64(&p.retriesQueued, int64(len(out.Retries)))
	}

	return p.settle(workerID, job)
}

// runBatch renders and sends every recipient in the batch. Outcomes land in
// the returned BatchOutcome: sent, permanently failed, or queued for retry.
// Out.Error is set only when infrastructure (limiter, context) broke down
// mid-batch; provider failures are per-recipient outcomes, never batch
// errors.
func (p *Pool) runBatch(job *domain.Job, b *domain.Batch) queue.BatchOutcome {
	var out queue.BatchOutcome

	start, end := b.StartRecord, b.EndRecord
	if end > len(job.Payload.Recipients) {
		end = len(job.Payload.Recipients)
	}

	for i := start; i < end; i++ {
		rcpt := &job.Payload.Recipients[i]

		if _, err := p.limiter.Wait(p.ctx, job.WorkspaceID, sendRateProfile); err != nil {
			out.Error = fmt.Sprintf("rate limiter: %v", err)
			return out
		}

		msg, err := p.templates.RenderEmail(job.ID, &job.Payload, rcpt)
		if err != nil {
			// Bad template or variables never improve with retrying.
			out.Failed++
			log.Printf("[WorkerPool] render for %s failed: %v", logger.RedactEmail(rcpt.Email), err)
			continue
		}
		msg.CampaignID = job.CampaignID

		res := p.send(msg)
		switch {
		case res.Success:
			out.Sent++
		case res.Permanent:
			out.Failed++
			log.Printf("[WorkerPool] send to %s permanently failed: %v", logger.RedactEmail(rcpt.Email), res.Error)
		default:
			errMsg := "send failed"
			if res.Error != nil {
				errMsg = res.Error.Error()
			}
			out.Retries = append(out.Retries, queue.NewRetry{
				TargetID:   rcpt.LeadID,
				Payload:    snapshotFor(msg),
				MaxRetries: p.retryCfg.MaxRetries,
				DelaySecs:  p.retryCfg.BaseDelaySecs,
				LastError:  errMsg,
			})
		}
	}
	return out
}

// send runs one provider call under the send timeout. A non-nil error from
// the sender means the message itself was unusable, which retrying cannot
// fix.
func (p *Pool) send(msg *sender.EmailMessage) *sender.SendResult {
	ctx, cancel := context.WithTimeout(p.ctx, sendTimeout)
	defer cancel()

	res, err := p.sender.Send(ctx, msg)
	if err != nil {
		return &sender.SendResult{Success: false, Error: err, Permanent: true}
	}
	return res
}

// snapshotFor captures the rendered message for a retry entry. The retry
// sweep re-sends this snapshot as-is and never re-renders.
func snapshotFor(msg *sender.EmailMessage) domain.RetryPayload {
	return domain.RetryPayload{
		Email:     msg.Email,
		Subject:   msg.Subject,
		HTMLBody:  msg.HTMLBody,
		TextBody:  msg.TextBody,
		FromName:  msg.FromName,
		FromEmail: msg.FromEmail,
		ReplyTo:   msg.ReplyTo,
		Tags:      msg.Tags,
	}
}

// settle closes out a job whose batches have all been attempted: finalize it
// when nothing is left in flight, otherwise park it until the retry sweep
// drains the remaining entries.
func (p *Pool) settle(workerID string, job *domain.Job) error {
	final, err := p.store.Finalize(p.ctx, job.ID)
	if err != nil {
		return p.jobFailure(job, fmt.Errorf("finalize: %w", err))
	}
	p.templates.Evict(job.ID)

	if final != "" {
		if final == domain.JobCompleted {
			atomic.AddInt64(&p.jobsCompleted, 1)
		} else {
			atomic.AddInt64(&p.jobsFailed, 1)
		}
		log.Printf("[WorkerPool] %s: job %s %s", workerID, job.ID, final)
		return nil
	}

	if err := p.store.AwaitRetries(p.ctx, job.ID); err != nil {
		return p.jobFailure(job, fmt.Errorf("await retries: %w", err))
	}
	log.Printf("[WorkerPool] %s: job %s parked awaiting retries", workerID, job.ID)
	return nil
}

// jobFailure handles infrastructure-level failure of a whole job: schedule a
// job retry with backoff while attempts remain, otherwise fail the job and
// charge every unattempted recipient to the failure counters.
func (p *Pool) jobFailure(job *domain.Job, cause error) error {
	log.Printf("[WorkerPool] job %s infrastructure failure: %v", job.ID, cause)

	if job.RetryCount < job.MaxRetries {
		delay := jobRetryDelay(p.cfg, job.RetryCount)
		if err := p.store.ScheduleRetry(p.ctx, job.ID, time.Now().Add(delay), cause.Error()); err != nil {
			log.Printf("[WorkerPool] schedule retry for job %s: %v", job.ID, err)
		}
		return cause
	}

	msg := fmt.Sprintf("job retries exhausted: %v", cause)
	if err := p.store.UpdateStatus(p.ctx, job.ID, domain.JobFailed, msg); err != nil {
		log.Printf("[WorkerPool] mark job %s failed: %v", job.ID, err)
		return cause
	}
	if err := p.store.FailRemaining(p.ctx, job.ID, msg); err != nil {
		log.Printf("[WorkerPool] fail remaining for job %s: %v", job.ID, err)
	}
	if err := p.progress.Finish(p.ctx, job.ID, domain.ProgressFailed, msg); err != nil {
		log.Printf("[WorkerPool] finish progress for job %s: %v", job.ID, err)
	}
	p.templates.Evict(job.ID)
	atomic.AddInt64(&p.jobsFailed, 1)
	return cause
}

// jobRetryDelay doubles the configured base delay per prior attempt, capped
// at an hour.
func jobRetryDelay(cfg config.WorkerConfig, retryCount int) time.Duration {
	d := cfg.JobRetryDelay()
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}
