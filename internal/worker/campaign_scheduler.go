package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/pkg/distlock"
	"github.com/mailgenius/dispatch/internal/service/campaign"
)

// Dispatcher starts the send pipeline for one campaign. Satisfied by
// campaign.Service.
type Dispatcher interface {
	Send(ctx context.Context, campaignID string) (string, error)
}

// CampaignScheduler polls for scheduled campaigns whose time has arrived and
// dispatches them, and settles sending campaigns whose job reached a
// terminal state. A distributed lock per campaign keeps multiple server
// instances from double-dispatching.
type CampaignScheduler struct {
	db           *sql.DB
	redisClient  *redis.Client
	dispatcher   Dispatcher
	pollInterval time.Duration
	lockTTL      time.Duration

	campaignsDispatched int64
	campaignsSettled    int64
	errors              int64

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCampaignScheduler creates a scheduler. The Redis client is optional;
// without it the per-campaign lock falls back to Postgres advisory locks.
func NewCampaignScheduler(db *sql.DB, redisClient *redis.Client, dispatcher Dispatcher, cfg config.SchedulerConfig) *CampaignScheduler {
	return &CampaignScheduler{
		db:           db,
		redisClient:  redisClient,
		dispatcher:   dispatcher,
		pollInterval: cfg.PollInterval(),
		lockTTL:      cfg.LockTTL(),
	}
}

// Start begins the polling loop.
func (cs *CampaignScheduler) Start() error {
	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return fmt.Errorf("campaign scheduler already running")
	}
	cs.running = true
	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.mu.Unlock()

	log.Printf("[CampaignScheduler] starting (poll interval %v)", cs.pollInterval)

	cs.wg.Add(1)
	go cs.loop()
	return nil
}

// Stop halts the polling loop and waits for a pass in flight.
func (cs *CampaignScheduler) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = false
	cs.mu.Unlock()

	cs.cancel()
	cs.wg.Wait()
	log.Printf("[CampaignScheduler] stopped: dispatched=%d settled=%d errors=%d",
		atomic.LoadInt64(&cs.campaignsDispatched),
		atomic.LoadInt64(&cs.campaignsSettled),
		atomic.LoadInt64(&cs.errors))
}

func (cs *CampaignScheduler) loop() {
	defer cs.wg.Done()

	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			cs.RunOnce(cs.ctx)
		}
	}
}

// RunOnce performs one scheduler pass: dispatch due campaigns, then settle
// finished ones. Also invoked by the cron endpoint for deployments that
// trigger scheduling externally.
func (cs *CampaignScheduler) RunOnce(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cs.dispatchDue(passCtx)
	cs.settleFinished(passCtx)
}

// dispatchDue sends campaigns whose scheduled time has arrived.
func (cs *CampaignScheduler) dispatchDue(ctx context.Context) {
	rows, err := cs.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'scheduled'
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT 10`)
	if err != nil {
		log.Printf("[CampaignScheduler] fetch due campaigns: %v", err)
		atomic.AddInt64(&cs.errors, 1)
		return
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		cs.dispatch(ctx, id)
	}
}

// dispatch sends one due campaign under a per-campaign lock.
func (cs *CampaignScheduler) dispatch(ctx context.Context, campaignID string) {
	lock := distlock.New(cs.redisClient, cs.db, fmt.Sprintf("campaign:%s", campaignID), cs.lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[CampaignScheduler] lock campaign %s: %v", campaignID, err)
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(ctx)

	jobID, err := cs.dispatcher.Send(ctx, campaignID)
	switch {
	case err == nil:
		atomic.AddInt64(&cs.campaignsDispatched, 1)
		log.Printf("[CampaignScheduler] dispatched campaign %s as job %s", campaignID, jobID)
	case errors.Is(err, campaign.ErrNoRecipients):
		// Nothing to send and nothing will change by polling again.
		cs.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = 'failed', completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'scheduled'`,
			campaignID)
		log.Printf("[CampaignScheduler] campaign %s has no active recipients, marked failed", campaignID)
	case errors.Is(err, campaign.ErrNotSendable), errors.Is(err, campaign.ErrAlreadySending):
		// Another instance got there first despite the lock, or an operator
		// touched the campaign between poll and dispatch.
	default:
		atomic.AddInt64(&cs.errors, 1)
		log.Printf("[CampaignScheduler] dispatch campaign %s: %v", campaignID, err)
	}
}

// settleFinished flips sending campaigns whose job reached a terminal state.
// This is the one place campaign status follows job status, so workers and
// the retry sweep never need to know about campaigns.
func (cs *CampaignScheduler) settleFinished(ctx context.Context) {
	rows, err := cs.db.QueryContext(ctx, `
		SELECT DISTINCT ON (c.id) c.id, j.status
		FROM campaigns c
		JOIN jobs j ON j.campaign_id = c.id
		WHERE c.status = 'sending'
		  AND j.status IN ('completed', 'failed', 'cancelled')
		ORDER BY c.id, j.created_at DESC`)
	if err != nil {
		log.Printf("[CampaignScheduler] fetch finished campaigns: %v", err)
		atomic.AddInt64(&cs.errors, 1)
		return
	}
	defer rows.Close()

	type settled struct {
		id     string
		status domain.JobStatus
	}
	var done []settled
	for rows.Next() {
		var s settled
		if err := rows.Scan(&s.id, &s.status); err != nil {
			continue
		}
		done = append(done, s)
	}

	for _, s := range done {
		var final domain.CampaignStatus
		switch s.status {
		case domain.JobCompleted:
			final = domain.CampaignSent
		case domain.JobCancelled:
			final = domain.CampaignCancelled
		default:
			final = domain.CampaignFailed
		}

		res, err := cs.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'sending'`,
			s.id, final)
		if err != nil {
			log.Printf("[CampaignScheduler] settle campaign %s: %v", s.id, err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			atomic.AddInt64(&cs.campaignsSettled, 1)
			log.Printf("[CampaignScheduler] campaign %s settled as %s", s.id, final)
		}
	}
}
