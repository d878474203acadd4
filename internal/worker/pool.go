// Package worker runs the send pipeline: a pool of workers claims jobs from
// the queue, walks their batches in order, renders and sends each recipient,
// and settles the bookkeeping through the queue store. The pool also hosts
// the recovery sweep, the backpressure monitor, and the campaign scheduler.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/progress"
	"github.com/mailgenius/dispatch/internal/queue"
	"github.com/mailgenius/dispatch/internal/ratelimit"
	"github.com/mailgenius/dispatch/internal/sender"
	"github.com/mailgenius/dispatch/internal/template"
)

const (
	// QueuePausedKey is the Redis flag operators set to stop all claim
	// loops without restarting worker processes. The API writes it, every
	// pool polls it.
	QueuePausedKey = "queue:paused"

	// WorkerTargetKey is the Redis key the control surface writes to scale
	// the pool from outside the worker process.
	WorkerTargetKey = "workers:target"

	// controlPollInterval is how often the pool re-reads the Redis control
	// keys.
	controlPollInterval = 5 * time.Second

	// sendRateProfile is the limiter profile every outbound send goes
	// through, keyed by workspace.
	sendRateProfile = "email-sending"

	// sendTimeout bounds a single provider call.
	sendTimeout = 30 * time.Second
)

// Pool owns a set of named workers, each running a claim-process loop
// against the job queue. Scaling up spawns workers; scaling down retires
// them after they finish the job they hold.
type Pool struct {
	db        *sql.DB
	redis     *redis.Client
	store     *queue.Store
	limiter   *ratelimit.Limiter
	templates *template.Engine
	sender    sender.Sender
	progress  *progress.Tracker
	cfg       config.WorkerConfig
	retryCfg  config.RetryConfig

	poolID string

	mu          sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	claimCtx    context.Context
	claimCancel context.CancelFunc
	wg          sync.WaitGroup
	workers     map[int]context.CancelFunc
	live        map[string]struct{}
	nextSlot    int

	paused int32

	jobsClaimed   int64
	jobsCompleted int64
	jobsFailed    int64
	jobsReleased  int64
	emailsSent    int64
	emailsFailed  int64
	retriesQueued int64
}

// NewPool wires a worker pool. The Redis client is optional; without it the
// pool ignores the pause flag and external scaling.
func NewPool(db *sql.DB, redisClient *redis.Client, store *queue.Store, limiter *ratelimit.Limiter,
	templates *template.Engine, snd sender.Sender, tracker *progress.Tracker,
	cfg config.WorkerConfig, retryCfg config.RetryConfig) *Pool {
	return &Pool{
		db:        db,
		redis:     redisClient,
		store:     store,
		limiter:   limiter,
		templates: templates,
		sender:    snd,
		progress:  tracker,
		cfg:       cfg,
		retryCfg:  retryCfg,
		poolID:    uuid.New().String()[:8],
	}
}

// Start spawns the configured number of workers plus the heartbeat and
// control loops. Returns an error if the pool is already running.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.claimCtx, p.claimCancel = context.WithCancel(p.ctx)
	p.workers = make(map[int]context.CancelFunc)
	p.live = make(map[string]struct{})
	for i := 0; i < p.cfg.Count; i++ {
		p.spawnWorkerLocked()
	}
	n := len(p.workers)
	p.mu.Unlock()

	go p.heartbeatLoop()
	go p.controlLoop()

	log.Printf("[WorkerPool] started %d workers (pool %s)", n, p.poolID)
	return nil
}

// Stop drains the pool: claim loops stop immediately, in-flight batches get
// the shutdown grace period to finish, then everything is cancelled hard.
// Jobs released mid-drain go back to the queue immediately claimable.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	log.Printf("[WorkerPool] stopping, draining in-flight batches...")
	p.claimCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace()):
		log.Printf("[WorkerPool] shutdown grace elapsed, aborting in-flight work")
		p.cancel()
		<-done
	}
	p.cancel()

	log.Printf("[WorkerPool] stopped: claimed=%d completed=%d failed=%d released=%d sent=%d",
		atomic.LoadInt64(&p.jobsClaimed),
		atomic.LoadInt64(&p.jobsCompleted),
		atomic.LoadInt64(&p.jobsFailed),
		atomic.LoadInt64(&p.jobsReleased),
		atomic.LoadInt64(&p.emailsSent))
}

// Scale adjusts the worker count, clamped to the configured min/max. Excess
// workers retire after finishing the job they hold; a held job is never
// interrupted by a scale-down. Returns the applied count.
func (p *Pool) Scale(target int) int {
	if target < p.cfg.MinCount {
		target = p.cfg.MinCount
	}
	if target > p.cfg.MaxCount {
		target = p.cfg.MaxCount
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return target
	}

	cur := len(p.workers)
	if target == cur {
		return target
	}
	log.Printf("[WorkerPool] scaling %d -> %d workers", cur, target)
	for len(p.workers) < target {
		p.spawnWorkerLocked()
	}
	for len(p.workers) > target {
		p.retireWorkerLocked()
	}
	return target
}

// WorkerCount returns the number of live worker slots.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stats returns pool counters since start.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"workers":        int64(p.WorkerCount()),
		"jobs_claimed":   atomic.LoadInt64(&p.jobsClaimed),
		"jobs_completed": atomic.LoadInt64(&p.jobsCompleted),
		"jobs_failed":    atomic.LoadInt64(&p.jobsFailed),
		"jobs_released":  atomic.LoadInt64(&p.jobsReleased),
		"emails_sent":    atomic.LoadInt64(&p.emailsSent),
		"emails_failed":  atomic.LoadInt64(&p.emailsFailed),
		"retries_queued": atomic.LoadInt64(&p.retriesQueued),
	}
}

// spawnWorkerLocked starts one worker goroutine. Caller holds p.mu.
func (p *Pool) spawnWorkerLocked() {
	slot := p.nextSlot
	p.nextSlot++
	wctx, wcancel := context.WithCancel(p.claimCtx)
	p.workers[slot] = wcancel
	workerID := fmt.Sprintf("worker-%s-%d", p.poolID, slot)
	p.live[workerID] = struct{}{}
	p.wg.Add(1)
	go p.worker(workerID, wctx)
}

// dropLive removes a worker from the heartbeat set. The worker goroutine
// calls this on exit, after any drain, so its claim stays covered by
// heartbeats right up to the moment it lets go.
func (p *Pool) dropLive(workerID string) {
	p.mu.Lock()
	delete(p.live, workerID)
	p.mu.Unlock()
}

// liveWorkerIDs snapshots the heartbeat set, including workers retired by a
// scale-down that are still draining their current job.
func (p *Pool) liveWorkerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.live))
	for id := range p.live {
		ids = append(ids, id)
	}
	return ids
}

// retireWorkerLocked cancels the highest-numbered worker's claim loop. The
// goroutine exits once its current job is done. Caller holds p.mu.
func (p *Pool) retireWorkerLocked() {
	top := -1
	for slot := range p.workers {
		if slot > top {
			top = slot
		}
	}
	if top < 0 {
		return
	}
	p.workers[top]()
	delete(p.workers, top)
}

// worker is one claim-process loop. wctx only gates claiming; a job in hand
// is finished (or released at a batch boundary during shutdown) before the
// goroutine exits.
func (p *Pool) worker(workerID string, wctx context.Context) {
	defer p.wg.Done()
	defer p.dropLive(workerID)

	p.registerWorker(workerID)
	defer p.markOffline(workerID)

	for {
		select {
		case <-wctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&p.paused) == 1 {
			p.idle(wctx, p.cfg.ClaimInterval())
			continue
		}

		job, err := p.store.ClaimNext(p.ctx, workerID)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Printf("[WorkerPool] %s: claim error: %v", workerID, err)
			p.idle(wctx, time.Second)
			continue
		}
		if job == nil {
			p.idle(wctx, jitter(p.cfg.ClaimInterval()))
			continue
		}

		atomic.AddInt64(&p.jobsClaimed, 1)
		p.markBusy(workerID, job.ID)
		err = p.processJob(workerID, job)
		p.markIdle(workerID, err != nil)
	}
}

// idle sleeps for d or until the worker's claim context is cancelled.
func (p *Pool) idle(wctx context.Context, d time.Duration) {
	select {
	case <-wctx.Done():
	case <-time.After(d):
	}
}

// jitter spreads idle polls across workers so an empty queue is not hit by
// every worker in the same instant.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// controlLoop polls the Redis pause flag and target worker count.
func (p *Pool) controlLoop() {
	if p.redis == nil {
		return
	}

	ticker := time.NewTicker(controlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.applyControlState()
		}
	}
}

func (p *Pool) applyControlState() {
	ctx, cancel := context.WithTimeout(p.ctx, 3*time.Second)
	defer cancel()

	val, err := p.redis.Get(ctx, QueuePausedKey).Result()
	switch {
	case err == redis.Nil:
		if atomic.SwapInt32(&p.paused, 0) == 1 {
			log.Printf("[WorkerPool] queue resumed, claiming again")
		}
	case err != nil:
		log.Printf("[WorkerPool] control poll: %v", err)
	case val == "1":
		if atomic.SwapInt32(&p.paused, 1) == 0 {
			log.Printf("[WorkerPool] queue paused by operator, claim loops idle")
		}
	default:
		if atomic.SwapInt32(&p.paused, 0) == 1 {
			log.Printf("[WorkerPool] queue resumed, claiming again")
		}
	}

	tv, err := p.redis.Get(ctx, WorkerTargetKey).Result()
	if err != nil {
		return
	}
	target, err := strconv.Atoi(tv)
	if err != nil {
		return
	}
	if target != p.WorkerCount() {
		p.Scale(target)
	}
}

// registerWorker upserts this worker's registry row. Registry writes are
// best-effort; a worker that cannot write its row still processes jobs.
func (p *Pool) registerWorker(workerID string) {
	p.db.Exec(`
		INSERT INTO workers (id, name, status, started_at, last_heartbeat)
		VALUES ($1, $2, 'idle', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'idle',
			current_job_id = NULL,
			consecutive_failures = 0,
			started_at = NOW(),
			last_heartbeat = NOW()`,
		workerID, hostname())
}

func (p *Pool) markBusy(workerID, jobID string) {
	p.db.Exec(`
		UPDATE workers
		SET status = 'busy', current_job_id = $2, last_heartbeat = NOW()
		WHERE id = $1`,
		workerID, jobID)
}

// markIdle releases the worker's registry row after a job. Failed counts a
// job-level failure; consecutive_failures resets on any clean pass.
func (p *Pool) markIdle(workerID string, failed bool) {
	p.db.Exec(`
		UPDATE workers
		SET status = 'idle',
		    current_job_id = NULL,
		    total_processed = total_processed + 1,
		    total_errors = total_errors + CASE WHEN $2 THEN 1 ELSE 0 END,
		    consecutive_failures = CASE WHEN $2 THEN consecutive_failures + 1 ELSE 0 END,
		    last_heartbeat = NOW()
		WHERE id = $1`,
		workerID, failed)
}

func (p *Pool) markOffline(workerID string) {
	p.db.Exec(`
		UPDATE workers
		SET status = 'offline', current_job_id = NULL
		WHERE id = $1`,
		workerID)
}

// heartbeatLoop refreshes last_heartbeat for every live worker, including
// retired ones still draining a job. The recovery sweep reclaims a worker's
// job once the timestamp goes stale, so heartbeats must cover a claim right
// up to release.
func (p *Pool) heartbeatLoop() {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			ids := p.liveWorkerIDs()
			if len(ids) == 0 {
				continue
			}
			p.db.Exec(`
				UPDATE workers
				SET last_heartbeat = NOW()
				WHERE id = ANY($1)`,
				pq.Array(ids))
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
