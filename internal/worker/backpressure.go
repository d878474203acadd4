package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/queue"
)

// BackpressureMonitor watches queue depth and signals when enqueueing should
// pause. If the send provider is down, jobs pile up in Postgres without
// bound; the monitor pauses new enqueues past a depth threshold and resumes
// once the queue drains below the resume fraction (hysteresis so the flag
// does not flap at the boundary).
type BackpressureMonitor struct {
	store         *queue.Store
	maxDepth      int
	resumeBelow   int
	checkInterval time.Duration

	mu     sync.RWMutex
	paused bool
	depth  int
}

// NewBackpressureMonitor creates a monitor from queue config.
func NewBackpressureMonitor(store *queue.Store, cfg config.QueueConfig) *BackpressureMonitor {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 100000
	}
	frac := cfg.ResumeFraction
	if frac <= 0 || frac >= 1 {
		frac = 0.5
	}
	return &BackpressureMonitor{
		store:         store,
		maxDepth:      maxDepth,
		resumeBelow:   int(float64(maxDepth) * frac),
		checkInterval: cfg.DepthPollInterval(),
	}
}

// Start runs the periodic depth check, with an immediate first check so the
// flag is meaningful as soon as the process is up. Blocks until ctx is
// cancelled.
func (bp *BackpressureMonitor) Start(ctx context.Context) {
	bp.check(ctx)

	ticker := time.NewTicker(bp.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.check(ctx)
		}
	}
}

// check reads the current depth and updates the paused flag. Between the
// resume threshold and the max the flag keeps whatever state it has.
func (bp *BackpressureMonitor) check(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	depth, err := bp.store.Depth(queryCtx)
	if err != nil {
		log.Printf("[Backpressure] depth check error: %v", err)
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	bp.depth = depth
	wasPaused := bp.paused
	if depth >= bp.maxDepth {
		bp.paused = true
		if !wasPaused {
			log.Printf("[Backpressure] queue depth %d at threshold %d, pausing enqueue", depth, bp.maxDepth)
		}
	} else if depth < bp.resumeBelow {
		bp.paused = false
		if wasPaused {
			log.Printf("[Backpressure] queue depth %d below %d, resuming enqueue", depth, bp.resumeBelow)
		}
	}
}

// IsPaused reports whether enqueue operations should be deferred.
func (bp *BackpressureMonitor) IsPaused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}

// QueueDepth returns the depth seen by the last check.
func (bp *BackpressureMonitor) QueueDepth() int {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.depth
}
