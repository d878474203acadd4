package worker

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/progress"
	"github.com/mailgenius/dispatch/internal/queue"
	"github.com/mailgenius/dispatch/internal/ratelimit"
	"github.com/mailgenius/dispatch/internal/sender"
	"github.com/mailgenius/dispatch/internal/template"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Count:               2,
		MinCount:            1,
		MaxCount:            4,
		ClaimIntervalSecs:   1,
		HeartbeatSecs:       5,
		StaleAfterSecs:      30,
		DefaultBatchSize:    100,
		MaxJobRetries:       3,
		JobRetryDelaySecs:   120,
		ShutdownGraceSecs:   2,
		RecoveryIntervalSec: 60,
	}
}

// newTestPool wires a pool against sqlmock and miniredis with its contexts
// primed, so tests can drive unexported methods without Start.
func newTestPool(t *testing.T, db *sql.DB, client *redis.Client, snd sender.Sender) *Pool {
	t.Helper()
	limiterCfg := config.RateLimitConfig{
		Default: config.RateProfile{Limit: 100000, WindowSeconds: 60},
		Profiles: map[string]config.RateProfile{
			sendRateProfile: {Limit: 100000, WindowSeconds: 60},
		},
	}
	p := NewPool(db, client, queue.NewStore(db), ratelimit.NewLimiter(client, limiterCfg),
		template.NewEngine(), snd, progress.NewTracker(db),
		testWorkerConfig(), config.RetryConfig{MaxRetries: 3, BaseDelaySecs: 60})
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.claimCtx, p.claimCancel = context.WithCancel(p.ctx)
	t.Cleanup(p.cancel)
	return p
}

func TestStartStopLifecycle(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	client, _ := setupRedis(t)
	p := newTestPool(t, db, client, &scriptedSender{})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("double Start() should error")
	}
	if got := p.WorkerCount(); got != 2 {
		t.Errorf("WorkerCount() = %d, want 2", got)
	}

	if got := p.Scale(99); got != 4 {
		t.Errorf("Scale(99) = %d, want clamp to max 4", got)
	}
	if got := p.WorkerCount(); got != 4 {
		t.Errorf("WorkerCount() after scale up = %d, want 4", got)
	}
	if got := p.Scale(0); got != 1 {
		t.Errorf("Scale(0) = %d, want clamp to min 1", got)
	}
	if got := p.WorkerCount(); got != 1 {
		t.Errorf("WorkerCount() after scale down = %d, want 1", got)
	}

	p.Stop()
	p.Stop() // second Stop is a no-op
}

func TestScaleBeforeStartOnlyClamps(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	client, _ := setupRedis(t)
	p := newTestPool(t, db, client, &scriptedSender{})

	if got := p.Scale(3); got != 3 {
		t.Errorf("Scale(3) = %d, want 3", got)
	}
	if got := p.WorkerCount(); got != 0 {
		t.Errorf("WorkerCount() = %d, stopped pool must not spawn", got)
	}
}

func TestControlStatePauseResume(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	client, mr := setupRedis(t)
	p := newTestPool(t, db, client, &scriptedSender{})

	if err := mr.Set(QueuePausedKey, "1"); err != nil {
		t.Fatalf("seed pause flag: %v", err)
	}
	p.applyControlState()
	if atomic.LoadInt32(&p.paused) != 1 {
		t.Error("pool should pause when the flag is set")
	}

	if err := mr.Set(QueuePausedKey, "0"); err != nil {
		t.Fatalf("clear pause flag: %v", err)
	}
	p.applyControlState()
	if atomic.LoadInt32(&p.paused) != 0 {
		t.Error("pool should resume when the flag is cleared")
	}

	mr.Del(QueuePausedKey)
	p.applyControlState()
	if atomic.LoadInt32(&p.paused) != 0 {
		t.Error("missing flag means running")
	}
}

func TestJitterStaysNearInterval(t *testing.T) {
	d := 2 * time.Second
	for i := 0; i < 100; i++ {
		j := jitter(d)
		if j < d/2 || j >= d/2+d {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v)", d, j, d/2, d/2+d)
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	client, _ := setupRedis(t)
	p := newTestPool(t, db, client, &scriptedSender{})

	atomic.AddInt64(&p.jobsClaimed, 5)
	atomic.AddInt64(&p.emailsSent, 120)

	stats := p.Stats()
	if stats["jobs_claimed"] != 5 {
		t.Errorf("jobs_claimed = %d, want 5", stats["jobs_claimed"])
	}
	if stats["emails_sent"] != 120 {
		t.Errorf("emails_sent = %d, want 120", stats["emails_sent"])
	}
}
