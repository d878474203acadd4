package api

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/mailgenius/dispatch/internal/progress"
	"github.com/mailgenius/dispatch/internal/queue"
	"github.com/mailgenius/dispatch/internal/ratelimit"
)

// Dispatcher starts a campaign send and returns the queued job id.
// *campaign.Service implements it.
type Dispatcher interface {
	Send(ctx context.Context, campaignID string) (string, error)
}

// SchedulerRunner runs one scheduler pass: dispatch due campaigns, settle
// finished ones. *worker.CampaignScheduler implements it.
type SchedulerRunner interface {
	RunOnce(ctx context.Context)
}

// Sweeper drains due recipient retries and reclaims stale job claims.
// *retry.System implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
	ReclaimStale(ctx context.Context) (int64, error)
	CleanupOld(ctx context.Context) (int64, error)
}

// Handlers is the control surface over the send pipeline. The server binary
// owns no worker pool; worker control goes through the shared Redis keys the
// pools poll and the registry rows they heartbeat.
type Handlers struct {
	db            *sql.DB
	redis         *redis.Client
	campaigns     Dispatcher
	store         *queue.Store
	tracker       *progress.Tracker
	limiter       *ratelimit.Limiter
	scheduler     SchedulerRunner
	sweeper       Sweeper
	retentionDays int
}

// NewHandlers wires the control surface to its backing services.
// retentionDays is the cleanup default when a request names no retention.
func NewHandlers(
	db *sql.DB,
	rdb *redis.Client,
	campaigns Dispatcher,
	store *queue.Store,
	tracker *progress.Tracker,
	limiter *ratelimit.Limiter,
	scheduler SchedulerRunner,
	sweeper Sweeper,
	retentionDays int,
) *Handlers {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Handlers{
		db:            db,
		redis:         rdb,
		campaigns:     campaigns,
		store:         store,
		tracker:       tracker,
		limiter:       limiter,
		scheduler:     scheduler,
		sweeper:       sweeper,
		retentionDays: retentionDays,
	}
}
