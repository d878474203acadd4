// Package ratelimit enforces fixed-window send quotas in Redis. Checks are
// atomic Lua scripts, so concurrent workers never race a GET-then-INCR gap,
// and a denied check never consumes quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/pkg/logger"
)

// Lua script for the atomic check-and-increment. Denies without touching
// the counter when the increment would cross the limit; sets the TTL only
// when it creates the key.
const checkLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"-"`
}

// Limiter applies named fixed-window profiles to arbitrary identifiers.
// Windows are aligned to wall-clock multiples of the window size, so every
// process computing a key for the same instant lands on the same counter.
type Limiter struct {
	redis    *redis.Client
	profiles map[string]config.RateProfile
	fallback config.RateProfile

	checkScript *redis.Script
	log         *logger.Logger
}

// NewLimiter creates a limiter with pre-compiled Lua scripts.
func NewLimiter(redisClient *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		redis:       redisClient,
		profiles:    cfg.Profiles,
		fallback:    cfg.Default,
		checkScript: redis.NewScript(checkLuaScript),
		log:         logger.New("ratelimit"),
	}
}

// Profile resolves a profile by name. Unknown names fall back to the
// default profile, so a misconfigured caller gets throttled rather than
// unthrottled.
func (l *Limiter) Profile(name string) config.RateProfile {
	if p, ok := l.profiles[name]; ok {
		return p
	}
	return l.fallback
}

func (l *Limiter) key(name, identifier string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", name, identifier, windowStart.Unix())
}

// Check consumes one unit of the named profile's quota for identifier.
// A denied decision carries RetryAfter, the time until the current window
// closes, which is also when Remaining resets to the full limit.
func (l *Limiter) Check(ctx context.Context, identifier, name string) (Decision, error) {
	return l.CheckN(ctx, identifier, name, 1)
}

// CheckN consumes n units at once. All n are admitted or none are; a batch
// never partially lands in a window.
func (l *Limiter) CheckN(ctx context.Context, identifier, name string, n int) (Decision, error) {
	profile := l.Profile(name)
	window := profile.Window()

	now := time.Now()
	windowStart := now.Truncate(window)
	resetTime := windowStart.Add(window)

	// TTL is twice the window so a counter survives into the next window
	// for inspection but never collides with it.
	result, err := l.checkScript.Run(ctx, l.redis,
		[]string{l.key(name, identifier, windowStart)},
		n,
		profile.Limit,
		int(window/time.Second)*2,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	count := result[1].(int64)

	remaining := profile.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     profile.Limit,
		Remaining: remaining,
		ResetTime: resetTime,
	}
	if !allowed {
		decision.RetryAfter = resetTime.Sub(now)
	}
	return decision, nil
}

// Usage returns the consumed count in the current window without
// incrementing it.
func (l *Limiter) Usage(ctx context.Context, identifier, name string) (int, error) {
	profile := l.Profile(name)
	windowStart := time.Now().Truncate(profile.Window())

	count, err := l.redis.Get(ctx, l.key(name, identifier, windowStart)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit usage: %w", err)
	}
	return count, nil
}

// Reset clears the current window's counter for identifier, restoring the
// full limit immediately. Operator escape hatch. Reports whether a counter
// existed: false means the window was already untouched.
func (l *Limiter) Reset(ctx context.Context, identifier, name string) (bool, error) {
	profile := l.Profile(name)
	windowStart := time.Now().Truncate(profile.Window())

	removed, err := l.redis.Del(ctx, l.key(name, identifier, windowStart)).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit reset: %w", err)
	}
	l.log.Info("rate limit reset", "profile", name, "identifier", identifier, "cleared", removed > 0)
	return removed > 0, nil
}

// Wait blocks until the named profile admits identifier or the context
// ends. Callers that cannot shed load sit here instead of spinning.
func (l *Limiter) Wait(ctx context.Context, identifier, name string) (Decision, error) {
	for {
		decision, err := l.Check(ctx, identifier, name)
		if err != nil {
			return Decision{}, err
		}
		if decision.Allowed {
			return decision, nil
		}

		wait := decision.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return decision, ctx.Err()
		case <-time.After(wait):
		}
	}
}
