package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
)

// Limiter answers whether one more call fits under the per-minute budget
// for a key. Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// NoopLimiter admits everything. Used when no Redis is configured and the
// deployment runs a single replica where memory limiting is not wanted.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string, int) (bool, error) { return true, nil }

type rateWindow struct {
	count       int
	windowStart time.Time
}

// MemoryLimiter is a sliding one-minute window per key. Single-replica only;
// counts are process-local.
type MemoryLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// Allow uses a read-first pattern: existing-window checks stay under RLock
// and only window creation takes the write lock. The count increment under
// RLock can race, which is fine for a soft limit.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (bool, error) {
	now := l.now()

	l.mu.RLock()
	w, exists := l.windows[key]
	if exists && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		count := w.count
		l.mu.RUnlock()
		return count <= limit, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, exists = l.windows[key]
	if exists && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		return w.count <= limit, nil
	}
	l.windows[key] = &rateWindow{count: 1, windowStart: now}
	return limit >= 1, nil
}

func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := l.now()
		for key, w := range l.windows {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}

// RedisLimiter counts per-minute buckets in Redis so the budget holds
// across replicas. Buckets expire on their own; no sweeper needed.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, l.now().Unix()/60)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}

type rateCheck struct {
	cfg     *config.Manager
	limiter Limiter
}

// RateCheck consumes one slot from the per-minute budget keyed by
// tenant and agent. A limiter error fails open with a warning: losing Redis
// should degrade to unlimited dialing, not an outage.
func RateCheck(cfg *config.Manager, limiter Limiter) Check {
	return &rateCheck{cfg: cfg, limiter: limiter}
}

func (c *rateCheck) Name() string { return "rate_limit" }

func (c *rateCheck) Evaluate(ctx context.Context, req *Request) error {
	limit := c.cfg.PolicyFor(req.Principal.TenantID).RateLimitPerMinute
	if limit <= 0 || c.limiter == nil {
		return nil
	}

	who := req.AgentID
	if who == "" {
		who = req.Principal.SubjectID
	}
	key := req.Principal.TenantID + ":" + who

	allowed, err := c.limiter.Allow(ctx, key, limit)
	if err != nil {
		slog.Warn("Rate limiter unavailable, allowing call", "key", key, "error", err)
		return nil
	}
	if allowed {
		return nil
	}
	return core.NewErrorf(core.ErrRateLimited, "more than %d calls in the last minute", limit).
		WithDetails(map[string]any{
			"limit_per_minute":    limit,
			"retry_after_seconds": 60,
		})
}
