package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default issue-call ceilings per principal.
const (
	DefaultPerMinute = 10
	DefaultPerHour   = 100
)

// RateLimiter gates mandate issuance per principal. Allow reports whether
// the principal is under both the per-minute and per-hour ceilings and
// records the call. The limiter is fail-open by contract: callers treat a
// limiter error as an allow, never a deny.
type RateLimiter interface {
	Allow(ctx context.Context, principalID string, now time.Time) (bool, error)
}

// RedisRateLimiter is a sliding-window counter over Redis sorted sets.
// Each issue call lands as one member scored by its timestamp; members
// older than the window are evicted before counting.
type RedisRateLimiter struct {
	client    *redis.Client
	perMinute int
	perHour   int
}

func NewRedisRateLimiter(client *redis.Client, perMinute, perHour int) *RedisRateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perHour <= 0 {
		perHour = DefaultPerHour
	}
	return &RedisRateLimiter{client: client, perMinute: perMinute, perHour: perHour}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, principalID string, now time.Time) (bool, error) {
	minuteOK, err := l.allowWindow(ctx, "ratelimit:"+principalID+":minute", time.Minute, l.perMinute, now)
	if err != nil || !minuteOK {
		return minuteOK, err
	}
	return l.allowWindow(ctx, "ratelimit:"+principalID+":hour", time.Hour, l.perHour, now)
}

func (l *RedisRateLimiter) allowWindow(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (bool, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if card.Val() >= int64(limit) {
		return false, nil
	}

	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.New().String()})
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// MemoryRateLimiter mirrors the Redis semantics in-process for tests and
// lite mode.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	calls     map[string][]time.Time
	perMinute int
	perHour   int
}

func NewMemoryRateLimiter(perMinute, perHour int) *MemoryRateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perHour <= 0 {
		perHour = DefaultPerHour
	}
	return &MemoryRateLimiter{
		calls:     make(map[string][]time.Time),
		perMinute: perMinute,
		perHour:   perHour,
	}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, principalID string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hourAgo := now.Add(-time.Hour)
	kept := l.calls[principalID][:0]
	for _, t := range l.calls[principalID] {
		if t.After(hourAgo) {
			kept = append(kept, t)
		}
	}
	l.calls[principalID] = kept

	if len(kept) >= l.perHour {
		return false, nil
	}
	minuteAgo := now.Add(-time.Minute)
	inMinute := 0
	for _, t := range kept {
		if t.After(minuteAgo) {
			inMinute++
		}
	}
	if inMinute >= l.perMinute {
		return false, nil
	}
	l.calls[principalID] = append(kept, now)
	return true, nil
}

// UnlimitedRateLimiter never denies. Used where issuance throttling is
// handled upstream.
type UnlimitedRateLimiter struct{}

func (UnlimitedRateLimiter) Allow(context.Context, string, time.Time) (bool, error) {
	return true, nil
}
