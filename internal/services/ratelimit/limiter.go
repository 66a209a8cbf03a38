package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter admits requests per key within a fixed limit per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Remaining(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
	Limit() int
	Window() time.Duration
}

// RedisLimiter is a sliding-window log shared by every instance.
type RedisLimiter struct {
	client *redis.Client
	log    *zap.Logger
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, log *zap.Logger, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		log:    log,
		prefix: "budgetd:ratelimit:",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// slidingWindow trims the log, then appends the request only if there is room.
var slidingWindow = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()

	allowed, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		windowStart, now, r.limit, fmt.Sprintf("%d-%s", now, uuid.NewString()), r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return allowed == 1, nil
}

func (r *RedisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	windowStart := r.now().UnixNano() - r.window.Nanoseconds()

	count, err := r.client.ZCount(ctx, r.prefix+key, fmt.Sprintf("(%d", windowStart), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining: %w", err)
	}
	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *RedisLimiter) Limit() int            { return r.limit }
func (r *RedisLimiter) Window() time.Duration { return r.window }

// InMemoryLimiter is a token bucket per key for lite mode.
type InMemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	log     *zap.Logger
	limit   int
	window  time.Duration
	now     func() time.Time
	stopCh  chan struct{}
	stop    sync.Once
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewInMemoryLimiter(log *zap.Logger, limit int, window time.Duration) *InMemoryLimiter {
	limiter := &InMemoryLimiter{
		buckets: make(map[string]*bucket),
		log:     log,
		limit:   limit,
		window:  window,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go limiter.cleanup()

	return limiter
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refillLocked(key)
	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

func (l *InMemoryLimiter) Remaining(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refillLocked(key).tokens), nil
}

func (l *InMemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	return nil
}

func (l *InMemoryLimiter) Limit() int            { return l.limit }
func (l *InMemoryLimiter) Window() time.Duration { return l.window }

// Stop ends the idle bucket sweep.
func (l *InMemoryLimiter) Stop() {
	l.stop.Do(func() { close(l.stopCh) })
}

func (l *InMemoryLimiter) refillLocked(key string) *bucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.limit), lastRefill: now}
		l.buckets[key] = b
		return b
	}

	rate := float64(l.limit) / l.window.Seconds()
	b.tokens = math.Min(float64(l.limit), b.tokens+now.Sub(b.lastRefill).Seconds()*rate)
	b.lastRefill = now
	return b
}

func (l *InMemoryLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *InMemoryLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.window {
			delete(l.buckets, key)
		}
	}
}
