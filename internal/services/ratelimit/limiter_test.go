package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func limiters(t *testing.T, limit int, window time.Duration) (map[string]RateLimiter, *clock) {
	t.Helper()
	c := newClock()

	mem := NewInMemoryLimiter(zap.NewNop(), limit, window)
	mem.now = c.Now
	t.Cleanup(mem.Stop)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl := NewRedisLimiter(client, zap.NewNop(), limit, window)
	rl.now = c.Now

	return map[string]RateLimiter{"memory": mem, "redis": rl}, c
}

func TestLimiters(t *testing.T) {
	ctx := context.Background()

	t.Run("allow requests within limit", func(t *testing.T) {
		ls, _ := limiters(t, 5, time.Minute)
		for name, l := range ls {
			for i := 0; i < 5; i++ {
				allowed, err := l.Allow(ctx, "alice")
				require.NoError(t, err)
				assert.True(t, allowed, "%s: request %d should be allowed", name, i+1)
			}
			allowed, err := l.Allow(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, allowed, name)

			remaining, err := l.Remaining(ctx, "alice")
			require.NoError(t, err)
			assert.Zero(t, remaining, name)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		ls, _ := limiters(t, 1, time.Minute)
		for name, l := range ls {
			allowed, err := l.Allow(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, allowed, name)

			allowed, err = l.Allow(ctx, "bob")
			require.NoError(t, err)
			assert.True(t, allowed, name)

			allowed, err = l.Allow(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, allowed, name)
		}
	})

	t.Run("window passing frees capacity", func(t *testing.T) {
		ls, c := limiters(t, 2, time.Minute)
		for _, l := range ls {
			for i := 0; i < 2; i++ {
				_, err := l.Allow(ctx, "alice")
				require.NoError(t, err)
			}
		}
		c.Advance(time.Minute + time.Second)
		for name, l := range ls {
			remaining, err := l.Remaining(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 2, remaining, name)

			allowed, err := l.Allow(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, allowed, name)
		}
	})

	t.Run("reset", func(t *testing.T) {
		ls, _ := limiters(t, 1, time.Minute)
		for name, l := range ls {
			_, err := l.Allow(ctx, "alice")
			require.NoError(t, err)
			require.NoError(t, l.Reset(ctx, "alice"))

			allowed, err := l.Allow(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, allowed, name)
		}
	})
}

func TestInMemoryLimiterRefillsGradually(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	l := NewInMemoryLimiter(zap.NewNop(), 10, 10*time.Second)
	l.now = c.Now
	defer l.Stop()

	for i := 0; i < 10; i++ {
		allowed, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	c.Advance(3 * time.Second)
	remaining, err := l.Remaining(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	c.Advance(time.Hour)
	remaining, err = l.Remaining(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, remaining, "bucket never exceeds capacity")
}

func TestInMemoryLimiterSweepsIdleBuckets(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	l := NewInMemoryLimiter(zap.NewNop(), 5, time.Minute)
	l.now = c.Now
	defer l.Stop()

	_, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	c.Advance(2 * time.Minute)
	_, err = l.Allow(ctx, "bob")
	require.NoError(t, err)

	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "alice")
	assert.Contains(t, l.buckets, "bob")
}

func TestLimitersUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	ls, _ := limiters(t, 20, time.Minute)

	for name, l := range ls {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := l.Allow(ctx, "shared")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 20, allowed, name)
	}
}
