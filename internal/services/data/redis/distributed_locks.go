package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/lock"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
	"github.com/amerfu/budgetd/internal/services/retry"
)

// ErrLockHeld is returned by a single acquisition attempt on a taken key.
var ErrLockHeld = errors.New("lock already held")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is one held Redis lock.
type DistributedLock struct {
	client *redis.Client
	logger *zap.Logger
	key    string
	value  string
	ttl    time.Duration
	once   sync.Once
}

// LockManager implements lock.Locker over Redis SET NX with owner tokens.
type LockManager struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
	wait   time.Duration
}

var _ lock.Locker = (*LockManager)(nil)

// NewLockManager creates a lock manager. ttl bounds how long a crashed holder
// can keep a key; wait bounds Acquire.
func NewLockManager(client *redis.Client, logger *zap.Logger, ttl, wait time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &LockManager{
		client: client,
		logger: logger,
		ttl:    ttl,
		wait:   wait,
	}
}

// AcquireLock makes a single attempt at the lock.
func (lm *LockManager) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*DistributedLock, error) {
	value, err := generateLockValue()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lock value: %w", err)
	}

	key := redisLockKey(lockKey)
	success, err := lm.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !success {
		return nil, ErrLockHeld
	}

	lm.logger.Debug("Lock acquired",
		zap.String("lock_key", lockKey),
		zap.Duration("ttl", ttl))

	return &DistributedLock{
		client: lm.client,
		logger: lm.logger,
		key:    key,
		value:  value,
		ttl:    ttl,
	}, nil
}

// Acquire polls with backoff until the lock is taken or the wait bound passes.
func (lm *LockManager) Acquire(ctx context.Context, lockKey string) (lock.Lease, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, lm.wait)
	defer cancel()

	cfg := &retry.Config{
		MaxAttempts:  int(lm.wait/(5*time.Millisecond)) + 1,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}

	var held *DistributedLock
	err := retry.Do(waitCtx, cfg, func(ctx context.Context) error {
		l, err := lm.AcquireLock(ctx, lockKey, lm.ttl)
		if err != nil {
			return err
		}
		held = l
		return nil
	}, func(err error) bool {
		return errors.Is(err, ErrLockHeld)
	})

	if err == nil {
		metrics.ObserveLockWait("redis", true, time.Since(start))
		return held, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, ErrLockHeld) || errors.Is(err, context.DeadlineExceeded) {
		metrics.ObserveLockWait("redis", false, time.Since(start))
		return nil, &models.LockTimeoutError{Key: lockKey, Wait: lm.wait}
	}
	return nil, &models.PersistenceError{Op: "lock", Err: err}
}

// Release deletes the lock only if this holder still owns it.
func (dl *DistributedLock) Release(ctx context.Context) error {
	var err error
	dl.once.Do(func() {
		var result int64
		result, err = releaseScript.Run(ctx, dl.client, []string{dl.key}, dl.value).Int64()
		if err != nil {
			err = fmt.Errorf("failed to release lock: %w", err)
			return
		}
		if result == 0 {
			dl.logger.Warn("Lock expired before release", zap.String("key", dl.key))
			err = fmt.Errorf("lock not owned by this instance")
			return
		}
		dl.logger.Debug("Lock released", zap.String("key", dl.key))
	})
	return err
}

// Extend resets the TTL if the lock is still owned.
func (dl *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, dl.client, []string{dl.key}, dl.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("lock not owned by this instance or expired")
	}
	dl.ttl = ttl
	return nil
}

// IsLockHeld checks if a lock is currently held by anyone.
func (lm *LockManager) IsLockHeld(ctx context.Context, lockKey string) (bool, error) {
	exists, err := lm.client.Exists(ctx, redisLockKey(lockKey)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock existence: %w", err)
	}
	return exists > 0, nil
}

func redisLockKey(lockKey string) string {
	return fmt.Sprintf("lock:%s", lockKey)
}

func generateLockValue() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
