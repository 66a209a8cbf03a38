package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
)

// setIfGeneration writes the view only while the principal's generation is
// still the one the reader saw before loading the row.
var setIfGeneration = redis.NewScript(`
local gen = redis.call("GET", KEYS[1]) or "0"
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// generationTTL outlives any read that could still be racing an invalidation.
const generationTTL = 24 * time.Hour

// StatusCache keeps the read model served by GET status. Every ledger
// mutation invalidates the principal's entry and bumps its generation, so a
// view loaded before the mutation committed is never written back.
type StatusCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client, logger *zap.Logger, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &StatusCache{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Get returns the cached view, or nil on a miss.
func (sc *StatusCache) Get(ctx context.Context, principalID string) (*models.AccountStatusView, error) {
	data, err := sc.client.Get(ctx, statusKey(principalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget status from cache: %w", err)
	}

	var view models.AccountStatusView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("failed to unmarshal budget status: %w", err)
	}
	return &view, nil
}

// Generation returns the principal's invalidation counter. Read it before
// loading the row that will be passed to Set.
func (sc *StatusCache) Generation(ctx context.Context, principalID string) (int64, error) {
	gen, err := sc.client.Get(ctx, generationKey(principalID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get status generation: %w", err)
	}
	return gen, nil
}

// Set caches view unless the principal was invalidated after gen was read.
// It reports whether the view was written.
func (sc *StatusCache) Set(ctx context.Context, view models.AccountStatusView, gen int64) (bool, error) {
	data, err := json.Marshal(view)
	if err != nil {
		return false, fmt.Errorf("failed to marshal budget status: %w", err)
	}
	keys := []string{generationKey(view.PrincipalID), statusKey(view.PrincipalID)}
	n, err := setIfGeneration.Run(ctx, sc.client, keys, gen, data, sc.ttl.Milliseconds()).Int()
	if err != nil {
		sc.logger.Warn("Failed to update status cache",
			zap.String("principal_id", view.PrincipalID),
			zap.Error(err))
		return false, err
	}
	return n == 1, nil
}

func (sc *StatusCache) Invalidate(ctx context.Context, principalID string) error {
	pipe := sc.client.TxPipeline()
	pipe.Incr(ctx, generationKey(principalID))
	pipe.Expire(ctx, generationKey(principalID), generationTTL)
	pipe.Del(ctx, statusKey(principalID))
	if _, err := pipe.Exec(ctx); err != nil {
		sc.logger.Warn("Failed to invalidate status cache",
			zap.String("principal_id", principalID),
			zap.Error(err))
		return err
	}
	return nil
}

func statusKey(principalID string) string {
	return fmt.Sprintf("budget:status:%s", principalID)
}

func generationKey(principalID string) string {
	return fmt.Sprintf("budget:status:gen:%s", principalID)
}
