package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/services/retry"
)

// StreamNotifier appends events to a Redis stream for downstream consumers
// (mailers, webhooks, dashboards).
type StreamNotifier struct {
	client *redis.Client
	logger *zap.Logger
	stream string
	maxLen int64
	retry  *retry.Config
}

func NewStreamNotifier(client *redis.Client, logger *zap.Logger, stream string, maxLen int64, attempts int) *StreamNotifier {
	if maxLen <= 0 {
		maxLen = 10000
	}
	cfg := retry.DefaultConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("Retrying event publish",
			zap.String("stream", stream),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return &StreamNotifier{
		client: client,
		logger: logger,
		stream: stream,
		maxLen: maxLen,
		retry:  cfg,
	}
}

func (n *StreamNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("Failed to marshal event", zap.Error(err), zap.String("event_id", ev.ID))
		return err
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id":     ev.ID,
			"event_type":   string(ev.EventType),
			"principal_id": ev.PrincipalID,
			"amount":       ev.Amount.String(),
			"new_balance":  ev.NewBalance.String(),
			"data":         string(payload),
		},
	}

	err = retry.Do(ctx, n.retry, func(ctx context.Context) error {
		return n.client.XAdd(ctx, args).Err()
	}, func(err error) bool {
		return !errors.Is(err, redis.Nil) && ctx.Err() == nil
	})
	if err != nil {
		n.logger.Error("Failed to publish event to Redis",
			zap.Error(err),
			zap.String("stream", n.stream),
			zap.String("event_id", ev.ID))
		return err
	}

	n.logger.Debug("Event published",
		zap.String("stream", n.stream),
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.EventType)))
	return nil
}

// Read returns up to count events after lastID, blocking up to block when
// none are available. A zero block returns immediately.
func (n *StreamNotifier) Read(ctx context.Context, lastID string, count int64, block time.Duration) ([]redis.XMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	if block <= 0 {
		block = -1
	}
	res, err := n.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{n.stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}
