package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LeaderLease elects a single scheduler across instances. The holder renews
// the lease every tick; if it stops renewing, the key expires and another
// instance takes over on its next campaign.
type LeaderLease struct {
	client *redis.Client
	logger *zap.Logger
	key    string
	id     string
	ttl    time.Duration
}

func NewLeaderLease(client *redis.Client, logger *zap.Logger, key string, ttl time.Duration) *LeaderLease {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &LeaderLease{
		client: client,
		logger: logger,
		key:    key,
		id:     uuid.NewString(),
		ttl:    ttl,
	}
}

// ID is this instance's candidate identity.
func (l *LeaderLease) ID() string {
	return l.id
}

// Campaign takes the lease if it is free or renews it if already ours.
func (l *LeaderLease) Campaign(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader campaign failed: %w", err)
	}
	if acquired {
		l.logger.Info("Acquired scheduler leadership",
			zap.String("instance_id", l.id),
			zap.Duration("ttl", l.ttl))
		return true, nil
	}

	renewed, err := extendScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("leader renewal failed: %w", err)
	}
	return renewed == 1, nil
}

// Resign gives up the lease if held.
func (l *LeaderLease) Resign(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Int64()
	if err != nil {
		return fmt.Errorf("leader resign failed: %w", err)
	}
	if released == 1 {
		l.logger.Info("Resigned scheduler leadership", zap.String("instance_id", l.id))
	}
	return nil
}

// Holder returns the current leader id, or "" when nobody holds the lease.
func (l *LeaderLease) Holder(ctx context.Context) (string, error) {
	holder, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return holder, nil
}
