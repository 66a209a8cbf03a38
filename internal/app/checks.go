package app

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/amerfu/budgetd/internal/api/handlers"
)

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Checks lists the dependencies the readiness probe reports on.
func (a *App) Checks() map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{"store": a.Store}
	if a.Redis != nil {
		checks["redis"] = redisPinger{client: a.Redis}
	}
	return checks
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
