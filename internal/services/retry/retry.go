package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/amerfu/budgetd/internal/models"
)

// Config defines retry behavior
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial)
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier
	Jitter       bool          // Add jitter to delays
	// OnRetry, if set, is called before each wait with the 1-based attempt
	// that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

type RetryableFunc func(ctx context.Context) error

type IsRetryable func(error) bool

// DefaultIsRetryable retries transient ledger errors and network failures.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if models.IsTransient(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Do executes fn until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx is done.
func Do(ctx context.Context, config *Config, fn RetryableFunc, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == config.MaxAttempts-1 {
			break
		}

		delay := Backoff(attempt+1, config)
		if config.Jitter {
			delay += time.Duration(rand.Float64() * float64(delay) * 0.3)
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// Backoff returns the delay before the given retry (1-based), capped at MaxDelay.
func Backoff(retry int, config *Config) time.Duration {
	if config == nil {
		config = DefaultConfig()
	}
	delay := config.InitialDelay
	for i := 1; i < retry; i++ {
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay >= config.MaxDelay {
			return config.MaxDelay
		}
	}
	if delay > config.MaxDelay {
		return config.MaxDelay
	}
	return delay
}
