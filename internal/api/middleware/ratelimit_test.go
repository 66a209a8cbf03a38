package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/services/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (brokenLimiter) Remaining(context.Context, string) (int, error) { return 0, errors.New("redis down") }
func (brokenLimiter) Reset(context.Context, string) error            { return nil }
func (brokenLimiter) Limit() int                                     { return 1 }
func (brokenLimiter) Window() time.Duration                          { return time.Minute }

func limited(limiter ratelimit.RateLimiter) http.Handler {
	return RateLimit(limiter, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func as(id string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/spend/reserve", nil)
	return r.WithContext(WithPrincipal(r.Context(), &Principal{ID: id, Role: "gateway", Service: true}))
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewInMemoryLimiter(zap.NewNop(), 2, 30*time.Second)
	defer limiter.Stop()
	h := limited(limiter)

	for i, want := range []string{"1", "0"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, as("gw-1"))
		assert.Equal(t, http.StatusNoContent, rec.Code, "request %d", i+1)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, want, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, as("gw-1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, as("gw-2"))
	assert.Equal(t, http.StatusNoContent, rec.Code, "other principals keep their own allowance")
}

func TestRateLimitAdmitsWhenLimiterFails(t *testing.T) {
	rec := httptest.NewRecorder()
	limited(brokenLimiter{}).ServeHTTP(rec, as("gw-1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimitIgnoresUnauthenticated(t *testing.T) {
	limiter := ratelimit.NewInMemoryLimiter(zap.NewNop(), 1, time.Minute)
	defer limiter.Stop()
	h := limited(limiter)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
