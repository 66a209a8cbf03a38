package middleware

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
	"github.com/amerfu/budgetd/internal/services/ratelimit"
)

// RateLimit caps requests per authenticated principal. It must run after
// Authenticate. Limiter errors let the request through.
func RateLimit(limiter ratelimit.RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(limiter.Window().Seconds())))
	limit := strconv.Itoa(limiter.Limit())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), p.ID)
			if err != nil {
				logger.Warn("Rate limiter unavailable, admitting request",
					zap.String("principal_id", p.ID),
					zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			if !allowed {
				metrics.RecordRateLimited(p.Role)
				logger.Debug("Rate limit exceeded",
					zap.String("principal_id", p.ID),
					zap.String("path", r.URL.Path))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", retryAfter)
				sendError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			if remaining, err := limiter.Remaining(r.Context(), p.ID); err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}
