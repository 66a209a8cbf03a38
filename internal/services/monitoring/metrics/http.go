package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budgetd_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	httpActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "budgetd_http_active_requests",
			Help: "Requests currently being served",
		},
	)

	httpRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetd_http_rate_limited_total",
			Help: "Requests rejected by the per-principal rate limit",
		},
		[]string{"role"},
	)
)

func RecordHTTPRequest(method, endpoint string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, endpoint, code).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, code).Observe(d.Seconds())
}

func TrackActiveRequest() func() {
	httpActiveRequests.Inc()
	return httpActiveRequests.Dec
}

func RecordRateLimited(role string) {
	httpRateLimited.WithLabelValues(role).Inc()
}
