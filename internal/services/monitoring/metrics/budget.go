package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetd_refills_total",
			Help: "Refill attempts by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)

	refilledAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetd_refilled_amount_total",
			Help: "Budget credited by refills",
		},
		[]string{"mode"},
	)

	spendReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetd_spend_reservations_total",
			Help: "Spend gate operations by phase and result",
		},
		[]string{"phase", "result"},
	)

	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "budgetd_scheduler_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	schedulerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "budgetd_scheduler_leader",
			Help: "1 when this instance holds the scheduler lease",
		},
	)

	lockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budgetd_lock_wait_seconds",
			Help:    "Time spent waiting for a per-principal lock",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"backend", "result"},
	)

	ledgerDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budgetd_ledger_drift_total",
			Help: "Accounts whose ledger disagreed with the audit trail replay",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetd_notifications_total",
			Help: "Outbound notification attempts",
		},
		[]string{"event_type", "result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "budgetd_circuit_breaker_state",
			Help: "Downstream breaker state (0 closed, 1 open, 2 half open)",
		},
		[]string{"name"},
	)

	statusCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetd_status_cache_total",
			Help: "Status cache lookups",
		},
		[]string{"result"},
	)
)

func RecordRefill(trigger, status string) {
	refillsTotal.WithLabelValues(trigger, status).Inc()
}

func RecordRefilledAmount(mode string, amount float64) {
	refilledAmount.WithLabelValues(mode).Add(amount)
}

func RecordSpend(phase, result string) {
	spendReservations.WithLabelValues(phase, result).Inc()
}

func ObserveTick(d time.Duration) {
	schedulerTickDuration.Observe(d.Seconds())
}

func SetLeader(leader bool) {
	if leader {
		schedulerLeader.Set(1)
		return
	}
	schedulerLeader.Set(0)
}

func ObserveLockWait(backend string, acquired bool, d time.Duration) {
	result := "acquired"
	if !acquired {
		result = "timeout"
	}
	lockWait.WithLabelValues(backend, result).Observe(d.Seconds())
}

func RecordDrift() {
	ledgerDrift.Inc()
}

func RecordNotification(eventType, result string) {
	notificationsTotal.WithLabelValues(eventType, result).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func RecordStatusCache(hit bool) {
	if hit {
		statusCache.WithLabelValues("hit").Inc()
		return
	}
	statusCache.WithLabelValues("miss").Inc()
}
