// Package notify delivers refill and abuse-block events to downstream
// consumers. Delivery is best effort: a failed notification never rolls back
// the ledger change it describes.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
	"github.com/amerfu/budgetd/pkg/circuitbreaker"
)

var ErrCircuitOpen = errors.New("notification circuit open")

// Event is the outbound payload.
type Event struct {
	ID          string                 `json:"id"`
	PrincipalID string                 `json:"principal_id"`
	EventType   models.AuditEventType  `json:"event_type"`
	Status      models.AuditStatus     `json:"status"`
	Amount      decimal.Decimal        `json:"amount"`
	NewBalance  decimal.Decimal        `json:"new_balance"`
	Actor       string                 `json:"actor"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// FromEntry builds the event announcing an audit entry.
func FromEntry(e *models.AuditEntry) Event {
	ev := Event{
		ID:          uuid.NewString(),
		PrincipalID: e.PrincipalID,
		EventType:   e.EventType,
		Status:      e.Status,
		Amount:      e.Amount,
		NewBalance:  e.NewBalance,
		Actor:       e.Actor,
		Timestamp:   e.Timestamp,
	}
	if len(e.Metadata) > 0 {
		ev.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			ev.Metadata[k] = v
		}
	}
	return ev
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the log. Lite mode uses it.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("Budget event",
		zap.String("event_id", ev.ID),
		zap.String("principal_id", ev.PrincipalID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("amount", ev.Amount.String()),
		zap.String("new_balance", ev.NewBalance.String()))
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// BreakerNotifier skips delivery while the downstream keeps failing.
type BreakerNotifier struct {
	next    Notifier
	breaker *circuitbreaker.Breaker
}

func NewBreakerNotifier(name string, next Notifier, manager *circuitbreaker.Manager) *BreakerNotifier {
	return &BreakerNotifier{next: next, breaker: manager.Get(name)}
}

func (n *BreakerNotifier) Notify(ctx context.Context, ev Event) error {
	if !n.breaker.Allow() {
		return ErrCircuitOpen
	}
	if err := n.next.Notify(ctx, ev); err != nil {
		n.breaker.Failure()
		return err
	}
	n.breaker.Success()
	return nil
}

// Async hands events to a background worker so callers never wait on the
// downstream. When the queue is full the event is dropped and counted.
type Async struct {
	next    Notifier
	logger  *zap.Logger
	timeout time.Duration
	queue   chan Event
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Notifier, logger *zap.Logger, queueSize int, timeout time.Duration) *Async {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}

	select {
	case a.queue <- ev:
	default:
		metrics.RecordNotification(string(ev.EventType), "dropped")
		a.logger.Warn("Notification queue full, dropping event",
			zap.String("principal_id", ev.PrincipalID),
			zap.String("event_type", string(ev.EventType)))
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Notify(ctx, ev)
		cancel()

		if err != nil {
			metrics.RecordNotification(string(ev.EventType), "failed")
			a.logger.Warn("Failed to deliver budget event",
				zap.String("event_id", ev.ID),
				zap.String("principal_id", ev.PrincipalID),
				zap.String("event_type", string(ev.EventType)),
				zap.Error(err))
			continue
		}
		metrics.RecordNotification(string(ev.EventType), "delivered")
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
