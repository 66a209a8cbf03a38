package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/pkg/circuitbreaker"
)

func refillEvent() Event {
	e := models.NewAuditEntry("alice", models.AuditEventRefill, models.AuditStatusSuccess,
		decimal.NewFromInt(1000),
		models.Balance{Usage: decimal.NewFromInt(250), Limit: decimal.NewFromInt(1000)},
		models.Balance{Usage: decimal.Zero, Limit: decimal.NewFromInt(1000)},
		models.ActorScheduler).WithMeta(models.MetaCatchUp, true)
	e.Timestamp = time.Now().UTC()
	return FromEntry(e)
}

func TestFromEntry(t *testing.T) {
	ev := refillEvent()
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "alice", ev.PrincipalID)
	assert.True(t, ev.NewBalance.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, true, ev.Metadata[models.MetaCatchUp])
}

func TestStreamNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	n := NewStreamNotifier(client, zap.NewNop(), "budgetd:events", 100, 1)

	ev := refillEvent()
	require.NoError(t, n.Notify(ctx, ev))

	length, err := client.XLen(ctx, "budgetd:events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	msgs, err := n.Read(ctx, "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Values["principal_id"])
	assert.Equal(t, "1000", msgs[0].Values["new_balance"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, models.AuditEventRefill, decoded.EventType)

	t.Run("fails when redis is down", func(t *testing.T) {
		mr.Close()
		assert.Error(t, n.Notify(ctx, refillEvent()))
	})
}

type flaky struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *flaky) Notify(context.Context, Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestBreakerNotifier(t *testing.T) {
	down := &flaky{err: errors.New("connection refused")}
	n := NewBreakerNotifier("stream", down, circuitbreaker.NewManager(2, time.Minute))
	ctx := context.Background()

	assert.Error(t, n.Notify(ctx, refillEvent()))
	assert.Error(t, n.Notify(ctx, refillEvent()))
	assert.ErrorIs(t, n.Notify(ctx, refillEvent()), ErrCircuitOpen)
	assert.Equal(t, 2, down.calls)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestAsyncDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, zap.NewNop(), 16, time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Notify(context.Background(), refillEvent()))
	}
	a.Close()
	a.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.events, 5)

	assert.NoError(t, a.Notify(context.Background(), refillEvent()), "notify after close is a no-op")
}

func TestAsyncSurvivesFailures(t *testing.T) {
	down := &flaky{err: errors.New("boom")}
	a := NewAsync(down, zap.NewNop(), 4, time.Second)
	require.NoError(t, a.Notify(context.Background(), refillEvent()))
	a.Close()
	assert.Equal(t, 1, down.calls)
}
