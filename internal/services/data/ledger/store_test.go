package ledger_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/budgetd/internal/infrastructure/testutil"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newAccount(id string, usage, limit string) *models.Account {
	a := &models.Account{
		PrincipalID:  id,
		Role:         "user",
		CurrentUsage: d(usage),
		BudgetLimit:  d(limit),
	}
	a.RefreshStatus(models.DefaultLowWatermark)
	return a
}

func openingEntry(a *models.Account) *models.AuditEntry {
	return models.NewAuditEntry(a.PrincipalID, models.AuditEventManualAdjust, models.AuditStatusSuccess,
		a.BudgetLimit, models.Balance{}, a.Balance(), models.ActorSystem)
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) ledger.Store{
		"memory": func(t *testing.T) ledger.Store {
			return ledger.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) ledger.Store {
			store, err := ledger.NewSQLiteStore(ledger.SQLiteConfig{
				Path:        filepath.Join(t.TempDir(), "budgetd.db"),
				BusyTimeout: 5 * time.Second,
			})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
		"postgres": func(t *testing.T) ledger.Store {
			if testing.Short() {
				t.Skip("Skipping PostgreSQL store in short mode")
			}
			db, cleanup := testutil.NewTestDB(t)
			t.Cleanup(cleanup)
			return ledger.NewPostgresStore(db)
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			runStoreSuite(t, store)
		})
	}
}

func runStoreSuite(t *testing.T, store ledger.Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		acct := newAccount("alice", "0", "100")
		entry := openingEntry(acct)
		require.NoError(t, store.CreateAccount(ctx, acct, entry))
		assert.NotZero(t, entry.EntryID)

		got, err := store.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.BudgetLimit.Equal(d("100")))
		assert.True(t, got.CurrentUsage.IsZero())
		assert.Equal(t, models.AccountStatusActive, got.Status)

		err = store.CreateAccount(ctx, newAccount("alice", "0", "1"))
		assert.ErrorIs(t, err, ledger.ErrAccountExists)

		_, err = store.GetAccount(ctx, "nobody")
		assert.ErrorIs(t, err, models.ErrAccountNotFound)
	})

	t.Run("CommitWritesAccountAndEntries", func(t *testing.T) {
		acct, err := store.GetAccount(ctx, "alice")
		require.NoError(t, err)

		before := acct.Balance()
		acct.CurrentUsage = d("40.5")
		acct.RefreshStatus(models.DefaultLowWatermark)
		entry := models.NewAuditEntry("alice", models.AuditEventSpend, models.AuditStatusSuccess,
			d("40.5"), before, acct.Balance(), "svc").WithMeta(models.MetaPhase, "reconcile")

		require.NoError(t, store.Commit(ctx, ledger.Change{Account: acct, Entries: []*models.AuditEntry{entry}}))

		got, err := store.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.CurrentUsage.Equal(d("40.5")))

		entries, total, err := store.ListAudit(ctx, models.AuditFilter{PrincipalID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		require.Len(t, entries, 2)
		assert.Equal(t, models.AuditEventManualAdjust, entries[0].EventType)
		assert.Equal(t, models.AuditEventSpend, entries[1].EventType)
		assert.Equal(t, "reconcile", entries[1].Metadata[models.MetaPhase])
		assert.True(t, entries[1].UsageAfter.Equal(d("40.5")))
		assert.True(t, entries[1].NewBalance.Equal(d("59.5")))
	})

	t.Run("CommitMissingAccountWritesNothing", func(t *testing.T) {
		ghost := newAccount("ghost", "0", "10")
		entry := models.NewAuditEntry("ghost", models.AuditEventRefill, models.AuditStatusSuccess,
			d("10"), models.Balance{}, ghost.Balance(), models.ActorScheduler)

		err := store.Commit(ctx, ledger.Change{Account: ghost, Entries: []*models.AuditEntry{entry}})
		assert.ErrorIs(t, err, models.ErrAccountNotFound)

		n, err := store.CountAudit(ctx, models.AuditFilter{PrincipalID: "ghost"})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("AuditFiltersAndPagination", func(t *testing.T) {
		acct, err := store.GetAccount(ctx, "alice")
		require.NoError(t, err)

		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			e := models.NewAuditEntry("alice", models.AuditEventRefill, models.AuditStatusFailed,
				decimal.Zero, acct.Balance(), acct.Balance(), models.ActorScheduler)
			e.Timestamp = base.Add(time.Duration(i) * time.Minute)
			e.ErrorMessage = "lock timeout"
			require.NoError(t, store.Commit(ctx, ledger.Change{Entries: []*models.AuditEntry{e}}))
		}

		failed, total, err := store.ListAudit(ctx, models.AuditFilter{
			PrincipalID: "alice",
			Statuses:    []models.AuditStatus{models.AuditStatusFailed},
			Limit:       2,
			Offset:      1,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, failed, 2)
		assert.True(t, failed[0].Timestamp.Before(failed[1].Timestamp))

		n, err := store.CountAudit(ctx, models.AuditFilter{
			PrincipalID: "alice",
			EventTypes:  []models.AuditEventType{models.AuditEventRefill},
			Since:       base.Add(30 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("LastScheduledTracksConsumedPeriods", func(t *testing.T) {
		acct, err := store.GetAccount(ctx, "alice")
		require.NoError(t, err)

		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
		commit := func(at time.Time, event models.AuditEventType, status models.AuditStatus, trigger string, withAccount bool) {
			t.Helper()
			before := acct.Balance()
			after := before
			if event == models.AuditEventRefill && status == models.AuditStatusSuccess {
				after, _ = models.ResetMode().Apply(before, d("100"))
				acct.SetBalance(after)
				acct.TotalRefilled = acct.TotalRefilled.Add(d("100"))
				acct.RefillCount++
				acct.LastRefillAt = &at
			}
			if trigger == models.TriggerScheduled && status != models.AuditStatusFailed {
				acct.ScheduledAt = &at
			}
			e := models.NewAuditEntry("alice", event, status, d("100"), before, after, models.ActorScheduler).
				WithMeta(models.MetaTrigger, trigger)
			e.Timestamp = at
			change := ledger.Change{Entries: []*models.AuditEntry{e}}
			if withAccount {
				change.Account = acct
			}
			require.NoError(t, store.Commit(ctx, change))
		}

		commit(base.Add(10*time.Minute), models.AuditEventRefill, models.AuditStatusSuccess, models.TriggerScheduled, true)
		commit(base.Add(20*time.Minute), models.AuditEventAbuseBlock, models.AuditStatusBlocked, models.TriggerScheduled, true)
		commit(base.Add(30*time.Minute), models.AuditEventRefill, models.AuditStatusSuccess, "manual", true)
		commit(base.Add(40*time.Minute), models.AuditEventAbuseBlock, models.AuditStatusBlocked, "manual", false)
		commit(base.Add(50*time.Minute), models.AuditEventRefill, models.AuditStatusFailed, models.TriggerScheduled, false)

		last, err := store.LastScheduled(ctx)
		require.NoError(t, err)
		require.Contains(t, last, "alice")
		assert.WithinDuration(t, base.Add(20*time.Minute), last["alice"], time.Millisecond)

		got, err := store.GetAccount(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, got.ScheduledAt)
		assert.WithinDuration(t, base.Add(20*time.Minute), *got.ScheduledAt, time.Millisecond)
		require.NotNil(t, got.LastRefillAt)
		assert.WithinDuration(t, base.Add(30*time.Minute), *got.LastRefillAt, time.Millisecond)
	})

	t.Run("Reservations", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		r := &models.Reservation{
			Token:         "tok-1",
			PrincipalID:   "alice",
			EstimatedCost: d("12.5"),
			State:         models.ReservationPending,
			CreatedAt:     now,
			ExpiresAt:     now.Add(-time.Minute),
		}
		require.NoError(t, store.Commit(ctx, ledger.Change{Reservation: r}))

		expired, err := store.ListReservations(ctx, ledger.ReservationFilter{
			State:         models.ReservationPending,
			ExpiresBefore: now,
		})
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "tok-1", expired[0].Token)

		settled := now
		r.State = models.ReservationReconciled
		r.ActualCost = decimal.NewNullDecimal(d("11"))
		r.SettledAt = &settled
		require.NoError(t, store.Commit(ctx, ledger.Change{Reservation: r}))

		got, err := store.GetReservation(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, models.ReservationReconciled, got.State)
		assert.True(t, got.ActualCost.Valid)
		assert.True(t, got.ActualCost.Decimal.Equal(d("11")))
		assert.True(t, got.EstimatedCost.Equal(d("12.5")))

		_, err = store.GetReservation(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrReservationNotFound)
	})

	t.Run("ListAccountsPagesAndHidesArchived", func(t *testing.T) {
		for _, id := range []string{"bob", "carol", "dave"} {
			require.NoError(t, store.CreateAccount(ctx, newAccount(id, "0", "10")))
		}

		dave, err := store.GetAccount(ctx, "dave")
		require.NoError(t, err)
		archived := time.Now().UTC()
		dave.ArchivedAt = &archived
		require.NoError(t, store.Commit(ctx, ledger.Change{Account: dave}))

		page, err := store.ListAccounts(ctx, ledger.AccountFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "alice", page[0].PrincipalID)
		assert.Equal(t, "bob", page[1].PrincipalID)

		rest, err := store.ListAccounts(ctx, ledger.AccountFilter{After: "bob"})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "carol", rest[0].PrincipalID)

		all, err := store.ListAccounts(ctx, ledger.AccountFilter{IncludeArchived: true})
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("ConcurrentCommits", func(t *testing.T) {
		require.NoError(t, store.CreateAccount(ctx, newAccount("erin", "0", "1000")))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e := models.NewAuditEntry("erin", models.AuditEventSpend, models.AuditStatusFailed,
					d("1"), models.Balance{}, models.Balance{}, "svc")
				assert.NoError(t, store.Commit(ctx, ledger.Change{Entries: []*models.AuditEntry{e}}))
			}()
		}
		wg.Wait()

		n, err := store.CountAudit(ctx, models.AuditFilter{PrincipalID: "erin"})
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
