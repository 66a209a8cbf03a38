// Package ledger persists budget accounts, their audit trail and spend
// reservations. Every write that moves a balance goes through Commit, which
// stores the account row and its audit entries in one transaction.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/amerfu/budgetd/internal/models"
)

var ErrAccountExists = errors.New("budget account already exists")

// Change is the unit of atomic work: an optional account update, an optional
// reservation upsert and the audit entries describing them.
type Change struct {
	Account     *models.Account
	Reservation *models.Reservation
	Entries     []*models.AuditEntry
}

type AccountFilter struct {
	Role            string
	IncludeArchived bool
	// After is a keyset cursor on principal_id.
	After string
	Limit int
}

type ReservationFilter struct {
	PrincipalID   string
	State         models.ReservationState
	ExpiresBefore time.Time
	Limit         int
}

// Store is implemented by the memory, sqlite and postgres backends. Callers
// serialize mutations per principal with a lock.Locker; the store only
// guarantees that each Commit is all-or-nothing.
type Store interface {
	// CreateAccount inserts a new account with its opening audit entries.
	CreateAccount(ctx context.Context, acct *models.Account, entries ...*models.AuditEntry) error
	GetAccount(ctx context.Context, principalID string) (*models.Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]models.Account, error)

	Commit(ctx context.Context, change Change) error

	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int64, error)
	CountAudit(ctx context.Context, filter models.AuditFilter) (int64, error)
	// LastScheduled maps principal id to the newest entry that consumed a
	// scheduled period (see models.ConsumesPeriod).
	LastScheduled(ctx context.Context) (map[string]time.Time, error)

	GetReservation(ctx context.Context, token string) (*models.Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]models.Reservation, error)

	Ping(ctx context.Context) error
	Close() error
}

func stamp(entries []*models.AuditEntry, now time.Time) {
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
	}
}

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *models.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &models.PersistenceError{Op: op, Err: err}
}
