package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
)

// Spend phases recorded on SPEND entries.
const (
	PhaseReserve   = "reserve"
	PhaseReconcile = "reconcile"
	PhaseRelease   = "release"
	PhaseExpire    = "expire"
)

const expireBatch = 500

// Reserve provisionally deducts estimatedCost from the principal's budget.
// The returned reservation must be reconciled or released.
func (s *Service) Reserve(ctx context.Context, principalID string, estimatedCost decimal.Decimal) (*models.Reservation, error) {
	if estimatedCost.IsNegative() {
		return nil, models.ErrInvalidAmount
	}

	var res *models.Reservation
	err := s.withLock(ctx, principalID, func(ctx context.Context) error {
		acct, err := s.store.GetAccount(ctx, principalID)
		if err != nil {
			return err
		}
		switch {
		case acct.IsArchived():
			return models.ErrAccountArchived
		case acct.Suspended:
			return fmt.Errorf("%w: %s", models.ErrAccountSuspended, acct.SuspendedReason)
		}

		before := acct.Balance()
		usage := before.Usage.Add(estimatedCost)
		if acct.Status == models.AccountStatusExhausted || usage.GreaterThan(before.Limit) {
			return &models.InsufficientBudgetError{
				PrincipalID: principalID,
				Requested:   estimatedCost,
				Remaining:   before.Remaining(),
				Status:      models.DeriveStatus(before, s.lowWatermark),
			}
		}

		now := s.now()
		acct.CurrentUsage = usage
		acct.RefreshStatus(s.lowWatermark)

		res = &models.Reservation{
			Token:         uuid.NewString(),
			PrincipalID:   principalID,
			EstimatedCost: estimatedCost,
			State:         models.ReservationPending,
			CreatedAt:     now,
			ExpiresAt:     now.Add(s.reservationTTL),
		}

		entry := models.NewAuditEntry(principalID, models.AuditEventSpend, models.AuditStatusSuccess,
			estimatedCost, before, acct.Balance(), principalID)
		entry.Timestamp = now
		entry.WithMeta(models.MetaPhase, PhaseReserve).
			WithMeta(models.MetaToken, res.Token).
			WithMeta(models.MetaEstimated, estimatedCost.String())

		return s.store.Commit(ctx, ledger.Change{Account: acct, Reservation: res, Entries: []*models.AuditEntry{entry}})
	})
	if err != nil {
		metrics.RecordSpend(PhaseReserve, spendResult(err))
		return nil, err
	}

	metrics.RecordSpend(PhaseReserve, "ok")
	s.logger.Debug("Reserved budget",
		zap.String("principal_id", principalID),
		zap.String("token", res.Token),
		zap.String("estimated_cost", estimatedCost.String()))
	return res, nil
}

// Reconcile settles a reservation at its actual cost. Usage moves by the
// difference and is clamped to [0, limit]; any overrun is recorded.
func (s *Service) Reconcile(ctx context.Context, token string, actualCost decimal.Decimal) (*models.Reservation, error) {
	if actualCost.IsNegative() {
		return nil, models.ErrInvalidAmount
	}
	return s.settle(ctx, token, PhaseReconcile, models.ReservationReconciled, "", func(acct *models.Account, res *models.Reservation, entry *models.AuditEntry) {
		delta := actualCost.Sub(res.EstimatedCost)
		usage := acct.CurrentUsage.Add(delta)

		overrun := decimal.Zero
		if usage.GreaterThan(acct.BudgetLimit) {
			overrun = usage.Sub(acct.BudgetLimit)
			usage = acct.BudgetLimit
		}
		if usage.IsNegative() {
			usage = decimal.Zero
		}
		acct.CurrentUsage = usage

		res.ActualCost = decimal.NewNullDecimal(actualCost)
		entry.Amount = delta.Abs()
		entry.WithMeta(models.MetaActual, actualCost.String())
		if overrun.IsPositive() {
			entry.WithMeta(models.MetaOverrun, overrun.String())
		}
	})
}

// Release refunds a reservation in full after the downstream call failed.
func (s *Service) Release(ctx context.Context, token string) (*models.Reservation, error) {
	return s.settle(ctx, token, PhaseRelease, models.ReservationReleased, "", refund)
}

func refund(acct *models.Account, res *models.Reservation, entry *models.AuditEntry) {
	usage := acct.CurrentUsage.Sub(res.EstimatedCost)
	if usage.IsNegative() {
		usage = decimal.Zero
	}
	acct.CurrentUsage = usage
	entry.Amount = res.EstimatedCost
}

// ExpireReservations refunds pending reservations whose TTL has passed.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.store.ListReservations(ctx, ledger.ReservationFilter{
		State:         models.ReservationPending,
		ExpiresBefore: now,
		Limit:         expireBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	expired := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := s.settle(ctx, r.Token, PhaseExpire, models.ReservationExpired, models.ActorSystem, refund)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, models.ErrReservationSettled):
		default:
			s.logger.Warn("Failed to expire reservation",
				zap.String("token", r.Token),
				zap.String("principal_id", r.PrincipalID),
				zap.Error(err))
		}
	}
	if expired > 0 {
		s.logger.Info("Expired abandoned reservations", zap.Int("count", expired))
	}
	return expired, nil
}

// settle moves a pending reservation to its final state under the principal
// lock. An empty actor means the reservation's principal.
func (s *Service) settle(ctx context.Context, token, phase string, state models.ReservationState, actor string,
	apply func(*models.Account, *models.Reservation, *models.AuditEntry)) (*models.Reservation, error) {

	res, err := s.store.GetReservation(ctx, token)
	if err != nil {
		metrics.RecordSpend(phase, spendResult(err))
		return nil, err
	}

	err = s.withLock(ctx, res.PrincipalID, func(ctx context.Context) error {
		// The reservation may have been settled while we waited for the lock.
		current, err := s.store.GetReservation(ctx, token)
		if err != nil {
			return err
		}
		if !current.IsPending() {
			return fmt.Errorf("%w: %s", models.ErrReservationSettled, current.State)
		}
		acct, err := s.store.GetAccount(ctx, current.PrincipalID)
		if err != nil {
			return err
		}

		if actor == "" {
			actor = current.PrincipalID
		}
		now := s.now()
		before := acct.Balance()
		entry := models.NewAuditEntry(current.PrincipalID, models.AuditEventSpend, models.AuditStatusSuccess,
			decimal.Zero, before, before, actor)
		entry.Timestamp = now
		entry.WithMeta(models.MetaPhase, phase).
			WithMeta(models.MetaToken, token).
			WithMeta(models.MetaEstimated, current.EstimatedCost.String())

		apply(acct, current, entry)
		acct.RefreshStatus(s.lowWatermark)

		after := acct.Balance()
		entry.UsageAfter = after.Usage
		entry.LimitAfter = after.Limit
		entry.NewBalance = after.Remaining()

		current.State = state
		current.SettledAt = &now

		if err := s.store.Commit(ctx, ledger.Change{Account: acct, Reservation: current, Entries: []*models.AuditEntry{entry}}); err != nil {
			return err
		}
		res = current
		return nil
	})
	if err != nil {
		metrics.RecordSpend(phase, spendResult(err))
		return nil, err
	}
	metrics.RecordSpend(phase, "ok")
	return res, nil
}

func spendResult(err error) string {
	var insufficient *models.InsufficientBudgetError
	var timeout *models.LockTimeoutError
	switch {
	case errors.As(err, &insufficient):
		return "insufficient"
	case errors.Is(err, models.ErrAccountSuspended):
		return "suspended"
	case errors.Is(err, models.ErrAccountArchived):
		return "archived"
	case errors.Is(err, models.ErrReservationNotFound), errors.Is(err, models.ErrReservationSettled):
		return "invalid_token"
	case errors.As(err, &timeout):
		return "lock_timeout"
	default:
		return "error"
	}
}
