package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amerfu/budgetd/internal/models"
)

// PostgresStore is the multi-instance backend built on gorm.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *models.Account, entries ...*models.AuditEntry) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(acct)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountExists
		}
		return createEntries(tx, entries, now)
	})
	if errors.Is(err, ErrAccountExists) {
		return err
	}
	return persistenceErr("create account", err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, principalID string) (*models.Account, error) {
	var acct models.Account
	err := s.db.WithContext(ctx).Where("principal_id = ?", principalID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, persistenceErr("get account", err)
	}
	return &acct, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]models.Account, error) {
	query := s.db.WithContext(ctx).Model(&models.Account{})
	if filter.Role != "" {
		query = query.Where("role = ?", filter.Role)
	}
	if !filter.IncludeArchived {
		query = query.Where("archived_at IS NULL")
	}
	if filter.After != "" {
		query = query.Where("principal_id > ?", filter.After)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	accounts := []models.Account{}
	if err := query.Order("principal_id").Find(&accounts).Error; err != nil {
		return nil, persistenceErr("list accounts", err)
	}
	return accounts, nil
}

func (s *PostgresStore) Commit(ctx context.Context, change Change) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if a := change.Account; a != nil {
			var current models.Account
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("principal_id").
				Where("principal_id = ?", a.PrincipalID).
				First(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrAccountNotFound
			}
			if err != nil {
				return err
			}

			a.UpdatedAt = now
			if err := tx.Model(a).Select("*").Omit("created_at").Updates(a).Error; err != nil {
				return err
			}
		}

		if r := change.Reservation; r != nil {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "token"}},
				DoUpdates: clause.AssignmentColumns([]string{"actual_cost", "state", "settled_at"}),
			}).Create(r).Error
			if err != nil {
				return err
			}
		}

		return createEntries(tx, change.Entries, now)
	})
	if errors.Is(err, models.ErrAccountNotFound) {
		return err
	}
	return persistenceErr("commit", err)
}

func createEntries(tx *gorm.DB, entries []*models.AuditEntry, now time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	stamp(entries, now)
	return tx.Create(entries).Error
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int64, error) {
	query := s.auditQuery(ctx, filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, persistenceErr("count audit", err)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	entries := []models.AuditEntry{}
	if err := query.Order("timestamp ASC, entry_id ASC").Find(&entries).Error; err != nil {
		return nil, 0, persistenceErr("list audit", err)
	}
	return entries, total, nil
}

func (s *PostgresStore) CountAudit(ctx context.Context, filter models.AuditFilter) (int64, error) {
	var n int64
	err := s.auditQuery(ctx, filter).Count(&n).Error
	return n, persistenceErr("count audit", err)
}

func (s *PostgresStore) auditQuery(ctx context.Context, filter models.AuditFilter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.AuditEntry{})
	if filter.PrincipalID != "" {
		query = query.Where("principal_id = ?", filter.PrincipalID)
	}
	if len(filter.EventTypes) > 0 {
		query = query.Where("event_type IN ?", filter.EventTypes)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if !filter.Since.IsZero() {
		query = query.Where("timestamp >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("timestamp < ?", filter.Until)
	}
	return query
}

func (s *PostgresStore) LastScheduled(ctx context.Context) (map[string]time.Time, error) {
	var rows []struct {
		PrincipalID string
		Last        time.Time
	}
	err := s.db.WithContext(ctx).Model(&models.AuditEntry{}).
		Select("principal_id, MAX(timestamp) AS last").
		Where("((event_type = ? AND status = ?) OR event_type = ?) AND metadata->>'trigger' = ?",
			models.AuditEventRefill, models.AuditStatusSuccess, models.AuditEventAbuseBlock, models.TriggerScheduled).
		Group("principal_id").
		Scan(&rows).Error
	if err != nil {
		return nil, persistenceErr("last scheduled", err)
	}

	last := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		last[r.PrincipalID] = r.Last.UTC()
	}
	return last, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, token string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrReservationNotFound
	}
	if err != nil {
		return nil, persistenceErr("get reservation", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListReservations(ctx context.Context, filter ReservationFilter) ([]models.Reservation, error) {
	query := s.db.WithContext(ctx).Model(&models.Reservation{})
	if filter.PrincipalID != "" {
		query = query.Where("principal_id = ?", filter.PrincipalID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if !filter.ExpiresBefore.IsZero() {
		query = query.Where("expires_at < ?", filter.ExpiresBefore)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var result []models.Reservation
	if err := query.Order("expires_at").Find(&result).Error; err != nil {
		return nil, persistenceErr("list reservations", err)
	}
	return result, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*PostgresStore)(nil)
