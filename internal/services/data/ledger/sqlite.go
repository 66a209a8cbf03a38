package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/amerfu/budgetd/internal/models"
)

// SQLiteStore is the embedded single-instance backend. It uses WAL mode and a
// single connection, so SQLite's one-writer rule is enforced by the pool.
type SQLiteStore struct {
	db *sql.DB
}

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS budget_accounts (
		principal_id     TEXT PRIMARY KEY,
		role             TEXT NOT NULL,
		email            TEXT NOT NULL DEFAULT '',
		external_id      TEXT NOT NULL DEFAULT '',
		budget_limit     TEXT NOT NULL,
		current_usage    TEXT NOT NULL,
		total_refilled   TEXT NOT NULL,
		last_refill_at   INTEGER,
		refill_count     INTEGER NOT NULL DEFAULT 0,
		scheduled_at     INTEGER,
		status           TEXT NOT NULL,
		suspended        INTEGER NOT NULL DEFAULT 0,
		suspended_reason TEXT NOT NULL DEFAULT '',
		archived_at      INTEGER,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_role ON budget_accounts(role);

	CREATE TABLE IF NOT EXISTS budget_audit_entries (
		entry_id         INTEGER PRIMARY KEY AUTOINCREMENT,
		principal_id     TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		status           TEXT NOT NULL,
		amount           TEXT NOT NULL,
		previous_balance TEXT NOT NULL,
		new_balance      TEXT NOT NULL,
		usage_before     TEXT NOT NULL,
		usage_after      TEXT NOT NULL,
		limit_before     TEXT NOT NULL,
		limit_after      TEXT NOT NULL,
		actor            TEXT NOT NULL,
		reason           TEXT NOT NULL DEFAULT '',
		error_message    TEXT NOT NULL DEFAULT '',
		metadata         TEXT,
		timestamp        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_principal_ts ON budget_audit_entries(principal_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_type_ts ON budget_audit_entries(event_type, timestamp);

	CREATE TABLE IF NOT EXISTS budget_reservations (
		token          TEXT PRIMARY KEY,
		principal_id   TEXT NOT NULL,
		estimated_cost TEXT NOT NULL,
		actual_cost    TEXT,
		state          TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		expires_at     INTEGER NOT NULL,
		settled_at     INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_state_exp ON budget_reservations(state, expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const accountColumns = `principal_id, role, email, external_id, budget_limit, current_usage, total_refilled,
	last_refill_at, refill_count, scheduled_at, status, suspended, suspended_reason, archived_at, created_at, updated_at`

func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *models.Account, entries ...*models.AuditEntry) error {
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	return s.inTx(ctx, "create account", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO budget_accounts (`+accountColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (principal_id) DO NOTHING`,
			acct.PrincipalID, acct.Role, acct.Email, acct.ExternalID,
			acct.BudgetLimit, acct.CurrentUsage, acct.TotalRefilled,
			nanos(acct.LastRefillAt), acct.RefillCount, nanos(acct.ScheduledAt), string(acct.Status), acct.Suspended,
			acct.SuspendedReason, nanos(acct.ArchivedAt), acct.CreatedAt.UnixNano(), acct.UpdatedAt.UnixNano())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrAccountExists
		}
		return s.insertEntries(ctx, tx, entries, now)
	})
}

func (s *SQLiteStore) GetAccount(ctx context.Context, principalID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM budget_accounts WHERE principal_id = ?`, principalID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, persistenceErr("get account", err)
	}
	return acct, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]models.Account, error) {
	var where []string
	var args []interface{}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if filter.After != "" {
		where = append(where, "principal_id > ?")
		args = append(args, filter.After)
	}

	query := `SELECT ` + accountColumns + ` FROM budget_accounts` + whereClause(where) + ` ORDER BY principal_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceErr("list accounts", err)
	}
	defer rows.Close()

	result := []models.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, persistenceErr("list accounts", err)
		}
		result = append(result, *acct)
	}
	return result, persistenceErr("list accounts", rows.Err())
}

func (s *SQLiteStore) Commit(ctx context.Context, change Change) error {
	now := time.Now().UTC()
	return s.inTx(ctx, "commit", func(tx *sql.Tx) error {
		if a := change.Account; a != nil {
			a.UpdatedAt = now
			res, err := tx.ExecContext(ctx, `UPDATE budget_accounts SET
				role = ?, email = ?, external_id = ?, budget_limit = ?, current_usage = ?, total_refilled = ?,
				last_refill_at = ?, refill_count = ?, scheduled_at = ?, status = ?, suspended = ?, suspended_reason = ?,
				archived_at = ?, updated_at = ?
				WHERE principal_id = ?`,
				a.Role, a.Email, a.ExternalID, a.BudgetLimit, a.CurrentUsage, a.TotalRefilled,
				nanos(a.LastRefillAt), a.RefillCount, nanos(a.ScheduledAt), string(a.Status), a.Suspended, a.SuspendedReason,
				nanos(a.ArchivedAt), a.UpdatedAt.UnixNano(), a.PrincipalID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return models.ErrAccountNotFound
			}
		}

		if r := change.Reservation; r != nil {
			_, err := tx.ExecContext(ctx, `INSERT INTO budget_reservations
				(token, principal_id, estimated_cost, actual_cost, state, created_at, expires_at, settled_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (token) DO UPDATE SET
					actual_cost = excluded.actual_cost,
					state = excluded.state,
					settled_at = excluded.settled_at`,
				r.Token, r.PrincipalID, r.EstimatedCost, r.ActualCost, string(r.State),
				r.CreatedAt.UnixNano(), r.ExpiresAt.UnixNano(), nanos(r.SettledAt))
			if err != nil {
				return err
			}
		}

		return s.insertEntries(ctx, tx, change.Entries, now)
	})
}

func (s *SQLiteStore) insertEntries(ctx context.Context, tx *sql.Tx, entries []*models.AuditEntry, now time.Time) error {
	stamp(entries, now)
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `INSERT INTO budget_audit_entries
			(principal_id, event_type, status, amount, previous_balance, new_balance,
			 usage_before, usage_after, limit_before, limit_after, actor, reason, error_message, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.PrincipalID, string(e.EventType), string(e.Status), e.Amount, e.PreviousBalance, e.NewBalance,
			e.UsageBefore, e.UsageAfter, e.LimitBefore, e.LimitAfter, e.Actor, e.Reason, e.ErrorMessage,
			e.Metadata, e.Timestamp.UnixNano())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.EntryID = id
	}
	return nil
}

const auditColumns = `entry_id, principal_id, event_type, status, amount, previous_balance, new_balance,
	usage_before, usage_after, limit_before, limit_after, actor, reason, error_message, metadata, timestamp`

func (s *SQLiteStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int64, error) {
	where, args := auditWhere(filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM budget_audit_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, persistenceErr("count audit", err)
	}

	query := `SELECT ` + auditColumns + ` FROM budget_audit_entries` + where + ` ORDER BY timestamp, entry_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, persistenceErr("list audit", err)
	}
	defer rows.Close()

	result := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		var eventType, status string
		var ts int64
		if err := rows.Scan(&e.EntryID, &e.PrincipalID, &eventType, &status, &e.Amount, &e.PreviousBalance, &e.NewBalance,
			&e.UsageBefore, &e.UsageAfter, &e.LimitBefore, &e.LimitAfter, &e.Actor, &e.Reason, &e.ErrorMessage,
			&e.Metadata, &ts); err != nil {
			return nil, 0, persistenceErr("list audit", err)
		}
		e.EventType = models.AuditEventType(eventType)
		e.Status = models.AuditStatus(status)
		e.Timestamp = time.Unix(0, ts).UTC()
		result = append(result, e)
	}
	return result, total, persistenceErr("list audit", rows.Err())
}

func (s *SQLiteStore) CountAudit(ctx context.Context, filter models.AuditFilter) (int64, error) {
	where, args := auditWhere(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM budget_audit_entries`+where, args...).Scan(&n)
	return n, persistenceErr("count audit", err)
}

func (s *SQLiteStore) LastScheduled(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal_id, MAX(timestamp) FROM budget_audit_entries
		WHERE ((event_type = ? AND status = ?) OR event_type = ?)
		  AND json_extract(metadata, '$.trigger') = ?
		GROUP BY principal_id`,
		string(models.AuditEventRefill), string(models.AuditStatusSuccess),
		string(models.AuditEventAbuseBlock), models.TriggerScheduled)
	if err != nil {
		return nil, persistenceErr("last scheduled", err)
	}
	defer rows.Close()

	last := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, persistenceErr("last scheduled", err)
		}
		last[id] = time.Unix(0, ts).UTC()
	}
	return last, persistenceErr("last scheduled", rows.Err())
}

const reservationColumns = `token, principal_id, estimated_cost, actual_cost, state, created_at, expires_at, settled_at`

func (s *SQLiteStore) GetReservation(ctx context.Context, token string) (*models.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM budget_reservations WHERE token = ?`, token)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrReservationNotFound
	}
	if err != nil {
		return nil, persistenceErr("get reservation", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListReservations(ctx context.Context, filter ReservationFilter) ([]models.Reservation, error) {
	var where []string
	var args []interface{}
	if filter.PrincipalID != "" {
		where = append(where, "principal_id = ?")
		args = append(args, filter.PrincipalID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if !filter.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, filter.ExpiresBefore.UnixNano())
	}

	query := `SELECT ` + reservationColumns + ` FROM budget_reservations` + whereClause(where) + ` ORDER BY expires_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceErr("list reservations", err)
	}
	defer rows.Close()

	var result []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, persistenceErr("list reservations", err)
		}
		result = append(result, *r)
	}
	return result, persistenceErr("list reservations", rows.Err())
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrAccountExists) || errors.Is(err, models.ErrAccountNotFound) {
			return err
		}
		return persistenceErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistenceErr(op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var status string
	var lastRefill, scheduled, archived sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.PrincipalID, &a.Role, &a.Email, &a.ExternalID, &a.BudgetLimit, &a.CurrentUsage, &a.TotalRefilled,
		&lastRefill, &a.RefillCount, &scheduled, &status, &a.Suspended, &a.SuspendedReason, &archived, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Status = models.AccountStatus(status)
	a.LastRefillAt = fromNanos(lastRefill)
	a.ScheduledAt = fromNanos(scheduled)
	a.ArchivedAt = fromNanos(archived)
	a.CreatedAt = time.Unix(0, created).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return &a, nil
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	var state string
	var actual decimal.NullDecimal
	var created, expires int64
	var settled sql.NullInt64
	if err := row.Scan(&r.Token, &r.PrincipalID, &r.EstimatedCost, &actual, &state, &created, &expires, &settled); err != nil {
		return nil, err
	}
	r.ActualCost = actual
	r.State = models.ReservationState(state)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.ExpiresAt = time.Unix(0, expires).UTC()
	r.SettledAt = fromNanos(settled)
	return &r, nil
}

func auditWhere(filter models.AuditFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	if filter.PrincipalID != "" {
		where = append(where, "principal_id = ?")
		args = append(args, filter.PrincipalID)
	}
	if len(filter.EventTypes) > 0 {
		where = append(where, "event_type IN ("+placeholders(len(filter.EventTypes))+")")
		for _, t := range filter.EventTypes {
			args = append(args, string(t))
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, filter.Until.UnixNano())
	}
	return whereClause(where), args
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

var _ Store = (*SQLiteStore)(nil)
