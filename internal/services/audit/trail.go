// Package audit reads the append-only audit trail: paginated history, the
// rolling windows the abuse guard evaluates, and replay of a principal's
// entries back into a balance.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	replayBatch     = 1000
)

type Trail struct {
	store  ledger.Store
	logger *zap.Logger
}

func NewTrail(store ledger.Store, logger *zap.Logger) *Trail {
	return &Trail{store: store, logger: logger}
}

// Page is one slice of a principal's history ordered by timestamp.
type Page struct {
	Entries []models.AuditEntry `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// History returns a page of entries for one principal.
func (t *Trail) History(ctx context.Context, filter models.AuditFilter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Limit > MaxPageSize {
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	entries, total, err := t.store.ListAudit(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history: %w", err)
	}
	return &Page{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Window holds the rolling counts the abuse guard evaluates.
type Window struct {
	Since            time.Time `json:"since"`
	PrincipalRefills int64     `json:"principal_refills"`
	PrincipalSpends  int64     `json:"principal_spends"`
	PrincipalBlocks  int64     `json:"principal_blocks"`
	GlobalRefills    int64     `json:"global_refills"`
}

// Window counts successful refills and spends over (now-lookback, now].
func (t *Trail) Window(ctx context.Context, principalID string, lookback time.Duration, now time.Time) (Window, error) {
	w := Window{Since: now.Add(-lookback)}
	success := []models.AuditStatus{models.AuditStatusSuccess}

	counts := []struct {
		dst    *int64
		filter models.AuditFilter
	}{
		{&w.PrincipalRefills, models.AuditFilter{PrincipalID: principalID, EventTypes: []models.AuditEventType{models.AuditEventRefill}, Statuses: success, Since: w.Since}},
		{&w.PrincipalSpends, models.AuditFilter{PrincipalID: principalID, EventTypes: []models.AuditEventType{models.AuditEventSpend}, Statuses: success, Since: w.Since}},
		{&w.PrincipalBlocks, models.AuditFilter{PrincipalID: principalID, EventTypes: []models.AuditEventType{models.AuditEventAbuseBlock}, Since: w.Since}},
		{&w.GlobalRefills, models.AuditFilter{EventTypes: []models.AuditEventType{models.AuditEventRefill}, Statuses: success, Since: w.Since}},
	}
	for _, c := range counts {
		n, err := t.store.CountAudit(ctx, c.filter)
		if err != nil {
			return Window{}, fmt.Errorf("failed to count audit window: %w", err)
		}
		*c.dst = n
	}
	return w, nil
}

// ChainBreak marks an entry whose before-balance does not match the balance
// produced by the entries preceding it.
type ChainBreak struct {
	EntryID  int64          `json:"entry_id"`
	Expected models.Balance `json:"expected"`
	Recorded models.Balance `json:"recorded"`
}

// Projection is the balance obtained by replaying a principal's history.
type Projection struct {
	PrincipalID string         `json:"principal_id"`
	Balance     models.Balance `json:"balance"`
	Applied     int            `json:"applied"`
	Breaks      []ChainBreak   `json:"breaks,omitempty"`
}

// Replay folds successful entries, in entry order, onto an empty balance.
// FAILED and BLOCKED entries carry no mutation and are skipped.
func Replay(principalID string, entries []models.AuditEntry) Projection {
	sorted := make([]models.AuditEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EntryID < sorted[j].EntryID })

	p := Projection{PrincipalID: principalID}
	for _, e := range sorted {
		if !e.Mutates() {
			continue
		}
		if !e.Before().Equal(p.Balance) {
			p.Breaks = append(p.Breaks, ChainBreak{EntryID: e.EntryID, Expected: p.Balance, Recorded: e.Before()})
		}
		p.Balance = e.After()
		p.Applied++
	}
	return p
}

// Project loads every successful entry for the principal and replays it.
func (t *Trail) Project(ctx context.Context, principalID string) (Projection, error) {
	var all []models.AuditEntry
	for offset := 0; ; offset += replayBatch {
		batch, _, err := t.store.ListAudit(ctx, models.AuditFilter{
			PrincipalID: principalID,
			Statuses:    []models.AuditStatus{models.AuditStatusSuccess},
			Limit:       replayBatch,
			Offset:      offset,
		})
		if err != nil {
			return Projection{}, fmt.Errorf("failed to load audit trail for replay: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < replayBatch {
			break
		}
	}
	return Replay(principalID, all), nil
}

// Drift describes a ledger row that disagrees with its audit projection.
type Drift struct {
	PrincipalID string         `json:"principal_id"`
	Ledger      models.Balance `json:"ledger"`
	Projected   models.Balance `json:"projected"`
	Breaks      []ChainBreak   `json:"breaks,omitempty"`
}

func (d *Drift) BalanceMismatch() bool {
	return !d.Ledger.Equal(d.Projected)
}

// Verify replays the account's history and compares it with the ledger row.
// It returns nil when they agree and the chain is unbroken.
func (t *Trail) Verify(ctx context.Context, acct *models.Account) (*Drift, error) {
	proj, err := t.Project(ctx, acct.PrincipalID)
	if err != nil {
		return nil, err
	}

	drift := &Drift{
		PrincipalID: acct.PrincipalID,
		Ledger:      acct.Balance(),
		Projected:   proj.Balance,
		Breaks:      proj.Breaks,
	}
	if !drift.BalanceMismatch() && len(drift.Breaks) == 0 {
		return nil, nil
	}

	t.logger.Warn("Ledger disagrees with audit trail",
		zap.String("principal_id", acct.PrincipalID),
		zap.String("ledger_usage", drift.Ledger.Usage.String()),
		zap.String("ledger_limit", drift.Ledger.Limit.String()),
		zap.String("projected_usage", drift.Projected.Usage.String()),
		zap.String("projected_limit", drift.Projected.Limit.String()),
		zap.Int("chain_breaks", len(drift.Breaks)))
	return drift, nil
}
