// Package policy turns refill configuration into concrete policies. Resolution
// is a pure function of the principal and a settings snapshot; it never
// touches the ledger and never takes a lock.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/models"
)

// Principal carries the attributes resolution looks at.
type Principal struct {
	ID         string
	Role       string
	Email      string
	ExternalID string
}

func FromAccount(a *models.Account) Principal {
	return Principal{ID: a.PrincipalID, Role: a.Role, Email: a.Email, ExternalID: a.ExternalID}
}

// Policy is a resolved refill rule.
type Policy struct {
	Amount   decimal.Decimal
	Mode     models.RefillMode
	Schedule Schedule
	Source   models.PolicySource
	// Key is the role name or override identity the policy came from.
	Key string
}

// Describe renders the policy for logs and API responses.
func (p *Policy) Describe() map[string]interface{} {
	out := map[string]interface{}{
		"source": string(p.Source),
		"key":    p.Key,
		"amount": p.Amount.String(),
		"mode":   p.Mode.String(),
	}
	if p.Schedule != nil {
		out["schedule"] = p.Schedule.String()
	}
	if p.Mode.Cap != nil {
		out["max_multiplier"] = p.Mode.Cap.MaxMultiplier.String()
		out["cap_base"] = string(p.Mode.Cap.Base)
	}
	return out
}

// Next returns the first fire time after anchor, or the zero time when the
// policy has no schedule.
func (p *Policy) Next(anchor time.Time) time.Time {
	if p.Schedule == nil {
		return time.Time{}
	}
	return p.Schedule.Next(anchor)
}

// Due reports whether a fire time has passed since anchor and how many.
func (p *Policy) Due(anchor, now time.Time) (bool, int) {
	if p.Schedule == nil {
		return false, 0
	}
	missed := MissedPeriods(p.Schedule, anchor, now)
	return missed > 0, missed
}

// Elapsed returns the number of fire times since anchor and the latest one.
func (p *Policy) Elapsed(anchor, now time.Time) (int, time.Time) {
	if p.Schedule == nil {
		return 0, time.Time{}
	}
	return Elapsed(p.Schedule, anchor, now)
}

// Manual builds a one-off policy for an admin refill with an explicit amount.
func Manual(amount decimal.Decimal, mode models.RefillMode) (*Policy, error) {
	if amount.IsNegative() {
		return nil, configErr("manual", "amount", "must not be negative, got %s", amount)
	}
	return &Policy{Amount: amount, Mode: mode, Source: models.PolicySourceManual, Key: "manual"}, nil
}

// Table is the two-level lookup compiled from one settings snapshot:
// overrides by principal id, overrides by external identity, then role
// defaults. Entries are parsed when resolved so one broken override does not
// affect other principals.
type Table struct {
	byPrincipal map[string]config.OverrideConfig
	byIdentity  map[string]config.OverrideConfig
	roles       map[string]config.PolicyConfig
}

func NewTable(settings config.RefillSettings) *Table {
	t := &Table{
		byPrincipal: make(map[string]config.OverrideConfig),
		byIdentity:  make(map[string]config.OverrideConfig),
		roles:       make(map[string]config.PolicyConfig, len(settings.RoleDefaults)),
	}
	for _, o := range settings.Overrides {
		if o.PrincipalID != "" {
			t.byPrincipal[o.PrincipalID] = o
		}
		if o.Email != "" {
			t.byIdentity[identityKey("email", o.Email)] = o
		}
		if o.ExternalID != "" {
			t.byIdentity[identityKey("external", o.ExternalID)] = o
		}
	}
	for role, p := range settings.RoleDefaults {
		t.roles[strings.ToLower(role)] = p
	}
	return t
}

func identityKey(kind, value string) string {
	return kind + ":" + strings.ToLower(strings.TrimSpace(value))
}

// Resolve returns the effective policy, nil when refill is disabled for the
// principal, or a *models.ConfigurationError.
func (t *Table) Resolve(p Principal) (*Policy, error) {
	if o, ok := t.override(p); ok {
		return Compile(o.PolicyConfig, models.PolicySourceOverride, o.Key())
	}

	role := strings.ToLower(p.Role)
	if rc, ok := t.roles[role]; ok && rc.Enabled {
		return Compile(rc, models.PolicySourceRoleDefault, role)
	}
	return nil, nil
}

// override finds an enabled override. A disabled override is skipped so the
// role default still applies.
func (t *Table) override(p Principal) (config.OverrideConfig, bool) {
	if o, ok := t.byPrincipal[p.ID]; ok && o.Enabled {
		return o, true
	}
	if p.Email != "" {
		if o, ok := t.byIdentity[identityKey("email", p.Email)]; ok && o.Enabled {
			return o, true
		}
	}
	if p.ExternalID != "" {
		if o, ok := t.byIdentity[identityKey("external", p.ExternalID)]; ok && o.Enabled {
			return o, true
		}
	}
	return config.OverrideConfig{}, false
}

// Compile validates one policy block.
func Compile(pc config.PolicyConfig, source models.PolicySource, key string) (*Policy, error) {
	amountStr := strings.TrimSpace(pc.Amount)
	if amountStr == "" {
		return nil, configErr(key, "amount", "is required")
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, configErr(key, "amount", "unparsable amount %q", pc.Amount)
	}
	if amount.IsNegative() {
		return nil, configErr(key, "amount", "must not be negative, got %s", amount)
	}

	var mode models.RefillMode
	switch models.RefillModeKind(strings.ToUpper(strings.TrimSpace(pc.Mode))) {
	case models.RefillModeReset:
		if pc.Accumulation != nil {
			return nil, configErr(key, "accumulation", "only applies to ADD mode")
		}
		mode = models.ResetMode()
	case models.RefillModeAdd:
		accumulation, err := compileCap(key, pc.Accumulation)
		if err != nil {
			return nil, err
		}
		mode = models.AddMode(accumulation)
	default:
		return nil, configErr(key, "mode", "must be RESET or ADD, got %q", pc.Mode)
	}

	schedule, err := ParseSchedule(key, pc.Schedule)
	if err != nil {
		return nil, err
	}

	return &Policy{Amount: amount, Mode: mode, Schedule: schedule, Source: source, Key: key}, nil
}

func compileCap(key string, ac *config.AccumulationConfig) (*models.AccumulationCap, error) {
	if ac == nil || strings.TrimSpace(ac.MaxMultiplier) == "" {
		return nil, nil
	}
	mult, err := decimal.NewFromString(strings.TrimSpace(ac.MaxMultiplier))
	if err != nil {
		return nil, configErr(key, "accumulation.max_multiplier", "unparsable multiplier %q", ac.MaxMultiplier)
	}
	if mult.LessThan(decimal.NewFromInt(1)) {
		return nil, configErr(key, "accumulation.max_multiplier", "must be at least 1, got %s", mult)
	}

	base := models.AccumulationBase(strings.ToLower(strings.TrimSpace(ac.Base)))
	switch base {
	case "":
		base = models.AccumulationBaseCurrentLimit
	case models.AccumulationBaseCurrentLimit, models.AccumulationBasePolicyAmount:
	default:
		return nil, configErr(key, "accumulation.base", "must be current_limit or policy_amount, got %q", ac.Base)
	}
	return &models.AccumulationCap{MaxMultiplier: mult, Base: base}, nil
}

// Validate compiles every role default and override and joins the errors.
// Disabled entries are checked too so they are safe to enable later.
func Validate(settings config.RefillSettings) error {
	var errs []error

	roles := make([]string, 0, len(settings.RoleDefaults))
	for role := range settings.RoleDefaults {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if _, err := Compile(settings.RoleDefaults[role], models.PolicySourceRoleDefault, role); err != nil {
			errs = append(errs, err)
		}
	}

	for i, o := range settings.Overrides {
		if o.Key() == "" {
			errs = append(errs, configErr(fmt.Sprintf("overrides[%d]", i), "principal_id", "an override needs principal_id, email or external_id"))
			continue
		}
		if _, err := Compile(o.PolicyConfig, models.PolicySourceOverride, o.Key()); err != nil {
			errs = append(errs, err)
		}
	}

	a := settings.Abuse
	if a.MaxSingleRefill != "" {
		if v, err := decimal.NewFromString(a.MaxSingleRefill); err != nil || v.IsNegative() {
			errs = append(errs, configErr("abuse", "max_single_refill", "must be a non-negative decimal, got %q", a.MaxSingleRefill))
		}
	}
	if a.MaxRefillsPerPrincipalPerDay < 0 || a.MaxRefillsPerDay < 0 || a.SuspendAfterBlocks < 0 {
		errs = append(errs, configErr("abuse", "limits", "must not be negative"))
	}

	return errors.Join(errs...)
}

func configErr(key, field, format string, args ...interface{}) *models.ConfigurationError {
	return &models.ConfigurationError{Key: key, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Resolver resolves against the watcher's latest snapshot and caches the
// compiled table per snapshot version.
type Resolver struct {
	watcher *config.Watcher
	cached  atomic.Pointer[compiled]
}

type compiled struct {
	snapshot *config.Snapshot
	table    *Table
}

func NewResolver(watcher *config.Watcher) *Resolver {
	return &Resolver{watcher: watcher}
}

// Current returns the latest snapshot with its compiled table. Callers keep
// both for the duration of an operation.
func (r *Resolver) Current() (*config.Snapshot, *Table) {
	snap := r.watcher.Snapshot()
	if c := r.cached.Load(); c != nil && c.snapshot == snap {
		return c.snapshot, c.table
	}
	c := &compiled{snapshot: snap, table: NewTable(snap.Refill)}
	r.cached.Store(c)
	return c.snapshot, c.table
}

func (r *Resolver) Resolve(p Principal) (*Policy, error) {
	_, table := r.Current()
	return table.Resolve(p)
}

// Explanation is the answer to "what will refill this principal and when".
type Explanation struct {
	PrincipalID string                 `json:"principal_id"`
	Policy      map[string]interface{} `json:"policy,omitempty"`
	Source      models.PolicySource    `json:"source,omitempty"`
	Anchor      *time.Time             `json:"anchor,omitempty"`
	NextFire    *time.Time             `json:"next_fire,omitempty"`
	Due         bool                   `json:"due"`
	Missed      int                    `json:"missed_periods"`
	Error       string                 `json:"error,omitempty"`
	Version     int64                  `json:"config_version"`
}

// Explain resolves p and reports due-ness relative to anchor.
func (r *Resolver) Explain(p Principal, anchor time.Time, now time.Time) Explanation {
	snap, table := r.Current()
	ex := Explanation{PrincipalID: p.ID, Version: snap.Version}

	pol, err := table.Resolve(p)
	if err != nil {
		ex.Error = err.Error()
		return ex
	}
	if pol == nil {
		return ex
	}

	ex.Policy = pol.Describe()
	ex.Source = pol.Source
	if !anchor.IsZero() {
		a := anchor.UTC()
		ex.Anchor = &a
		next := pol.Next(anchor)
		if !next.IsZero() {
			ex.NextFire = &next
		}
		ex.Due, ex.Missed = pol.Due(anchor, now)
	}
	return ex
}
