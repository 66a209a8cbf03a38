// Package abuse evaluates refill requests against rolling audit windows.
package abuse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/audit"
)

const DefaultWindow = 24 * time.Hour

const (
	RuleMaxSingleRefill    = "max_single_refill"
	RulePrincipalDailyCap  = "max_refills_per_principal_per_day"
	RuleDeploymentDailyCap = "max_refills_per_day"
)

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Allowed bool
	Rule    string
	Detail  string
	// Suspend is set when this block reaches suspend_after_blocks.
	Suspend bool
	Window  audit.Window
}

// Err converts a blocking verdict into an AbuseBlockedError.
func (v *Verdict) Err(principalID string) error {
	if v.Allowed {
		return nil
	}
	return &models.AbuseBlockedError{PrincipalID: principalID, Rule: v.Rule, Detail: v.Detail}
}

type Guard struct {
	trail *audit.Trail
}

func NewGuard(trail *audit.Trail) *Guard {
	return &Guard{trail: trail}
}

// Evaluate decides whether a refill of amount may proceed. It only reads the
// audit trail; the caller holds the principal lock so the principal counts
// cannot move underneath it.
func (g *Guard) Evaluate(ctx context.Context, principalID string, amount decimal.Decimal, cfg config.AbuseConfig, now time.Time) (*Verdict, error) {
	if !cfg.Enabled {
		return &Verdict{Allowed: true}, nil
	}

	if cfg.MaxSingleRefill != "" {
		maxSingle, err := decimal.NewFromString(cfg.MaxSingleRefill)
		if err != nil {
			return nil, &models.ConfigurationError{Key: "abuse", Field: RuleMaxSingleRefill, Reason: err.Error()}
		}
		if amount.GreaterThan(maxSingle) {
			return g.block(ctx, principalID, cfg, now, RuleMaxSingleRefill,
				fmt.Sprintf("amount %s exceeds max single refill %s", amount, maxSingle))
		}
	}

	lookback := cfg.Window
	if lookback <= 0 {
		lookback = DefaultWindow
	}
	w, err := g.trail.Window(ctx, principalID, lookback, now)
	if err != nil {
		return nil, err
	}

	if limit := int64(cfg.MaxRefillsPerPrincipalPerDay); limit > 0 && w.PrincipalRefills >= limit {
		v := g.verdict(w, cfg, RulePrincipalDailyCap,
			fmt.Sprintf("%d refills in the last %s, limit %d", w.PrincipalRefills, lookback, limit))
		return v, nil
	}
	if limit := int64(cfg.MaxRefillsPerDay); limit > 0 && w.GlobalRefills >= limit {
		v := g.verdict(w, cfg, RuleDeploymentDailyCap,
			fmt.Sprintf("%d refills deployment-wide in the last %s, limit %d", w.GlobalRefills, lookback, limit))
		return v, nil
	}

	return &Verdict{Allowed: true, Window: w}, nil
}

func (g *Guard) block(ctx context.Context, principalID string, cfg config.AbuseConfig, now time.Time, rule, detail string) (*Verdict, error) {
	var w audit.Window
	if cfg.SuspendAfterBlocks > 0 {
		lookback := cfg.Window
		if lookback <= 0 {
			lookback = DefaultWindow
		}
		var err error
		if w, err = g.trail.Window(ctx, principalID, lookback, now); err != nil {
			return nil, err
		}
	}
	return g.verdict(w, cfg, rule, detail), nil
}

func (g *Guard) verdict(w audit.Window, cfg config.AbuseConfig, rule, detail string) *Verdict {
	v := &Verdict{Rule: rule, Detail: detail, Window: w}
	if cfg.SuspendAfterBlocks > 0 && w.PrincipalBlocks+1 >= int64(cfg.SuspendAfterBlocks) {
		v.Suspend = true
	}
	return v
}
