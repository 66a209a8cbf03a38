package models

import "github.com/shopspring/decimal"

type RefillModeKind string

const (
	RefillModeReset RefillModeKind = "RESET"
	RefillModeAdd   RefillModeKind = "ADD"
)

type PolicySource string

const (
	PolicySourceOverride    PolicySource = "INDIVIDUAL_OVERRIDE"
	PolicySourceRoleDefault PolicySource = "ROLE_DEFAULT"
	PolicySourceManual      PolicySource = "MANUAL"
)

// AccumulationBase selects what the ADD cap multiplier is applied to.
type AccumulationBase string

const (
	AccumulationBaseCurrentLimit AccumulationBase = "current_limit"
	AccumulationBasePolicyAmount AccumulationBase = "policy_amount"
)

type AccumulationCap struct {
	MaxMultiplier decimal.Decimal  `json:"max_multiplier"`
	Base          AccumulationBase `json:"base"`
}

// RefillMode is Reset or Add with an optional accumulation cap.
type RefillMode struct {
	Kind RefillModeKind   `json:"kind"`
	Cap  *AccumulationCap `json:"cap,omitempty"`
}

func ResetMode() RefillMode {
	return RefillMode{Kind: RefillModeReset}
}

func AddMode(accumulation *AccumulationCap) RefillMode {
	return RefillMode{Kind: RefillModeAdd, Cap: accumulation}
}

func (m RefillMode) String() string {
	return string(m.Kind)
}

// Apply returns the balance after crediting amount, and how much the limit
// actually moved once an accumulation cap is applied.
func (m RefillMode) Apply(b Balance, amount decimal.Decimal) (Balance, decimal.Decimal) {
	switch m.Kind {
	case RefillModeReset:
		return Balance{Usage: decimal.Zero, Limit: amount}, amount
	case RefillModeAdd:
		limit := b.Limit.Add(amount)
		if m.Cap != nil {
			base := b.Limit
			if m.Cap.Base == AccumulationBasePolicyAmount {
				base = amount
			}
			ceiling := base.Mul(m.Cap.MaxMultiplier)
			if limit.GreaterThan(ceiling) {
				limit = decimal.Max(b.Limit, ceiling)
			}
		}
		return Balance{Usage: b.Usage, Limit: limit}, limit.Sub(b.Limit)
	default:
		return b, decimal.Zero
	}
}
