package config

import "time"

// RefillSettings is the hot-reloadable part of the configuration: role
// defaults, individual overrides and abuse thresholds.
type RefillSettings struct {
	RoleDefaults map[string]PolicyConfig `mapstructure:"role_defaults" json:"role_defaults"`
	Overrides    []OverrideConfig        `mapstructure:"overrides" json:"overrides"`
	Abuse        AbuseConfig             `mapstructure:"abuse" json:"abuse"`
}

type PolicyConfig struct {
	Enabled      bool                `mapstructure:"enabled" json:"enabled"`
	Amount       string              `mapstructure:"amount" json:"amount"`
	Mode         string              `mapstructure:"mode" json:"mode"`
	Schedule     ScheduleConfig      `mapstructure:"schedule" json:"schedule"`
	Accumulation *AccumulationConfig `mapstructure:"accumulation" json:"accumulation,omitempty"`
}

// OverrideConfig binds a policy to one principal. Any of the identity keys
// may be set; principal_id is matched first, then email, then external_id.
type OverrideConfig struct {
	PrincipalID  string `mapstructure:"principal_id" json:"principal_id,omitempty"`
	Email        string `mapstructure:"email" json:"email,omitempty"`
	ExternalID   string `mapstructure:"external_id" json:"external_id,omitempty"`
	PolicyConfig `mapstructure:",squash"`
}

// ScheduleConfig is either a cron expression with a timezone or an interval.
type ScheduleConfig struct {
	Cron               string `mapstructure:"cron" json:"cron,omitempty"`
	Timezone           string `mapstructure:"timezone" json:"timezone,omitempty"`
	IntervalUnit       string `mapstructure:"interval_unit" json:"interval_unit,omitempty"`
	IntervalMultiplier int    `mapstructure:"interval_multiplier" json:"interval_multiplier,omitempty"`
}

type AccumulationConfig struct {
	MaxMultiplier string `mapstructure:"max_multiplier" json:"max_multiplier"`
	Base          string `mapstructure:"base" json:"base"`
}

type AbuseConfig struct {
	Enabled                      bool          `mapstructure:"enabled" json:"enabled"`
	Window                       time.Duration `mapstructure:"window" json:"window"`
	MaxRefillsPerPrincipalPerDay int           `mapstructure:"max_refills_per_principal_per_day" json:"max_refills_per_principal_per_day"`
	MaxRefillsPerDay             int           `mapstructure:"max_refills_per_day" json:"max_refills_per_day"`
	MaxSingleRefill              string        `mapstructure:"max_single_refill" json:"max_single_refill"`
	SuspendAfterBlocks           int           `mapstructure:"suspend_after_blocks" json:"suspend_after_blocks"`
}

// Key returns the identity this override is indexed under, for logging.
func (o OverrideConfig) Key() string {
	switch {
	case o.PrincipalID != "":
		return o.PrincipalID
	case o.Email != "":
		return o.Email
	default:
		return o.ExternalID
	}
}
