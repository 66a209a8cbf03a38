package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/amerfu/budgetd/internal/config"
)

// Schedule yields fire times. Next returns the first fire time strictly after t.
type Schedule interface {
	cron.Schedule
	String() string
}

type IntervalUnit string

const (
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitWeek   IntervalUnit = "week"
	UnitMonth  IntervalUnit = "month"
)

// maxMissedCount bounds the walk over missed fire times.
const maxMissedCount = 10000

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type cronSchedule struct {
	expr     string
	location *time.Location
	spec     cron.Schedule
}

func (s *cronSchedule) Next(t time.Time) time.Time {
	return s.spec.Next(t.In(s.location)).UTC()
}

func (s *cronSchedule) String() string {
	return fmt.Sprintf("cron(%s %s)", s.expr, s.location)
}

// intervalSchedule fires every multiplier units after the anchor. Calendar
// units are added in the schedule's location so a daily refill keeps its
// wall-clock time across DST changes.
type intervalSchedule struct {
	unit       IntervalUnit
	multiplier int
	location   *time.Location
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	local := t.In(s.location)
	m := s.multiplier
	var next time.Time
	switch s.unit {
	case UnitMinute:
		next = local.Add(time.Duration(m) * time.Minute)
	case UnitHour:
		next = local.Add(time.Duration(m) * time.Hour)
	case UnitDay:
		next = local.AddDate(0, 0, m)
	case UnitWeek:
		next = local.AddDate(0, 0, 7*m)
	case UnitMonth:
		next = local.AddDate(0, m, 0)
	}
	return next.UTC()
}

func (s *intervalSchedule) String() string {
	return fmt.Sprintf("every(%d %s %s)", s.multiplier, s.unit, s.location)
}

// ParseSchedule validates a schedule block. Exactly one of cron or
// interval_unit must be set.
func ParseSchedule(key string, cfg config.ScheduleConfig) (Schedule, error) {
	location := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, configErr(key, "schedule.timezone", "unknown timezone %q", cfg.Timezone)
		}
		location = loc
	}

	expr := strings.TrimSpace(cfg.Cron)
	unit := IntervalUnit(strings.ToLower(strings.TrimSpace(cfg.IntervalUnit)))

	switch {
	case expr != "" && unit != "":
		return nil, configErr(key, "schedule", "cron and interval_unit are mutually exclusive")
	case expr != "":
		if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
			return nil, configErr(key, "schedule.cron", "set the timezone field instead of an inline TZ prefix")
		}
		spec, err := cronParser.Parse(expr)
		if err != nil {
			return nil, configErr(key, "schedule.cron", "unparsable expression %q: %v", expr, err)
		}
		return &cronSchedule{expr: expr, location: location, spec: spec}, nil
	case unit != "":
		switch unit {
		case UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth:
		default:
			return nil, configErr(key, "schedule.interval_unit", "unknown unit %q", cfg.IntervalUnit)
		}
		m := cfg.IntervalMultiplier
		if m < 0 {
			return nil, configErr(key, "schedule.interval_multiplier", "must be positive, got %d", m)
		}
		if m == 0 {
			m = 1
		}
		return &intervalSchedule{unit: unit, multiplier: m, location: location}, nil
	default:
		return nil, configErr(key, "schedule", "either cron or interval_unit is required")
	}
}

// Elapsed counts fire times in (anchor, now] and returns the latest of them.
// The count stops at maxMissedCount.
func Elapsed(s Schedule, anchor, now time.Time) (int, time.Time) {
	n := 0
	var latest time.Time
	for next := s.Next(anchor); !next.IsZero() && !next.After(now); next = s.Next(next) {
		n++
		latest = next
		if n >= maxMissedCount {
			break
		}
	}
	return n, latest
}

func MissedPeriods(s Schedule, anchor, now time.Time) int {
	n, _ := Elapsed(s, anchor, now)
	return n
}
