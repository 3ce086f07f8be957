package types

import (
	"fmt"
	"time"

	"github.com/xtxerr/tally/config"
)

// Granularity is the resolution of an aggregation stream. Its retention
// window comes from DefaultRetention unless configured.
type Granularity int

const (
	// Minute aggregates readings into one-minute buckets.
	Minute Granularity = iota

	// Hourly aggregates readings into one-hour buckets.
	Hourly

	// Daily aggregates readings into UTC day buckets.
	Daily
)

// String returns the string representation of the granularity.
func (g Granularity) String() string {
	switch g {
	case Minute:
		return "minute"
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	default:
		return fmt.Sprintf("unknown(%d)", g)
	}
}

// Valid reports whether g is one of the defined granularities.
func (g Granularity) Valid() bool {
	return g >= Minute && g <= Daily
}

// Period returns the bucket duration for this granularity.
func (g Granularity) Period() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// PeriodMillis returns the bucket duration in milliseconds.
func (g Granularity) PeriodMillis() int64 {
	return g.Period().Milliseconds()
}

// DefaultRetention returns how long rows of this granularity are kept when
// the retention config does not override it.
func (g Granularity) DefaultRetention() time.Duration {
	switch g {
	case Minute:
		return config.DefaultMinuteRetention
	case Hourly:
		return config.DefaultHourlyRetention
	case Daily:
		return config.DefaultDailyRetention
	default:
		return 0
	}
}

// DefaultSweepInterval returns how often expired rows are removed.
// Zero means never.
func (g Granularity) DefaultSweepInterval() time.Duration {
	switch g {
	case Minute:
		return config.DefaultMinuteSweepInterval
	case Hourly:
		return config.DefaultHourlySweepInterval
	case Daily:
		return config.DefaultDailySweepInterval
	default:
		return 0
	}
}

// Table returns the table holding this granularity's rows.
func (g Granularity) Table() string {
	return "reporting_average_" + g.String()
}

// Truncate returns the start of the bucket containing tsMillis.
// Timestamps before the epoch round down, not toward zero.
func (g Granularity) Truncate(tsMillis int64) int64 {
	p := g.PeriodMillis()
	if p == 0 {
		return tsMillis
	}
	r := tsMillis % p
	if r < 0 {
		r += p
	}
	return tsMillis - r
}

// NextBoundary returns the first bucket boundary strictly after t.
func (g Granularity) NextBoundary(t time.Time) time.Time {
	start := g.Truncate(t.UnixMilli())
	return time.UnixMilli(start + g.PeriodMillis()).UTC()
}

// ParseGranularity parses a string into a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "minute":
		return Minute, nil
	case "hourly":
		return Hourly, nil
	case "daily":
		return Daily, nil
	default:
		return Minute, fmt.Errorf("unknown granularity: %s", s)
	}
}

// AllGranularities returns all granularities in order.
func AllGranularities() []Granularity {
	return []Granularity{Minute, Hourly, Daily}
}
