package config

import (
	"fmt"
	"time"

	"github.com/xtxerr/tally/internal/storage/types"
)

// Requirements represents calculated resource requirements.
type Requirements struct {
	ReadingsPerSecond int64

	// Live bucket memory per granularity, one bucket per series.
	LiveBucketBytes int64

	// Rows held at steady state, per granularity.
	MinuteRows int64
	HourlyRows int64
	DailyRows  int64
	TotalRows  int64

	StorageBytes int64

	// Rows written by one flush of each granularity.
	MinuteFlushRows int64
	HourlyFlushRows int64
	DailyFlushRows  int64

	// Executor tasks per minute at steady state.
	TasksPerMinute float64
}

const (
	// In-memory bucket: key strings, map entry and two atomics.
	bytesPerLiveBucket = 160

	// Stored row in DuckDB including primary key index.
	bytesPerStoredRow = 90
)

// CalculateRequirements estimates resource requirements from Scale and the
// enabled granularities.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{}
	series := int64(c.Scale.Series)

	if c.Scale.ReportInterval > 0 {
		r.ReadingsPerSecond = int64(float64(series) / c.Scale.ReportInterval.Seconds())
	}

	for _, g := range c.Granularities.Enabled() {
		gc := c.Granularities.For(g)

		r.LiveBucketBytes += series * bytesPerLiveBucket

		points := int64(gc.Retention / g.Period())
		rows := points * series

		flushInterval := gc.FlushInterval
		if flushInterval <= 0 {
			flushInterval = g.Period()
		}
		r.TasksPerMinute += float64(time.Minute) / float64(flushInterval)

		switch g {
		case types.Minute:
			r.MinuteRows, r.MinuteFlushRows = rows, series
		case types.Hourly:
			r.HourlyRows, r.HourlyFlushRows = rows, series
		case types.Daily:
			r.DailyRows, r.DailyFlushRows = rows, series
		}
		r.TotalRows += rows
	}

	r.StorageBytes = r.TotalRows * bytesPerStoredRow
	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Throughput:
  Readings/sec:      %s
  Flush tasks/min:   %.2f

Memory:
  Live buckets:      %s

Rows per flush:
  Minute:            %s
  Hourly:            %s
  Daily:             %s

Stored rows:
  Minute:            %s
  Hourly:            %s
  Daily:             %s
  Total:             %s (%s)
`,
		formatNumber(r.ReadingsPerSecond),
		r.TasksPerMinute,
		formatBytes(r.LiveBucketBytes),
		formatNumber(r.MinuteFlushRows),
		formatNumber(r.HourlyFlushRows),
		formatNumber(r.DailyFlushRows),
		formatNumber(r.MinuteRows),
		formatNumber(r.HourlyRows),
		formatNumber(r.DailyRows),
		formatNumber(r.TotalRows),
		formatBytes(r.StorageBytes),
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with a magnitude suffix.
func formatNumber(n int64) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1000000:
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	case n < 1000000000:
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	default:
		return fmt.Sprintf("%.1fB", float64(n)/1000000000)
	}
}
