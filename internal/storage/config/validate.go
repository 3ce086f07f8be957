package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/types"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	c.Database.validate(v)
	c.Executor.validate(v)
	c.Flush.validate(v)
	c.Granularities.validate(v)
	c.Backpressure.validate(v)
	c.Archive.validate(v)
	c.Spool.validate(v)
	c.Logging.validate(v)

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		v.AddMissing("metrics.listen")
	}
	if c.Scale.Series < 0 {
		v.AddField("scale.series", "must not be negative")
	}
	if c.Scale.ReportInterval < 0 {
		v.AddField("scale.report_interval", "must not be negative")
	}

	return v.Err()
}

func (c *DatabaseConfig) validate(v *errors.ValidationErrors) {
	if c.MaxOpenConns <= 0 {
		v.AddField("database.max_open_conns", "must be positive")
	}
	if c.MaxIdleConns < 0 {
		v.AddField("database.max_idle_conns", "must not be negative")
	}
	if c.InsertChunkSize <= 0 {
		v.AddField("database.insert_chunk_size", "must be positive")
	}
	if c.ConnMaxLifetime < 0 {
		v.AddField("database.conn_max_lifetime", "must not be negative")
	}
}

func (c *ExecutorConfig) validate(v *errors.ValidationErrors) {
	if c.Workers <= 0 {
		v.AddField("executor.workers", "must be positive")
	}
	if c.QueueSize <= 0 {
		v.AddField("executor.queue_size", "must be positive")
	}
	if c.DrainTimeout <= 0 {
		v.AddField("executor.drain_timeout", "must be positive")
	}
	if c.TaskTimeout < 0 {
		v.AddField("executor.task_timeout", "must not be negative")
	}
}

func (c *FlushConfig) validate(v *errors.ValidationErrors) {
	if c.MaxSubmitAttempts <= 0 {
		v.AddField("flush.max_submit_attempts", "must be positive")
	}
	if c.MaxWriteAttempts <= 0 {
		v.AddField("flush.max_write_attempts", "must be positive")
	}
	if c.RetryInitialInterval <= 0 {
		v.AddField("flush.retry_initial_interval", "must be positive")
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		v.AddField("flush.retry_max_interval", "must not be below retry_initial_interval")
	}
	switch c.UpsertPolicy {
	case "additive", "replace":
	default:
		v.AddField("flush.upsert_policy", fmt.Sprintf("must be additive or replace, got %q", c.UpsertPolicy))
	}
}

func (c *GranularitiesConfig) validate(v *errors.ValidationErrors) {
	enabled := 0
	for _, g := range types.AllGranularities() {
		gc := c.For(g)
		prefix := "granularities." + g.String()
		if !gc.Enabled {
			continue
		}
		enabled++
		if gc.Retention <= 0 {
			v.AddField(prefix+".retention", "must be positive")
		}
		if gc.SweepInterval < 0 {
			v.AddField(prefix+".sweep_interval", "must not be negative")
		}
		if gc.FlushInterval < 0 {
			v.AddField(prefix+".flush_interval", "must not be negative")
		}
	}
	if enabled == 0 {
		v.AddField("granularities", "at least one granularity must be enabled")
	}
}

func (c *BackpressureConfig) validate(v *errors.ValidationErrors) {
	if !c.Enabled {
		return
	}
	if c.CheckInterval <= 0 {
		v.AddField("backpressure.check_interval", "must be positive")
	}
	t := c.Thresholds
	if t.Warning <= 0 || t.Warning >= t.Critical || t.Critical >= t.Emergency || t.Emergency > 1 {
		v.AddField("backpressure.thresholds", "must satisfy 0 < warning < critical < emergency <= 1")
	}
	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 1 {
		v.AddField("backpressure.recovery.hysteresis", "must be between 0 and 1")
	}
	if c.Recovery.Cooldown < 0 {
		v.AddField("backpressure.recovery.cooldown", "must not be negative")
	}
}

func (c *ArchiveConfig) validate(v *errors.ValidationErrors) {
	if !c.Enabled {
		return
	}
	if c.Dir == "" {
		v.AddMissing("archive.dir")
	}
	switch c.Compression {
	case "", "zstd", "snappy", "gzip", "none":
	default:
		v.AddField("archive.compression", "must be one of: zstd, snappy, gzip, none")
	}
	if c.RowGroupSize <= 0 {
		v.AddField("archive.row_group_size", "must be positive")
	}
}

func (c *SpoolConfig) validate(v *errors.ValidationErrors) {
	if !c.Enabled {
		return
	}
	if c.Dir == "" {
		v.AddMissing("spool.dir")
	}
	if c.MaxBytes < 0 {
		v.AddField("spool.max_bytes", "must not be negative")
	}
	if c.MaxSegmentBytes <= 0 {
		v.AddField("spool.max_segment_bytes", "must be positive")
	}
}

func (c *LoggingConfig) validate(v *errors.ValidationErrors) {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		v.AddField("logging.level", fmt.Sprintf("unknown level %q", c.Level))
	}
	if c.File != "" && c.MaxSizeMB <= 0 {
		v.AddField("logging.max_size_mb", "must be positive when file is set")
	}
}

// EnsureDirectories creates every directory the configuration writes to.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Database.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	if c.Archive.Enabled {
		dirs = append(dirs, c.Archive.Dir)
	}
	if c.Spool.Enabled {
		dirs = append(dirs, c.Spool.Dir)
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
