package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if got := cfg.Granularities.Enabled(); len(got) != 3 {
		t.Errorf("expected 3 enabled granularities, got %v", got)
	}

	tests := []struct {
		g         types.Granularity
		retention time.Duration
		sweep     time.Duration
	}{
		{types.Minute, 360 * time.Minute, 24 * time.Hour},
		{types.Hourly, 168 * time.Hour, 7 * 24 * time.Hour},
		{types.Daily, 365 * 24 * time.Hour, 0},
	}
	for _, tt := range tests {
		gc := cfg.Granularities.For(tt.g)
		if gc.Retention != tt.retention {
			t.Errorf("%s: expected retention %v, got %v", tt.g, tt.retention, gc.Retention)
		}
		if gc.Retention != tt.g.DefaultRetention() || gc.SweepInterval != tt.g.DefaultSweepInterval() {
			t.Errorf("%s: config defaults disagree with granularity defaults", tt.g)
		}
		if gc.SweepInterval != tt.sweep {
			t.Errorf("%s: expected sweep interval %v, got %v", tt.g, tt.sweep, gc.SweepInterval)
		}
	}

	if cfg.Flush.UpsertPolicy != "additive" {
		t.Errorf("expected additive upsert by default, got %s", cfg.Flush.UpsertPolicy)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"zero workers", func(c *Config) { c.Executor.Workers = 0 }, "executor.workers"},
		{"zero queue", func(c *Config) { c.Executor.QueueSize = 0 }, "executor.queue_size"},
		{"bad upsert", func(c *Config) { c.Flush.UpsertPolicy = "merge" }, "flush.upsert_policy"},
		{"no attempts", func(c *Config) { c.Flush.MaxSubmitAttempts = 0 }, "flush.max_submit_attempts"},
		{"retry bounds", func(c *Config) { c.Flush.RetryMaxInterval = time.Millisecond }, "flush.retry_max_interval"},
		{"zero retention", func(c *Config) { c.Granularities.Hourly.Retention = 0 }, "granularities.hourly.retention"},
		{"negative sweep", func(c *Config) { c.Granularities.Minute.SweepInterval = -time.Second }, "granularities.minute.sweep_interval"},
		{"nothing enabled", func(c *Config) {
			c.Granularities.Minute.Enabled = false
			c.Granularities.Hourly.Enabled = false
			c.Granularities.Daily.Enabled = false
		}, "granularities"},
		{"archive compression", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Compression = "lzma"
		}, "archive.compression"},
		{"thresholds", func(c *Config) { c.Backpressure.Thresholds.Critical = 0.4 }, "backpressure.thresholds"},
		{"spool dir", func(c *Config) { c.Spool.Dir = "" }, "spool.dir"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to name %s, got %v", tt.field, err)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executor.Workers = 0
	cfg.Executor.QueueSize = 0
	cfg.Database.InsertChunkSize = 0

	err := cfg.Validate()
	var v *errors.ValidationErrors
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(v.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(v.Errors), err)
	}
}

func TestValidateErrorCategories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ""
	cfg.Executor.Workers = 0

	err := cfg.Validate()
	if !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected ErrMissingField for metrics.listen, got %v", err)
	}
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for executor.workers, got %v", err)
	}
}

func TestDisabledGranularitySkipsValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Granularities.Daily.Enabled = false
	cfg.Granularities.Daily.Retention = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled granularity should not be validated: %v", err)
	}
	if got := cfg.Granularities.Enabled(); len(got) != 2 || got[1] != types.Hourly {
		t.Errorf("expected [minute hourly], got %v", got)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tally.yaml")

	content := `
database:
  path: ""
  insert_chunk_size: 100
executor:
  workers: 8
  submit_timeout: 500ms
flush:
  upsert_policy: replace
granularities:
  minute:
    retention: 2h
    flush_interval: 10s
  daily:
    enabled: false
archive:
  enabled: true
  dir: /tmp/archive
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "" {
		t.Errorf("expected in-memory database, got %q", cfg.Database.Path)
	}
	if cfg.Database.InsertChunkSize != 100 {
		t.Errorf("expected chunk size 100, got %d", cfg.Database.InsertChunkSize)
	}
	if cfg.Executor.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Executor.Workers)
	}
	if cfg.Executor.QueueSize != DefaultConfig().Executor.QueueSize {
		t.Errorf("expected default queue size kept, got %d", cfg.Executor.QueueSize)
	}
	if cfg.Executor.SubmitTimeout != 500*time.Millisecond {
		t.Errorf("expected submit timeout 500ms, got %v", cfg.Executor.SubmitTimeout)
	}
	if cfg.Flush.UpsertPolicy != "replace" {
		t.Errorf("expected replace, got %s", cfg.Flush.UpsertPolicy)
	}
	if cfg.Granularities.Minute.Retention != 2*time.Hour {
		t.Errorf("expected minute retention 2h, got %v", cfg.Granularities.Minute.Retention)
	}
	if !cfg.Granularities.Minute.Enabled {
		t.Error("expected minute to stay enabled")
	}
	if cfg.Granularities.Minute.FlushInterval != 10*time.Second {
		t.Errorf("expected flush interval 10s, got %v", cfg.Granularities.Minute.FlushInterval)
	}
	if cfg.Granularities.Daily.Enabled {
		t.Error("expected daily disabled")
	}
	if !cfg.Archive.Enabled || cfg.Archive.Dir != "/tmp/archive" {
		t.Errorf("unexpected archive config %+v", cfg.Archive)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("executor: [unclosed"), 0644)
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	os.WriteFile(invalid, []byte("executor:\n  workers: -1\n"), 0644)
	if _, err := Load(invalid); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "db", "tally.duckdb")
	cfg.Spool.Dir = filepath.Join(dir, "spool")
	cfg.Archive.Enabled = true
	cfg.Archive.Dir = filepath.Join(dir, "archive")
	cfg.Logging.File = filepath.Join(dir, "log", "tally.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, sub := range []string{"db", "spool", "archive", "log"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", sub)
		}
	}
}

func TestCalculateRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scale.Series = 1000
	cfg.Scale.ReportInterval = 10 * time.Second

	r := cfg.CalculateRequirements()

	if r.ReadingsPerSecond != 100 {
		t.Errorf("expected 100 readings/sec, got %d", r.ReadingsPerSecond)
	}
	if r.MinuteRows != 360*1000 {
		t.Errorf("expected 360000 minute rows, got %d", r.MinuteRows)
	}
	if r.HourlyRows != 168*1000 {
		t.Errorf("expected 168000 hourly rows, got %d", r.HourlyRows)
	}
	if r.DailyRows != 365*1000 {
		t.Errorf("expected 365000 daily rows, got %d", r.DailyRows)
	}
	if r.TotalRows != r.MinuteRows+r.HourlyRows+r.DailyRows {
		t.Error("total rows should sum granularities")
	}

	out := r.FormatRequirements()
	if !strings.Contains(out, "Readings/sec") {
		t.Errorf("unexpected summary:\n%s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}
