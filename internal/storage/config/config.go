// Package config loads the YAML configuration of the tally engine.
package config

import (
	"os"
	"time"

	"github.com/xtxerr/tally/config"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/types"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// Database configures the DuckDB gateway.
	Database DatabaseConfig `yaml:"database"`

	// Executor configures the bounded storage worker pool.
	Executor ExecutorConfig `yaml:"executor"`

	// Flush configures snapshot hand-off and write retries.
	Flush FlushConfig `yaml:"flush"`

	// Granularities configures each aggregation level.
	Granularities GranularitiesConfig `yaml:"granularities"`

	// Retention toggles the background sweeper.
	Retention RetentionConfig `yaml:"retention"`

	// Backpressure configures executor queue pressure levels.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Archive configures Parquet export of swept rows.
	Archive ArchiveConfig `yaml:"archive"`

	// Spool configures the on-disk store of failed snapshots.
	Spool SpoolConfig `yaml:"spool"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Scale describes the expected load, used for sizing estimates only.
	Scale ScaleConfig `yaml:"scale"`
}

// DatabaseConfig configures the DuckDB gateway.
type DatabaseConfig struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string `yaml:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// InsertChunkSize is the number of rows per multi-row INSERT.
	InsertChunkSize int `yaml:"insert_chunk_size"`
}

// ExecutorConfig configures the bounded storage worker pool.
type ExecutorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// SubmitTimeout is how long a submitter waits for queue space.
	// Zero waits until accepted, negative fails fast.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`

	// DrainTimeout bounds shutdown draining.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// TaskTimeout bounds one storage task. Zero disables it.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// FlushConfig configures snapshot hand-off and write retries.
type FlushConfig struct {
	MaxSubmitAttempts    int           `yaml:"max_submit_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	MaxWriteAttempts     int           `yaml:"max_write_attempts"`

	// UpsertPolicy is "additive" or "replace".
	UpsertPolicy string `yaml:"upsert_policy"`
}

// GranularityConfig configures one aggregation level.
type GranularityConfig struct {
	Enabled bool `yaml:"enabled"`

	// Retention is how long stored buckets are kept.
	Retention time.Duration `yaml:"retention"`

	// SweepInterval is the time between retention sweeps. Zero disables them.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// FlushInterval is the time between flushes. Zero uses the period.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// GranularitiesConfig holds one GranularityConfig per level.
type GranularitiesConfig struct {
	Minute GranularityConfig `yaml:"minute"`
	Hourly GranularityConfig `yaml:"hourly"`
	Daily  GranularityConfig `yaml:"daily"`
}

// For returns the configuration of g, or nil for an unknown granularity.
func (c *GranularitiesConfig) For(g types.Granularity) *GranularityConfig {
	switch g {
	case types.Minute:
		return &c.Minute
	case types.Hourly:
		return &c.Hourly
	case types.Daily:
		return &c.Daily
	default:
		return nil
	}
}

// Enabled returns the enabled granularities, finest first.
func (c *GranularitiesConfig) Enabled() []types.Granularity {
	var out []types.Granularity
	for _, g := range types.AllGranularities() {
		if c.For(g).Enabled {
			out = append(out, g)
		}
	}
	return out
}

// RetentionConfig toggles the background sweeper.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BackpressureConfig configures executor queue pressure levels.
type BackpressureConfig struct {
	// Enabled enables level tracking.
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often queue usage is sampled.
	CheckInterval time.Duration `yaml:"check_interval"`

	// Thresholds defines queue usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines queue usage thresholds (0.0-1.0).
type BackpressureThresholds struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ArchiveConfig configures Parquet export of swept rows.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// Compression is one of zstd, snappy, gzip, none.
	Compression  string `yaml:"compression"`
	RowGroupSize int    `yaml:"row_group_size"`
}

// SpoolConfig configures the on-disk store of failed snapshots.
type SpoolConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// MaxBytes caps all segments together. Zero is unbounded.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxSegmentBytes starts a new segment once reached.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`

	// File adds rotated file output when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ScaleConfig describes the expected load.
type ScaleConfig struct {
	// Series is the number of distinct (account, app, device, pin) series.
	Series int `yaml:"series"`

	// ReportInterval is how often each series reports a value.
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Load loads configuration from a YAML file on top of DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            config.DefaultDatabasePath,
			MaxOpenConns:    config.DefaultMaxOpenConns,
			MaxIdleConns:    config.DefaultMaxIdleConns,
			ConnMaxLifetime: time.Hour,
			InsertChunkSize: config.DefaultInsertChunkSize,
		},
		Executor: ExecutorConfig{
			Workers:       config.DefaultExecutorWorkers,
			QueueSize:     config.DefaultExecutorQueueSize,
			SubmitTimeout: config.DefaultSubmitTimeout,
			DrainTimeout:  config.DefaultDrainTimeout,
		},
		Flush: FlushConfig{
			MaxSubmitAttempts:    config.DefaultMaxSubmitAttempts,
			RetryInitialInterval: config.DefaultRetryInitialInterval,
			RetryMaxInterval:     config.DefaultRetryMaxInterval,
			MaxWriteAttempts:     config.DefaultMaxWriteAttempts,
			UpsertPolicy:         config.DefaultUpsertPolicy,
		},
		Granularities: GranularitiesConfig{
			Minute: GranularityConfig{
				Enabled:       true,
				Retention:     config.DefaultMinuteRetention,
				SweepInterval: config.DefaultMinuteSweepInterval,
			},
			Hourly: GranularityConfig{
				Enabled:       true,
				Retention:     config.DefaultHourlyRetention,
				SweepInterval: config.DefaultHourlySweepInterval,
			},
			Daily: GranularityConfig{
				Enabled:       true,
				Retention:     config.DefaultDailyRetention,
				SweepInterval: config.DefaultDailySweepInterval,
			},
		},
		Retention: RetentionConfig{
			Enabled: true,
		},
		Backpressure: BackpressureConfig{
			Enabled:       true,
			CheckInterval: time.Second,
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.10,
				Cooldown:   5 * time.Second,
			},
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			Dir:          config.DefaultArchiveDir,
			Compression:  "zstd",
			RowGroupSize: config.DefaultArchiveRowGroupSize,
		},
		Spool: SpoolConfig{
			Enabled:         true,
			Dir:             config.DefaultSpoolDir,
			MaxBytes:        config.DefaultSpoolMaxBytes,
			MaxSegmentBytes: 4 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:      config.DefaultLogLevel,
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  config.DefaultMetricsListen,
		},
		Scale: ScaleConfig{
			Series:         10000,
			ReportInterval: time.Second,
		},
	}
}
