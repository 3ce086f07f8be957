// Package config provides configuration defaults for the tally daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via tally.yaml.
package config

import "time"

// =============================================================================
// Database Defaults
// =============================================================================

const (
	// DefaultDatabasePath is the DuckDB file. An empty path opens an
	// in-memory database.
	// Override via config: database.path
	DefaultDatabasePath = "data/tally.duckdb"

	// DefaultMaxOpenConns bounds connections held by the gateway.
	// Override via config: database.max_open_conns
	DefaultMaxOpenConns = 4

	// DefaultMaxIdleConns is the idle connection pool size.
	// Override via config: database.max_idle_conns
	DefaultMaxIdleConns = 2

	// DefaultInsertChunkSize is the number of rows per multi-row INSERT.
	// Override via config: database.insert_chunk_size
	DefaultInsertChunkSize = 500
)

// =============================================================================
// Executor Defaults
// =============================================================================

const (
	// DefaultExecutorWorkers is the number of storage worker goroutines.
	// Each worker holds at most one database operation at a time.
	// Override via config: executor.workers
	DefaultExecutorWorkers = 4

	// DefaultExecutorQueueSize is the task queue capacity.
	// When full, submitters wait up to the submit timeout (backpressure).
	// Override via config: executor.queue_size
	DefaultExecutorQueueSize = 1000

	// DefaultSubmitTimeout is how long Submit waits for queue space.
	// Zero waits until accepted, negative fails fast.
	// Override via config: executor.submit_timeout
	DefaultSubmitTimeout = 2 * time.Second

	// DefaultDrainTimeout is how long shutdown waits for queued tasks.
	// Follows the Kubernetes convention (terminationGracePeriodSeconds = 30s).
	// After this timeout, remaining tasks are cancelled.
	// Override via config: executor.drain_timeout
	DefaultDrainTimeout = 30 * time.Second
)

// =============================================================================
// Flush Defaults
// =============================================================================

const (
	// DefaultMaxSubmitAttempts is how often a snapshot hand-off is tried
	// before the snapshot goes to the spool.
	// Override via config: flush.max_submit_attempts
	DefaultMaxSubmitAttempts = 5

	// DefaultRetryInitialInterval is the first backoff delay.
	// Override via config: flush.retry_initial_interval
	DefaultRetryInitialInterval = 100 * time.Millisecond

	// DefaultRetryMaxInterval caps a single backoff delay.
	// Override via config: flush.retry_max_interval
	DefaultRetryMaxInterval = 5 * time.Second

	// DefaultMaxWriteAttempts bounds retries of transient database errors
	// inside one flush task.
	// Override via config: flush.max_write_attempts
	DefaultMaxWriteAttempts = 3

	// DefaultUpsertPolicy merges late readings into an already stored bucket.
	// Override via config: flush.upsert_policy (additive|replace)
	DefaultUpsertPolicy = "additive"
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultMinuteRetention keeps 360 one-minute points.
	// Override via config: granularities.minute.retention
	DefaultMinuteRetention = 360 * time.Minute

	// DefaultHourlyRetention keeps 168 hourly points.
	// Override via config: granularities.hourly.retention
	DefaultHourlyRetention = 168 * time.Hour

	// DefaultDailyRetention keeps 365 daily points.
	// Override via config: granularities.daily.retention
	DefaultDailyRetention = 365 * 24 * time.Hour

	// DefaultMinuteSweepInterval is how often minute rows are swept.
	// Override via config: granularities.minute.sweep_interval
	DefaultMinuteSweepInterval = 24 * time.Hour

	// DefaultHourlySweepInterval is how often hourly rows are swept.
	// Override via config: granularities.hourly.sweep_interval
	DefaultHourlySweepInterval = 7 * 24 * time.Hour

	// DefaultDailySweepInterval of zero disables sweeping daily rows.
	// Override via config: granularities.daily.sweep_interval
	DefaultDailySweepInterval = 0
)

// =============================================================================
// Archive and Spool Defaults
// =============================================================================

const (
	// DefaultArchiveDir receives Parquet files of swept rows.
	// Override via config: archive.dir
	DefaultArchiveDir = "data/archive"

	// DefaultArchiveRowGroupSize is the Parquet row group size.
	// Override via config: archive.row_group_size
	DefaultArchiveRowGroupSize = 10000

	// DefaultSpoolDir holds snapshots that could not be handed to the executor.
	// Override via config: spool.dir
	DefaultSpoolDir = "data/spool"

	// DefaultSpoolMaxBytes caps the total size of all spool segments.
	// Override via config: spool.max_bytes
	DefaultSpoolMaxBytes = 64 * 1024 * 1024
)

// =============================================================================
// Observability Defaults
// =============================================================================

const (
	// DefaultMetricsListen is the address for the /metrics endpoint.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9464"

	// DefaultLogLevel is the minimum log level.
	// Override via config: logging.level
	DefaultLogLevel = "info"
)
