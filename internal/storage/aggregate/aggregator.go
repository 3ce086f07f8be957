// Package aggregate implements the per-granularity bucketing aggregators.
//
// An Aggregator merges readings into time buckets without locks and, at
// every wall-clock aligned boundary, swaps out the live generation and hands
// the immutable snapshot to the storage executor. Readings are never dropped:
// when the executor stays saturated the snapshot goes to the spool.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xtxerr/tally/config"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/metrics"
	"github.com/xtxerr/tally/internal/storage/executor"
	"github.com/xtxerr/tally/internal/storage/types"
)

var log = logging.Component("aggregate")

// Submitter queues storage work. Satisfied by *executor.Pool.
type Submitter interface {
	Submit(ctx context.Context, task executor.Task) error
}

// Writer persists a flushed snapshot in one transaction.
type Writer interface {
	BatchInsertAggregates(ctx context.Context, g types.Granularity, rows []types.Aggregate) error
}

// Spooler keeps snapshots that could not be written.
type Spooler interface {
	Append(g types.Granularity, rows []types.Aggregate) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds aggregator configuration.
type Config struct {
	Granularity types.Granularity

	// FlushInterval is the flush period, aligned to wall-clock multiples.
	// Zero uses the granularity period.
	FlushInterval time.Duration

	// MaxSubmitAttempts bounds hand-off attempts under back-pressure.
	MaxSubmitAttempts int

	// MaxWriteAttempts bounds write attempts on transient database errors.
	MaxWriteAttempts int

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Metrics *metrics.AggregatorSeries
}

// DefaultConfig returns default configuration for g.
func DefaultConfig(g types.Granularity) *Config {
	return &Config{
		Granularity:          g,
		MaxSubmitAttempts:    config.DefaultMaxSubmitAttempts,
		MaxWriteAttempts:     config.DefaultMaxWriteAttempts,
		RetryInitialInterval: config.DefaultRetryInitialInterval,
		RetryMaxInterval:     config.DefaultRetryMaxInterval,
	}
}

// Stats holds aggregator statistics.
type Stats struct {
	Granularity   types.Granularity
	LiveBuckets   int64
	Merged        int64
	Flushes       int64
	RowsHandedOff int64
	RowsWritten   int64
	SubmitRetries int64
	Spooled       int64
	WriteFailures int64
	LastFlush     time.Time
}

// =============================================================================
// Aggregator
// =============================================================================

// Aggregator buckets readings of one granularity.
//
// Record is safe for unbounded concurrent use and never blocks on storage.
type Aggregator struct {
	cfg Config

	live   atomic.Pointer[generation]
	closed atomic.Bool

	exec   Submitter
	writer Writer
	spool  Spooler

	// flushMu serializes swaps so snapshots are handed off in order.
	flushMu sync.Mutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	merged        atomic.Int64
	flushes       atomic.Int64
	rowsHandedOff atomic.Int64
	rowsWritten   atomic.Int64
	submitRetries atomic.Int64
	spooled       atomic.Int64
	writeFailures atomic.Int64
	lastFlush     atomic.Int64
}

// New creates an aggregator. spool may be nil, in which case exhausted
// snapshots are only reported.
func New(cfg *Config, exec Submitter, writer Writer, spool Spooler) (*Aggregator, error) {
	if cfg == nil {
		return nil, errors.NewMissingField("aggregate config")
	}
	if !cfg.Granularity.Valid() {
		return nil, errors.NewValidation("granularity", cfg.Granularity.String())
	}
	if exec == nil || writer == nil {
		return nil, errors.NewMissingField("executor and writer")
	}

	c := *cfg
	if c.FlushInterval <= 0 {
		c.FlushInterval = c.Granularity.Period()
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = 1
	}
	if c.MaxWriteAttempts <= 0 {
		c.MaxWriteAttempts = 1
	}

	a := &Aggregator{
		cfg:    c,
		exec:   exec,
		writer: writer,
		spool:  spool,
	}
	a.live.Store(newGeneration())
	return a, nil
}

// Granularity returns the aggregator's granularity.
func (a *Aggregator) Granularity() types.Granularity {
	return a.cfg.Granularity
}

// Record merges one reading into its bucket. It fails only after Close.
func (a *Aggregator) Record(series types.SeriesKey, value float64, tsMillis int64) error {
	key := series.Bucket(a.cfg.Granularity, tsMillis)

	for {
		g := a.live.Load()
		g.writers.Add(1)
		if a.live.Load() != g {
			// Swapped between load and registration; the flusher may
			// already be past its barrier.
			g.writers.Add(-1)
			continue
		}
		if a.closed.Load() {
			g.writers.Add(-1)
			return fmt.Errorf("%s aggregator: %w", a.cfg.Granularity, errors.ErrClosed)
		}

		g.merge(key, value)
		g.writers.Add(-1)

		a.merged.Add(1)
		a.cfg.Metrics.Merged()
		return nil
	}
}

// =============================================================================
// Flush
// =============================================================================

// FlushNow swaps out the live generation and hands its snapshot to the
// executor. It returns the number of rows in the snapshot.
func (a *Aggregator) FlushNow(ctx context.Context) (int, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	old := a.live.Swap(newGeneration())
	old.quiesce()
	rows := old.snapshot()

	a.flushes.Add(1)
	a.lastFlush.Store(time.Now().UnixMilli())
	a.cfg.Metrics.Flushed(len(rows))

	if len(rows) == 0 {
		return 0, nil
	}

	if err := a.handOff(ctx, rows); err != nil {
		return len(rows), err
	}
	return len(rows), nil
}

// handOff submits the write task, retrying back-pressure with exponential
// backoff. After the last attempt the snapshot goes to the spool.
func (a *Aggregator) handOff(ctx context.Context, rows []types.Aggregate) error {
	task := a.flushTask(rows)

	op := func() error {
		err := a.exec.Submit(ctx, task)
		if err == nil || errors.IsBackpressure(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := a.backoff(ctx, a.cfg.MaxSubmitAttempts)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		a.submitRetries.Add(1)
		a.cfg.Metrics.SubmitRetry()
		log.Warn("executor saturated, retrying flush hand-off",
			"granularity", a.cfg.Granularity,
			"rows", len(rows),
			"backoff", d)
	})
	if err == nil {
		a.rowsHandedOff.Add(int64(len(rows)))
		return nil
	}

	return a.spill(rows, fmt.Errorf("hand off %d rows: %w", len(rows), err))
}

// flushTask writes a snapshot, retrying transient database errors.
func (a *Aggregator) flushTask(rows []types.Aggregate) executor.Task {
	return func(ctx context.Context) error {
		op := func() error {
			err := a.writer.BatchInsertAggregates(ctx, a.cfg.Granularity, rows)
			if err == nil || errors.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		err := backoff.RetryNotify(op, a.backoff(ctx, a.cfg.MaxWriteAttempts), func(err error, d time.Duration) {
			log.Warn("flush write failed, retrying",
				"granularity", a.cfg.Granularity,
				"error", err,
				"backoff", d)
		})
		if err != nil {
			a.writeFailures.Add(1)
			a.cfg.Metrics.WriteFailed()
			return a.spill(rows, fmt.Errorf("write %d rows: %w", len(rows), err))
		}

		a.rowsWritten.Add(int64(len(rows)))
		a.cfg.Metrics.Written(len(rows))
		log.Debug("flush written", "granularity", a.cfg.Granularity, "rows", len(rows))
		return nil
	}
}

// spill writes rows to the spool and raises a fatal alert. The returned
// error is nil only if the spool accepted the rows.
func (a *Aggregator) spill(rows []types.Aggregate, cause error) error {
	if a.spool == nil {
		log.Error("snapshot lost: no spool configured",
			"alert", "fatal",
			"granularity", a.cfg.Granularity,
			"rows", len(rows),
			"error", cause)
		return cause
	}

	if err := a.spool.Append(a.cfg.Granularity, rows); err != nil {
		log.Error("snapshot lost: spool append failed",
			"alert", "fatal",
			"granularity", a.cfg.Granularity,
			"rows", len(rows),
			"error", err,
			"cause", cause)
		return fmt.Errorf("%w (spool: %v)", cause, err)
	}

	a.spooled.Add(1)
	a.cfg.Metrics.Spooled()
	log.Error("snapshot spooled",
		"alert", "fatal",
		"granularity", a.cfg.Granularity,
		"rows", len(rows),
		"error", cause)
	return nil
}

func (a *Aggregator) backoff(ctx context.Context, attempts int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.cfg.RetryInitialInterval
	eb.MaxInterval = a.cfg.RetryMaxInterval
	eb.MaxElapsedTime = 0
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = config.DefaultRetryInitialInterval
	}
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins boundary-aligned flushing.
func (a *Aggregator) Start() error {
	if a.closed.Load() {
		return errors.ErrClosed
	}
	if !a.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.flushLoop()

	log.Info("aggregator started",
		"granularity", a.cfg.Granularity,
		"flush_interval", a.cfg.FlushInterval)
	return nil
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()

	for {
		timer := time.NewTimer(time.Until(a.nextBoundary(time.Now())))
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Hand-off uses a fresh context so a flush that is already
		// running when Close cancels the loop still completes.
		if n, err := a.FlushNow(context.Background()); err != nil {
			log.Error("flush failed", "granularity", a.cfg.Granularity, "rows", n, "error", err)
		}
	}
}

func (a *Aggregator) nextBoundary(now time.Time) time.Time {
	step := a.cfg.FlushInterval
	return now.Truncate(step).Add(step)
}

// Close rejects further readings, stops the flush loop and flushes the
// live generation once.
func (a *Aggregator) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	if a.running.Load() {
		a.cancel()
		a.wg.Wait()
		a.running.Store(false)
	}

	n, err := a.FlushNow(ctx)
	log.Info("aggregator closed", "granularity", a.cfg.Granularity, "final_rows", n)
	return err
}

// Stats returns aggregator statistics.
func (a *Aggregator) Stats() Stats {
	s := Stats{
		Granularity:   a.cfg.Granularity,
		LiveBuckets:   a.live.Load().size.Load(),
		Merged:        a.merged.Load(),
		Flushes:       a.flushes.Load(),
		RowsHandedOff: a.rowsHandedOff.Load(),
		RowsWritten:   a.rowsWritten.Load(),
		SubmitRetries: a.submitRetries.Load(),
		Spooled:       a.spooled.Load(),
		WriteFailures: a.writeFailures.Load(),
	}
	if ms := a.lastFlush.Load(); ms > 0 {
		s.LastFlush = time.UnixMilli(ms)
	}
	return s
}
