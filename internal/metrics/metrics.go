// Package metrics defines the Prometheus collectors exported by tally.
//
// Every component receives its own metrics struct. All methods are safe to
// call on a nil receiver so components can run without instrumentation in
// tests.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tally"

// Set bundles the collectors of one service instance.
type Set struct {
	Executor   *Executor
	Aggregator *Aggregator
	Retention  *Retention
	Ledger     *Ledger
	Spool      *Spool
}

// New creates all collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func New(reg prometheus.Registerer) (*Set, error) {
	s := &Set{
		Executor:   newExecutor(),
		Aggregator: newAggregator(),
		Retention:  newRetention(),
		Ledger:     newLedger(),
		Spool:      newSpool(),
	}
	if reg == nil {
		return s, nil
	}

	var cs []prometheus.Collector
	cs = append(cs, s.Executor.collectors()...)
	cs = append(cs, s.Aggregator.collectors()...)
	cs = append(cs, s.Retention.collectors()...)
	cs = append(cs, s.Ledger.collectors()...)
	cs = append(cs, s.Spool.collectors()...)

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return s, nil
}

// =============================================================================
// Executor
// =============================================================================

// Executor instruments the bounded storage pool.
type Executor struct {
	submitted prometheus.Counter
	rejected  prometheus.Counter
	completed *prometheus.CounterVec
	panics    prometheus.Counter
	pending   prometheus.Gauge
	active    prometheus.Gauge
	latency   prometheus.Histogram
}

func newExecutor() *Executor {
	return &Executor{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted onto the storage queue.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_rejected_total",
			Help:      "Submissions refused because the queue was full or closed.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_completed_total",
			Help:      "Tasks finished by a worker, by outcome.",
		}, []string{"result"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "task_panics_total",
			Help:      "Tasks that panicked and were recovered.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "active_workers",
			Help:      "Workers currently running a task.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Wall time of storage tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *Executor) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.submitted, m.rejected, m.completed, m.panics, m.pending, m.active, m.latency}
}

// Submitted records an accepted task.
func (m *Executor) Submitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
	m.pending.Inc()
}

// Rejected records a refused submission.
func (m *Executor) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// Started records a task leaving the queue.
func (m *Executor) Started() {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.active.Inc()
}

// Finished records a completed task.
func (m *Executor) Finished(d time.Duration, err error, panicked bool) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.latency.Observe(d.Seconds())
	switch {
	case panicked:
		m.panics.Inc()
		m.completed.WithLabelValues("panic").Inc()
	case err != nil:
		m.completed.WithLabelValues("error").Inc()
	default:
		m.completed.WithLabelValues("ok").Inc()
	}
}

// =============================================================================
// Aggregator
// =============================================================================

// Aggregator instruments the per-granularity aggregators.
type Aggregator struct {
	merged        *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	flushedRows   *prometheus.CounterVec
	submitRetries *prometheus.CounterVec
	spooled       *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	liveBuckets   *prometheus.GaugeVec
}

func newAggregator() *Aggregator {
	label := []string{"granularity"}
	return &Aggregator{
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "readings_merged_total",
			Help:      "Readings merged into a live bucket.",
		}, label),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "flushes_total",
			Help:      "Snapshots swapped out of the live generation.",
		}, label),
		flushedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "flushed_rows_total",
			Help:      "Bucket rows written to storage.",
		}, label),
		submitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "submit_retries_total",
			Help:      "Snapshot hand-offs retried after executor back-pressure.",
		}, label),
		spooled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "spooled_snapshots_total",
			Help:      "Snapshots written to the spool after exhausting hand-off attempts.",
		}, label),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "write_failures_total",
			Help:      "Flush tasks whose database write failed.",
		}, label),
		liveBuckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "live_buckets",
			Help:      "Buckets in the live generation at the last flush.",
		}, label),
	}
}

func (m *Aggregator) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.merged, m.flushes, m.flushedRows, m.submitRetries, m.spooled, m.writeFailures, m.liveBuckets}
}

// For returns the series of one granularity.
func (m *Aggregator) For(granularity string) *AggregatorSeries {
	if m == nil {
		return nil
	}
	return &AggregatorSeries{
		merged:        m.merged.WithLabelValues(granularity),
		flushes:       m.flushes.WithLabelValues(granularity),
		flushedRows:   m.flushedRows.WithLabelValues(granularity),
		submitRetries: m.submitRetries.WithLabelValues(granularity),
		spooled:       m.spooled.WithLabelValues(granularity),
		writeFailures: m.writeFailures.WithLabelValues(granularity),
		liveBuckets:   m.liveBuckets.WithLabelValues(granularity),
	}
}

// AggregatorSeries holds the resolved children for one granularity so the
// record path does no label lookups.
type AggregatorSeries struct {
	merged        prometheus.Counter
	flushes       prometheus.Counter
	flushedRows   prometheus.Counter
	submitRetries prometheus.Counter
	spooled       prometheus.Counter
	writeFailures prometheus.Counter
	liveBuckets   prometheus.Gauge
}

func (m *AggregatorSeries) Merged() {
	if m != nil {
		m.merged.Inc()
	}
}

func (m *AggregatorSeries) Flushed(buckets int) {
	if m != nil {
		m.flushes.Inc()
		m.liveBuckets.Set(float64(buckets))
	}
}

func (m *AggregatorSeries) Written(rows int) {
	if m != nil {
		m.flushedRows.Add(float64(rows))
	}
}

func (m *AggregatorSeries) SubmitRetry() {
	if m != nil {
		m.submitRetries.Inc()
	}
}

func (m *AggregatorSeries) Spooled() {
	if m != nil {
		m.spooled.Inc()
	}
}

func (m *AggregatorSeries) WriteFailed() {
	if m != nil {
		m.writeFailures.Inc()
	}
}

// =============================================================================
// Retention
// =============================================================================

// Retention instruments the sweeper.
type Retention struct {
	sweeps   *prometheus.CounterVec
	deleted  *prometheus.CounterVec
	archived *prometheus.CounterVec
}

func newRetention() *Retention {
	return &Retention{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Retention sweeps executed, by outcome.",
		}, []string{"granularity", "result"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_rows_total",
			Help:      "Rows removed by retention sweeps.",
		}, []string{"granularity"}),
		archived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "archived_rows_total",
			Help:      "Rows written to Parquet before deletion.",
		}, []string{"granularity"}),
	}
}

func (m *Retention) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.sweeps, m.deleted, m.archived}
}

// Swept records one sweep.
func (m *Retention) Swept(granularity string, deleted, archived int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweeps.WithLabelValues(granularity, "error").Inc()
		return
	}
	m.sweeps.WithLabelValues(granularity, "ok").Inc()
	m.deleted.WithLabelValues(granularity).Add(float64(deleted))
	m.archived.WithLabelValues(granularity).Add(float64(archived))
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger instruments token and purchase operations.
type Ledger struct {
	issued      prometheus.Counter
	redemptions *prometheus.CounterVec
	purchases   prometheus.Counter
}

func newLedger() *Ledger {
	return &Ledger{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tokens_issued_total",
			Help:      "Redeem tokens created.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "redemptions_total",
			Help:      "Redemption attempts, by result.",
		}, []string{"result"}),
		purchases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "purchases_total",
			Help:      "Purchase records appended.",
		}),
	}
}

func (m *Ledger) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.issued, m.redemptions, m.purchases}
}

func (m *Ledger) Issued() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *Ledger) Redeemed(result string) {
	if m != nil {
		m.redemptions.WithLabelValues(result).Inc()
	}
}

func (m *Ledger) Purchased() {
	if m != nil {
		m.purchases.Inc()
	}
}

// =============================================================================
// Spool
// =============================================================================

// Spool instruments the flush dead-letter spool.
type Spool struct {
	written  prometheus.Counter
	replayed prometheus.Counter
	bytes    prometheus.Counter
}

func newSpool() *Spool {
	return &Spool{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "records_written_total",
			Help:      "Snapshots appended to the spool.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "records_replayed_total",
			Help:      "Spooled snapshots written to storage on replay.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "bytes_written_total",
			Help:      "Bytes appended to spool segments.",
		}),
	}
}

func (m *Spool) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.written, m.replayed, m.bytes}
}

func (m *Spool) Written(n int) {
	if m != nil {
		m.written.Inc()
		m.bytes.Add(float64(n))
	}
}

func (m *Spool) Replayed() {
	if m != nil {
		m.replayed.Inc()
	}
}
