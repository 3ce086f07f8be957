package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilReceivers(t *testing.T) {
	var e *Executor
	e.Submitted()
	e.Started()
	e.Finished(time.Millisecond, nil, false)

	var a *Aggregator
	a.For("minute").Merged()

	var r *Retention
	r.Swept("minute", 1, 0, nil)

	var l *Ledger
	l.Redeemed("success")
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := New(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := New(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestExecutorCounters(t *testing.T) {
	s, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Executor.Submitted()
	s.Executor.Submitted()
	s.Executor.Started()
	s.Executor.Finished(time.Millisecond, errors.New("boom"), false)

	if got := testutil.ToFloat64(s.Executor.pending); got != 1 {
		t.Errorf("expected queue depth 1, got %v", got)
	}
	if got := testutil.ToFloat64(s.Executor.active); got != 0 {
		t.Errorf("expected 0 active, got %v", got)
	}
	if got := testutil.ToFloat64(s.Executor.completed.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed task, got %v", got)
	}
}

func TestAggregatorSeries(t *testing.T) {
	s, _ := New(nil)
	m := s.Aggregator.For("hourly")

	m.Merged()
	m.Merged()
	m.Flushed(7)
	m.Written(7)

	if got := testutil.ToFloat64(s.Aggregator.merged.WithLabelValues("hourly")); got != 2 {
		t.Errorf("expected 2 merged, got %v", got)
	}
	if got := testutil.ToFloat64(s.Aggregator.liveBuckets.WithLabelValues("hourly")); got != 7 {
		t.Errorf("expected 7 live buckets, got %v", got)
	}
}

func TestRetentionSwept(t *testing.T) {
	s, _ := New(nil)

	s.Retention.Swept("minute", 10, 4, nil)
	s.Retention.Swept("minute", 0, 0, errors.New("db down"))

	if got := testutil.ToFloat64(s.Retention.deleted.WithLabelValues("minute")); got != 10 {
		t.Errorf("expected 10 deleted, got %v", got)
	}
	if got := testutil.ToFloat64(s.Retention.sweeps.WithLabelValues("minute", "error")); got != 1 {
		t.Errorf("expected 1 failed sweep, got %v", got)
	}
}
