package aggregate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/executor"
	"github.com/xtxerr/tally/internal/storage/types"
	"github.com/xtxerr/tally/internal/testutil"
)

// =============================================================================
// Fakes
// =============================================================================

type memWriter struct {
	mu      sync.Mutex
	rows    map[types.BucketKey]types.Aggregate
	batches [][]types.Aggregate
	fail    []error // returned in order before succeeding
}

func newMemWriter() *memWriter {
	return &memWriter{rows: make(map[types.BucketKey]types.Aggregate)}
}

func (w *memWriter) BatchInsertAggregates(ctx context.Context, g types.Granularity, rows []types.Aggregate) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.fail) > 0 {
		err := w.fail[0]
		w.fail = w.fail[1:]
		return err
	}

	w.batches = append(w.batches, rows)
	for _, r := range rows {
		cur := w.rows[r.Key]
		cur.Key = r.Key
		cur.Sum += r.Sum
		cur.Count += r.Count
		w.rows[r.Key] = cur
	}
	return nil
}

func (w *memWriter) totalCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, r := range w.rows {
		n += r.Count
	}
	return n
}

type memSpool struct {
	mu    sync.Mutex
	snaps [][]types.Aggregate
}

func (s *memSpool) Append(g types.Granularity, rows []types.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, rows)
	return nil
}

func (s *memSpool) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

// syncSubmitter runs tasks inline.
type syncSubmitter struct{}

func (syncSubmitter) Submit(ctx context.Context, task executor.Task) error {
	return task(ctx)
}

type fullSubmitter struct{ calls atomic.Int32 }

func (f *fullSubmitter) Submit(ctx context.Context, task executor.Task) error {
	f.calls.Add(1)
	return errors.ErrQueueFull
}

func testConfig(g types.Granularity) *Config {
	return &Config{
		Granularity:          g,
		MaxSubmitAttempts:    3,
		MaxWriteAttempts:     3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}
}

var pin = types.SeriesKey{Account: "u@x.io", App: "app", DeviceID: 7, PinType: types.PinVirtual, Pin: 3}

// =============================================================================
// Tests
// =============================================================================

func TestThreeReadingsOneMinuteBucket(t *testing.T) {
	w := newMemWriter()
	a, err := New(testConfig(types.Minute), syncSubmitter{}, w, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	for _, r := range []struct {
		v  float64
		at time.Duration
	}{{1, 0}, {3, 10 * time.Second}, {5, 50 * time.Second}} {
		if err := a.Record(pin, r.v, base+r.at.Milliseconds()); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := a.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	row := w.rows[pin.Bucket(types.Minute, base)]
	if row.Count != 3 {
		t.Errorf("expected count=3, got %d", row.Count)
	}
	if row.Average() != 3 {
		t.Errorf("expected average=3, got %f", row.Average())
	}
}

func TestConcurrentRecordSameKey(t *testing.T) {
	w := newMemWriter()
	a, _ := New(testConfig(types.Hourly), syncSubmitter{}, w, nil)

	const goroutines, perG = 32, 500
	ts := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC).UnixMilli()

	gt := testutil.NewGoroutineTest(t)
	for i := 0; i < goroutines; i++ {
		gt.Go(func() error {
			for j := 0; j < perG; j++ {
				if err := a.Record(pin, float64(j), ts+int64(j)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	gt.Wait()

	if _, err := a.FlushNow(context.Background()); err != nil {
		t.Fatal(err)
	}

	row := w.rows[pin.Bucket(types.Hourly, ts)]
	if row.Count != goroutines*perG {
		t.Errorf("expected count=%d, got %d", goroutines*perG, row.Count)
	}
	wantAvg := float64(perG-1) / 2
	if math.Abs(row.Average()-wantAvg) > 1e-9 {
		t.Errorf("expected average=%f, got %f", wantAvg, row.Average())
	}
}

func TestNoLossAcrossFlushes(t *testing.T) {
	w := newMemWriter()
	a, _ := New(testConfig(types.Minute), syncSubmitter{}, w, nil)

	const goroutines, perG = 8, 5000
	var flushes atomic.Int32
	stop := make(chan struct{})
	flusherDone := make(chan struct{})

	go func() {
		defer close(flusherDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := a.FlushNow(context.Background()); err != nil {
				t.Errorf("FlushNow: %v", err)
			}
			flushes.Add(1)
		}
	}()

	gt := testutil.NewGoroutineTest(t)
	for i := 0; i < goroutines; i++ {
		device := int32(i)
		gt.Go(func() error {
			key := pin
			key.DeviceID = device
			for j := 0; j < perG; j++ {
				if err := a.Record(key, 1, int64(j%3)*60_000); err != nil {
					return err
				}
			}
			return nil
		})
	}
	gt.Wait()
	close(stop)
	<-flusherDone

	if _, err := a.FlushNow(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := w.totalCount(); got != goroutines*perG {
		t.Errorf("expected %d readings flushed, got %d", goroutines*perG, got)
	}
	if flushes.Load() < 2 {
		t.Logf("only %d concurrent flushes observed", flushes.Load())
	}

	for i, batch := range w.batches {
		seen := make(map[types.BucketKey]bool, len(batch))
		for _, r := range batch {
			if seen[r.Key] {
				t.Fatalf("batch %d contains key %v twice", i, r.Key)
			}
			if r.Count == 0 {
				t.Fatalf("batch %d contains an empty bucket", i)
			}
			seen[r.Key] = true
		}
	}

	s := a.Stats()
	if s.Merged != goroutines*perG {
		t.Errorf("expected merged=%d, got %d", goroutines*perG, s.Merged)
	}
	if s.RowsWritten != s.RowsHandedOff {
		t.Errorf("expected all handed-off rows written, got %d of %d", s.RowsWritten, s.RowsHandedOff)
	}
}

func TestSnapshotIsSorted(t *testing.T) {
	w := newMemWriter()
	a, _ := New(testConfig(types.Minute), syncSubmitter{}, w, nil)

	for _, d := range []int32{5, 1, 3} {
		k := pin
		k.DeviceID = d
		_ = a.Record(k, 1, 0)
	}
	_, _ = a.FlushNow(context.Background())

	batch := w.batches[0]
	for i := 1; i < len(batch); i++ {
		if batch[i-1].Key.Compare(batch[i].Key) >= 0 {
			t.Fatalf("snapshot not ordered at %d", i)
		}
	}
}

func TestEmptyFlushWritesNothing(t *testing.T) {
	w := newMemWriter()
	a, _ := New(testConfig(types.Daily), syncSubmitter{}, w, nil)

	n, err := a.FlushNow(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected empty flush, got n=%d err=%v", n, err)
	}
	if len(w.batches) != 0 {
		t.Errorf("expected no write for empty snapshot")
	}
}

func TestBackpressureSpoolsSnapshot(t *testing.T) {
	sub := &fullSubmitter{}
	spool := &memSpool{}
	a, _ := New(testConfig(types.Minute), sub, newMemWriter(), spool)

	_ = a.Record(pin, 42, 0)
	if _, err := a.FlushNow(context.Background()); err != nil {
		t.Fatalf("expected spooled flush to succeed, got %v", err)
	}

	if got := sub.calls.Load(); got != 3 {
		t.Errorf("expected 3 submit attempts, got %d", got)
	}
	if spool.len() != 1 {
		t.Fatalf("expected 1 spooled snapshot, got %d", spool.len())
	}
	if spool.snaps[0][0].Sum != 42 {
		t.Errorf("expected spooled sum 42, got %f", spool.snaps[0][0].Sum)
	}

	s := a.Stats()
	if s.SubmitRetries != 2 || s.Spooled != 1 {
		t.Errorf("expected 2 retries and 1 spooled, got %d and %d", s.SubmitRetries, s.Spooled)
	}
}

func TestBackpressureWithoutSpoolReturnsError(t *testing.T) {
	a, _ := New(testConfig(types.Minute), &fullSubmitter{}, newMemWriter(), nil)

	_ = a.Record(pin, 1, 0)
	if _, err := a.FlushNow(context.Background()); !errors.IsBackpressure(err) {
		t.Errorf("expected back-pressure error, got %v", err)
	}
}

func TestTransientWriteRetried(t *testing.T) {
	w := newMemWriter()
	w.fail = []error{errors.Mark(fmt.Errorf("conflict"), errors.ErrTransient)}
	a, _ := New(testConfig(types.Minute), syncSubmitter{}, w, &memSpool{})

	_ = a.Record(pin, 2, 0)
	if _, err := a.FlushNow(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(w.batches) != 1 {
		t.Errorf("expected exactly one committed batch, got %d", len(w.batches))
	}
	if a.Stats().WriteFailures != 0 {
		t.Errorf("expected no write failure")
	}
}

func TestConstraintWriteSpooled(t *testing.T) {
	w := newMemWriter()
	w.fail = []error{errors.Mark(fmt.Errorf("catalog"), errors.ErrConstraint)}
	spool := &memSpool{}
	a, _ := New(testConfig(types.Minute), syncSubmitter{}, w, spool)

	_ = a.Record(pin, 2, 0)
	_, _ = a.FlushNow(context.Background())

	if spool.len() != 1 {
		t.Errorf("expected snapshot spooled after permanent failure, got %d", spool.len())
	}
	if a.Stats().WriteFailures != 1 {
		t.Errorf("expected 1 write failure, got %d", a.Stats().WriteFailures)
	}
}

func TestCloseRejectsAndFlushes(t *testing.T) {
	w := newMemWriter()
	a, _ := New(testConfig(types.Minute), syncSubmitter{}, w, nil)

	_ = a.Record(pin, 9, 0)
	if err := a.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	if w.totalCount() != 1 {
		t.Errorf("expected final flush on close, got %d readings", w.totalCount())
	}
	if err := a.Record(pin, 1, 0); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
}

func TestStartFlushesOnBoundary(t *testing.T) {
	pool, err := executor.New(&executor.Config{Workers: 1, QueueSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Shutdown(context.Background())

	w := newMemWriter()
	cfg := testConfig(types.Minute)
	cfg.FlushInterval = 20 * time.Millisecond
	a, _ := New(cfg, pool, w, nil)

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	defer a.Close(context.Background())

	_ = a.Record(pin, 1, time.Now().UnixMilli())

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return w.totalCount() == 1
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, syncSubmitter{}, newMemWriter(), nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := New(&Config{Granularity: types.Granularity(9)}, syncSubmitter{}, newMemWriter(), nil); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := New(testConfig(types.Minute), nil, newMemWriter(), nil); err == nil {
		t.Error("expected error for missing executor")
	}
}
