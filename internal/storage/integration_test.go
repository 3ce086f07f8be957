package storage_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/tally/internal/storage"
	"github.com/xtxerr/tally/internal/storage/config"
	"github.com/xtxerr/tally/internal/storage/types"
)

// TestIntegration_ConcurrentReportsAcrossFlushes reports readings from many
// goroutines while flushes run, then checks after a restart that every
// reading reached every granularity exactly once.
func TestIntegration_ConcurrentReportsAcrossFlushes(t *testing.T) {
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "tally.duckdb")
	cfg.Spool.Dir = filepath.Join(dir, "spool")
	cfg.Retention.Enabled = false
	cfg.Executor.Workers = 4
	cfg.Executor.QueueSize = 64

	svc, err := storage.New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const (
		reporters = 8
		perWorker = 500
		devices   = 4
	)

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, reporters)
	for w := 0; w < reporters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r := types.Reading{
					SeriesKey: types.SeriesKey{
						Account:  "test@test.com",
						App:      "app",
						DeviceID: int32(i % devices),
						PinType:  types.PinVirtual,
						Pin:      1,
					},
					Value:       2,
					TimestampMs: base.Add(time.Duration(i) * time.Second).UnixMilli(),
				}
				if err := svc.ReportValue(ctx, r); err != nil {
					errs <- fmt.Errorf("reporter %d: %w", w, err)
					return
				}
			}
		}(w)
	}

	stopFlush := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for {
			select {
			case <-stopFlush:
				return
			default:
				svc.FlushNow(ctx)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	wg.Wait()
	close(stopFlush)
	<-flushDone
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	reopened, err := storage.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Start(); err != nil {
		t.Fatal(err)
	}
	defer reopened.Stop(ctx)

	const want = reporters * perWorker / devices
	for _, g := range types.AllGranularities() {
		for d := int32(0); d < devices; d++ {
			series := types.SeriesKey{Account: "test@test.com", App: "app", DeviceID: d, PinType: types.PinVirtual, Pin: 1}
			points, err := reopened.QueryAggregates(ctx, series, g, 0, base.Add(48*time.Hour).UnixMilli())
			if err != nil {
				t.Fatalf("%s device %d: %v", g, d, err)
			}

			var count int64
			var sum float64
			for _, p := range points {
				count += p.Count
				sum += p.Sum
			}
			if count != want {
				t.Errorf("%s device %d: expected count %d, got %d", g, d, want, count)
			}
			if sum != float64(2*want) {
				t.Errorf("%s device %d: expected sum %d, got %v", g, d, 2*want, sum)
			}
		}
	}

	if st := reopened.Stats().Spool; st.Segments != 0 {
		t.Errorf("expected empty spool, got %+v", st)
	}
}
