// Package storage wires the aggregation engine together.
//
// Service owns one Aggregator per enabled granularity, the shared storage
// executor, the DuckDB gateway, the token ledger, the retention sweeper and
// the failed-flush spool.
package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/metrics"
	"github.com/xtxerr/tally/internal/storage/aggregate"
	"github.com/xtxerr/tally/internal/storage/archive"
	"github.com/xtxerr/tally/internal/storage/backpressure"
	"github.com/xtxerr/tally/internal/storage/config"
	"github.com/xtxerr/tally/internal/storage/executor"
	"github.com/xtxerr/tally/internal/storage/gateway"
	"github.com/xtxerr/tally/internal/storage/ledger"
	"github.com/xtxerr/tally/internal/storage/retention"
	"github.com/xtxerr/tally/internal/storage/spool"
	"github.com/xtxerr/tally/internal/storage/types"
	"golang.org/x/sync/errgroup"
)

var log = logging.Component("storage")

// Service is the main storage service that orchestrates all components.
type Service struct {
	mu sync.RWMutex

	config  *config.Config
	metrics *metrics.Set

	// Components, created by Start
	gateway      *gateway.Gateway
	exec         *executor.Pool
	spool        *spool.Spool
	aggregators  []*aggregate.Aggregator
	ledger       *ledger.Ledger
	sweeper      *retention.Sweeper
	backpressure *backpressure.Controller

	// State
	running atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a storage service. m may be nil, in which case nothing is
// exported.
func New(cfg *config.Config, m *metrics.Set) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if m == nil {
		m = &metrics.Set{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	return &Service{config: cfg, metrics: m}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start opens the database, replays the spool and starts every component.
// A stopped service cannot be started again.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return errors.ErrClosed
	}
	if s.running.Load() {
		return errors.ErrAlreadyRunning
	}

	if err := s.start(); err != nil {
		s.teardown(context.Background())
		return err
	}

	s.startTime = time.Now()
	s.running.Store(true)
	log.Info("storage service started",
		"granularities", s.config.Granularities.Enabled(),
		"retention", s.config.Retention.Enabled,
		"spool", s.config.Spool.Enabled,
		"archive", s.config.Archive.Enabled)
	return nil
}

func (s *Service) start() error {
	cfg := s.config
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.gateway, s.exec, s.spool = nil, nil, nil
	s.aggregators = nil
	s.sweeper = nil

	policy, err := gateway.ParseUpsertPolicy(cfg.Flush.UpsertPolicy)
	if err != nil {
		return err
	}

	// Database
	gw, err := gateway.Open(gateway.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		InsertChunkSize: cfg.Database.InsertChunkSize,
		UpsertPolicy:    policy,
	})
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	s.gateway = gw

	if err := gw.EnsureSchema(s.ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	s.ledger = ledger.New(gw, s.metrics.Ledger)

	// Executor
	exec, err := executor.New(&executor.Config{
		Workers:       cfg.Executor.Workers,
		QueueSize:     cfg.Executor.QueueSize,
		SubmitTimeout: cfg.Executor.SubmitTimeout,
		DrainTimeout:  cfg.Executor.DrainTimeout,
		TaskTimeout:   cfg.Executor.TaskTimeout,
		Metrics:       s.metrics.Executor,
	})
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	s.exec = exec

	// Spool
	var spooler aggregate.Spooler
	if cfg.Spool.Enabled {
		sp, err := spool.Open(spool.Options{
			Dir:            cfg.Spool.Dir,
			MaxSegmentSize: cfg.Spool.MaxSegmentBytes,
			MaxBytes:       cfg.Spool.MaxBytes,
			Metrics:        s.metrics.Spool,
		})
		if err != nil {
			return fmt.Errorf("open spool: %w", err)
		}
		s.spool = sp
		spooler = sp

		if _, err := sp.Replay(s.ctx, s.replay); err != nil {
			log.Error("spool replay incomplete", "alert", "fatal", "error", err)
		}
	}

	// Aggregators
	for _, g := range cfg.Granularities.Enabled() {
		gc := cfg.Granularities.For(g)
		a, err := aggregate.New(&aggregate.Config{
			Granularity:          g,
			FlushInterval:        gc.FlushInterval,
			MaxSubmitAttempts:    cfg.Flush.MaxSubmitAttempts,
			MaxWriteAttempts:     cfg.Flush.MaxWriteAttempts,
			RetryInitialInterval: cfg.Flush.RetryInitialInterval,
			RetryMaxInterval:     cfg.Flush.RetryMaxInterval,
			Metrics:              s.metrics.Aggregator.For(g.String()),
		}, exec, gw, spooler)
		if err != nil {
			return fmt.Errorf("create %s aggregator: %w", g, err)
		}
		if err := a.Start(); err != nil {
			return fmt.Errorf("start %s aggregator: %w", g, err)
		}
		s.aggregators = append(s.aggregators, a)
	}

	// Backpressure
	s.backpressure = backpressure.New(&cfg.Backpressure, exec)
	if s.backpressure.IsEnabled() {
		s.wg.Add(1)
		go s.backpressureWorker()
	}

	// Retention
	var archiver retention.Archiver
	if cfg.Archive.Enabled {
		ar, err := archive.New(archive.Options{
			Dir:          cfg.Archive.Dir,
			Compression:  archive.ParseCompression(cfg.Archive.Compression),
			RowGroupSize: cfg.Archive.RowGroupSize,
		})
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
		archiver = ar
	}

	rcfg := &retention.Config{
		Metrics:              s.metrics.Retention,
		Pause:                s.backpressure.ShouldPauseSweeps,
		MaxAttempts:          cfg.Flush.MaxWriteAttempts,
		RetryInitialInterval: cfg.Flush.RetryInitialInterval,
		RetryMaxInterval:     cfg.Flush.RetryMaxInterval,
	}
	for _, g := range cfg.Granularities.Enabled() {
		gc := cfg.Granularities.For(g)
		rcfg.Policies = append(rcfg.Policies, retention.Policy{
			Granularity: g,
			Retention:   gc.Retention,
			Interval:    gc.SweepInterval,
		})
	}
	sw, err := retention.New(rcfg, exec, gw, archiver)
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}
	s.sweeper = sw
	if cfg.Retention.Enabled {
		if err := sw.Start(); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	return nil
}

// replay writes one spooled snapshot through the executor and waits for it.
func (s *Service) replay(ctx context.Context, g types.Granularity, rows []types.Aggregate) error {
	done := make(chan error, 1)
	task := func(tctx context.Context) error {
		err := s.gateway.BatchInsertAggregates(tctx, g, rows)
		done <- err
		return err
	}

	if err := s.exec.Submit(ctx, task); err != nil {
		return fmt.Errorf("submit replay: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new readings, flushes every aggregator once, drains the
// executor and closes the database.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.stopped.Store(true)

	log.Info("storage service stopping")
	err := s.teardown(ctx)
	log.Info("storage service stopped", "uptime", time.Since(s.startTime))
	return err
}

// teardown stops whatever start created, in reverse order.
func (s *Service) teardown(ctx context.Context) error {
	var errs []error

	// Final flushes run in parallel; granularities share nothing.
	var g errgroup.Group
	for _, a := range s.aggregators {
		a := a
		g.Go(func() error {
			if err := a.Close(ctx); err != nil {
				return fmt.Errorf("close %s aggregator: %w", a.Granularity(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.exec != nil {
		if err := s.exec.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown executor: %w", err))
		}
		s.exec.Wait()
	}

	if s.spool != nil {
		if err := s.spool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close spool: %w", err))
		}
	}

	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gateway: %w", err))
		}
	}

	return errors.Join(errs...)
}

// backpressureWorker periodically samples the executor queue.
func (s *Service) backpressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Backpressure.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.backpressure.Check()
		}
	}
}

// =============================================================================
// Readings and queries
// =============================================================================

// ReportValue merges one reading into every enabled granularity.
func (s *Service) ReportValue(ctx context.Context, r types.Reading) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	if err := r.Validate(); err != nil {
		return errors.NewInvalidInput("reading", r.SeriesKey, err.Error())
	}

	for _, a := range s.aggregators {
		if err := a.Record(r.SeriesKey, r.Value, r.TimestampMs); err != nil {
			return err
		}
	}
	return nil
}

// QueryAggregates returns the stored buckets of series at granularity g with
// from <= ts < to. No data yields an empty slice.
func (s *Service) QueryAggregates(ctx context.Context, series types.SeriesKey, g types.Granularity, from, to int64) ([]types.Point, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	if from > to {
		return nil, errors.NewInvalidInput("range", fmt.Sprintf("%d..%d", from, to), "from after to")
	}
	return s.gateway.SelectAggregates(ctx, g, series, from, to)
}

// FlushNow flushes every aggregator immediately and returns the number of
// rows handed off.
func (s *Service) FlushNow(ctx context.Context) (int, error) {
	if !s.running.Load() {
		return 0, errors.ErrNotRunning
	}

	total := 0
	for _, a := range s.aggregators {
		n, err := a.FlushNow(ctx)
		total += n
		if err != nil {
			return total, fmt.Errorf("flush %s: %w", a.Granularity(), err)
		}
	}
	return total, nil
}

// =============================================================================
// Ledger
// =============================================================================

// IssueToken creates a fresh redeemable token.
func (s *Service) IssueToken(ctx context.Context) (string, error) {
	if !s.running.Load() {
		return "", errors.ErrNotRunning
	}
	return s.ledger.IssueToken(ctx)
}

// RedeemToken redeems token for account.
func (s *Service) RedeemToken(ctx context.Context, token, account string) (types.RedeemResult, error) {
	if !s.running.Load() {
		return types.RedeemNotFound, errors.ErrNotRunning
	}
	return s.ledger.Redeem(ctx, token, account)
}

// RecordPurchase appends a purchase record.
func (s *Service) RecordPurchase(ctx context.Context, account string, reward int32, transactionID string, price float64) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	return s.ledger.RecordPurchase(ctx, account, reward, transactionID, price)
}

// Purchases returns the purchases of account, oldest first.
func (s *Service) Purchases(ctx context.Context, account string) ([]types.PurchaseRecord, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return s.ledger.Purchases(ctx, account)
}

// =============================================================================
// Retention
// =============================================================================

// RunRetention sweeps every enabled granularity now.
func (s *Service) RunRetention(ctx context.Context) ([]retention.Result, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}

	var results []retention.Result
	for _, g := range s.config.Granularities.Enabled() {
		r, err := s.sweeper.Sweep(ctx, g)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// PreviewRetention returns, per enabled granularity, how many rows a sweep
// would delete now.
func (s *Service) PreviewRetention(ctx context.Context) (map[types.Granularity]int64, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}

	out := make(map[types.Granularity]int64)
	for _, g := range s.config.Granularities.Enabled() {
		n, err := s.sweeper.Preview(ctx, g)
		if err != nil {
			return nil, err
		}
		out[g] = n
	}
	return out, nil
}

// =============================================================================
// Observability
// =============================================================================

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	st := ServiceStats{
		Running: s.running.Load(),
		Uptime:  uptime,
	}
	if s.exec != nil {
		st.Executor = s.exec.Stats()
	}
	for _, a := range s.aggregators {
		st.Aggregators = append(st.Aggregators, a.Stats())
	}
	if s.sweeper != nil {
		st.Retention = s.sweeper.Stats()
	}
	if s.backpressure != nil {
		st.Backpressure = s.backpressure.Stats()
	}
	if s.spool != nil {
		st.Spool = s.spool.Stats()
	}
	return st
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running      bool
	Uptime       time.Duration
	Executor     executor.Stats
	Aggregators  []aggregate.Stats
	Retention    retention.Stats
	Backpressure backpressure.ControllerStats
	Spool        spool.Stats
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// BackpressureLevel returns the current backpressure level.
func (s *Service) BackpressureLevel() backpressure.Level {
	if s.backpressure == nil {
		return backpressure.LevelNormal
	}
	return s.backpressure.CurrentLevel()
}
