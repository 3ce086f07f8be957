// Package retention deletes aggregate rows older than each granularity's
// retention window.
//
// Each granularity sweeps on its own interval. Sweeps run on the shared
// executor, and at most one sweep per granularity is in flight: concurrent
// triggers share the result of the running one. Executor back-pressure and
// transient storage errors are retried with bounded exponential backoff.
package retention

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
	"golang.org/x/sync/singleflight"
)

var log = logging.Component("retention")

// Store is the persistence the sweeper needs. Satisfied by *gateway.Gateway.
type Store interface {
	DeleteOlderThan(ctx context.Context, g types.Granularity, cutoff int64) (int64, error)
	CountOlderThan(ctx context.Context, g types.Granularity, cutoff int64) (int64, error)
	SelectAggregatesBefore(ctx context.Context, g types.Granularity, cutoff int64) ([]types.Aggregate, error)
}

// Archiver keeps expired rows before deletion. Satisfied by *archive.Archiver.
type Archiver interface {
	Write(g types.Granularity, cutoff int64, rows []types.Aggregate) (string, error)
}

// Submitter runs sweeps. Satisfied by *executor.Pool.
type Submitter interface {
	Submit(ctx context.Context, task executor.Task) error
}

// Policy is the retention rule of one granularity.
type Policy struct {
	Granularity types.Granularity
	Retention   time.Duration
	// Interval between automatic sweeps. Zero disables them; Sweep can
	// still be called directly.
	Interval time.Duration
}

// Config configures the sweeper.
type Config struct {
	Policies []Policy
	Metrics  *metrics.Retention

	// Pause, when set and returning true, skips a scheduled sweep.
	// Direct Sweep calls ignore it.
	Pause func() bool

	// Retry bounds for submits and store calls. Zero values use the
	// flush defaults.
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns the default policy of every granularity.
func DefaultConfig() *Config {
	cfg := &Config{
		MaxAttempts:          config.DefaultMaxWriteAttempts,
		RetryInitialInterval: config.DefaultRetryInitialInterval,
		RetryMaxInterval:     config.DefaultRetryMaxInterval,
	}
	for _, g := range types.AllGranularities() {
		cfg.Policies = append(cfg.Policies, Policy{
			Granularity: g,
			Retention:   g.DefaultRetention(),
			Interval:    g.DefaultSweepInterval(),
		})
	}
	return cfg
}

// Validate checks every policy.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()
	seen := make(map[types.Granularity]bool)
	for _, p := range c.Policies {
		field := "retention." + p.Granularity.String()
		if !p.Granularity.Valid() {
			v.AddField("retention.granularity", fmt.Sprintf("unknown granularity %d", p.Granularity))
			continue
		}
		if seen[p.Granularity] {
			v.AddField(field, "duplicate policy")
		}
		seen[p.Granularity] = true
		if p.Retention <= 0 {
			v.AddField(field, "retention must be positive")
		}
		if p.Interval < 0 {
			v.AddField(field, "sweep interval must not be negative")
		}
	}
	if c.MaxAttempts < 0 {
		v.AddField("retention.max_attempts", "must not be negative")
	}
	if c.RetryInitialInterval < 0 || c.RetryMaxInterval < 0 {
		v.AddField("retention.retry_interval", "must not be negative")
	}
	return v.Err()
}

// Result describes one completed sweep.
type Result struct {
	Granularity types.Granularity
	Cutoff      int64 // Unix millis; rows with ts < Cutoff were removed
	Deleted     int64
	Archived    int64
	ArchivePath string
	Duration    time.Duration
}

// GranularityStats holds per-granularity sweep statistics.
type GranularityStats struct {
	Sweeps     int64
	Errors     int64
	Retries    int64
	Deleted    int64
	Archived   int64
	LastRun    time.Time
	LastCutoff int64
}

// Stats holds sweeper statistics.
type Stats struct {
	Running       bool
	Granularities map[types.Granularity]GranularityStats
}

// Sweeper applies retention policies.
type Sweeper struct {
	cfg      *Config
	policies map[types.Granularity]Policy

	exec     Submitter
	store    Store
	archiver Archiver

	group singleflight.Group
	now   func() time.Time

	mu    sync.Mutex
	stats map[types.Granularity]*GranularityStats

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a sweeper. archiver may be nil, in which case expired rows are
// deleted without being archived.
func New(cfg *Config, exec Submitter, store Store, archiver Archiver) (*Sweeper, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if exec == nil || store == nil {
		return nil, errors.NewMissingField("executor/store")
	}

	s := &Sweeper{
		cfg:      cfg,
		policies: make(map[types.Granularity]Policy, len(cfg.Policies)),
		exec:     exec,
		store:    store,
		archiver: archiver,
		now:      time.Now,
		stats:    make(map[types.Granularity]*GranularityStats),
	}
	for _, p := range cfg.Policies {
		s.policies[p.Granularity] = p
		s.stats[p.Granularity] = &GranularityStats{}
	}
	return s, nil
}

// Cutoff returns the cutoff a sweep of g would use now.
func (s *Sweeper) Cutoff(g types.Granularity) (int64, error) {
	p, err := s.policy(g)
	if err != nil {
		return 0, err
	}
	return s.now().Add(-p.Retention).UnixMilli(), nil
}

func (s *Sweeper) policy(g types.Granularity) (Policy, error) {
	p, ok := s.policies[g]
	if !ok {
		return Policy{}, errors.NewNotFound("retention policy", g.String())
	}
	return p, nil
}

// Sweep removes the expired rows of g. It runs on the executor and waits
// for the outcome. A call made while a sweep of g is in flight returns
// that sweep's result.
func (s *Sweeper) Sweep(ctx context.Context, g types.Granularity) (Result, error) {
	p, err := s.policy(g)
	if err != nil {
		return Result{}, err
	}

	v, err, shared := s.group.Do(g.String(), func() (interface{}, error) {
		return s.submit(ctx, p)
	})
	if shared {
		log.Debug("sweep coalesced", "granularity", g)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

type outcome struct {
	result Result
	err    error
}

func (s *Sweeper) submit(ctx context.Context, p Policy) (Result, error) {
	done := make(chan outcome, 1)
	task := func(tctx context.Context) error {
		r, err := s.sweep(tctx, p)
		done <- outcome{r, err}
		return err
	}

	err := s.retry(ctx, p.Granularity, "submit", func() error {
		return s.exec.Submit(ctx, task)
	})
	if err != nil {
		return Result{}, errors.Wrapf(err, "submit %s sweep", p.Granularity)
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context, p Policy) (Result, error) {
	start := s.now()
	r := Result{
		Granularity: p.Granularity,
		Cutoff:      start.Add(-p.Retention).UnixMilli(),
	}

	err := s.apply(ctx, &r)
	r.Duration = time.Since(start)

	s.record(r, err)
	s.cfg.Metrics.Swept(p.Granularity.String(), r.Deleted, r.Archived, err)

	if err != nil {
		log.Error("retention sweep failed", "granularity", p.Granularity, "cutoff", r.Cutoff, "error", err)
		return r, err
	}
	log.Info("retention sweep",
		"granularity", p.Granularity,
		"cutoff", r.Cutoff,
		"deleted", r.Deleted,
		"archived", r.Archived,
		"duration", r.Duration)
	return r, nil
}

func (s *Sweeper) apply(ctx context.Context, r *Result) error {
	if s.archiver != nil {
		var rows []types.Aggregate
		err := s.retry(ctx, r.Granularity, "select expired", func() error {
			var err error
			rows, err = s.store.SelectAggregatesBefore(ctx, r.Granularity, r.Cutoff)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "archive %s", r.Granularity)
		}
		path, err := s.archiver.Write(r.Granularity, r.Cutoff, rows)
		if err != nil {
			return errors.Wrapf(err, "archive %s", r.Granularity)
		}
		r.Archived = int64(len(rows))
		r.ArchivePath = path
	}

	var n int64
	err := s.retry(ctx, r.Granularity, "delete expired", func() error {
		var err error
		n, err = s.store.DeleteOlderThan(ctx, r.Granularity, r.Cutoff)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "sweep %s", r.Granularity)
	}
	r.Deleted = n
	return nil
}

// retry runs op until it succeeds, fails with an error that is not
// retriable, or the attempts run out.
func (s *Sweeper) retry(ctx context.Context, g types.Granularity, what string, op func() error) error {
	attempt := func() error {
		err := op()
		if err == nil || errors.IsRetriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.RetryNotify(attempt, s.backoff(ctx), func(err error, d time.Duration) {
		s.mu.Lock()
		s.stats[g].Retries++
		s.mu.Unlock()
		log.Warn("retention step failed, retrying",
			"granularity", g,
			"step", what,
			"error", err,
			"backoff", d)
	})
}

func (s *Sweeper) backoff(ctx context.Context) backoff.BackOff {
	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = config.DefaultMaxWriteAttempts
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryInitialInterval
	eb.MaxInterval = s.cfg.RetryMaxInterval
	eb.MaxElapsedTime = 0
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = config.DefaultRetryInitialInterval
	}
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

func (s *Sweeper) record(r Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats[r.Granularity]
	st.Sweeps++
	st.LastRun = s.now()
	st.LastCutoff = r.Cutoff
	if err != nil {
		st.Errors++
		return
	}
	st.Deleted += r.Deleted
	st.Archived += r.Archived
}

// Preview returns how many rows a sweep of g would delete now.
func (s *Sweeper) Preview(ctx context.Context, g types.Granularity) (int64, error) {
	cutoff, err := s.Cutoff(g)
	if err != nil {
		return 0, err
	}
	return s.store.CountOlderThan(ctx, g, cutoff)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches one sweep loop per policy with a positive interval.
func (s *Sweeper) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, p := range s.cfg.Policies {
		if p.Interval <= 0 {
			log.Debug("automatic sweeps disabled", "granularity", p.Granularity)
			continue
		}
		s.wg.Add(1)
		go s.loop(p)
	}
	return nil
}

func (s *Sweeper) loop(p Policy) {
	defer s.wg.Done()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.Pause != nil && s.cfg.Pause() {
				log.Info("scheduled sweep paused", "granularity", p.Granularity)
				continue
			}
			if _, err := s.Sweep(s.ctx, p.Granularity); err != nil && s.ctx.Err() == nil {
				log.Warn("scheduled sweep failed", "granularity", p.Granularity, "error", err)
			}
		}
	}
}

// Stop ends the sweep loops and waits for them. A sweep already queued on
// the executor still runs.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// Stats returns sweeper statistics.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Running:       s.running.Load(),
		Granularities: make(map[types.Granularity]GranularityStats, len(s.stats)),
	}
	for g, st := range s.stats {
		out.Granularities[g] = *st
	}
	return out
}
