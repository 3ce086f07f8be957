// Package executor provides the bounded worker pool that runs all storage work.
//
// Tasks are queued on a bounded channel and drained FIFO by a fixed number
// of workers, so the number of goroutines blocked on the database never
// exceeds the worker count and queued work never exceeds the queue size.
//
// Key features:
//   - Back-pressure: Submit waits up to SubmitTimeout, then ErrQueueFull
//   - Panic recovery per task
//   - Graceful shutdown with drain timeout and cancellation of stragglers
//   - Task latency percentiles via DDSketch
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/tally/config"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/metrics"
)

var log = logging.Component("executor")

// Task is a unit of storage work. The context is cancelled when the pool
// gives up draining during shutdown.
type Task func(ctx context.Context) error

// =============================================================================
// Configuration
// =============================================================================

// Config holds executor configuration.
type Config struct {
	// Workers is the number of concurrent storage workers.
	Workers int

	// QueueSize is the task queue capacity.
	QueueSize int

	// SubmitTimeout is how long Submit waits for queue space.
	// Zero waits until accepted or the caller's context ends.
	// Negative fails fast.
	SubmitTimeout time.Duration

	// DrainTimeout is how long Shutdown waits for queued and running tasks.
	DrainTimeout time.Duration

	// TaskTimeout bounds a single task. Zero disables the bound.
	TaskTimeout time.Duration

	Metrics *metrics.Executor
}

// DefaultConfig returns default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:       config.DefaultExecutorWorkers,
		QueueSize:     config.DefaultExecutorQueueSize,
		SubmitTimeout: config.DefaultSubmitTimeout,
		DrainTimeout:  config.DefaultDrainTimeout,
	}
}

// Stats holds executor statistics.
type Stats struct {
	Workers    int
	Active     int
	Pending    int
	Submitted  int64
	Completed  int64
	Failed     int64
	Rejected   int64
	Panics     int64
	LatencyP50 time.Duration
	LatencyP99 time.Duration
}

// =============================================================================
// Pool
// =============================================================================

type job struct {
	task     Task
	enqueued time.Time
}

// Pool is a bounded FIFO worker pool.
//
// Pool is safe for concurrent use.
type Pool struct {
	cfg Config

	tasks   chan job
	closing chan struct{}

	// mu orders sends on tasks against close(tasks).
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	wg        sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64

	sketchMu sync.Mutex
	sketch   *ddsketch.DDSketch
}

// New creates a pool and starts its workers.
func New(cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		return nil, errors.NewValidation("executor.workers", "must be positive")
	}
	if cfg.QueueSize <= 0 {
		return nil, errors.NewValidation("executor.queue_size", "must be positive")
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("create latency sketch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     *cfg,
		tasks:   make(chan job, cfg.QueueSize),
		closing: make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
		sketch:  sketch,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	log.Info("executor started",
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
		"submit_timeout", cfg.SubmitTimeout)

	return p, nil
}

// =============================================================================
// Submission
// =============================================================================

// Submit enqueues a task, waiting for space according to SubmitTimeout.
// It returns ErrQueueFull on timeout, ErrPoolClosed after shutdown began,
// or the context error if ctx ends first.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	return p.submit(ctx, task, p.cfg.SubmitTimeout)
}

// TrySubmit enqueues a task only if the queue has space right now.
func (p *Pool) TrySubmit(task Task) error {
	return p.submit(context.Background(), task, -1)
}

func (p *Pool) submit(ctx context.Context, task Task, timeout time.Duration) error {
	if task == nil {
		return errors.NewInvalidInput("task", nil, "must not be nil")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.reject()
		return errors.ErrPoolClosed
	}

	j := job{task: task, enqueued: time.Now()}

	select {
	case p.tasks <- j:
		p.accept()
		return nil
	default:
	}

	if timeout < 0 {
		p.reject()
		return errors.ErrQueueFull
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case p.tasks <- j:
		p.accept()
		return nil
	case <-expired:
		p.reject()
		return errors.ErrQueueFull
	case <-p.closing:
		p.reject()
		return errors.ErrPoolClosed
	case <-ctx.Done():
		p.reject()
		return ctx.Err()
	}
}

func (p *Pool) accept() {
	p.submitted.Add(1)
	p.cfg.Metrics.Submitted()
}

func (p *Pool) reject() {
	p.rejected.Add(1)
	p.cfg.Metrics.Rejected()
}

// =============================================================================
// Worker
// =============================================================================

func (p *Pool) worker() {
	defer p.wg.Done()

	for j := range p.tasks {
		p.execute(j)
	}
}

// execute runs a task with counter management and panic recovery.
func (p *Pool) execute(j job) {
	p.active.Add(1)
	p.cfg.Metrics.Started()
	start := time.Now()

	var err error
	panicked := false

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			p.panics.Add(1)
			log.Error("panic in storage task", "panic", r, "queued_for", start.Sub(j.enqueued))
		}

		elapsed := time.Since(start)
		p.observe(elapsed)
		if err != nil || panicked {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.active.Add(-1)
		p.cfg.Metrics.Finished(elapsed, err, panicked)
	}()

	ctx := p.baseCtx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	err = j.task(ctx)
	if err != nil {
		log.Debug("storage task failed", "error", err)
	}
}

func (p *Pool) observe(d time.Duration) {
	p.sketchMu.Lock()
	_ = p.sketch.Add(d.Seconds())
	p.sketchMu.Unlock()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Shutdown stops accepting tasks and waits for queued and running tasks.
// If the drain timeout or ctx expires first, the task context is cancelled
// so remaining tasks run with a done context, and ErrDrainTimeout is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	log.Info("executor stopping", "pending", len(p.tasks), "active", p.active.Load())

	p.closeOnce.Do(func() {
		close(p.closing)

		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	drainCtx := ctx
	if p.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, p.cfg.DrainTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		log.Info("executor stopped gracefully")
		return nil
	case <-drainCtx.Done():
		p.cancel()
		log.Warn("executor drain timeout",
			"active_workers", p.active.Load(),
			"pending", len(p.tasks))
		return errors.ErrDrainTimeout
	}
}

// Wait blocks until every worker has exited. Call after Shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// =============================================================================
// Observability
// =============================================================================

// ActiveCount returns the number of workers running a task.
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// PendingCount returns the number of queued tasks.
func (p *Pool) PendingCount() int {
	return len(p.tasks)
}

// UsageRatio returns queue occupancy between 0 and 1.
func (p *Pool) UsageRatio() float64 {
	return float64(len(p.tasks)) / float64(cap(p.tasks))
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

// Stats returns executor statistics.
func (p *Pool) Stats() Stats {
	s := Stats{
		Workers:   p.cfg.Workers,
		Active:    p.ActiveCount(),
		Pending:   p.PendingCount(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}

	p.sketchMu.Lock()
	defer p.sketchMu.Unlock()
	if p.sketch.GetCount() > 0 {
		if v, err := p.sketch.GetValueAtQuantile(0.50); err == nil {
			s.LatencyP50 = time.Duration(v * float64(time.Second))
		}
		if v, err := p.sketch.GetValueAtQuantile(0.99); err == nil {
			s.LatencyP99 = time.Duration(v * float64(time.Second))
		}
	}
	return s
}
