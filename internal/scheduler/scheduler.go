// Package scheduler owns the process's periodic work. Every background
// interval in the pipeline is a named task registered here: one goroutine
// per task, one run at a jittered start, then one per tick. Task errors
// and panics are contained to the run that raised them and never stop
// the loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Canonical task names used by the app wiring.
const (
	TaskScan         = "scan"
	TaskRetryDrain   = "retry-drain"
	TaskDrawdown     = "drawdown-check"
	TaskBlackSwan    = "blackswan-check"
	TaskArchiveSweep = "archive-sweep"
)

// TaskFunc is one unit of periodic work.
type TaskFunc func(ctx context.Context) error

// Task names a periodic job and its cadence.
type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

// Config holds the runner parameters.
type Config struct {
	DrainTimeout time.Duration // how long Stop waits for in-flight runs
	StartJitter  time.Duration // max random delay before a task's first run
}

// TaskStatus is a point-in-time view of one task for the control API.
type TaskStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Runs      uint64    `json:"runs"`
	Errors    uint64    `json:"errors"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

type task struct {
	def     Task
	runs    uint64
	errs    uint64
	lastRun time.Time
	lastErr string
}

// Scheduler runs registered tasks under one shared context. Register
// everything first, then Start once; Stop cancels the loops and waits for
// runs already in flight.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []*task
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates an empty scheduler. DrainTimeout defaults to 10s.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Register adds a named task. All registration happens before Start.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return domain.E(domain.KindConfiguration, "scheduler: task needs a name")
	}
	if t.Interval <= 0 {
		return domain.E(domain.KindConfiguration, "scheduler: task %s needs a positive interval", t.Name)
	}
	if t.Run == nil {
		return domain.E(domain.KindConfiguration, "scheduler: task %s has no run function", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return domain.E(domain.KindValidation, "scheduler: cannot register %s after start", t.Name)
	}
	for _, existing := range s.tasks {
		if existing.def.Name == t.Name {
			return domain.E(domain.KindConfiguration, "scheduler: duplicate task %s", t.Name)
		}
	}
	s.tasks = append(s.tasks, &task{def: t})
	return nil
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return domain.E(domain.KindValidation, "scheduler already started")
	}
	if len(s.tasks) == 0 {
		return domain.E(domain.KindConfiguration, "scheduler: no tasks registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group = new(errgroup.Group)
	s.started = true

	for _, t := range s.tasks {
		s.group.Go(func() error {
			s.loop(runCtx, t)
			return nil
		})
	}
	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels the task loops and waits up to DrainTimeout for runs in
// flight. Items a task did not get to stay where they are; the durable
// queues pick them up on the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		s.logger.Info("scheduler stopped")
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		return domain.E(domain.KindInternal, "scheduler: tasks still running after %s drain timeout", s.cfg.DrainTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports per-task run counters for the control API.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:      t.def.Name,
			Interval:  t.def.Interval.String(),
			Runs:      t.runs,
			Errors:    t.errs,
			LastRun:   t.lastRun,
			LastError: t.lastErr,
		})
	}
	return out
}

// loop runs a task immediately after the jitter delay, then on every
// tick until the context ends.
func (s *Scheduler) loop(ctx context.Context, t *task) {
	if s.cfg.StartJitter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(rand.N(s.cfg.StartJitter)):
		}
	}
	s.runOnce(ctx, t)

	ticker := time.NewTicker(t.def.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("task loop stopped", slog.String("task", t.def.Name))
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

// runOnce executes one tick. A shutdown-time failure is not an error: a
// task interrupted mid-run by cancellation logs at debug and keeps its
// error counter unchanged.
func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			t.errs++
			t.lastErr = fmt.Sprintf("panic: %v", r)
			s.mu.Unlock()
			s.logger.ErrorContext(ctx, "task panicked",
				slog.String("task", t.def.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	start := time.Now()
	s.mu.Lock()
	t.runs++
	t.lastRun = start
	s.mu.Unlock()

	err := t.def.Run(ctx)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() == nil {
		s.mu.Lock()
		t.errs++
		t.lastErr = err.Error()
		s.mu.Unlock()
	}

	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "task completed",
			slog.String("task", t.def.Name),
			slog.Duration("elapsed", elapsed),
		)
	case ctx.Err() != nil:
		s.logger.DebugContext(ctx, "task interrupted by shutdown", slog.String("task", t.def.Name))
	default:
		s.logger.WarnContext(ctx, "task failed",
			slog.String("task", t.def.Name),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
	}
}
