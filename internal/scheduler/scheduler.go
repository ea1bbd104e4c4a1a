// Package scheduler runs named recurring tasks on independent, jittered
// timers. Each task is an explicit loop: wait, fire, draw a fresh delay,
// repeat. Firings are never queued; if a previous invocation is still running
// when the timer goes off, that firing is skipped with a warning and the task
// simply reschedules.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TaskConfig describes one recurring task. Name is the uniqueness key.
type TaskConfig struct {
	Name string

	// Delay before each run is drawn uniformly from [IntervalMin,
	// IntervalMax], fresh after every firing.
	IntervalMin time.Duration
	IntervalMax time.Duration

	// RunOnStart fires the task immediately when the scheduler starts,
	// counting as its first execution.
	RunOnStart bool

	// Enabled, when set, is consulted at each firing. A false result skips
	// the run (not an error) and reschedules normally.
	Enabled func() bool

	// Run is the task body. Errors and panics are logged and treated as
	// completed runs; they never stop the schedule.
	Run func(ctx context.Context) error
}

// NewTask builds a config with the common defaults (run on start).
func NewTask(name string, min, max time.Duration, run func(ctx context.Context) error) TaskConfig {
	return TaskConfig{
		Name:        name,
		IntervalMin: min,
		IntervalMax: max,
		RunOnStart:  true,
		Run:         run,
	}
}

type task struct {
	cfg     TaskConfig
	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	nextRun time.Time
	runs    int64
	skips   int64
}

// Scheduler owns the task loops. Register everything before Start; Stop (or
// context cancellation) clears all pending timers.
type Scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:   log,
		tasks: make(map[string]*task),
	}
}

// Register adds a task. Duplicate names and malformed intervals are
// configuration errors and fail loudly.
func (s *Scheduler) Register(cfg TaskConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("scheduler: task name required")
	}
	if cfg.Run == nil {
		return fmt.Errorf("scheduler: task %q has no body", cfg.Name)
	}
	if cfg.IntervalMin <= 0 || cfg.IntervalMax < cfg.IntervalMin {
		return fmt.Errorf("scheduler: task %q has invalid interval [%v, %v]",
			cfg.Name, cfg.IntervalMin, cfg.IntervalMax)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: cannot register %q after start", cfg.Name)
	}
	if _, exists := s.tasks[cfg.Name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", cfg.Name)
	}
	s.tasks[cfg.Name] = &task{cfg: cfg}
	s.order = append(s.order, cfg.Name)
	return nil
}

// Start launches one loop goroutine per registered task. It returns
// immediately; the loops run until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, name := range names {
		t := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(names)))
}

// Stop cancels every task loop and waits for in-flight bodies to observe the
// cancellation. Pending timers are cleared; nothing fires after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	if t.cfg.RunOnStart {
		s.fire(ctx, t)
	}

	for {
		delay := jitter(t.cfg.IntervalMin, t.cfg.IntervalMax)
		t.mu.Lock()
		t.nextRun = time.Now().Add(delay)
		t.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.fire(ctx, t)
	}
}

// fire attempts one invocation. The body runs on its own goroutine so a slow
// run cannot stall the loop's timing; the running flag is what guarantees a
// task never executes twice concurrently.
func (s *Scheduler) fire(ctx context.Context, t *task) {
	if t.cfg.Enabled != nil && !t.cfg.Enabled() {
		s.log.Debug("task disabled, skipping firing", zap.String("task", t.cfg.Name))
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		atomic.AddInt64(&t.skips, 1)
		s.log.Warn("task still running, skipping firing", zap.String("task", t.cfg.Name))
		return
	}

	t.mu.Lock()
	t.lastRun = time.Now()
	t.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked",
					zap.String("task", t.cfg.Name),
					zap.Any("panic", r))
			}
		}()

		start := time.Now()
		if err := t.cfg.Run(ctx); err != nil {
			s.log.Error("task failed",
				zap.String("task", t.cfg.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		} else {
			s.log.Debug("task completed",
				zap.String("task", t.cfg.Name),
				zap.Duration("elapsed", time.Since(start)))
		}
		atomic.AddInt64(&t.runs, 1)
	}()
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// TaskStatus is a snapshot row for diagnostics.
type TaskStatus struct {
	Name    string
	Running bool
	LastRun time.Time
	NextRun time.Time
	Runs    int64
	Skips   int64
}

// Snapshot reports per-task status in registration order.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.order))
	for _, name := range s.order {
		t := s.tasks[name]
		t.mu.Lock()
		out = append(out, TaskStatus{
			Name:    name,
			Running: t.running.Load(),
			LastRun: t.lastRun,
			NextRun: t.nextRun,
			Runs:    atomic.LoadInt64(&t.runs),
			Skips:   atomic.LoadInt64(&t.skips),
		})
		t.mu.Unlock()
	}
	return out
}
