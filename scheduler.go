package xroute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/trickstertwo/xlog"
)

// Task is a unit of scheduled work. The context is cancelled only when the
// scheduler is shut down and its grace period expired.
type Task func(ctx context.Context)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock drives the scheduler from c (use clock.NewMock in tests).
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

func WithSchedulerLogger(l *xlog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithPoolSize bounds how many tasks run at the same time (default: 10).
func WithPoolSize(n int) SchedulerOption {
	return func(s *Scheduler) { s.poolSize = n }
}

// Scheduler runs tasks at the times their triggers dictate, on a bounded pool.
// A task never overlaps itself: the next fire time is computed only after the
// current run completed, so an overrun delays the following run.
type Scheduler struct {
	clock    clock.Clock
	logger   *xlog.Logger
	poolSize int
	slots    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[*ScheduledTask]struct{}
	closed bool
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{poolSize: 10}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = xlog.Default()
	}
	if s.poolSize < 1 {
		s.poolSize = 1
	}
	s.slots = make(chan struct{}, s.poolSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.tasks = make(map[*ScheduledTask]struct{})
	return s
}

// Clock returns the clock the scheduler measures time with.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Schedule registers task under trigger and arms its first run.
func (s *Scheduler) Schedule(name string, task Task, trigger Trigger) (*ScheduledTask, error) {
	if task == nil {
		return nil, errors.New("xroute: task must not be nil")
	}
	if trigger == nil {
		return nil, ErrTriggerRequired
	}
	st := &ScheduledTask{
		name:    name,
		s:       s,
		task:    task,
		trigger: trigger,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerShutdown
	}
	s.tasks[st] = struct{}{}
	s.mu.Unlock()

	st.arm()
	return st, nil
}

// Active returns the number of tasks that may still run.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every task and waits for in-flight runs to finish.
// If ctx expires first, running tasks see their context cancelled and
// ErrShutdownTimeout is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := make([]*ScheduledTask, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	defer s.cancel()
	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ErrShutdownTimeout
		}
	}
	return nil
}

func (s *Scheduler) forget(t *ScheduledTask) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// ScheduledTask is the handle returned by Scheduler.Schedule.
type ScheduledTask struct {
	name    string
	s       *Scheduler
	task    Task
	trigger Trigger
	runs    atomic.Uint64

	mu        sync.Mutex
	tc        TriggerContext
	timer     *clock.Timer
	cancelled bool
	running   bool

	done     chan struct{}
	doneOnce sync.Once
}

func (t *ScheduledTask) Name() string { return t.name }

// Runs returns how many times the task completed.
func (t *ScheduledTask) Runs() uint64 { return t.runs.Load() }

// Done is closed once the task will never run again and no run is in progress.
func (t *ScheduledTask) Done() <-chan struct{} { return t.done }

// Cancel stops future runs. A run already in progress is not interrupted, but
// once Cancel returns no new run starts. It reports whether this call cancelled the task.
func (t *ScheduledTask) Cancel() bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	running := t.running
	t.mu.Unlock()

	if !running {
		t.finish()
	}
	return true
}

func (t *ScheduledTask) arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	now := t.s.clock.Now()
	tc := t.tc
	tc.Now = now
	next, ok := t.trigger.NextFireTime(tc)
	if !ok {
		t.cancelled = true
		t.finish()
		return
	}
	t.tc.LastScheduled = next
	t.timer = t.s.clock.AfterFunc(next.Sub(now), t.fire)
}

func (t *ScheduledTask) fire() {
	select {
	case t.s.slots <- struct{}{}:
	case <-t.done:
		return
	}
	defer func() { <-t.s.slots }()

	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.tc.LastActual = t.s.clock.Now()
	t.mu.Unlock()

	t.run()
	t.runs.Add(1)

	t.mu.Lock()
	t.running = false
	t.tc.LastCompleted = t.s.clock.Now()
	cancelled := t.cancelled
	t.mu.Unlock()

	if cancelled {
		t.finish()
		return
	}
	t.arm()
}

func (t *ScheduledTask) run() {
	defer func() {
		if r := recover(); r != nil {
			t.s.logger.With(xlog.Str("task", t.name)).Error().
				Err(fmt.Errorf("%w: %v", ErrHandlerPanic, r)).
				Msg("xroute: scheduled task panicked")
		}
	}()
	t.task(t.s.ctx)
}

func (t *ScheduledTask) finish() {
	t.doneOnce.Do(func() {
		close(t.done)
		t.s.forget(t)
	})
}
