// Package scheduler runs the periodic background tasks of a node: liveness
// and rate-limit sweeps, the orchestrator's database sweep and the
// notification buffer flush. Each task is a cancellable ticker loop with an
// explicit stop handle.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task defines a periodic unit of work.
type Task struct {
	Name     string                          // Unique task identifier.
	Interval time.Duration                   // Tick period.
	Guard    func() bool                     // Optional; the tick is skipped when it returns false.
	Run      func(ctx context.Context) error // The work itself.
	Eager    bool                            // Run once immediately on start.
}

// Stats counts what happened to a task's ticks.
type Stats struct {
	Runs    int64
	Skipped int64
	Errors  int64
}

// Handle controls a started task.
type Handle struct {
	task   *Task
	cancel context.CancelFunc
	done   chan struct{}
	busy   *Semaphore

	runs    atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
}

// Stop cancels the task loop and waits for the current run to return.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed when the task loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stats returns a snapshot of the task counters.
func (h *Handle) Stats() Stats {
	return Stats{Runs: h.runs.Load(), Skipped: h.skipped.Load(), Errors: h.errors.Load()}
}

// Scheduler manages task registration and lifecycle.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	handles map[string]*Handle
}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{
		tasks:   make(map[string]*Task),
		handles: make(map[string]*Handle),
	}
}

// Register adds a task to the scheduler. Tasks registered after Run are
// started immediately by Run's caller via Start.
func (s *Scheduler) Register(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.Name] = task
	slog.Info("Scheduler task registered", "name", task.Name, "interval", task.Interval)
}

// Tasks returns the registered tasks (snapshot).
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Handle returns the handle of a started task.
func (s *Scheduler) Handle(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	return h, ok
}

// Run starts every registered task and blocks until ctx is cancelled, then
// stops them all.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, t := range s.Tasks() {
		h := Start(ctx, t)
		s.mu.Lock()
		s.handles[t.Name] = h
		s.mu.Unlock()
	}
	slog.Info("Scheduler started", "tasks", len(s.handles))
	<-ctx.Done()
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
	slog.Info("Scheduler stopped")
	return ctx.Err()
}

// Start launches a single task loop and returns its handle.
func Start(ctx context.Context, task *Task) *Handle {
	interval := task.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		task:   task,
		cancel: cancel,
		done:   make(chan struct{}),
		busy:   NewSemaphore(1),
	}
	go func() {
		defer close(h.done)
		if task.Eager {
			h.tick(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.tick(ctx)
			}
		}
	}()
	return h
}

// tick runs the task once unless its guard refuses or the previous run is
// still in flight. Runs are synchronous so Stop waits for them.
func (h *Handle) tick(ctx context.Context) {
	if h.task.Guard != nil && !h.task.Guard() {
		h.skipped.Add(1)
		return
	}
	if !h.busy.TryAcquire() {
		h.skipped.Add(1)
		slog.Debug("Scheduler tick skipped: previous run still active", "task", h.task.Name)
		return
	}
	defer h.busy.Release()
	h.runs.Add(1)
	if err := h.task.Run(ctx); err != nil && ctx.Err() == nil {
		h.errors.Add(1)
		slog.Warn("Scheduler task failed", "task", h.task.Name, "error", err)
	}
}
