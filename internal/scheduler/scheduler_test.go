package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartRunsTaskPeriodically(t *testing.T) {
	var runs atomic.Int32
	h := Start(context.Background(), &Task{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	time.Sleep(80 * time.Millisecond)
	h.Stop()

	got := runs.Load()
	if got < 3 {
		t.Fatalf("expected at least 3 runs, got %d", got)
	}
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != got {
		t.Fatal("task kept running after Stop")
	}
}

func TestGuardSkipsTicks(t *testing.T) {
	var allowed atomic.Bool
	var runs atomic.Int32
	h := Start(context.Background(), &Task{
		Name:     "guarded",
		Interval: 10 * time.Millisecond,
		Guard:    allowed.Load,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	defer h.Stop()

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("expected no runs while guard is false, got %d", runs.Load())
	}
	if h.Stats().Skipped == 0 {
		t.Fatal("expected skipped ticks to be counted")
	}

	allowed.Store(true)
	time.Sleep(50 * time.Millisecond)
	if runs.Load() == 0 {
		t.Fatal("expected runs after guard flips to true")
	}
}

func TestEagerRunAndErrorsCounted(t *testing.T) {
	h := Start(context.Background(), &Task{
		Name:     "eager",
		Interval: time.Hour,
		Eager:    true,
		Run: func(ctx context.Context) error {
			return errors.New("boom")
		},
	})
	time.Sleep(20 * time.Millisecond)
	h.Stop()

	st := h.Stats()
	if st.Runs != 1 || st.Errors != 1 {
		t.Fatalf("expected one failed eager run, got %+v", st)
	}
}

func TestSchedulerRunStopsTasksOnCancel(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Register(&Task{
		Name:     "a",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(40 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	if runs.Load() == 0 {
		t.Fatal("expected task to have run")
	}
	h, ok := s.Handle("a")
	if !ok {
		t.Fatal("expected handle for task a")
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("expected task loop to be finished")
	}
}

func TestSemaphoreConcurrencyLimit(t *testing.T) {
	sem := NewSemaphore(2)

	if !sem.TryAcquire() {
		t.Error("first acquire should succeed")
	}
	if !sem.TryAcquire() {
		t.Error("second acquire should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third acquire should fail (cap=2)")
	}
	if sem.Available() != 0 {
		t.Errorf("Available() = %d, want 0", sem.Available())
	}

	sem.Release()
	if sem.Available() != 1 {
		t.Errorf("Available() = %d, want 1", sem.Available())
	}
	if !sem.TryAcquire() {
		t.Error("acquire after release should succeed")
	}
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err == nil {
		t.Fatal("expected acquire to fail while full")
	}
	sem.Release()
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
