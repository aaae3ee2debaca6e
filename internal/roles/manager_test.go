package roles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yardcore/yardcore/internal/broker"
)

type countingStore struct {
	LeaseStore
	calls atomic.Int32
}

func (c *countingStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.calls.Add(1)
	return c.LeaseStore.SetNX(ctx, key, value, ttl)
}

func (c *countingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.calls.Add(1)
	return c.LeaseStore.Set(ctx, key, value, ttl)
}

func (c *countingStore) Get(ctx context.Context, key string) (string, bool, error) {
	c.calls.Add(1)
	return c.LeaseStore.Get(ctx, key)
}

type transitions struct {
	enters atomic.Int32
	exits  atomic.Int32
}

func (tr *transitions) callbacks() Callbacks {
	return Callbacks{
		Enter: func(ctx context.Context) (broker.ActiveSubscriptions, error) {
			tr.enters.Add(1)
			return broker.ActiveSubscriptions{Role: "test"}, nil
		},
		Exit: func(ctx context.Context, subs broker.ActiveSubscriptions) {
			tr.exits.Add(1)
		},
	}
}

func replicated(id string) Options {
	return Options{NodeID: id, Replicated: true, TTL: time.Second, Jitter: func(time.Duration) time.Duration { return 0 }}
}

func TestOnlyOneLeader(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	var leaders atomic.Int32
	for i := range 8 {
		m := NewManager(store, replicated(string(rune('a'+i))))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryToBecomeLeader(ctx, nil, nil) {
				leaders.Add(1)
			}
		}()
	}
	wg.Wait()
	if leaders.Load() != 1 {
		t.Fatalf("leaders = %d, want 1", leaders.Load())
	}
}

func TestEnterOnceAcrossRenewals(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, replicated("n1"))
	var tr transitions
	cb := tr.callbacks()
	ctx := context.Background()
	for range 5 {
		if !m.TryToBecomeLeader(ctx, cb.Enter, cb.Exit) {
			t.Fatal("lost leadership on renewal")
		}
	}
	if tr.enters.Load() != 1 || tr.exits.Load() != 0 {
		t.Errorf("enters=%d exits=%d, want 1/0", tr.enters.Load(), tr.exits.Load())
	}
	if !m.IsLeader() || m.IsBroadcaster() {
		t.Errorf("status = %+v", m.Status())
	}
}

func TestExitOnceOnLoss(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, replicated("n1"))
	var tr transitions
	cb := tr.callbacks()
	ctx := context.Background()

	m.TryToBecomeBroadcaster(ctx, cb.Enter, cb.Exit)
	if err := store.Set(ctx, string(Broadcaster), "n2", time.Second); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if m.TryToBecomeBroadcaster(ctx, cb.Enter, cb.Exit) {
			t.Fatal("still broadcaster after takeover")
		}
	}
	if tr.exits.Load() != 1 {
		t.Errorf("exits = %d, want 1", tr.exits.Load())
	}
	if m.IsBroadcaster() {
		t.Error("IsBroadcaster after loss")
	}
}

func TestStoreErrorKeepsRole(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, replicated("n1"))
	var tr transitions
	cb := tr.callbacks()
	ctx := context.Background()

	m.TryToBecomeLeader(ctx, cb.Enter, cb.Exit)
	store.Fail(errors.New("redis down"))
	if !m.TryToBecomeLeader(ctx, cb.Enter, cb.Exit) {
		t.Error("role dropped on store error")
	}
	if tr.exits.Load() != 0 {
		t.Error("exit fired on store error")
	}
	store.Fail(nil)
	if !m.TryToBecomeLeader(ctx, cb.Enter, cb.Exit) {
		t.Error("role not renewed after store recovery")
	}
}

func TestSingleModeNoStoreTraffic(t *testing.T) {
	store := &countingStore{LeaseStore: NewMemoryStore()}
	m := NewManager(store, Options{NodeID: "solo"})
	var lt, bt transitions
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, lt.callbacks(), bt.callbacks()) }()

	deadline := time.Now().Add(time.Second)
	for !(m.IsLeader() && m.IsBroadcaster()) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !m.IsLeader() || !m.IsBroadcaster() {
		t.Fatalf("status = %+v", m.Status())
	}
	if lt.enters.Load() != 1 || bt.enters.Load() != 1 {
		t.Errorf("enters leader=%d broadcaster=%d", lt.enters.Load(), bt.enters.Load())
	}
	if n := store.calls.Load(); n != 0 {
		t.Errorf("store calls = %d, want 0", n)
	}
}

func TestRunFailover(t *testing.T) {
	store := NewMemoryStore()
	opts := func(id string) Options {
		o := replicated(id)
		o.TTL = 100 * time.Millisecond
		return o
	}
	a := NewManager(store, opts("a"))
	b := NewManager(store, opts("b"))

	ctxA, cancelA := context.WithCancel(context.Background())
	go a.Run(ctxA, Callbacks{}, Callbacks{})
	waitFor(t, a.IsLeader)

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	go b.Run(ctxB, Callbacks{}, Callbacks{})
	time.Sleep(60 * time.Millisecond)
	if b.IsLeader() {
		t.Fatal("b became leader while a holds the lease")
	}

	cancelA()
	waitFor(t, b.IsLeader)
	waitFor(t, b.IsBroadcaster)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
