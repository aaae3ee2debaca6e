package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := NewEventBus()
	a := b.Subscribe("orchestrator")
	n := b.Subscribe("notify")

	b.Publish(ChangeEvent{Table: TableWorkProcesses, Op: OpInsert, ID: 7, Status: "dispatched"})

	for name, ch := range map[string]<-chan ChangeEvent{"orchestrator": a, "notify": n} {
		select {
		case evt := <-ch:
			if evt.ID != 7 || evt.Status != "dispatched" {
				t.Errorf("%s: unexpected event %+v", name, evt)
			}
			if evt.Timestamp.IsZero() {
				t.Errorf("%s: expected timestamp to be set", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: event not delivered", name)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewEventBus()
	b.bufSize = 1
	ch := b.Subscribe("slow")

	b.Publish(ChangeEvent{Table: TableAgents, ID: 1})
	b.Publish(ChangeEvent{Table: TableAgents, ID: 2})

	if got := b.Dropped("slow"); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
	evt := <-ch
	if evt.ID != 1 {
		t.Fatalf("expected first event retained, got %d", evt.ID)
	}
}

func TestNextRespectsContext(t *testing.T) {
	b := NewEventBus()
	ch := b.Subscribe("idle")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := Next(ctx, ch); ok {
		t.Fatal("expected Next to return false on context timeout")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewEventBus()
	ch := b.Subscribe("tmp")
	if again := b.Subscribe("tmp"); again != ch {
		t.Fatal("expected duplicate subscribe to return the same channel")
	}
	b.Unsubscribe("tmp")
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Subscribers())
	}
}
