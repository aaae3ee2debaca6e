// Package bus provides the in-process change-notification bus that links the
// database layer to the orchestrator and the notification buffer.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Well-known table names carried by change events.
const (
	TableWorkProcesses   = "work_processes"
	TableServiceRequests = "service_requests"
	TableAssignments     = "assignments"
	TableAgents          = "agents"
	TableSystemLogs      = "system_logs"
	TableMapObjects      = "map_objects"
	TableInstantActions  = "instant_actions"
)

// Operation constants for change events.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeEvent describes a row change. Status carries the row's status after
// the change when the table has one.
type ChangeEvent struct {
	Table     string         `json:"table"`
	Op        string         `json:"op"`
	ID        int64          `json:"id"`
	Status    string         `json:"status,omitempty"`
	YardID    int64          `json:"yard_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventBus fans change events out to subscribers. Each subscriber owns a
// buffered channel; when it is full the event is dropped for that subscriber
// only, since every consumer re-reads state from the database.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string]chan ChangeEvent
	bufSize int
	dropped map[string]int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string]chan ChangeEvent),
		bufSize: 256,
		dropped: make(map[string]int),
	}
}

// Subscribe registers a named subscriber and returns its channel.
// Subscribing twice with the same name returns the existing channel.
func (b *EventBus) Subscribe(name string) <-chan ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan ChangeEvent, b.bufSize)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish delivers an event to every subscriber without blocking.
func (b *EventBus) Publish(evt ChangeEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped[name]++
			slog.Debug("EventBus: subscriber full, event dropped", "subscriber", name, "table", evt.Table, "id", evt.ID)
		}
	}
}

// Next blocks until the subscriber receives an event or ctx is cancelled.
func Next(ctx context.Context, ch <-chan ChangeEvent) (ChangeEvent, bool) {
	select {
	case evt, ok := <-ch:
		return evt, ok
	case <-ctx.Done():
		return ChangeEvent{}, false
	}
}

// Dropped returns the number of events dropped for a subscriber.
func (b *EventBus) Dropped(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[name]
}

// Subscribers returns the number of registered subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
