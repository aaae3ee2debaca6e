// Package cache holds the hot state of agents and map objects between the
// high-frequency telemetry handlers and the notification buffer. Entries are
// merged field by field and remembered as touched until the next Drain.
package cache

import (
	"context"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Kind partitions cache entries.
type Kind string

const (
	AgentPose   Kind = "agent_pose"
	AgentStatus Kind = "agent_status"
	MapObject   Kind = "map_object"
)

// Entry is the last-known state of one object.
type Entry struct {
	Kind      Kind           `json:"kind"`
	ID        int64          `json:"id"`
	UUID      string         `json:"uuid,omitempty"`
	YardID    int64          `json:"yard_id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key identifies the entry within its kind: the uuid for agents, the id
// otherwise.
func (e Entry) Key() string {
	if e.UUID != "" {
		return e.UUID
	}
	return strconv.FormatInt(e.ID, 10)
}

// Store is the cache contract shared by the process-local and Redis
// implementations.
type Store interface {
	// Touch merges e into the cached entry and marks it touched.
	Touch(ctx context.Context, e Entry) error
	Get(ctx context.Context, kind Kind, key string) (Entry, bool, error)
	// Drain returns the entries touched since the previous Drain of kind
	// and clears the touched set.
	Drain(ctx context.Context, kind Kind) ([]Entry, error)
	Close() error
}

// Memory is the process-local Store.
type Memory struct {
	mu      sync.Mutex
	entries map[Kind]map[string]*Entry
	touched map[Kind]map[string]struct{}
	now     func() time.Time
}

// NewMemory creates an empty process-local cache.
func NewMemory() *Memory {
	return &Memory{
		entries: map[Kind]map[string]*Entry{},
		touched: map[Kind]map[string]struct{}{},
		now:     time.Now,
	}
}

// Touch implements Store.
func (m *Memory) Touch(_ context.Context, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = m.now()
	}
	key := e.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.entries[e.Kind]
	if byKey == nil {
		byKey = map[string]*Entry{}
		m.entries[e.Kind] = byKey
	}
	cur, ok := byKey[key]
	if !ok {
		cur = &Entry{Kind: e.Kind, Fields: map[string]any{}}
		byKey[key] = cur
	}
	merge(cur, e)

	t := m.touched[e.Kind]
	if t == nil {
		t = map[string]struct{}{}
		m.touched[e.Kind] = t
	}
	t[key] = struct{}{}
	return nil
}

func merge(dst *Entry, src Entry) {
	if src.ID != 0 {
		dst.ID = src.ID
	}
	if src.UUID != "" {
		dst.UUID = src.UUID
	}
	if src.YardID != 0 {
		dst.YardID = src.YardID
	}
	maps.Copy(dst.Fields, src.Fields)
	dst.UpdatedAt = src.UpdatedAt
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, kind Kind, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[kind][key]
	if !ok {
		return Entry{}, false, nil
	}
	return clone(e), true, nil
}

// Drain implements Store. Entries come back ordered by key.
func (m *Memory) Drain(_ context.Context, kind Kind) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.touched[kind]))
	for k := range m.touched[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := m.entries[kind][k]; ok {
			out = append(out, clone(e))
		}
	}
	delete(m.touched, kind)
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func clone(e *Entry) Entry {
	c := *e
	c.Fields = maps.Clone(e.Fields)
	return c
}
