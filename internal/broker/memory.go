package broker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MemoryTransport is a process-local Transport. Delivery is synchronous:
// Publish hands the message to one subscriber per consumer group whose
// queue binds the topic, rotating between members of a group.
type MemoryTransport struct {
	mu        sync.Mutex
	groups    map[string][]*memorySubscription
	next      map[string]int
	published []Message
	topics    map[string]time.Duration
	deleted   []string
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *MemoryTransport {
	return &MemoryTransport{
		groups: map[string][]*memorySubscription{},
		next:   map[string]int{},
		topics: map[string]time.Duration{},
	}
}

type memorySubscription struct {
	t     *MemoryTransport
	ctx   context.Context
	group string
	spec  QueueSpec
	h     Handler
}

func (s *memorySubscription) Queue() string { return s.spec.Name }

func (s *memorySubscription) Cancel() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	members := s.t.groups[s.group]
	s.t.groups[s.group] = slices.DeleteFunc(members, func(m *memorySubscription) bool { return m == s })
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(ctx context.Context, msg Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	t.mu.Lock()
	t.published = append(t.published, msg)
	var targets []*memorySubscription
	for g, members := range t.groups {
		if len(members) == 0 || !slices.Contains(members[0].spec.Topics, msg.Topic) {
			continue
		}
		i := t.next[g] % len(members)
		t.next[g] = i + 1
		targets = append(targets, members[i])
	}
	t.mu.Unlock()

	for _, s := range targets {
		if err := s.h(s.ctx, msg); err != nil {
			slog.Warn("Message handler failed", "queue", s.spec.Name, "routing_key", msg.RoutingKey, "error", err)
		}
	}
	return nil
}

// Consume implements Transport.
func (t *MemoryTransport) Consume(ctx context.Context, spec QueueSpec, group string, prefetch int, h Handler) (Subscription, error) {
	s := &memorySubscription{t: t, ctx: ctx, group: group + "." + spec.Name, spec: spec, h: h}
	t.mu.Lock()
	t.groups[s.group] = append(t.groups[s.group], s)
	t.mu.Unlock()
	return s, nil
}

// Admin implements Transport.
func (t *MemoryTransport) Admin() TopicAdmin { return memoryAdmin{t} }

// Close implements Transport.
func (t *MemoryTransport) Close() error { return nil }

// Published returns the messages published to topic, or all when topic is empty.
func (t *MemoryTransport) Published(topic string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, m := range t.published {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets published messages.
func (t *MemoryTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = nil
}

// Consumers returns the number of live subscriptions of a queue.
func (t *MemoryTransport) Consumers(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, members := range t.groups {
		for _, m := range members {
			if m.spec.Name == queue {
				n++
			}
		}
	}
	return n
}

// SetTopic pre-creates a topic with the given retention.
func (t *MemoryTransport) SetTopic(topic string, retention time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topic] = retention
}

// DeletedTopics lists topics removed through the admin interface.
func (t *MemoryTransport) DeletedTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.deleted)
}

type memoryAdmin struct{ t *MemoryTransport }

func (a memoryAdmin) TopicRetention(ctx context.Context, topic string) (time.Duration, bool, error) {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	r, ok := a.t.topics[topic]
	return r, ok, nil
}

func (a memoryAdmin) CreateTopic(ctx context.Context, topic string, retention time.Duration) error {
	a.t.SetTopic(topic, retention)
	return nil
}

func (a memoryAdmin) DeleteTopic(ctx context.Context, topic string) error {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	delete(a.t.topics, topic)
	a.t.deleted = append(a.t.deleted, topic)
	return nil
}
