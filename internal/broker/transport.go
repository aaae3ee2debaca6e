// Package broker is the agent-facing transport: topic topology, signed and
// optionally encrypted publishing, and role-dependent consumption. Kafka is
// the production transport; MemoryTransport serves tests and single-process
// development.
package broker

import (
	"context"
	"time"
)

// Message is one broker message.
type Message struct {
	Exchange   string
	Topic      string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Time       time.Time
}

// Handler processes a consumed message.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active consumer on one queue.
type Subscription interface {
	Queue() string
	// Cancel stops the consumer and waits for in-flight handlers.
	Cancel()
}

// Transport moves messages to and from the broker.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	// Consume starts a competing consumer of spec in group with at most
	// prefetch handlers in flight.
	Consume(ctx context.Context, spec QueueSpec, group string, prefetch int, h Handler) (Subscription, error)
	Admin() TopicAdmin
	Close() error
}

// ActiveSubscriptions is the set of consumers opened when a role was
// entered; exiting the role cancels exactly these.
type ActiveSubscriptions struct {
	Role string
	Subs []Subscription
}

// Queues lists the queue names of the set.
func (a ActiveSubscriptions) Queues() []string {
	out := make([]string, 0, len(a.Subs))
	for _, s := range a.Subs {
		out = append(out, s.Queue())
	}
	return out
}

// Len returns the number of subscriptions.
func (a ActiveSubscriptions) Len() int { return len(a.Subs) }

// Cancel cancels every subscription in the set.
func (a ActiveSubscriptions) Cancel() {
	for _, s := range a.Subs {
		s.Cancel()
	}
}
