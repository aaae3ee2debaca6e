package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Exchanges (topic families).
const (
	ExchangeAnonymous    = "anonymous"
	ExchangeUplink       = "uplink"
	ExchangeDownlink     = "downlink"
	ExchangeDownlinkMQTT = "downlink.mqtt"
)

// Queues consumed by the core.
const (
	QueueCheckin       = "checkin"
	QueueState         = "state"
	QueueUpdate        = "update"
	QueueVisualization = "visualization"
	QueueMissionReq    = "mission_req"
	QueueSummaryReq    = "summary_req"
	QueueDatabaseReq   = "database_req"
	QueueFactSheet     = "fact_sheet"
)

// Role-dependent consumption sets.
var (
	CommonQueues      = []string{QueueCheckin, QueueMissionReq, QueueSummaryReq, QueueDatabaseReq, QueueFactSheet}
	LeaderQueues      = []string{QueueState, QueueUpdate}
	BroadcasterQueues = []string{QueueVisualization}
)

// QueueSpec describes one consumable queue and the topics backing it.
// Retention is the message TTL; zero keeps the broker default.
type QueueSpec struct {
	Name      string
	Topics    []string
	Retention time.Duration
}

// Topology maps exchanges, routing keys and queues onto topic names.
type Topology struct {
	Prefix string
	Queues map[string]QueueSpec
}

// NewTopology builds the topology for a prefix with the given message TTLs
// for the visualization and state queues.
func NewTopology(prefix string, visualizationTTL, stateTTL time.Duration) Topology {
	if prefix == "" {
		prefix = "yardcore"
	}
	t := Topology{Prefix: prefix, Queues: map[string]QueueSpec{}}
	for _, q := range []string{QueueCheckin, QueueState, QueueUpdate, QueueVisualization,
		QueueMissionReq, QueueSummaryReq, QueueDatabaseReq, QueueFactSheet} {
		spec := QueueSpec{Name: q, Topics: []string{t.uplinkTopic(q)}}
		switch q {
		case QueueCheckin:
			spec.Topics = append(spec.Topics, t.topic(ExchangeAnonymous))
		case QueueVisualization:
			spec.Retention = visualizationTTL
		case QueueState:
			spec.Retention = stateTTL
		}
		t.Queues[q] = spec
	}
	return t
}

func (t Topology) topic(exchange string) string { return t.Prefix + "." + exchange }

func (t Topology) uplinkTopic(queue string) string {
	return t.Prefix + "." + ExchangeUplink + "." + queue
}

// Queue returns the spec of a queue.
func (t Topology) Queue(name string) (QueueSpec, bool) {
	q, ok := t.Queues[name]
	return q, ok
}

// TopicFor resolves the topic a message published on exchange with
// routingKey lands in.
func (t Topology) TopicFor(exchange, routingKey string) (string, error) {
	switch exchange {
	case ExchangeAnonymous, ExchangeDownlink, ExchangeDownlinkMQTT:
		return t.topic(exchange), nil
	case ExchangeUplink:
		q := QueueForRoutingKey(routingKey)
		if _, ok := t.Queues[q]; !ok {
			return "", fmt.Errorf("no uplink queue for routing key %q", routingKey)
		}
		return t.uplinkTopic(q), nil
	}
	return "", fmt.Errorf("unknown exchange %q", exchange)
}

// Topics returns every topic of the topology with its desired retention.
func (t Topology) Topics() map[string]time.Duration {
	out := map[string]time.Duration{
		t.topic(ExchangeDownlink):     0,
		t.topic(ExchangeDownlinkMQTT): 0,
	}
	for _, q := range t.Queues {
		for _, topic := range q.Topics {
			if cur, ok := out[topic]; !ok || q.Retention > cur {
				out[topic] = q.Retention
			}
		}
	}
	return out
}

// QueueForRoutingKey returns the queue an uplink routing key binds to:
// the last dot-separated segment (agent.<uuid>.state -> state).
func QueueForRoutingKey(routingKey string) string {
	if i := strings.LastIndex(routingKey, "."); i >= 0 {
		return routingKey[i+1:]
	}
	return routingKey
}

// AgentUUIDFromRoutingKey extracts <uuid> from agent.<uuid>.<reason>.
func AgentUUIDFromRoutingKey(routingKey string) string {
	parts := strings.Split(routingKey, ".")
	if len(parts) >= 3 && parts[0] == "agent" {
		return parts[1]
	}
	return ""
}

// AgentRoutingKey builds agent.<uuid>.<reason>.
func AgentRoutingKey(uuid, reason string) string {
	return "agent." + uuid + "." + reason
}

// TopicAdmin manages topics on the broker.
type TopicAdmin interface {
	// TopicRetention returns the topic's retention and whether it exists.
	TopicRetention(ctx context.Context, topic string) (time.Duration, bool, error)
	CreateTopic(ctx context.Context, topic string, retention time.Duration) error
	DeleteTopic(ctx context.Context, topic string) error
}

// EnsureTopology creates missing topics. A topic whose retention differs
// from the desired message TTL is deleted and recreated when recreate is
// set; otherwise the mismatch is only logged.
func EnsureTopology(ctx context.Context, admin TopicAdmin, topo Topology, recreate bool) error {
	for topic, want := range topo.Topics() {
		have, exists, err := admin.TopicRetention(ctx, topic)
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", topic, err)
		}
		if !exists {
			slog.Info("Creating topic", "topic", topic, "retention", want)
			if err := admin.CreateTopic(ctx, topic, want); err != nil {
				return fmt.Errorf("create topic %s: %w", topic, err)
			}
			continue
		}
		if want <= 0 || have == want {
			continue
		}
		if !recreate {
			slog.Warn("Topic retention differs from configuration; keeping existing topic",
				"topic", topic, "have", have, "want", want)
			continue
		}
		slog.Warn("Topic retention differs from configuration; deleting and recreating topic",
			"topic", topic, "have", have, "want", want)
		if err := admin.DeleteTopic(ctx, topic); err != nil {
			return fmt.Errorf("delete topic %s: %w", topic, err)
		}
		if err := admin.CreateTopic(ctx, topic, want); err != nil {
			return fmt.Errorf("recreate topic %s: %w", topic, err)
		}
	}
	return nil
}
