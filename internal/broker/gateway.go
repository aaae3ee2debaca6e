package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Role-set names carried by ActiveSubscriptions.
const (
	SetCommon      = "common"
	SetLeader      = "leader"
	SetBroadcaster = "broadcaster"
)

// GatewayOptions configures a Gateway. Blocks defaults to a
// MemoryBlockList.
type GatewayOptions struct {
	Group             string
	Prefetch          int
	RecreateOnTTLDiff bool
	Blocks            BlockList
}

// Gateway is the core's side of the agent broker: it declares topics,
// signs and encrypts downlink traffic, and routes consumed queues to the
// registered handlers.
type Gateway struct {
	transport Transport
	topo      Topology
	signer    *Signer
	enc       Encryptor
	opts      GatewayOptions

	blocks    BlockList

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewGateway creates a gateway. enc may be nil for no encryption.
func NewGateway(t Transport, topo Topology, signer *Signer, enc Encryptor, opts GatewayOptions) *Gateway {
	if enc == nil {
		enc = plainEncryptor{}
	}
	if opts.Group == "" {
		opts.Group = "yardcore-core"
	}
	blocks := opts.Blocks
	if blocks == nil {
		blocks = NewMemoryBlockList()
	}
	return &Gateway{
		transport: t,
		topo:      topo,
		signer:    signer,
		enc:       enc,
		opts:      opts,
		blocks:    blocks,
		handlers:  map[string]Handler{},
	}
}

// Topology returns the gateway's topology.
func (g *Gateway) Topology() Topology { return g.topo }

// Setup declares the topology on the broker.
func (g *Gateway) Setup(ctx context.Context) error {
	return EnsureTopology(ctx, g.transport.Admin(), g.topo, g.opts.RecreateOnTTLDiff)
}

// Handle registers the handler of a queue. Must be called before the queue
// is subscribed.
func (g *Gateway) Handle(queue string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[queue] = h
}

// Publish sends body on exchange with routingKey, unsigned.
func (g *Gateway) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	topic, err := g.topo.TopicFor(exchange, routingKey)
	if err != nil {
		return err
	}
	return g.transport.Publish(ctx, Message{Exchange: exchange, Topic: topic, RoutingKey: routingKey, Body: body})
}

// SendToAgent encrypts body for the agent, signs it and publishes it on
// the downlink exchange matching the agent's protocol with routing key
// agent.<uuid>.<reason>.
func (g *Gateway) SendToAgent(ctx context.Context, to Target, reason string, body []byte) error {
	if g.signer == nil {
		return errors.New("no signing key configured")
	}
	enc, err := g.enc.Encrypt(body, to)
	if err != nil {
		return fmt.Errorf("encrypt for agent %s: %w", to.UUID, err)
	}
	wrapped, err := g.signer.Wrap(enc)
	if err != nil {
		return err
	}
	exchange := ExchangeDownlink
	if to.Protocol == "MQTT" {
		exchange = ExchangeDownlinkMQTT
	}
	return g.Publish(ctx, exchange, AgentRoutingKey(to.UUID, reason), wrapped)
}

// Subscribe opens consumers for queues and returns them as one set. When
// any consumer fails the ones already opened are cancelled.
func (g *Gateway) Subscribe(ctx context.Context, set string, queues []string) (ActiveSubscriptions, error) {
	active := ActiveSubscriptions{Role: set}
	for _, q := range queues {
		spec, ok := g.topo.Queue(q)
		if !ok {
			active.Cancel()
			return ActiveSubscriptions{}, fmt.Errorf("unknown queue %q", q)
		}
		sub, err := g.transport.Consume(ctx, spec, g.opts.Group, g.opts.Prefetch, g.dispatch(q))
		if err != nil {
			active.Cancel()
			return ActiveSubscriptions{}, fmt.Errorf("consume %s: %w", q, err)
		}
		active.Subs = append(active.Subs, sub)
	}
	slog.Info("Subscribed to queues", "set", set, "queues", active.Queues())
	return active, nil
}

// EnterCommon subscribes the queues every replica consumes.
func (g *Gateway) EnterCommon(ctx context.Context) (ActiveSubscriptions, error) {
	return g.Subscribe(ctx, SetCommon, CommonQueues)
}

// EnterLeader subscribes the leader-only queues.
func (g *Gateway) EnterLeader(ctx context.Context) (ActiveSubscriptions, error) {
	return g.Subscribe(ctx, SetLeader, LeaderQueues)
}

// EnterBroadcaster subscribes the broadcaster-only queues.
func (g *Gateway) EnterBroadcaster(ctx context.Context) (ActiveSubscriptions, error) {
	return g.Subscribe(ctx, SetBroadcaster, BroadcasterQueues)
}

// ExitLeader cancels the subscriptions opened by EnterLeader.
func (g *Gateway) ExitLeader(ctx context.Context, subs ActiveSubscriptions) { g.Exit(ctx, subs) }

// ExitBroadcaster cancels the subscriptions opened by EnterBroadcaster.
func (g *Gateway) ExitBroadcaster(ctx context.Context, subs ActiveSubscriptions) { g.Exit(ctx, subs) }

// Exit cancels a subscription set.
func (g *Gateway) Exit(_ context.Context, subs ActiveSubscriptions) {
	if subs.Len() == 0 {
		return
	}
	slog.Info("Cancelling subscriptions", "set", subs.Role, "queues", subs.Queues())
	subs.Cancel()
}

func (g *Gateway) dispatch(queue string) Handler {
	return func(ctx context.Context, msg Message) error {
		if queue != QueueCheckin {
			if uuid := AgentUUIDFromRoutingKey(msg.RoutingKey); uuid != "" && g.Blocked(ctx, uuid) {
				slog.Debug("Dropping message from disconnected agent", "uuid", uuid, "queue", queue)
				return nil
			}
		}
		g.mu.RLock()
		h := g.handlers[queue]
		g.mu.RUnlock()
		if h == nil {
			return fmt.Errorf("no handler for queue %q", queue)
		}
		return h(ctx, msg)
	}
}

// CloseAgentConnections cuts an agent off: its uplink traffic other than
// check-in is dropped until it checks in again. The block lives in the
// gateway's BlockList, so it reaches every replica sharing that list.
func (g *Gateway) CloseAgentConnections(ctx context.Context, uuid string) error {
	if err := g.blocks.Block(ctx, uuid); err != nil {
		return fmt.Errorf("block agent %s: %w", uuid, err)
	}
	slog.Warn("Agent connection closed", "uuid", uuid)
	return nil
}

// Unblock readmits an agent after a successful check-in.
func (g *Gateway) Unblock(ctx context.Context, uuid string) {
	if err := g.blocks.Unblock(ctx, uuid); err != nil {
		slog.Warn("Agent unblock failed", "uuid", uuid, "error", err)
	}
}

// Blocked reports whether an agent is currently cut off. A list that
// cannot be read lets the traffic through.
func (g *Gateway) Blocked(ctx context.Context, uuid string) bool {
	blocked, err := g.blocks.IsBlocked(ctx, uuid)
	if err != nil {
		slog.Warn("Block list lookup failed", "uuid", uuid, "error", err)
		return false
	}
	return blocked
}
