// Package roles elects exactly one Leader and one Broadcaster among the
// replicas of a deployment using TTL leases in a shared store.
package roles

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yardcore/yardcore/internal/broker"
	"github.com/yardcore/yardcore/internal/config"
)

// Role names double as lease keys.
type Role string

const (
	Leader      Role = "leader"
	Broadcaster Role = "broadcaster"
)

// EnterFunc runs once when a role is acquired. The returned subscriptions
// are handed back to the matching ExitFunc when the role is lost.
type EnterFunc func(ctx context.Context) (broker.ActiveSubscriptions, error)

// ExitFunc runs once when a held role is lost.
type ExitFunc func(ctx context.Context, subs broker.ActiveSubscriptions)

// Callbacks pairs the transitions of one role.
type Callbacks struct {
	Enter EnterFunc
	Exit  ExitFunc
}

// Options configures a Manager.
type Options struct {
	NodeID     string
	Replicated bool
	TTL        time.Duration
	MaxJitter  time.Duration
	KeyPrefix  string
	// Jitter returns a random delay in [0, max). Defaults to math/rand.
	Jitter func(max time.Duration) time.Duration
}

// OptionsFromConfig builds Options from the roles and redis settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		NodeID:     cfg.Roles.NodeID,
		Replicated: cfg.Roles.Replicated,
		TTL:        cfg.Roles.LeaseTTL,
		MaxJitter:  cfg.Roles.MaxJitter,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	}
}

type roleState struct {
	held bool
	subs broker.ActiveSubscriptions
}

// Manager runs the leader and broadcaster elections for this node.
type Manager struct {
	store LeaseStore
	opts  Options

	mu    sync.Mutex
	state map[Role]*roleState
}

// Status is a snapshot of the node's roles.
type Status struct {
	NodeID      string `json:"node_id"`
	Replicated  bool   `json:"replicated"`
	Leader      bool   `json:"leader"`
	Broadcaster bool   `json:"broadcaster"`
}

// NewManager creates a Manager. A node id is generated when empty.
func NewManager(store LeaseStore, opts Options) *Manager {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.MaxJitter < 0 {
		opts.MaxJitter = 0
	}
	if opts.Jitter == nil {
		opts.Jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		}
	}
	return &Manager{
		store: store,
		opts:  opts,
		state: map[Role]*roleState{Leader: {}, Broadcaster: {}},
	}
}

// NodeID returns this node's lease value.
func (m *Manager) NodeID() string { return m.opts.NodeID }

// IsLeader reports whether this node currently holds the leader role.
func (m *Manager) IsLeader() bool { return m.holds(Leader) }

// IsBroadcaster reports whether this node currently holds the broadcaster role.
func (m *Manager) IsBroadcaster() bool { return m.holds(Broadcaster) }

// Status returns a snapshot of the node's roles.
func (m *Manager) Status() Status {
	return Status{
		NodeID:      m.opts.NodeID,
		Replicated:  m.opts.Replicated,
		Leader:      m.IsLeader(),
		Broadcaster: m.IsBroadcaster(),
	}
}

func (m *Manager) holds(r Role) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[r].held
}

func (m *Manager) key(r Role) string { return m.opts.KeyPrefix + string(r) }

// TryToBecomeLeader makes one election attempt for the leader role.
func (m *Manager) TryToBecomeLeader(ctx context.Context, onBecomeLeader EnterFunc, onBecomeFollower ExitFunc) bool {
	return m.try(ctx, Leader, Callbacks{Enter: onBecomeLeader, Exit: onBecomeFollower})
}

// TryToBecomeBroadcaster makes one election attempt for the broadcaster role.
func (m *Manager) TryToBecomeBroadcaster(ctx context.Context, onBecomeBroadcaster EnterFunc, onBecomeFollower ExitFunc) bool {
	return m.try(ctx, Broadcaster, Callbacks{Enter: onBecomeBroadcaster, Exit: onBecomeFollower})
}

// acquire takes or renews the lease. Holding means SetNX succeeded or the
// stored value is already this node's id, in which case the TTL is refreshed.
func (m *Manager) acquire(ctx context.Context, r Role) (bool, error) {
	key := m.key(r)
	ok, err := m.store.SetNX(ctx, key, m.opts.NodeID, m.opts.TTL)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, found, err := m.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || holder != m.opts.NodeID {
		return false, nil
	}
	if err := m.store.Set(ctx, key, m.opts.NodeID, m.opts.TTL); err != nil {
		return false, err
	}
	return true, nil
}

// try runs one attempt and fires the transition callbacks. On store errors
// the node keeps its last known role.
func (m *Manager) try(ctx context.Context, r Role, cb Callbacks) bool {
	ok, err := m.acquire(ctx, r)
	if err != nil {
		held := m.holds(r)
		slog.Warn("Role election attempt failed", "role", r, "node", m.opts.NodeID, "held", held, "error", err)
		return held
	}

	m.mu.Lock()
	st := m.state[r]
	wasHeld := st.held
	st.held = ok
	prevSubs := st.subs
	if !ok {
		st.subs = broker.ActiveSubscriptions{}
	}
	m.mu.Unlock()

	switch {
	case ok && !wasHeld:
		slog.Info("Role acquired", "role", r, "node", m.opts.NodeID)
		if cb.Enter != nil {
			subs, err := cb.Enter(ctx)
			if err != nil {
				slog.Error("Role entry callback failed", "role", r, "error", err)
			}
			m.mu.Lock()
			m.state[r].subs = subs
			m.mu.Unlock()
		}
	case !ok && wasHeld:
		slog.Warn("Role lost", "role", r, "node", m.opts.NodeID)
		if cb.Exit != nil {
			cb.Exit(ctx, prevSubs)
		}
	}
	return ok
}

// Run drives both elections until ctx is cancelled. In single-process mode
// both roles are self-assigned once and no store traffic happens.
func (m *Manager) Run(ctx context.Context, leader, broadcaster Callbacks) error {
	if !m.opts.Replicated {
		m.assign(ctx, Leader, leader)
		m.assign(ctx, Broadcaster, broadcaster)
		slog.Info("Roles self-assigned (single-process mode)", "node", m.opts.NodeID)
		<-ctx.Done()
		return nil
	}

	slog.Info("Role election started", "node", m.opts.NodeID, "ttl", m.opts.TTL)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(gctx, Leader, leader) })
	g.Go(func() error { return m.loop(gctx, Broadcaster, broadcaster) })
	err := g.Wait()
	slog.Info("Role election stopped", "node", m.opts.NodeID)
	return err
}

func (m *Manager) assign(ctx context.Context, r Role, cb Callbacks) {
	m.mu.Lock()
	m.state[r].held = true
	m.mu.Unlock()
	if cb.Enter == nil {
		return
	}
	subs, err := cb.Enter(ctx)
	if err != nil {
		slog.Error("Role entry callback failed", "role", r, "error", err)
	}
	m.mu.Lock()
	m.state[r].subs = subs
	m.mu.Unlock()
}

func (m *Manager) loop(ctx context.Context, r Role, cb Callbacks) error {
	half := m.opts.TTL / 2
	for {
		wasHeld := m.holds(r)
		held := m.try(ctx, r, cb)
		if wasHeld && !held {
			// Lost the lease: one immediate re-election attempt.
			held = m.try(ctx, r, cb)
		}
		wait := half
		if !held {
			wait += m.opts.Jitter(m.opts.MaxJitter)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
