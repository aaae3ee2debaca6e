package agentcomm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yardcore/yardcore/internal/cache"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/scheduler"
)

// ConnectionCloser drops an agent's broker connections.
type ConnectionCloser interface {
	CloseAgentConnections(ctx context.Context, uuid string) error
}

// ActionSender sends instant actions to agents.
type ActionSender interface {
	SendInstantAction(ctx context.Context, agent *database.Agent, command, sender string, body json.RawMessage) error
}

// markOfflineInCache mirrors a durable offline transition into the state
// cache so the notification buffer picks it up.
func markOfflineInCache(ctx context.Context, st cache.Store, agents []*database.Agent, ids []int64) {
	if st == nil {
		return
	}
	changed := map[int64]bool{}
	for _, id := range ids {
		changed[id] = true
	}
	for _, a := range agents {
		if !changed[a.ID] {
			continue
		}
		err := st.Touch(ctx, cache.Entry{
			Kind:   cache.AgentStatus,
			ID:     a.ID,
			UUID:   a.UUID,
			YardID: a.YardID,
			Fields: map[string]any{"connection_status": database.ConnectionOffline},
		})
		if err != nil {
			slog.Warn("Cache update failed", "agent", a.UUID, "error", err)
		}
	}
}

// LivenessWatcher marks agents offline once they stop talking.
type LivenessWatcher struct {
	db       *database.DB
	cache    cache.Store
	interval time.Duration
	idle     time.Duration
	isLeader func() bool
	now      func() time.Time
}

// NewLivenessWatcher creates the watcher. isLeader guards every run.
func NewLivenessWatcher(db *database.DB, st cache.Store, cfg config.AgentsConfig, isLeader func() bool) *LivenessWatcher {
	return &LivenessWatcher{
		db:       db,
		cache:    st,
		interval: cfg.LivenessInterval,
		idle:     cfg.IdleThreshold,
		isLeader: isLeader,
		now:      time.Now,
	}
}

// Task returns the periodic task running Check.
func (w *LivenessWatcher) Task() *scheduler.Task {
	return &scheduler.Task{Name: "agent-liveness", Interval: w.interval, Guard: w.isLeader, Run: w.Check}
}

// Check runs one liveness pass.
func (w *LivenessWatcher) Check(ctx context.Context) error {
	idle, err := w.db.Agents.ListIdle(ctx, w.now().Add(-w.idle))
	if err != nil {
		return fmt.Errorf("liveness: %w", err)
	}
	if len(idle) > 0 {
		ids := make([]int64, 0, len(idle))
		for _, a := range idle {
			ids = append(ids, a.ID)
		}
		changed, err := w.db.Agents.MarkOffline(ctx, ids)
		if err != nil {
			return fmt.Errorf("liveness: %w", err)
		}
		markOfflineInCache(ctx, w.cache, idle, changed)
		if len(changed) > 0 {
			slog.Info("Agents went offline", "count", len(changed))
		}
	}
	return w.db.Agents.ResetRates(ctx)
}

// RateLimitWatcher disconnects agents that flood the broker.
type RateLimitWatcher struct {
	db        *database.DB
	cache     cache.Store
	meter     *RateMeter
	actions   ActionSender
	closer    ConnectionCloser
	interval  time.Duration
	maxMsg    float64
	maxUpdate float64
	isLeader  func() bool
}

// NewRateLimitWatcher creates the watcher. meter may be nil when rates are
// written to the agents table by other means.
func NewRateLimitWatcher(db *database.DB, st cache.Store, meter *RateMeter, actions ActionSender, closer ConnectionCloser, cfg config.AgentsConfig, isLeader func() bool) *RateLimitWatcher {
	return &RateLimitWatcher{
		db:        db,
		cache:     st,
		meter:     meter,
		actions:   actions,
		closer:    closer,
		interval:  cfg.RateLimitInterval,
		maxMsg:    cfg.MaxMsgPerSec,
		maxUpdate: cfg.MaxUpdatePerSec,
		isLeader:  isLeader,
	}
}

// Task returns the periodic task running Check.
func (w *RateLimitWatcher) Task() *scheduler.Task {
	return &scheduler.Task{Name: "agent-rate-limit", Interval: w.interval, Guard: w.isLeader, Run: w.Check}
}

// Check records the measured rates and enforces the limits.
func (w *RateLimitWatcher) Check(ctx context.Context) error {
	if w.meter != nil {
		for _, r := range w.meter.Flush() {
			if err := w.db.Agents.RecordRates(ctx, r.UUID, r.MsgPerSec, r.UpdatePerSec, r.LastSeen); err != nil {
				slog.Warn("Recording agent rate failed", "agent", r.UUID, "error", err)
			}
		}
	}
	agents, err := w.db.Agents.ListRateExceeding(ctx, w.maxMsg, w.maxUpdate)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	for _, a := range agents {
		w.enforce(ctx, a)
	}
	return nil
}

func (w *RateLimitWatcher) enforce(ctx context.Context, a *database.Agent) {
	command, msg := CommandReduceMsgRate, fmt.Sprintf("message rate %.1f/s exceeds %.1f/s", a.MsgPerSec, w.maxMsg)
	if a.MsgPerSec <= w.maxMsg {
		command, msg = CommandReduceUpdateRate, fmt.Sprintf("update rate %.1f/s exceeds %.1f/s", a.UpdatePerSec, w.maxUpdate)
	}
	if w.actions != nil {
		if err := w.actions.SendInstantAction(ctx, a, command, database.OriginCore, nil); err != nil {
			slog.Warn("Rate warning not delivered", "agent", a.UUID, "error", err)
		}
	}
	if w.closer != nil {
		if err := w.closer.CloseAgentConnections(ctx, a.UUID); err != nil {
			slog.Warn("Closing agent connections failed", "agent", a.UUID, "error", err)
		}
	}
	changed, err := w.db.Agents.MarkOffline(ctx, []int64{a.ID})
	if err != nil {
		slog.Error("Marking agent offline failed", "agent", a.UUID, "error", err)
		return
	}
	markOfflineInCache(ctx, w.cache, []*database.Agent{a}, changed)
	if len(changed) == 0 {
		return
	}
	_ = w.db.SystemLogs.Add(ctx, &database.SystemLog{
		AgentUUID: a.UUID,
		Origin:    database.OriginAgent,
		LogType:   database.LogError,
		Event:     "rate_limit",
		Msg:       msg + "; agent disconnected",
	})
}
