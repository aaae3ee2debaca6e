// Package notify batches state changes for the operator UI. The buffer
// collects agent telemetry from the state cache and row changes from the
// change bus, coalesces them per yard room and channel, and pushes one
// message per non-empty batch every period. Only the broadcaster node
// pushes.
package notify

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yardcore/yardcore/internal/bus"
	"github.com/yardcore/yardcore/internal/cache"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/scheduler"
)

// UI channels.
const (
	ChannelAgentPoses      = "new_agent_poses"
	ChannelAgentStatus     = "change_agent_status"
	ChannelMapObjects      = "change_map_objects"
	ChannelSystemLogs      = "new_system_logs"
	ChannelWorkProcesses   = "change_work_processes"
	ChannelAssignments     = "change_assignments"
	ChannelServiceRequests = "change_service_requests"
)

// RoomAll receives changes whose yard is unknown.
const RoomAll = "all"

// channelOrder fixes the dispatch order within a room.
var channelOrder = []string{
	ChannelAgentPoses, ChannelAgentStatus, ChannelMapObjects, ChannelSystemLogs,
	ChannelWorkProcesses, ChannelAssignments, ChannelServiceRequests,
}

var tableChannels = map[string]string{
	bus.TableAgents:          ChannelAgentStatus,
	bus.TableMapObjects:      ChannelMapObjects,
	bus.TableWorkProcesses:   ChannelWorkProcesses,
	bus.TableAssignments:     ChannelAssignments,
	bus.TableServiceRequests: ChannelServiceRequests,
	bus.TableSystemLogs:      ChannelSystemLogs,
}

// Room returns the room of a yard.
func Room(yardID int64) string {
	if yardID == 0 {
		return RoomAll
	}
	return "yard-" + strconv.FormatInt(yardID, 10)
}

// Dispatcher delivers a batch to the clients of a room.
type Dispatcher interface {
	Dispatch(room, channel string, items []any) int
}

// batch keeps items in first-seen order; a later item with the same key
// is merged into the earlier one.
type batch struct {
	order []string
	items map[string]map[string]any
}

func (b *batch) put(key string, item map[string]any) {
	if cur, ok := b.items[key]; ok {
		for k, v := range item {
			cur[k] = v
		}
		return
	}
	b.order = append(b.order, key)
	b.items[key] = item
}

func (b *batch) list() []any {
	out := make([]any, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.items[k])
	}
	return out
}

// Buffer is the notification buffer.
type Buffer struct {
	cache         cache.Store
	out           Dispatcher
	period        time.Duration
	isBroadcaster func() bool
	now           func() time.Time

	mu    sync.Mutex
	rooms map[string]map[string]*batch
}

// NewBuffer creates a buffer pushing to out. isBroadcaster may be nil for
// a single-node deployment.
func NewBuffer(st cache.Store, out Dispatcher, cfg config.NotifyConfig, isBroadcaster func() bool) *Buffer {
	period := cfg.BufferPeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	if isBroadcaster == nil {
		isBroadcaster = func() bool { return true }
	}
	return &Buffer{
		cache:         st,
		out:           out,
		period:        period,
		isBroadcaster: isBroadcaster,
		now:           time.Now,
		rooms:         map[string]map[string]*batch{},
	}
}

// Task returns the periodic flush.
func (b *Buffer) Task() *scheduler.Task {
	return &scheduler.Task{
		Name: "notify-flush", Interval: b.period, Guard: b.isBroadcaster,
		Run: func(ctx context.Context) error {
			_, err := b.Flush(ctx)
			return err
		},
	}
}

// Consume feeds change events into the buffer until ctx is done.
func (b *Buffer) Consume(ctx context.Context, eb *bus.EventBus) {
	events := eb.Subscribe("notify")
	defer eb.Unsubscribe("notify")
	for {
		ev, ok := bus.Next(ctx, events)
		if !ok {
			return
		}
		b.Add(ev)
	}
}

// Add buffers a change event. Events of tables the UI does not follow, and
// all events on a node that is not the broadcaster, are dropped.
func (b *Buffer) Add(ev bus.ChangeEvent) {
	channel, ok := tableChannels[ev.Table]
	if !ok || ev.Op == bus.OpDelete || !b.isBroadcaster() {
		return
	}
	if ev.Table == bus.TableAgents && !agentStatusChange(ev) {
		return
	}
	item := map[string]any{"id": ev.ID}
	for k, v := range ev.Payload {
		item[k] = plain(v)
	}
	if ev.Status != "" {
		item["status"] = ev.Status
	}
	b.put(Room(ev.YardID), channel, strconv.FormatInt(ev.ID, 10), item)
}

// agentStatusChange filters out the heartbeat and rate writes of the
// agents table; poses reach the UI through the state cache.
func agentStatusChange(ev bus.ChangeEvent) bool {
	if ev.Status != "" {
		return true
	}
	_, ok := ev.Payload["connection_status"]
	return ok
}

func (b *Buffer) put(room, channel, key string, item map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byChannel := b.rooms[room]
	if byChannel == nil {
		byChannel = map[string]*batch{}
		b.rooms[room] = byChannel
	}
	bt := byChannel[channel]
	if bt == nil {
		bt = &batch{items: map[string]map[string]any{}}
		byChannel[channel] = bt
	}
	bt.put(key, item)
}

// Flush drains the state cache into the buffers, dispatches every
// non-empty batch and clears them. It returns the number of batches sent.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	if err := b.drainCache(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	rooms := b.rooms
	b.rooms = map[string]map[string]*batch{}
	b.mu.Unlock()

	names := make([]string, 0, len(rooms))
	for r := range rooms {
		names = append(names, r)
	}
	sort.Strings(names)
	sent := 0
	for _, room := range names {
		for _, channel := range channelOrder {
			bt := rooms[room][channel]
			if bt == nil || len(bt.order) == 0 {
				continue
			}
			b.out.Dispatch(room, channel, bt.list())
			sent++
		}
	}
	return sent, nil
}

func (b *Buffer) drainCache(ctx context.Context) error {
	if b.cache == nil {
		return nil
	}
	stale := b.now().Add(-2 * b.period)
	for _, src := range []struct {
		kind    cache.Kind
		channel string
	}{
		{cache.AgentPose, ChannelAgentPoses},
		{cache.AgentStatus, ChannelAgentStatus},
		{cache.MapObject, ChannelMapObjects},
	} {
		entries, err := b.cache.Drain(ctx, src.kind)
		if err != nil {
			return fmt.Errorf("drain %s: %w", src.kind, err)
		}
		for _, e := range entries {
			if src.kind == cache.MapObject && e.UpdatedAt.Before(stale) {
				continue
			}
			item := make(map[string]any, len(e.Fields)+3)
			for k, v := range e.Fields {
				item[k] = v
			}
			item["id"] = e.ID
			if e.UUID != "" {
				item["uuid"] = e.UUID
			}
			if e.YardID != 0 {
				item["yard_id"] = e.YardID
			}
			b.put(Room(e.YardID), src.channel, e.Key(), item)
		}
	}
	return nil
}

// plain converts database column values into JSON-friendly ones.
func plain(v any) any {
	switch x := v.(type) {
	case database.JSON:
		if x.IsEmpty() {
			return nil
		}
		return json.RawMessage(x)
	case driver.Valuer:
		val, err := x.Value()
		if err != nil {
			slog.Debug("Unconvertible notification field", "error", err)
			return nil
		}
		if s, ok := val.(string); ok && len(s) > 0 && (s[0] == '[' || s[0] == '{') && json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
		return val
	}
	return v
}
