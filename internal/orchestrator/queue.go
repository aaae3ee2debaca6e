package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yardcore/yardcore/internal/database"
)

// StartMissionQueue sets a mission queue running and dispatches its first
// draft work process.
func (o *Orchestrator) StartMissionQueue(ctx context.Context, queueID int64) error {
	if err := o.db.MissionQueues.SetStatus(ctx, queueID, database.QueueRun); err != nil {
		return fmt.Errorf("start mission queue %d: %w", queueID, err)
	}
	return o.advanceQueue(ctx, queueID)
}

// AdvanceMissionQueue dispatches the next work process of the queue the
// given work process belongs to, once it has ended.
func (o *Orchestrator) AdvanceMissionQueue(ctx context.Context, wpID int64) error {
	wp, err := o.db.WorkProcesses.Get(ctx, wpID)
	if err != nil {
		return fmt.Errorf("advance mission queue: %w", err)
	}
	if wp.MissionQueueID == 0 || !database.WorkProcessTerminal(wp.Status) {
		return nil
	}
	return o.advanceQueue(ctx, wp.MissionQueueID)
}

func (o *Orchestrator) advanceQueue(ctx context.Context, queueID int64) error {
	q, err := o.db.MissionQueues.Get(ctx, queueID)
	if err != nil {
		return fmt.Errorf("advance mission queue %d: %w", queueID, err)
	}
	if q.Status != database.QueueRun {
		return nil
	}
	wps, err := o.db.WorkProcesses.List(ctx, database.Conditions{"mission_queue_id": queueID})
	if err != nil {
		return fmt.Errorf("advance mission queue %d: %w", queueID, err)
	}
	var drafts []*database.WorkProcess
	for _, wp := range wps {
		switch {
		case wp.Status == database.WorkProcessDraft:
			drafts = append(drafts, wp)
		case !database.WorkProcessTerminal(wp.Status):
			// one mission of a queue runs at a time
			return nil
		}
	}
	if len(drafts) == 0 {
		slog.Info("Mission queue finished", "queue", queueID)
		return o.db.MissionQueues.SetStatus(ctx, queueID, database.QueueStopped)
	}
	sort.SliceStable(drafts, func(i, j int) bool { return drafts[i].RunOrder < drafts[j].RunOrder })
	next := drafts[0]
	moved, err := o.db.WorkProcesses.SetStatus(ctx, next.ID, database.WorkProcessDispatched, database.WorkProcessDraft)
	if err != nil || !moved {
		return err
	}
	slog.Info("Mission queue advanced", "queue", queueID, "work_process", next.ID, "run_order", next.RunOrder)
	return o.PlanWorkProcess(ctx, next.ID)
}
