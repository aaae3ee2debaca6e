package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yardcore/yardcore/internal/database"
)

// CancelWorkProcess tears a work process down: outstanding requests are
// canceled, running assignments are asked to stop, agents are released and
// the work process ends canceled.
func (o *Orchestrator) CancelWorkProcess(ctx context.Context, wpID int64) error {
	wp, err := o.db.WorkProcesses.Get(ctx, wpID)
	if err != nil {
		return fmt.Errorf("cancel work process %d: %w", wpID, err)
	}
	if database.WorkProcessTerminal(wp.Status) {
		return nil
	}
	if wp.Status != database.WorkProcessCanceling {
		moved, err := o.db.WorkProcesses.SetStatus(ctx, wpID, database.WorkProcessCanceling, database.WorkProcessActiveStatuses...)
		if err != nil || !moved {
			return err
		}
	}
	slog.Info("Canceling work process", "work_process", wpID)
	o.teardown(ctx, wp)
	moved, err := o.db.WorkProcesses.SetStatus(ctx, wpID, database.WorkProcessCanceled, database.WorkProcessCanceling)
	if err != nil || !moved {
		return err
	}
	o.logEvent(ctx, &database.SystemLog{
		WprocID: wpID, Origin: database.OriginCore, LogType: database.LogInfo,
		Event: "work_process_canceled", Msg: fmt.Sprintf("work process %d canceled", wpID),
	})
	return nil
}

// failWorkProcess ends a work process in status (failed or planning_failed)
// and tears it down. It returns nil when another actor already ended it.
func (o *Orchestrator) failWorkProcess(ctx context.Context, wpID int64, status, what string, cause error) error {
	moved, err := o.db.WorkProcesses.SetStatus(ctx, wpID, status, database.WorkProcessActiveStatuses...)
	if err != nil {
		return fmt.Errorf("fail work process %d: %w", wpID, err)
	}
	if !moved {
		return nil
	}
	slog.Error("Work process failed", "work_process", wpID, "status", status, "step", what, "error", cause)
	o.logEvent(ctx, &database.SystemLog{
		WprocID: wpID, Origin: database.OriginCore, LogType: database.LogError,
		Event: "work_process_" + status, Msg: fmt.Sprintf("%s: %v", what, cause),
	})
	wp, err := o.db.WorkProcesses.Get(ctx, wpID)
	if err != nil {
		return fmt.Errorf("fail work process %d: %w", wpID, err)
	}
	o.teardown(ctx, wp)
	return nil
}

// teardown cancels the requests and assignments of a work process and
// releases its agents. Each step is independent and logged on failure.
func (o *Orchestrator) teardown(ctx context.Context, wp *database.WorkProcess) {
	_, err := o.db.ServiceRequests.CancelActive(ctx, wp.ID)
	o.bestEffort(ctx, wp.ID, 0, "cancel service requests", err)

	as, err := o.db.Assignments.ListByWorkProcess(ctx, wp.ID)
	o.bestEffort(ctx, wp.ID, 0, "list assignments", err)
	for _, a := range as {
		switch a.Status {
		case database.AssignmentExecuting, database.AssignmentActive:
			moved, err := o.db.Assignments.SetStatus(ctx, a.ID, database.AssignmentCanceling, a.Status)
			o.bestEffort(ctx, wp.ID, a.ServiceRequestID, "set assignment canceling", err)
			if !moved {
				continue
			}
			agent, err := o.db.Agents.Get(ctx, a.AgentID)
			if err == nil {
				err = o.agents.CancelAssignment(ctx, agent, a)
			}
			o.bestEffort(ctx, wp.ID, a.ServiceRequestID, "send assignment cancel", err)
		case database.AssignmentNotReady, database.AssignmentToDispatch:
			_, err := o.db.Assignments.SetStatus(ctx, a.ID, database.AssignmentCanceled, a.Status)
			o.bestEffort(ctx, wp.ID, a.ServiceRequestID, "cancel assignment", err)
		}
	}
	o.releaseWorkProcessAgents(ctx, wp, as)
}

// releaseWorkProcessAgents releases the declared agents of a work process
// and every agent that received one of its assignments.
func (o *Orchestrator) releaseWorkProcessAgents(ctx context.Context, wp *database.WorkProcess, as []*database.Assignment) {
	ids := append([]int64(nil), wp.AgentIDs...)
	for _, id := range agentIDs(as) {
		if !wp.AgentIDs.Contains(id) {
			ids = append(ids, id)
		}
	}
	agents, err := o.db.Agents.ListByIDs(ctx, ids)
	if err != nil {
		o.bestEffort(ctx, wp.ID, 0, "load agents", err)
		return
	}
	o.releaseAgents(ctx, wp.ID, agents)
}

// releaseAgents tells agents the mission is over and frees the ones still
// claimed by it.
func (o *Orchestrator) releaseAgents(ctx context.Context, wpID int64, agents []*database.Agent) {
	if len(agents) == 0 {
		return
	}
	ids := make([]int64, 0, len(agents))
	for _, a := range agents {
		if c := a.Claim(); c.WorkProcessID != 0 && c.WorkProcessID != wpID {
			continue
		}
		o.bestEffort(ctx, wpID, 0, "release "+a.UUID, o.agents.ReleaseFromMission(ctx, a, wpID))
		ids = append(ids, a.ID)
	}
	_, err := o.db.Agents.Release(ctx, ids, wpID)
	o.bestEffort(ctx, wpID, 0, "free agents", err)
}
