package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yardcore/yardcore/internal/database"
)

// CoreSender is the sender recorded on instant actions the core issues.
const CoreSender = database.OriginCore

type plannedItem struct {
	agent  *database.Agent
	result AgentResult
}

// CreateAssignment turns a planner response into assignments for the work
// process. Agents are resolved up front and an unknown agent fails the
// whole batch. Instant-action results are sent right away. The first wave
// is left in to_dispatch for the dispatcher. Ordering and status
// bookkeeping failures are logged and do not fail the call.
func (o *Orchestrator) CreateAssignment(ctx context.Context, wp *database.WorkProcess, response database.JSON, srID int64) ([]*database.Assignment, error) {
	decoded, err := DecodePlannerResponse(response)
	if err != nil {
		return nil, err
	}

	var items []plannedItem
	var order Ordering
	switch r := decoded.(type) {
	case PerAgentResultList:
		order = r.Order
		for i, res := range r.Results {
			agent, err := o.resolveAgent(ctx, res)
			if err != nil {
				return nil, fmt.Errorf("results[%d]: %w", i, err)
			}
			items = append(items, plannedItem{agent: agent, result: res})
		}
	case LegacySingleResult:
		if len(wp.AgentIDs) == 0 {
			return nil, fmt.Errorf("%w: work process %d has no agents", ErrNoAgent, wp.ID)
		}
		for _, id := range wp.AgentIDs {
			agent, err := o.resolveAgent(ctx, AgentResult{AgentID: id})
			if err != nil {
				return nil, err
			}
			items = append(items, plannedItem{agent: agent, result: AgentResult{AgentID: id, Payload: r.Payload}})
		}
	}

	created := make([]*database.Assignment, len(items))
	var all []*database.Assignment
	for i, it := range items {
		if ia := it.result.InstantAction; ia != nil {
			o.bestEffort(ctx, wp.ID, srID, "instant action "+ia.Command,
				o.agents.SendInstantAction(ctx, it.agent, ia.Command, CoreSender, ia.Raw))
			continue
		}
		if !wp.AgentIDs.Contains(it.agent.ID) {
			slog.Warn("Assignment for agent outside the work process", "work_process", wp.ID, "agent", it.agent.UUID)
			o.logEvent(ctx, &database.SystemLog{
				WprocID: wp.ID, ServiceRequestID: srID, AgentUUID: it.agent.UUID, Origin: database.OriginCore,
				LogType: database.LogWarn, Event: "assignment_agent_not_declared",
				Msg: fmt.Sprintf("agent %s is not listed in work process %d", it.agent.UUID, wp.ID),
			})
		}
		a, err := o.db.Assignments.Create(ctx, &database.Assignment{
			WorkProcessID:       wp.ID,
			AgentID:             it.agent.ID,
			ServiceRequestID:    srID,
			Status:              database.AssignmentNotReady,
			Data:                string(it.result.Payload),
			OnAssignmentFailure: firstNonEmpty(it.result.OnAssignmentFailure, wp.OnAssignmentFailure),
			FallbackMission:     firstNonEmpty(it.result.FallbackMission, wp.FallbackMission),
		})
		if err != nil {
			return all, mustSucceed("create assignment", err)
		}
		created[i] = a
		all = append(all, a)
	}

	waves, err := order.Waves(len(items))
	if err != nil {
		o.bestEffort(ctx, wp.ID, srID, "assignment ordering", err)
		waves, _ = Ordering{}.Waves(len(items))
	}
	o.linkWaves(ctx, wp.ID, srID, waves, created)
	o.bestEffort(ctx, wp.ID, srID, "assignment dependency check", database.ValidateAcyclic(all))

	if srID != 0 {
		_, err := o.db.ServiceRequests.Update(ctx, srID, database.Fields{"assignment_dispatched": true})
		o.bestEffort(ctx, wp.ID, srID, "mark assignment dispatched", err)
	}
	if ids := agentIDs(all); len(ids) > 0 {
		_, err := o.db.Agents.SetStatus(ctx, ids, database.AgentBusy)
		o.bestEffort(ctx, wp.ID, srID, "set agents busy", err)
	}
	if len(all) > 0 {
		_, err := o.db.WorkProcesses.SetStatus(ctx, wp.ID, database.WorkProcessExecuting,
			database.WorkProcessDispatched, database.WorkProcessCalculating, database.WorkProcessPreparing,
			database.WorkProcessAssignmentsCompleted)
		o.bestEffort(ctx, wp.ID, srID, "set work process executing", err)
	}
	slog.Info("Assignments created", "work_process", wp.ID, "service_request", srID, "count", len(all), "waves", len(waves))

	return all, nil
}

// linkWaves chains the waves: every assignment of a wave depends on all
// assignments of the previous non-empty wave. Once every link is stored the
// first wave moves to to_dispatch; its change events (or the next sweep)
// send it.
func (o *Orchestrator) linkWaves(ctx context.Context, wpID, srID int64, waves [][]int, created []*database.Assignment) {
	var chain [][]*database.Assignment
	for _, w := range waves {
		var cur []*database.Assignment
		for _, idx := range w {
			if created[idx] != nil {
				cur = append(cur, created[idx])
			}
		}
		if len(cur) > 0 {
			chain = append(chain, cur)
		}
	}
	if len(chain) == 0 {
		return
	}

	for i := 1; i < len(chain); i++ {
		prev, cur := chain[i-1], chain[i]
		for _, a := range cur {
			a.DependOnAssignments = assignmentIDs(prev)
			o.bestEffort(ctx, wpID, srID, "link assignment", o.db.Assignments.SetLinks(ctx, a.ID, a.DependOnAssignments, a.NextAssignments))
		}
		for _, p := range prev {
			p.NextAssignments = assignmentIDs(cur)
			o.bestEffort(ctx, wpID, srID, "link assignment", o.db.Assignments.SetLinks(ctx, p.ID, p.DependOnAssignments, p.NextAssignments))
		}
	}

	for _, a := range chain[0] {
		_, err := o.db.Assignments.SetStatus(ctx, a.ID, database.AssignmentToDispatch, database.AssignmentNotReady)
		o.bestEffort(ctx, wpID, srID, "release first wave", err)
		a.Status = database.AssignmentToDispatch
	}
}

func (o *Orchestrator) resolveAgent(ctx context.Context, res AgentResult) (*database.Agent, error) {
	var agent *database.Agent
	var err error
	switch {
	case res.AgentID != 0:
		agent, err = o.db.Agents.Get(ctx, res.AgentID)
	case res.AgentUUID != "":
		agent, err = o.db.Agents.GetByUUID(ctx, res.AgentUUID)
	default:
		return nil, fmt.Errorf("%w: result names no agent", ErrNoAgent)
	}
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: agent %d %q not found", ErrNoAgent, res.AgentID, res.AgentUUID)
	}
	return agent, err
}

// DispatchAssignments sends every to_dispatch assignment of a work process.
func (o *Orchestrator) DispatchAssignments(ctx context.Context, wpID int64) error {
	as, err := o.db.Assignments.List(ctx, database.Conditions{
		"work_process_id": wpID, "status": database.AssignmentToDispatch,
	})
	if err != nil {
		return fmt.Errorf("dispatch assignments: %w", err)
	}
	var errs []error
	for _, a := range as {
		errs = append(errs, o.DispatchAssignment(ctx, a.ID))
	}
	return errors.Join(errs...)
}

// DispatchAssignment moves one assignment from to_dispatch to executing and
// sends it to its agent.
func (o *Orchestrator) DispatchAssignment(ctx context.Context, id int64) error {
	a, err := o.db.Assignments.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch assignment %d: %w", id, err)
	}
	if a.Status != database.AssignmentToDispatch {
		return nil
	}
	wp, err := o.db.WorkProcesses.Get(ctx, a.WorkProcessID)
	if err != nil {
		return fmt.Errorf("dispatch assignment %d: %w", id, err)
	}
	if database.WorkProcessTerminal(wp.Status) || wp.Status == database.WorkProcessCanceling {
		_, err := o.db.Assignments.SetStatus(ctx, id, database.AssignmentCanceled, database.AssignmentToDispatch)
		return err
	}
	moved, err := o.db.Assignments.SetStatus(ctx, id, database.AssignmentExecuting, database.AssignmentToDispatch)
	if err != nil || !moved {
		return err
	}
	a.Status = database.AssignmentExecuting

	agent, err := o.db.Agents.Get(ctx, a.AgentID)
	if err == nil {
		err = o.agents.SendAssignment(ctx, agent, a)
	}
	if err != nil {
		slog.Warn("Assignment dispatch failed", "assignment", id, "work_process", a.WorkProcessID, "error", err)
		failed, _ := database.ToJSON(map[string]string{"error": err.Error()})
		if moved, uerr := o.db.Assignments.Update(ctx, id,
			database.Fields{"status": database.AssignmentFailed, "result": failed},
			database.AssignmentExecuting); uerr != nil || !moved {
			return uerr
		}
		a.Status = database.AssignmentFailed
		return o.onAssignmentFailed(ctx, wp, a)
	}
	slog.Info("Assignment dispatched", "assignment", id, "work_process", a.WorkProcessID, "agent", agent.UUID)
	return nil
}

// OnAssignmentStatus applies a status reported by an agent. Successful
// completion releases dependants; failures follow the assignment's failure
// policy. Reports for assignments already final are ignored.
func (o *Orchestrator) OnAssignmentStatus(ctx context.Context, id int64, status string, result database.JSON) error {
	fields := database.Fields{"status": status}
	if present(json.RawMessage(result)) {
		fields["result"] = result
	}
	moved, err := o.db.Assignments.Update(ctx, id, fields, database.AssignmentActiveStatuses...)
	if err != nil {
		return fmt.Errorf("assignment %d status: %w", id, err)
	}
	if !moved {
		return nil
	}
	a, err := o.db.Assignments.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("assignment %d status: %w", id, err)
	}
	switch {
	case database.AssignmentDone(status):
		return o.assignmentSettled(ctx, a)
	case status == database.AssignmentFailed || status == database.AssignmentAborted:
		wp, err := o.db.WorkProcesses.Get(ctx, a.WorkProcessID)
		if err != nil {
			return fmt.Errorf("assignment %d status: %w", id, err)
		}
		return o.onAssignmentFailed(ctx, wp, a)
	case status == database.AssignmentCanceled:
		return o.checkCompletion(ctx, a.WorkProcessID)
	}
	return nil
}

// assignmentSettled releases the dependants of a finished assignment and
// checks whether its work process is complete.
func (o *Orchestrator) assignmentSettled(ctx context.Context, a *database.Assignment) error {
	var errs []error
	for _, nextID := range a.NextAssignments {
		errs = append(errs, o.releaseIfReady(ctx, nextID))
	}
	o.bestEffort(ctx, a.WorkProcessID, a.ServiceRequestID, "release dependent requests",
		o.ReleaseDependentRequests(ctx, a.WorkProcessID))
	errs = append(errs, o.checkCompletion(ctx, a.WorkProcessID))
	return errors.Join(errs...)
}

// releaseIfReady moves a waiting assignment to to_dispatch once all its
// dependencies are settled, and dispatches it.
func (o *Orchestrator) releaseIfReady(ctx context.Context, id int64) error {
	next, err := o.db.Assignments.Get(ctx, id)
	if err != nil {
		return err
	}
	if next.Status != database.AssignmentNotReady {
		return nil
	}
	deps, err := o.db.Assignments.List(ctx, database.Conditions{"id__in": []int64(next.DependOnAssignments)})
	if err != nil {
		return err
	}
	for _, d := range deps {
		if !dependencySettled(d.Status) {
			return nil
		}
	}
	moved, err := o.db.Assignments.SetStatus(ctx, id, database.AssignmentToDispatch, database.AssignmentNotReady)
	if err != nil || !moved {
		return err
	}
	return o.DispatchAssignment(ctx, id)
}

// dependencySettled reports whether a dependency no longer blocks its
// dependants. Failed dependencies only survive under CONTINUE_WORK_PROCESS;
// the other policies cancel the dependants.
func dependencySettled(status string) bool {
	return database.AssignmentDone(status) || status == database.AssignmentFailed || status == database.AssignmentAborted
}

// onAssignmentFailed applies the failure policy of an assignment: its own,
// else its work process's, else the configured default.
func (o *Orchestrator) onAssignmentFailed(ctx context.Context, wp *database.WorkProcess, a *database.Assignment) error {
	policy := firstNonEmpty(a.OnAssignmentFailure, wp.OnAssignmentFailure, o.cfg.DefaultFailurePlan)
	agentUUID := ""
	agent, err := o.db.Agents.Get(ctx, a.AgentID)
	if err == nil {
		agentUUID = agent.UUID
	}
	msg := fmt.Sprintf("assignment %d %s; policy %s", a.ID, a.Status, policy)
	if fb := firstNonEmpty(a.FallbackMission, wp.FallbackMission); fb != "" {
		msg += "; fallback mission " + fb
	}
	o.logEvent(ctx, &database.SystemLog{
		WprocID: wp.ID, ServiceRequestID: a.ServiceRequestID, AgentUUID: agentUUID, Origin: database.OriginAgent,
		LogType: database.LogError, Event: "assignment_failed", Msg: msg,
	})

	switch policy {
	case ContinueWorkProcess:
		return o.assignmentSettled(ctx, a)
	case ReleaseFailed:
		o.cancelDependants(ctx, wp.ID, a)
		if agent != nil {
			o.releaseAgents(ctx, wp.ID, []*database.Agent{agent})
		}
		return o.checkCompletion(ctx, wp.ID)
	default:
		return o.failWorkProcess(ctx, wp.ID, database.WorkProcessFailed, "assignment failed", errors.New(msg))
	}
}

// cancelDependants cancels every waiting assignment reachable from a.
func (o *Orchestrator) cancelDependants(ctx context.Context, wpID int64, a *database.Assignment) {
	queue := append([]int64(nil), a.NextAssignments...)
	seen := map[int64]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		moved, err := o.db.Assignments.SetStatus(ctx, id, database.AssignmentCanceled,
			database.AssignmentNotReady, database.AssignmentToDispatch)
		o.bestEffort(ctx, wpID, a.ServiceRequestID, "cancel dependant assignment", err)
		if !moved {
			continue
		}
		if next, err := o.db.Assignments.Get(ctx, id); err == nil {
			queue = append(queue, next.NextAssignments...)
		}
	}
}

// checkCompletion finishes a work process once all its assignments are
// final: succeeded when no request is still outstanding, otherwise
// assignments_completed until later steps produce more work.
func (o *Orchestrator) checkCompletion(ctx context.Context, wpID int64) error {
	wp, err := o.db.WorkProcesses.Get(ctx, wpID)
	if err != nil {
		return fmt.Errorf("check completion %d: %w", wpID, err)
	}
	if database.WorkProcessTerminal(wp.Status) || wp.Status == database.WorkProcessCanceling {
		return nil
	}
	as, err := o.db.Assignments.ListByWorkProcess(ctx, wpID)
	if err != nil {
		return fmt.Errorf("check completion %d: %w", wpID, err)
	}
	for _, a := range as {
		if !database.AssignmentTerminal(a.Status) {
			return nil
		}
	}
	srs, err := o.db.ServiceRequests.ListByWorkProcess(ctx, wpID)
	if err != nil {
		return fmt.Errorf("check completion %d: %w", wpID, err)
	}
	outstanding := false
	for _, sr := range srs {
		switch sr.Status {
		case database.RequestNotReady, database.RequestWaitDependencies, database.RequestPending, database.RequestDispatchingService:
			outstanding = true
		case database.RequestReady:
			outstanding = outstanding || !sr.Processed
		}
	}
	if outstanding {
		if len(as) > 0 {
			_, err := o.db.WorkProcesses.SetStatus(ctx, wpID, database.WorkProcessAssignmentsCompleted, database.WorkProcessExecuting)
			return err
		}
		return nil
	}

	moved, err := o.db.WorkProcesses.SetStatus(ctx, wpID, database.WorkProcessSucceeded,
		database.WorkProcessExecuting, database.WorkProcessAssignmentsCompleted,
		database.WorkProcessCalculating, database.WorkProcessPreparing)
	if err != nil || !moved {
		return err
	}
	slog.Info("Work process succeeded", "work_process", wpID, "assignments", len(as))
	o.logEvent(ctx, &database.SystemLog{
		WprocID: wpID, Origin: database.OriginCore, LogType: database.LogInfo,
		Event: "work_process_succeeded", Msg: fmt.Sprintf("work process %d succeeded", wpID),
	})
	o.releaseWorkProcessAgents(ctx, wp, as)
	return o.AdvanceMissionQueue(ctx, wpID)
}

func agentIDs(as []*database.Assignment) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, a := range as {
		if !seen[a.AgentID] {
			seen[a.AgentID] = true
			out = append(out, a.AgentID)
		}
	}
	return out
}

func assignmentIDs(as []*database.Assignment) database.IDs {
	out := make(database.IDs, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
