package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yardcore/yardcore/internal/database"
)

// PlanWorkProcess expands a dispatched work process into the service
// requests of its mission type. Requests without dependencies go straight
// to dispatch; the rest wait for their dependencies.
func (o *Orchestrator) PlanWorkProcess(ctx context.Context, wpID int64) error {
	moved, err := o.db.WorkProcesses.SetStatus(ctx, wpID, database.WorkProcessPreparing, database.WorkProcessDispatched)
	if err != nil {
		return fmt.Errorf("plan work process %d: %w", wpID, err)
	}
	if !moved {
		return nil
	}
	wp, err := o.db.WorkProcesses.Get(ctx, wpID)
	if err != nil {
		return fmt.Errorf("plan work process %d: %w", wpID, err)
	}
	slog.Info("Planning work process", "work_process", wpID, "type", wp.WorkProcessTypeID, "agents", []int64(wp.AgentIDs))

	if o.cfg.ReserveAgents && len(wp.AgentIDs) > 0 {
		if err := o.reserveAgents(ctx, wp); err != nil {
			return o.failWorkProcess(ctx, wpID, database.WorkProcessFailed, "agent reservation", err)
		}
	}

	var steps []*database.PlanStep
	if wp.WorkProcessTypeID != 0 {
		steps, err = o.db.Types.Steps(ctx, wp.WorkProcessTypeID)
		if err != nil {
			return o.failWorkProcess(ctx, wpID, database.WorkProcessPlanningFailed, "load recipe", err)
		}
	}
	if len(steps) == 0 {
		return o.planDirect(ctx, wp)
	}

	created, err := o.createRequests(ctx, wp, steps)
	if err != nil {
		return o.failWorkProcess(ctx, wpID, database.WorkProcessPlanningFailed, "create service requests", err)
	}
	if _, err := o.db.WorkProcesses.SetStatus(ctx, wpID, database.WorkProcessCalculating, database.WorkProcessPreparing); err != nil {
		o.bestEffort(ctx, wpID, 0, "set calculating", err)
	}
	var errs []error
	for _, sr := range created {
		if sr.Status == database.RequestPending {
			errs = append(errs, o.PrepareAndDispatch(ctx, sr.ID))
		}
	}
	return errors.Join(errs...)
}

// reserveAgents asks every agent to get ready and waits until they are.
func (o *Orchestrator) reserveAgents(ctx context.Context, wp *database.WorkProcess) error {
	if err := o.SendGetReadyForWorkProcessRequest(ctx, wp.AgentIDs, wp.ID); err != nil {
		return err
	}
	return o.WaitAgentStatusForWorkProcess(ctx, wp.AgentIDs, database.AgentReady, wp.ID, o.cfg.AgentWaitTimeout)
}

// planDirect builds assignments straight from the work process data when
// its type has no recipe.
func (o *Orchestrator) planDirect(ctx context.Context, wp *database.WorkProcess) error {
	var peek map[string]json.RawMessage
	_ = json.Unmarshal(wp.Data, &peek)
	response := wp.Data
	if !present(peek["results"]) {
		wrapped, err := database.ToJSON(map[string]any{"status": "ready", "result": json.RawMessage(orEmptyObject(wp.Data))})
		if err != nil {
			return o.failWorkProcess(ctx, wp.ID, database.WorkProcessPlanningFailed, "wrap mission data", err)
		}
		response = wrapped
	}
	if _, err := o.CreateAssignment(ctx, wp, response, 0); err != nil {
		return o.failWorkProcess(ctx, wp.ID, database.WorkProcessPlanningFailed, "create assignments", err)
	}
	return nil
}

// createRequests inserts one request per step, then links the dependency
// graph and releases the steps with no dependencies.
func (o *Orchestrator) createRequests(ctx context.Context, wp *database.WorkProcess, steps []*database.PlanStep) ([]*database.ServiceRequest, error) {
	byStep := make(map[string]*database.ServiceRequest, len(steps))
	out := make([]*database.ServiceRequest, 0, len(steps))
	for _, st := range steps {
		sr := &database.ServiceRequest{
			WorkProcessID:               wp.ID,
			ServiceType:                 st.ServiceType,
			Step:                        st.Step,
			Request:                     wp.Data,
			Config:                      st.OverrideConfig,
			IsResultAssignment:          st.Agent,
			ApplyResult:                 st.ApplyResult,
			WaitDependenciesAssignments: st.WaitDependenciesAssignments,
		}
		if svc, err := o.services.Resolve(ctx, st.ServiceType); err != nil {
			o.bestEffort(ctx, wp.ID, 0, "resolve service "+st.ServiceType, err)
		} else {
			sr.ServiceURL = svc.ServiceURL
			sr.IsDummy = svc.IsDummy
		}
		created, err := o.db.ServiceRequests.Create(ctx, sr)
		if err != nil {
			return nil, err
		}
		byStep[st.Step] = created
		out = append(out, created)
	}

	next := make(map[int64][]string)
	for _, st := range steps {
		sr := byStep[st.Step]
		for _, dep := range st.DependsOnSteps {
			d, ok := byStep[dep]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", st.Step, dep)
			}
			sr.DependOnRequests = append(sr.DependOnRequests, d.ID)
			next[d.ID] = append(next[d.ID], sr.RequestUID)
		}
	}
	for _, sr := range out {
		fields := database.Fields{
			"depend_on_requests":            sr.DependOnRequests,
			"next_request_to_dispatch_uids": database.Strings(next[sr.ID]),
		}
		if len(sr.DependOnRequests) == 0 {
			rc, err := o.requestContext(ctx, wp, nil)
			if err != nil {
				return nil, err
			}
			fields["context"] = rc
			fields["status"] = database.RequestPending
		} else {
			fields["status"] = database.RequestWaitDependencies
		}
		if _, err := o.db.ServiceRequests.Update(ctx, sr.ID, fields, database.RequestNotReady); err != nil {
			return nil, err
		}
		sr.Status = fields["status"].(string)
	}
	return out, nil
}

type dependencyContext struct {
	RequestUID  string          `json:"request_uid"`
	Step        string          `json:"step"`
	ServiceType string          `json:"service_type"`
	Response    json.RawMessage `json:"response"`
}

type agentContext struct {
	ID     int64           `json:"id"`
	UUID   string          `json:"uuid"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	X      float64         `json:"x"`
	Y      float64         `json:"y"`
	Z      float64         `json:"z"`
	Sensor json.RawMessage `json:"sensors,omitempty"`
}

// requestContext is what a service sees besides the request: the agents of
// the mission, the yard map and the responses of finished dependencies.
func (o *Orchestrator) requestContext(ctx context.Context, wp *database.WorkProcess, deps []dependencyContext) (database.JSON, error) {
	agents, err := o.db.Agents.ListByIDs(ctx, wp.AgentIDs)
	if err != nil {
		return nil, fmt.Errorf("request context: %w", err)
	}
	ac := make([]agentContext, 0, len(agents))
	for _, a := range agents {
		ac = append(ac, agentContext{
			ID: a.ID, UUID: a.UUID, Name: a.Name, Status: a.Status,
			X: a.X, Y: a.Y, Z: a.Z, Sensor: json.RawMessage(a.Sensors),
		})
	}
	rc := map[string]any{"agents": ac, "dependencies": deps}
	if wp.YardID != 0 {
		yard, err := o.db.Yards.Get(ctx, wp.YardID)
		if err == nil {
			objs, _ := o.db.MapObjects.ListActive(ctx, wp.YardID)
			rc["map"] = map[string]any{
				"id":          yard.ID,
				"origin":      map[string]float64{"lat": yard.Lat, "lon": yard.Lon, "alt": yard.Alt},
				"map_objects": objs,
			}
		} else if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("request context: %w", err)
		}
	}
	if deps == nil {
		rc["dependencies"] = []dependencyContext{}
	}
	return database.ToJSON(rc)
}

// ReleaseDependentRequests moves waiting requests of a work process whose
// dependencies are all ready to pending, with the dependency responses in
// their context, and dispatches them.
func (o *Orchestrator) ReleaseDependentRequests(ctx context.Context, wpID int64) error {
	srs, err := o.db.ServiceRequests.ListByWorkProcess(ctx, wpID)
	if err != nil {
		return fmt.Errorf("release dependent requests: %w", err)
	}
	byID := make(map[int64]*database.ServiceRequest, len(srs))
	for _, sr := range srs {
		byID[sr.ID] = sr
	}
	var assignments []*database.Assignment
	var wp *database.WorkProcess
	var errs []error
	for _, sr := range srs {
		if sr.Status != database.RequestWaitDependencies {
			continue
		}
		deps := make([]dependencyContext, 0, len(sr.DependOnRequests))
		ready := true
		for _, id := range sr.DependOnRequests {
			d, ok := byID[id]
			if !ok || d.Status != database.RequestReady {
				ready = false
				break
			}
			deps = append(deps, dependencyContext{
				RequestUID: d.RequestUID, Step: d.Step, ServiceType: d.ServiceType,
				Response: json.RawMessage(orEmptyObject(d.Response)),
			})
		}
		if ready && sr.WaitDependenciesAssignments {
			if assignments == nil {
				if assignments, err = o.db.Assignments.ListByWorkProcess(ctx, wpID); err != nil {
					return fmt.Errorf("release dependent requests: %w", err)
				}
			}
			ready = dependencyAssignmentsDone(sr.DependOnRequests, assignments)
		}
		if !ready {
			continue
		}
		if wp == nil {
			if wp, err = o.db.WorkProcesses.Get(ctx, wpID); err != nil {
				return fmt.Errorf("release dependent requests: %w", err)
			}
		}
		rc, err := o.requestContext(ctx, wp, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		moved, err := o.db.ServiceRequests.Update(ctx, sr.ID,
			database.Fields{"status": database.RequestPending, "context": rc},
			database.RequestWaitDependencies)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if moved {
			slog.Info("Service request released", "work_process", wpID, "service_request", sr.ID, "step", sr.Step)
			errs = append(errs, o.PrepareAndDispatch(ctx, sr.ID))
		}
	}
	return errors.Join(errs...)
}

// dependencyAssignmentsDone reports whether every assignment created from
// the given requests finished successfully.
func dependencyAssignmentsDone(requestIDs database.IDs, assignments []*database.Assignment) bool {
	for _, a := range assignments {
		if requestIDs.Contains(a.ServiceRequestID) && !database.AssignmentDone(a.Status) {
			return false
		}
	}
	return true
}

func orEmptyObject(j database.JSON) database.JSON {
	if !present(json.RawMessage(j)) {
		return database.JSON("{}")
	}
	return j
}
