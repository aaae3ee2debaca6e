package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// WorkProcesses is the work_processes repository.
type WorkProcesses struct{ d *DB }

const workProcessColumns = `id, yard_id, work_process_type_id, status, agent_ids, sched_start_at,
	mission_queue_id, run_order, data, on_assignment_failure, fallback_mission, description,
	created_at, modified_at, started_at, ended_at`

func scanWorkProcess(s rowScanner) (*WorkProcess, error) {
	var wp WorkProcess
	var typeID, queueID sql.NullInt64
	var sched, started, ended sql.NullTime
	err := s.Scan(&wp.ID, &wp.YardID, &typeID, &wp.Status, &wp.AgentIDs, &sched,
		&queueID, &wp.RunOrder, &wp.Data, &wp.OnAssignmentFailure, &wp.FallbackMission, &wp.Description,
		&wp.CreatedAt, &wp.ModifiedAt, &started, &ended)
	if err != nil {
		return nil, err
	}
	wp.WorkProcessTypeID = typeID.Int64
	wp.MissionQueueID = queueID.Int64
	wp.SchedStartAt = timePtr(sched)
	wp.StartedAt = timePtr(started)
	wp.EndedAt = timePtr(ended)
	return &wp, nil
}

// Create inserts a work process and returns it with its id. An empty status
// defaults to draft.
func (r *WorkProcesses) Create(ctx context.Context, wp *WorkProcess) (*WorkProcess, error) {
	if wp.Status == "" {
		wp.Status = WorkProcessDraft
	}
	id, err := r.d.Insert(ctx, "work_processes", Fields{
		"yard_id":               wp.YardID,
		"work_process_type_id":  nullID(wp.WorkProcessTypeID),
		"status":                wp.Status,
		"agent_ids":             wp.AgentIDs,
		"sched_start_at":        wp.SchedStartAt,
		"mission_queue_id":      nullID(wp.MissionQueueID),
		"run_order":             wp.RunOrder,
		"data":                  wp.Data,
		"on_assignment_failure": wp.OnAssignmentFailure,
		"fallback_mission":      wp.FallbackMission,
		"description":           wp.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("create work process: %w", err)
	}
	return r.Get(ctx, id)
}

// Get returns a work process by id.
func (r *WorkProcesses) Get(ctx context.Context, id int64) (*WorkProcess, error) {
	row := r.d.db.QueryRowContext(ctx, "SELECT "+workProcessColumns+" FROM work_processes WHERE id = ?", id)
	wp, err := scanWorkProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work process %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get work process: %w", err)
	}
	return wp, nil
}

// List returns work processes matching conds, oldest first.
func (r *WorkProcesses) List(ctx context.Context, conds Conditions) ([]*WorkProcess, error) {
	rows, err := r.d.queryRows(ctx, "work_processes", workProcessColumns, conds, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WorkProcess
	for rows.Next() {
		wp, err := scanWorkProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work process: %w", err)
		}
		out = append(out, wp)
	}
	return out, rows.Err()
}

// ListByStatus returns work processes in any of the given statuses.
func (r *WorkProcesses) ListByStatus(ctx context.Context, statuses ...string) ([]*WorkProcess, error) {
	return r.List(ctx, Conditions{"status__in": statuses})
}

// SetStatus moves a work process to status, but only while it is in one of
// from (any status when from is empty). The boolean reports whether the
// row changed; false means another actor already moved it.
func (r *WorkProcesses) SetStatus(ctx context.Context, id int64, status string, from ...string) (bool, error) {
	fields := Fields{"status": status}
	switch {
	case status == WorkProcessExecuting:
		fields["started_at"] = nowFunc()
	case WorkProcessTerminal(status):
		fields["ended_at"] = nowFunc()
	}
	return r.d.updateGuarded(ctx, "work_processes", id, fields, from)
}

// Update writes arbitrary fields, guarded by from when given.
func (r *WorkProcesses) Update(ctx context.Context, id int64, fields Fields, from ...string) (bool, error) {
	return r.d.updateGuarded(ctx, "work_processes", id, fields, from)
}

// WorkProcessTypes is the mission-type and recipe repository.
type WorkProcessTypes struct{ d *DB }

// Create inserts a mission type.
func (r *WorkProcessTypes) Create(ctx context.Context, t *WorkProcessType) (int64, error) {
	id, err := r.d.Insert(ctx, "work_process_types", Fields{
		"name":           t.Name,
		"description":    t.Description,
		"dispatch_order": t.DispatchOrder,
	})
	if err != nil {
		return 0, fmt.Errorf("create work process type: %w", err)
	}
	t.ID = id
	return id, nil
}

// Get returns a mission type by id.
func (r *WorkProcessTypes) Get(ctx context.Context, id int64) (*WorkProcessType, error) {
	return r.get(ctx, "id", id)
}

// GetByName returns a mission type by name.
func (r *WorkProcessTypes) GetByName(ctx context.Context, name string) (*WorkProcessType, error) {
	return r.get(ctx, "name", name)
}

func (r *WorkProcessTypes) get(ctx context.Context, col string, val any) (*WorkProcessType, error) {
	var t WorkProcessType
	err := r.d.db.QueryRowContext(ctx,
		"SELECT id, name, description, dispatch_order FROM work_process_types WHERE "+col+" = ?", val).
		Scan(&t.ID, &t.Name, &t.Description, &t.DispatchOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work process type %v: %w", val, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get work process type: %w", err)
	}
	return &t, nil
}

// AddStep appends a recipe step to a mission type.
func (r *WorkProcessTypes) AddStep(ctx context.Context, s *PlanStep) (int64, error) {
	id, err := r.d.Insert(ctx, "work_process_service_plan", Fields{
		"work_process_type_id":          s.WorkProcessTypeID,
		"step":                          s.Step,
		"request_order":                 s.RequestOrder,
		"service_type":                  s.ServiceType,
		"agent":                         s.Agent,
		"depends_on_steps":              s.DependsOnSteps,
		"wait_dependencies_assignments": s.WaitDependenciesAssignments,
		"apply_result":                  s.ApplyResult,
		"override_config":               s.OverrideConfig,
	})
	if err != nil {
		return 0, fmt.Errorf("add plan step: %w", err)
	}
	s.ID = id
	return id, nil
}

// Steps returns the recipe of a mission type in request order.
func (r *WorkProcessTypes) Steps(ctx context.Context, typeID int64) ([]*PlanStep, error) {
	rows, err := r.d.queryRows(ctx, "work_process_service_plan",
		`id, work_process_type_id, step, request_order, service_type, agent, depends_on_steps,
		wait_dependencies_assignments, apply_result, override_config`,
		Conditions{"work_process_type_id": typeID}, "request_order ASC, id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PlanStep
	for rows.Next() {
		var s PlanStep
		if err := rows.Scan(&s.ID, &s.WorkProcessTypeID, &s.Step, &s.RequestOrder, &s.ServiceType, &s.Agent,
			&s.DependsOnSteps, &s.WaitDependenciesAssignments, &s.ApplyResult, &s.OverrideConfig); err != nil {
			return nil, fmt.Errorf("scan plan step: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
