package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Assignments is the assignments repository.
type Assignments struct{ d *DB }

const assignmentColumns = `id, work_process_id, agent_id, service_request_id, status, depend_on_assignments,
	next_assignments, data, on_assignment_failure, fallback_mission, result, context, start_time_stamp,
	created_at, modified_at`

func scanAssignment(s rowScanner) (*Assignment, error) {
	var a Assignment
	var srID sql.NullInt64
	var start sql.NullTime
	err := s.Scan(&a.ID, &a.WorkProcessID, &a.AgentID, &srID, &a.Status, &a.DependOnAssignments,
		&a.NextAssignments, &a.Data, &a.OnAssignmentFailure, &a.FallbackMission, &a.Result, &a.Context, &start,
		&a.CreatedAt, &a.ModifiedAt)
	if err != nil {
		return nil, err
	}
	a.ServiceRequestID = srID.Int64
	a.StartTimeStamp = timePtr(start)
	return &a, nil
}

// Create inserts an assignment. The status defaults to not_ready_to_dispatch.
func (r *Assignments) Create(ctx context.Context, a *Assignment) (*Assignment, error) {
	if a.Status == "" {
		a.Status = AssignmentNotReady
	}
	id, err := r.d.Insert(ctx, "assignments", Fields{
		"work_process_id":       a.WorkProcessID,
		"agent_id":              a.AgentID,
		"service_request_id":    nullID(a.ServiceRequestID),
		"status":                a.Status,
		"depend_on_assignments": a.DependOnAssignments,
		"next_assignments":      a.NextAssignments,
		"data":                  a.Data,
		"on_assignment_failure": a.OnAssignmentFailure,
		"fallback_mission":      a.FallbackMission,
		"context":               a.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	return r.Get(ctx, id)
}

// Get returns an assignment by id.
func (r *Assignments) Get(ctx context.Context, id int64) (*Assignment, error) {
	row := r.d.db.QueryRowContext(ctx, "SELECT "+assignmentColumns+" FROM assignments WHERE id = ?", id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// List returns assignments matching conds in creation order.
func (r *Assignments) List(ctx context.Context, conds Conditions) ([]*Assignment, error) {
	rows, err := r.d.queryRows(ctx, "assignments", assignmentColumns, conds, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByWorkProcess returns all assignments of a work process.
func (r *Assignments) ListByWorkProcess(ctx context.Context, wpID int64) ([]*Assignment, error) {
	return r.List(ctx, Conditions{"work_process_id": wpID})
}

// SetStatus moves an assignment to status while it is in one of from.
func (r *Assignments) SetStatus(ctx context.Context, id int64, status string, from ...string) (bool, error) {
	fields := Fields{"status": status}
	if status == AssignmentExecuting {
		fields["start_time_stamp"] = nowFunc()
	}
	return r.d.updateGuarded(ctx, "assignments", id, fields, from)
}

// Update writes arbitrary fields, guarded by from when given.
func (r *Assignments) Update(ctx context.Context, id int64, fields Fields, from ...string) (bool, error) {
	return r.d.updateGuarded(ctx, "assignments", id, fields, from)
}

// SetLinks stores the dependency links of an assignment.
func (r *Assignments) SetLinks(ctx context.Context, id int64, dependOn, next IDs) error {
	_, err := r.d.Update(ctx, "assignments", id, Fields{
		"depend_on_assignments": dependOn,
		"next_assignments":      next,
	})
	return err
}

// ValidateAcyclic reports an error when the depend_on_assignments links of
// the given assignments form a cycle.
func ValidateAcyclic(assignments []*Assignment) error {
	deps := make(map[int64]IDs, len(assignments))
	for _, a := range assignments {
		deps[a.ID] = a.DependOnAssignments
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[int64]int, len(deps))
	var visit func(id int64) error
	visit = func(id int64) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("assignment dependency cycle through %d", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if _, ok := deps[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, a := range assignments {
		if err := visit(a.ID); err != nil {
			return err
		}
	}
	return nil
}
