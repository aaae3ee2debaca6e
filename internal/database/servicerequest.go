package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ServiceRequests is the service_requests repository.
type ServiceRequests struct{ d *DB }

const serviceRequestColumns = `id, work_process_id, service_type, service_url, step, request, context, config,
	response, status, is_dummy, is_result_assignment, apply_result, depend_on_requests,
	next_request_to_dispatch_uids, assignment_dispatched, wait_dependencies_assignments, request_uid,
	fetched, processed, job_id, dispatched_at, result_at, canceled_at, created_at, modified_at`

func scanServiceRequest(s rowScanner) (*ServiceRequest, error) {
	var sr ServiceRequest
	var dispatched, result, canceled sql.NullTime
	err := s.Scan(&sr.ID, &sr.WorkProcessID, &sr.ServiceType, &sr.ServiceURL, &sr.Step, &sr.Request, &sr.Context, &sr.Config,
		&sr.Response, &sr.Status, &sr.IsDummy, &sr.IsResultAssignment, &sr.ApplyResult, &sr.DependOnRequests,
		&sr.NextRequestToDispatchUIDs, &sr.AssignmentDispatched, &sr.WaitDependenciesAssignments, &sr.RequestUID,
		&sr.Fetched, &sr.Processed, &sr.JobID, &dispatched, &result, &canceled, &sr.CreatedAt, &sr.ModifiedAt)
	if err != nil {
		return nil, err
	}
	sr.DispatchedAt = timePtr(dispatched)
	sr.ResultAt = timePtr(result)
	sr.CanceledAt = timePtr(canceled)
	return &sr, nil
}

// Create inserts a service request. RequestUID is generated when empty and
// the status defaults to not_ready_for_service.
func (r *ServiceRequests) Create(ctx context.Context, sr *ServiceRequest) (*ServiceRequest, error) {
	if sr.RequestUID == "" {
		sr.RequestUID = uuid.NewString()
	}
	if sr.Status == "" {
		sr.Status = RequestNotReady
	}
	id, err := r.d.Insert(ctx, "service_requests", Fields{
		"work_process_id":               sr.WorkProcessID,
		"service_type":                  sr.ServiceType,
		"service_url":                   sr.ServiceURL,
		"step":                          sr.Step,
		"request":                       sr.Request,
		"context":                       sr.Context,
		"config":                        sr.Config,
		"status":                        sr.Status,
		"is_dummy":                      sr.IsDummy,
		"is_result_assignment":          sr.IsResultAssignment,
		"apply_result":                  sr.ApplyResult,
		"depend_on_requests":            sr.DependOnRequests,
		"next_request_to_dispatch_uids": sr.NextRequestToDispatchUIDs,
		"wait_dependencies_assignments": sr.WaitDependenciesAssignments,
		"request_uid":                   sr.RequestUID,
	})
	if err != nil {
		return nil, fmt.Errorf("create service request: %w", err)
	}
	return r.Get(ctx, id)
}

// Get returns a service request by id.
func (r *ServiceRequests) Get(ctx context.Context, id int64) (*ServiceRequest, error) {
	row := r.d.db.QueryRowContext(ctx, "SELECT "+serviceRequestColumns+" FROM service_requests WHERE id = ?", id)
	sr, err := scanServiceRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service request %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get service request: %w", err)
	}
	return sr, nil
}

// List returns service requests matching conds in creation order.
func (r *ServiceRequests) List(ctx context.Context, conds Conditions) ([]*ServiceRequest, error) {
	rows, err := r.d.queryRows(ctx, "service_requests", serviceRequestColumns, conds, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ServiceRequest
	for rows.Next() {
		sr, err := scanServiceRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service request: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// ListByWorkProcess returns all requests of a work process.
func (r *ServiceRequests) ListByWorkProcess(ctx context.Context, wpID int64) ([]*ServiceRequest, error) {
	return r.List(ctx, Conditions{"work_process_id": wpID})
}

// SetStatus moves a request to status while it is in one of from.
func (r *ServiceRequests) SetStatus(ctx context.Context, id int64, status string, from ...string) (bool, error) {
	fields := Fields{"status": status}
	switch status {
	case RequestDispatchingService:
		fields["dispatched_at"] = nowFunc()
	case RequestReady, RequestFailed, RequestTimeout:
		fields["result_at"] = nowFunc()
	case RequestCanceled:
		fields["canceled_at"] = nowFunc()
	}
	return r.d.updateGuarded(ctx, "service_requests", id, fields, from)
}

// Update writes arbitrary fields, guarded by from when given.
func (r *ServiceRequests) Update(ctx context.Context, id int64, fields Fields, from ...string) (bool, error) {
	return r.d.updateGuarded(ctx, "service_requests", id, fields, from)
}

// SaveResponse stores a response and status while the request is still in
// one of from.
func (r *ServiceRequests) SaveResponse(ctx context.Context, id int64, status string, response JSON, from ...string) (bool, error) {
	fields := Fields{"status": status, "response": response, "result_at": nowFunc()}
	if status == RequestCanceled {
		fields["canceled_at"] = nowFunc()
	}
	return r.d.updateGuarded(ctx, "service_requests", id, fields, from)
}

// CancelActive cancels every request of a work process that is not yet in a
// final status and returns the ids it changed.
func (r *ServiceRequests) CancelActive(ctx context.Context, wpID int64) ([]int64, error) {
	now := nowFunc()
	return r.d.UpdateByConditions(ctx, "service_requests",
		Conditions{"work_process_id": wpID, "status__in": []string{
			RequestNotReady, RequestWaitDependencies, RequestPending, RequestDispatchingService,
		}},
		Fields{"status": RequestCanceled, "canceled_at": now})
}
