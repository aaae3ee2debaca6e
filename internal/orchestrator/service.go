package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/microservice"
)

// PrepareAndDispatch claims a pending request for dispatch and sends it to
// its service. Only the caller that flips fetched wins.
func (o *Orchestrator) PrepareAndDispatch(ctx context.Context, srID int64) error {
	ids, err := o.db.UpdateByConditions(ctx, "service_requests",
		database.Conditions{"id": srID, "status": database.RequestPending, "fetched": false},
		database.Fields{"status": database.RequestDispatchingService, "fetched": true, "dispatched_at": o.now()})
	if err != nil {
		return fmt.Errorf("prepare service request %d: %w", srID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := o.dispatch.Acquire(ctx); err != nil {
		return err
	}
	defer o.dispatch.Release()
	return o.ProcessMicroserviceRequest(ctx, srID)
}

// ProcessMicroserviceRequest sends a request in dispatching_service to its
// microservice and stores the answer. Every failure, infrastructure ones
// included, leaves the request failed with the error as its response.
func (o *Orchestrator) ProcessMicroserviceRequest(ctx context.Context, srID int64) error {
	sr, err := o.db.ServiceRequests.Get(ctx, srID)
	if err != nil {
		return fmt.Errorf("process service request %d: %w", srID, err)
	}
	if sr.Status != database.RequestDispatchingService {
		return nil
	}

	svc, err := o.services.Resolve(ctx, sr.ServiceType)
	if err != nil {
		return o.requestFailed(ctx, sr, database.RequestDispatchingService, "resolve service", err)
	}
	if sr.IsDummy {
		svc.IsDummy = true
	}
	slog.Info("Dispatching service request", "service_request", sr.ID, "work_process", sr.WorkProcessID,
		"service", svc.Name, "dummy", svc.IsDummy)
	resp, err := o.client.Dispatch(ctx, svc, json.RawMessage(sr.Request), json.RawMessage(sr.Context), json.RawMessage(sr.Config))
	if err != nil {
		return o.requestFailed(ctx, sr, database.RequestDispatchingService, "dispatch to "+svc.Name, err)
	}
	if resp.RequestID != "" {
		if _, err := o.db.ServiceRequests.Update(ctx, sr.ID, database.Fields{"job_id": resp.RequestID}); err != nil {
			o.bestEffort(ctx, sr.WorkProcessID, sr.ID, "record job id", err)
		}
	}
	status, err := o.SaveServiceResponse(ctx, sr.ID, resp, database.RequestPending)
	if err != nil {
		return err
	}
	return o.afterResponse(ctx, sr, status)
}

// afterResponse chains the next step once a response was stored.
func (o *Orchestrator) afterResponse(ctx context.Context, sr *database.ServiceRequest, status string) error {
	switch status {
	case database.RequestReady:
		return o.OnServiceRequestReady(ctx, sr.ID)
	case database.RequestFailed:
		return o.failWorkProcess(ctx, sr.WorkProcessID, database.WorkProcessFailed,
			"service request "+sr.Step, fmt.Errorf("service %s reported failure", sr.ServiceType))
	case database.RequestCanceled:
		return o.failWorkProcess(ctx, sr.WorkProcessID, database.WorkProcessFailed,
			"service request "+sr.Step, fmt.Errorf("service %s canceled the request", sr.ServiceType))
	}
	return nil
}

// requestFailed marks a request failed with an error payload, keeping any
// result it already stored, and fails its work process.
func (o *Orchestrator) requestFailed(ctx context.Context, sr *database.ServiceRequest, from, what string, cause error) error {
	body := map[string]any{"status": database.RequestFailed, "error": cause.Error()}
	if len(sr.Response) > 0 && json.Valid(sr.Response) {
		body["result"] = json.RawMessage(sr.Response)
	}
	payload, _ := database.ToJSON(body)
	moved, err := o.db.ServiceRequests.SaveResponse(ctx, sr.ID, database.RequestFailed, payload, from)
	if err != nil {
		return fmt.Errorf("mark service request %d failed: %w", sr.ID, err)
	}
	if !moved {
		return nil
	}
	o.logEvent(ctx, &database.SystemLog{
		WprocID: sr.WorkProcessID, ServiceRequestID: sr.ID, Origin: database.OriginMicroservice,
		LogType: database.LogError, Event: "service_request_failed", Msg: what + ": " + cause.Error(),
	})
	return o.failWorkProcess(ctx, sr.WorkProcessID, database.WorkProcessFailed, what, cause)
}

// SaveServiceResponse classifies and stores a service response. An explicit
// canceled, failed or ready status wins; otherwise a non-empty result or
// results means ready, else defaultStatus. The row is only written while the
// request is still active. The returned status is empty when nothing was
// written.
func (o *Orchestrator) SaveServiceResponse(ctx context.Context, srID int64, resp *microservice.Response, defaultStatus string) (string, error) {
	status := classifyResponse(resp, defaultStatus)
	raw := resp.Raw
	if len(raw) == 0 {
		b, err := json.Marshal(resp)
		if err != nil {
			return "", fmt.Errorf("save service response: %w", err)
		}
		raw = b
	}
	moved, err := o.db.ServiceRequests.SaveResponse(ctx, srID, status, database.JSON(raw), database.RequestActiveStatuses...)
	if err != nil {
		return "", fmt.Errorf("save service response %d: %w", srID, err)
	}
	if !moved {
		return "", nil
	}
	return status, nil
}

func classifyResponse(resp *microservice.Response, defaultStatus string) string {
	switch resp.Status {
	case microservice.StatusCanceled, microservice.StatusFailed, microservice.StatusReady:
		return resp.Status
	}
	if present(resp.Result) || present(resp.Results) {
		return database.RequestReady
	}
	return defaultStatus
}

// PollPendingRequests fetches the results of asynchronous jobs and times out
// requests whose service did not answer in time.
func (o *Orchestrator) PollPendingRequests(ctx context.Context) error {
	srs, err := o.db.ServiceRequests.List(ctx, database.Conditions{
		"status": database.RequestPending, "fetched": true,
	})
	if err != nil {
		return fmt.Errorf("poll pending requests: %w", err)
	}
	var errs []error
	for _, sr := range srs {
		errs = append(errs, o.pollRequest(ctx, sr))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) pollRequest(ctx context.Context, sr *database.ServiceRequest) error {
	svc, err := o.services.Resolve(ctx, sr.ServiceType)
	if err != nil {
		return o.requestFailed(ctx, sr, database.RequestPending, "resolve service", err)
	}
	timeout := o.msCfg.ResultTimeout
	if svc.ResultTimeout > 0 {
		timeout = time.Duration(svc.ResultTimeout) * time.Second
	}
	if sr.DispatchedAt != nil && o.now().After(sr.DispatchedAt.Add(timeout)) {
		payload, _ := database.ToJSON(map[string]any{"status": database.RequestTimeout, "error": "no result within " + timeout.String()})
		moved, err := o.db.ServiceRequests.SaveResponse(ctx, sr.ID, database.RequestTimeout, payload, database.RequestPending)
		if err != nil || !moved {
			return err
		}
		o.logEvent(ctx, &database.SystemLog{
			WprocID: sr.WorkProcessID, ServiceRequestID: sr.ID, Origin: database.OriginMicroservice,
			LogType: database.LogError, Event: "service_request_timeout",
			Msg: fmt.Sprintf("%s did not answer within %s", svc.Name, timeout),
		})
		return o.failWorkProcess(ctx, sr.WorkProcessID, database.WorkProcessFailed, "service timeout", fmt.Errorf("%s timed out", svc.Name))
	}
	if sr.JobID == "" {
		return nil
	}
	resp, err := o.client.Poll(ctx, svc, sr.JobID)
	if err != nil {
		slog.Warn("Service poll failed", "service_request", sr.ID, "job", sr.JobID, "error", err)
		return nil
	}
	status, err := o.SaveServiceResponse(ctx, sr.ID, resp, database.RequestPending)
	if err != nil {
		return err
	}
	return o.afterResponse(ctx, sr, status)
}

// OnServiceRequestReady applies the result of a ready request exactly once:
// agent steps become assignments, map server results update the yard map,
// then waiting requests are released.
func (o *Orchestrator) OnServiceRequestReady(ctx context.Context, srID int64) error {
	ids, err := o.db.UpdateByConditions(ctx, "service_requests",
		database.Conditions{"id": srID, "status": database.RequestReady, "processed": false},
		database.Fields{"processed": true})
	if err != nil {
		return fmt.Errorf("claim ready request %d: %w", srID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	sr, err := o.db.ServiceRequests.Get(ctx, srID)
	if err != nil {
		return fmt.Errorf("ready request %d: %w", srID, err)
	}
	wp, err := o.db.WorkProcesses.Get(ctx, sr.WorkProcessID)
	if err != nil {
		return fmt.Errorf("ready request %d: %w", srID, err)
	}
	if database.WorkProcessTerminal(wp.Status) || wp.Status == database.WorkProcessCanceling {
		return nil
	}

	if sr.IsResultAssignment {
		if _, err := o.CreateAssignment(ctx, wp, sr.Response, sr.ID); err != nil {
			return o.requestFailed(ctx, sr, database.RequestReady, "create assignments", err)
		}
	} else if sr.ApplyResult {
		svc, err := o.services.Resolve(ctx, sr.ServiceType)
		if err != nil {
			o.bestEffort(ctx, wp.ID, sr.ID, "resolve service", err)
		} else if svc.Class == database.ClassMapServer && wp.YardID != 0 {
			o.bestEffort(ctx, wp.ID, sr.ID, "update map", o.UpdateMap(ctx, wp.YardID, sr.Response))
		}
	}

	o.bestEffort(ctx, wp.ID, sr.ID, "release dependent requests", o.ReleaseDependentRequests(ctx, wp.ID))
	return o.checkCompletion(ctx, wp.ID)
}
