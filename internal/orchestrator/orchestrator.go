// Package orchestrator is the mission state machine. It plans work processes
// into service requests, dispatches them to microservices, turns their
// results into ordered assignments and follows the assignments to
// completion. Every transition is a status-guarded update, so concurrent
// replicas and handlers can race safely: losing a race changes nothing.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yardcore/yardcore/internal/bus"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/microservice"
	"github.com/yardcore/yardcore/internal/scheduler"
)

var (
	// ErrAgentStatusTimeout is returned when agents do not reach a status in time.
	ErrAgentStatusTimeout = errors.New("agent status timeout")
	// ErrWorkProcessTerminated aborts waits whose work process was canceled or failed.
	ErrWorkProcessTerminated = errors.New("work process terminated")
	// ErrNoAgent is returned when a planner result names no known agent.
	ErrNoAgent = errors.New("no valid agent")
)

// AgentMessenger sends mission traffic to agents.
type AgentMessenger interface {
	SendAssignment(ctx context.Context, agent *database.Agent, a *database.Assignment) error
	CancelAssignment(ctx context.Context, agent *database.Agent, a *database.Assignment) error
	ReserveForMission(ctx context.Context, agent *database.Agent, wpID int64) error
	ReleaseFromMission(ctx context.Context, agent *database.Agent, wpID int64) error
	SendInstantAction(ctx context.Context, agent *database.Agent, command, sender string, body json.RawMessage) error
}

// Options configures an Orchestrator.
type Options struct {
	Orchestrator config.OrchestratorConfig
	Microservice config.MicroserviceConfig
	// IsLeader guards the periodic sweeps. Nil means always.
	IsLeader func() bool
}

// Orchestrator drives work processes from dispatch to completion.
type Orchestrator struct {
	db       *database.DB
	services *microservice.Registry
	client   *microservice.Client
	agents   AgentMessenger
	cfg      config.OrchestratorConfig
	msCfg    config.MicroserviceConfig
	isLeader func() bool
	dispatch *scheduler.Semaphore
	now      func() time.Time
}

// New creates an Orchestrator.
func New(db *database.DB, services *microservice.Registry, client *microservice.Client, agents AgentMessenger, opts Options) *Orchestrator {
	cfg := opts.Orchestrator
	if cfg.AgentWaitTimeout <= 0 {
		cfg.AgentWaitTimeout = 20 * time.Second
	}
	if cfg.AgentPollInterval <= 0 {
		cfg.AgentPollInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.MaxConcDispatch <= 0 {
		cfg.MaxConcDispatch = 5
	}
	if cfg.DefaultFailurePlan == "" {
		cfg.DefaultFailurePlan = FailWorkProcess
	}
	msCfg := opts.Microservice
	if msCfg.PollInterval <= 0 {
		msCfg.PollInterval = 2 * time.Second
	}
	if msCfg.ResultTimeout <= 0 {
		msCfg.ResultTimeout = 5 * time.Minute
	}
	isLeader := opts.IsLeader
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Orchestrator{
		db:       db,
		services: services,
		client:   client,
		agents:   agents,
		cfg:      cfg,
		msCfg:    msCfg,
		isLeader: isLeader,
		dispatch: scheduler.NewSemaphore(cfg.MaxConcDispatch),
		now:      time.Now,
	}
}

// Run consumes change events and runs the leader sweeps until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	events := o.db.Bus().Subscribe("orchestrator")
	defer o.db.Bus().Unsubscribe("orchestrator")

	sched := scheduler.New()
	sched.Register(&scheduler.Task{
		Name: "orchestrator-sweep", Interval: o.cfg.SweepInterval, Guard: o.isLeader, Eager: true,
		Run: o.Sweep,
	})
	sched.Register(&scheduler.Task{
		Name: "service-poll", Interval: o.msCfg.PollInterval, Guard: o.isLeader,
		Run: o.PollPendingRequests,
	})
	go func() { _ = sched.Run(ctx) }()

	slog.Info("Orchestrator started", "sweep", o.cfg.SweepInterval, "max_conc_dispatch", o.cfg.MaxConcDispatch)
	for {
		ev, ok := bus.Next(ctx, events)
		if !ok {
			slog.Info("Orchestrator stopped")
			return nil
		}
		go func(ev bus.ChangeEvent) {
			if err := o.HandleEvent(ctx, ev); err != nil {
				slog.Warn("Change event handling failed", "table", ev.Table, "id", ev.ID, "status", ev.Status, "error", err)
			}
		}(ev)
	}
}

// HandleEvent routes a change event to the state machine.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev bus.ChangeEvent) error {
	if ev.Status == "" {
		return nil
	}
	switch ev.Table {
	case bus.TableWorkProcesses:
		switch ev.Status {
		case database.WorkProcessDispatched:
			return o.PlanWorkProcess(ctx, ev.ID)
		case database.WorkProcessCanceling:
			return o.CancelWorkProcess(ctx, ev.ID)
		}
		if database.WorkProcessTerminal(ev.Status) {
			return o.AdvanceMissionQueue(ctx, ev.ID)
		}
	case bus.TableServiceRequests:
		switch ev.Status {
		case database.RequestPending:
			return o.PrepareAndDispatch(ctx, ev.ID)
		case database.RequestReady:
			return o.OnServiceRequestReady(ctx, ev.ID)
		}
	case bus.TableAssignments:
		if ev.Status == database.AssignmentToDispatch {
			return o.DispatchAssignment(ctx, ev.ID)
		}
	}
	return nil
}

// Sweep re-discovers rows whose change events were missed.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	var errs []error
	wps, err := o.db.WorkProcesses.ListByStatus(ctx, database.WorkProcessDispatched, database.WorkProcessCanceling)
	if err != nil {
		return err
	}
	for _, wp := range wps {
		if wp.Status == database.WorkProcessDispatched {
			errs = append(errs, o.PlanWorkProcess(ctx, wp.ID))
		} else {
			errs = append(errs, o.CancelWorkProcess(ctx, wp.ID))
		}
	}

	srs, err := o.db.ServiceRequests.List(ctx, database.Conditions{
		"status__in": []string{database.RequestPending, database.RequestReady},
	})
	if err != nil {
		return err
	}
	for _, sr := range srs {
		switch {
		case sr.Status == database.RequestPending && !sr.Fetched:
			errs = append(errs, o.PrepareAndDispatch(ctx, sr.ID))
		case sr.Status == database.RequestReady && !sr.Processed:
			errs = append(errs, o.OnServiceRequestReady(ctx, sr.ID))
		}
	}

	as, err := o.db.Assignments.List(ctx, database.Conditions{"status": database.AssignmentToDispatch})
	if err != nil {
		return err
	}
	for _, a := range as {
		errs = append(errs, o.DispatchAssignment(ctx, a.ID))
	}
	return errors.Join(errs...)
}

// bestEffort logs a failure of a batch-independent step against the work
// process and lets the caller carry on.
func (o *Orchestrator) bestEffort(ctx context.Context, wpID, srID int64, what string, err error) {
	if err == nil {
		return
	}
	slog.Warn("Orchestration step failed", "step", what, "work_process", wpID, "service_request", srID, "error", err)
	o.logEvent(ctx, &database.SystemLog{
		WprocID: wpID, ServiceRequestID: srID, Origin: database.OriginCore,
		LogType: database.LogWarn, Event: what, Msg: err.Error(),
	})
}

// mustSucceed wraps the failure of a mission-critical step; the caller
// returns it and the mission is failed.
func mustSucceed(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (o *Orchestrator) logEvent(ctx context.Context, l *database.SystemLog) {
	if err := o.db.SystemLogs.Add(ctx, l); err != nil {
		slog.Error("System log write failed", "event", l.Event, "error", err)
	}
}
