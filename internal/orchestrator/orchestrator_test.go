package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yardcore/yardcore/internal/bus"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/microservice"
	"github.com/yardcore/yardcore/internal/notify"
)

type messengerCall struct {
	kind  string
	agent string
	id    int64
}

// fakeMessenger records agent traffic. Calls may arrive concurrently.
type fakeMessenger struct {
	mu    sync.Mutex
	calls []messengerCall
	fail  map[string]error
}

func (f *fakeMessenger) record(kind string, a *database.Agent, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messengerCall{kind: kind, agent: a.UUID, id: id})
	return f.fail[kind]
}

func (f *fakeMessenger) SendAssignment(_ context.Context, a *database.Agent, as *database.Assignment) error {
	return f.record("assignment", a, as.ID)
}

func (f *fakeMessenger) CancelAssignment(_ context.Context, a *database.Agent, as *database.Assignment) error {
	return f.record("cancel", a, as.ID)
}

func (f *fakeMessenger) ReserveForMission(_ context.Context, a *database.Agent, wpID int64) error {
	return f.record("reserve", a, wpID)
}

func (f *fakeMessenger) ReleaseFromMission(_ context.Context, a *database.Agent, wpID int64) error {
	return f.record("release", a, wpID)
}

func (f *fakeMessenger) SendInstantAction(_ context.Context, a *database.Agent, command, _ string, _ json.RawMessage) error {
	return f.record("instant:"+command, a, 0)
}

func (f *fakeMessenger) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "yardcore.db")}, bus.NewEventBus())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *database.DB, *fakeMessenger) {
	t.Helper()
	db := newTestDB(t)
	msgr := &fakeMessenger{fail: map[string]error{}}
	o := New(db, microservice.NewRegistry(db.Services), microservice.NewClient(5*time.Second), msgr, Options{
		Orchestrator: config.OrchestratorConfig{AgentPollInterval: 10 * time.Millisecond},
	})
	return o, db, msgr
}

func addAgents(t *testing.T, db *database.DB, n int) []*database.Agent {
	t.Helper()
	out := make([]*database.Agent, 0, n)
	for i := 0; i < n; i++ {
		a, err := db.Agents.Create(context.Background(), &database.Agent{
			UUID: fmt.Sprintf("agent-%d", i+1), ConnectionStatus: database.ConnectionOnline,
		})
		if err != nil {
			t.Fatalf("create agent: %v", err)
		}
		out = append(out, a)
	}
	return out
}

func addWorkProcess(t *testing.T, db *database.DB, wp *database.WorkProcess) *database.WorkProcess {
	t.Helper()
	created, err := db.WorkProcesses.Create(context.Background(), wp)
	if err != nil {
		t.Fatalf("create work process: %v", err)
	}
	return created
}

func mustJSON(t *testing.T, v any) database.JSON {
	t.Helper()
	j, err := database.ToJSON(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return j
}

func wpStatus(t *testing.T, db *database.DB, id int64) string {
	t.Helper()
	wp, err := db.WorkProcesses.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get work process: %v", err)
	}
	return wp.Status
}

func TestCreateAssignmentSingleResult(t *testing.T) {
	ctx := context.Background()
	o, db, msgr := newTestOrchestrator(t)
	agents := addAgents(t, db, 2)
	wp := addWorkProcess(t, db, &database.WorkProcess{
		Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID, agents[1].ID},
	})
	resp := mustJSON(t, map[string]any{"results": []any{
		map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{"op": "drive"}},
	}})

	created, err := o.CreateAssignment(ctx, wp, resp, 0)
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(created))
	}
	a, _ := db.Assignments.Get(ctx, created[0].ID)
	if a.AgentID != agents[0].ID || a.Status != database.AssignmentToDispatch {
		t.Fatalf("assignment = agent %d status %s", a.AgentID, a.Status)
	}
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessExecuting {
		t.Fatalf("work process status = %s", got)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(a.Data), &data); err != nil {
		t.Fatalf("assignment data is not JSON: %v", err)
	}
	if !reflect.DeepEqual(data, map[string]any{"op": "drive"}) {
		t.Errorf("data round trip = %v", data)
	}
	if n := msgr.count("assignment"); n != 0 {
		t.Errorf("assignment sent during creation: %d", n)
	}

	// The dispatcher picks it up from to_dispatch.
	if err := o.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n := msgr.count("assignment"); n != 1 {
		t.Fatalf("assignments sent = %d", n)
	}
	a, _ = db.Assignments.Get(ctx, a.ID)
	if a.Status != database.AssignmentExecuting {
		t.Errorf("status after dispatch = %s", a.Status)
	}
}

func TestCreateAssignmentDispatchOrder(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 2)
	wp := addWorkProcess(t, db, &database.WorkProcess{
		Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID, agents[1].ID},
	})
	resp := mustJSON(t, map[string]any{
		"results": []any{
			map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{"leg": 1}},
			map[string]any{"agent_uuid": agents[1].UUID, "result": map[string]any{"leg": 2}},
		},
		"dispatch_order": [][]int{{0}, {1}},
	})

	created, err := o.CreateAssignment(ctx, wp, resp, 0)
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	first, _ := db.Assignments.Get(ctx, created[0].ID)
	second, _ := db.Assignments.Get(ctx, created[1].ID)
	if first.Status != database.AssignmentToDispatch {
		t.Errorf("first status = %s", first.Status)
	}
	if second.Status != database.AssignmentNotReady {
		t.Errorf("second status = %s", second.Status)
	}
	if !reflect.DeepEqual([]int64(second.DependOnAssignments), []int64{first.ID}) {
		t.Errorf("depend_on_assignments = %v", second.DependOnAssignments)
	}
	if !reflect.DeepEqual([]int64(first.NextAssignments), []int64{second.ID}) {
		t.Errorf("next_assignments = %v", first.NextAssignments)
	}
}

func TestCreateAssignmentWaves(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 4)
	ids := database.IDs{}
	var results []any
	for _, a := range agents {
		ids = append(ids, a.ID)
		results = append(results, map[string]any{"agent_id": a.ID, "assignment": map[string]any{"a": a.UUID}})
	}
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessDispatched, AgentIDs: ids})
	resp := mustJSON(t, map[string]any{"results": results, "dispatch_order": [][]int{{0, 1}, {2}, {3}}})
	events := db.Bus().Subscribe("waves")

	created, err := o.CreateAssignment(ctx, wp, resp, 0)
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	released := false
	for len(events) > 0 {
		ev := <-events
		if ev.Table != bus.TableAssignments || ev.Op != bus.OpUpdate {
			continue
		}
		if ev.Status == database.AssignmentToDispatch {
			released = true
		} else if _, linked := ev.Payload["depend_on_assignments"]; linked && released {
			t.Fatalf("assignment %d linked after the first wave was released", ev.ID)
		}
	}
	if !released {
		t.Fatal("first wave never released")
	}
	get := func(i int) *database.Assignment {
		a, err := db.Assignments.Get(ctx, created[i].ID)
		if err != nil {
			t.Fatalf("get assignment: %v", err)
		}
		return a
	}
	for _, i := range []int{0, 1} {
		if a := get(i); a.Status != database.AssignmentToDispatch || len(a.DependOnAssignments) != 0 {
			t.Errorf("wave 0 assignment %d = %s deps %v", i, a.Status, a.DependOnAssignments)
		}
	}
	if a := get(2); a.Status != database.AssignmentNotReady ||
		!reflect.DeepEqual([]int64(a.DependOnAssignments), []int64{created[0].ID, created[1].ID}) {
		t.Errorf("wave 1 = %s deps %v", a.Status, a.DependOnAssignments)
	}
	if a := get(3); a.Status != database.AssignmentNotReady ||
		!reflect.DeepEqual([]int64(a.DependOnAssignments), []int64{created[2].ID}) {
		t.Errorf("wave 2 = %s deps %v", a.Status, a.DependOnAssignments)
	}
}

func TestCreateAssignmentRejectsUnknownAgent(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID}})

	resp := mustJSON(t, map[string]any{"results": []any{
		map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{}},
		map[string]any{"agent_uuid": "ghost", "assignment": map[string]any{}},
	}})
	if _, err := o.CreateAssignment(ctx, wp, resp, 0); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
	as, _ := db.Assignments.ListByWorkProcess(ctx, wp.ID)
	if len(as) != 0 {
		t.Errorf("assignments created despite bad batch: %d", len(as))
	}

	var decodeErr *DecodeError
	if _, err := o.CreateAssignment(ctx, wp, database.JSON(`{"status":"ready"}`), 0); !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestCreateAssignmentInstantAction(t *testing.T) {
	ctx := context.Background()
	o, db, msgr := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID}})
	resp := mustJSON(t, map[string]any{"results": []any{
		map[string]any{"agent_id": agents[0].ID, "instant_action": map[string]any{"command": "honk"}},
	}})
	created, err := o.CreateAssignment(ctx, wp, resp, 0)
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if len(created) != 0 || msgr.count("instant:honk") != 1 {
		t.Fatalf("created %d, instant actions %d", len(created), msgr.count("instant:honk"))
	}
}

func TestAssignmentChainToSuccess(t *testing.T) {
	ctx := context.Background()
	o, db, msgr := newTestOrchestrator(t)
	agents := addAgents(t, db, 2)
	wp := addWorkProcess(t, db, &database.WorkProcess{
		Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID, agents[1].ID},
	})
	resp := mustJSON(t, map[string]any{
		"results": []any{
			map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{"n": 1}},
			map[string]any{"agent_id": agents[1].ID, "assignment": map[string]any{"n": 2}},
		},
		"dispatch_order": [][]int{{0}, {1}},
	})
	created, err := o.CreateAssignment(ctx, wp, resp, 0)
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if err := o.DispatchAssignment(ctx, created[0].ID); err != nil {
		t.Fatalf("DispatchAssignment: %v", err)
	}
	if err := o.OnAssignmentStatus(ctx, created[0].ID, database.AssignmentSucceeded, nil); err != nil {
		t.Fatalf("OnAssignmentStatus: %v", err)
	}
	second, _ := db.Assignments.Get(ctx, created[1].ID)
	if second.Status != database.AssignmentExecuting {
		t.Fatalf("dependant status = %s", second.Status)
	}
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessExecuting {
		t.Fatalf("work process = %s before last assignment", got)
	}

	// A stale report for a finished assignment changes nothing.
	if err := o.OnAssignmentStatus(ctx, created[0].ID, database.AssignmentFailed, nil); err != nil {
		t.Fatalf("stale report: %v", err)
	}
	if first, _ := db.Assignments.Get(ctx, created[0].ID); first.Status != database.AssignmentSucceeded {
		t.Errorf("stale report overwrote status: %s", first.Status)
	}

	if err := o.OnAssignmentStatus(ctx, created[1].ID, database.AssignmentSucceeded, database.JSON(`{"ok":true}`)); err != nil {
		t.Fatalf("OnAssignmentStatus: %v", err)
	}
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessSucceeded {
		t.Fatalf("work process = %s", got)
	}
	if n := msgr.count("release"); n != 2 {
		t.Errorf("release messages = %d", n)
	}
	for _, a := range agents {
		got, _ := db.Agents.Get(ctx, a.ID)
		if got.Status != database.AgentFree {
			t.Errorf("agent %s status = %s", a.UUID, got.Status)
		}
	}
}

func TestAssignmentFailurePolicies(t *testing.T) {
	cases := []struct {
		policy     string
		wantWP     string
		wantSecond string
	}{
		{FailWorkProcess, database.WorkProcessFailed, database.AssignmentCanceled},
		{ReleaseFailed, database.WorkProcessSucceeded, database.AssignmentCanceled},
		{ContinueWorkProcess, database.WorkProcessExecuting, database.AssignmentExecuting},
	}
	for _, c := range cases {
		t.Run(c.policy, func(t *testing.T) {
			ctx := context.Background()
			o, db, _ := newTestOrchestrator(t)
			agents := addAgents(t, db, 2)
			wp := addWorkProcess(t, db, &database.WorkProcess{
				Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID, agents[1].ID},
				OnAssignmentFailure: c.policy,
			})
			resp := mustJSON(t, map[string]any{
				"results": []any{
					map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{}},
					map[string]any{"agent_id": agents[1].ID, "assignment": map[string]any{}},
				},
				"dispatch_order": [][]int{{0}, {1}},
			})
			created, err := o.CreateAssignment(ctx, wp, resp, 0)
			if err != nil {
				t.Fatalf("CreateAssignment: %v", err)
			}
			if err := o.DispatchAssignment(ctx, created[0].ID); err != nil {
				t.Fatalf("DispatchAssignment: %v", err)
			}
			if err := o.OnAssignmentStatus(ctx, created[0].ID, database.AssignmentFailed, nil); err != nil {
				t.Fatalf("OnAssignmentStatus: %v", err)
			}
			if got := wpStatus(t, db, wp.ID); got != c.wantWP {
				t.Errorf("work process = %s, want %s", got, c.wantWP)
			}
			second, _ := db.Assignments.Get(ctx, created[1].ID)
			if second.Status != c.wantSecond {
				t.Errorf("dependant = %s, want %s", second.Status, c.wantSecond)
			}
			logs, _ := db.SystemLogs.List(ctx, database.Conditions{"event": "assignment_failed"}, 0)
			if len(logs) != 1 {
				t.Errorf("assignment_failed logs = %d", len(logs))
			}
		})
	}
}

func TestDispatchFailureAppliesPolicy(t *testing.T) {
	ctx := context.Background()
	o, db, msgr := newTestOrchestrator(t)
	msgr.fail["assignment"] = errors.New("broker down")
	agents := addAgents(t, db, 1)
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID}})
	created, err := o.CreateAssignment(ctx, wp, mustJSON(t, map[string]any{"result": map[string]any{"go": true}}), 0)
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if err := o.DispatchAssignment(ctx, created[0].ID); err != nil {
		t.Fatalf("DispatchAssignment: %v", err)
	}
	a, _ := db.Assignments.Get(ctx, created[0].ID)
	if a.Status != database.AssignmentFailed {
		t.Errorf("assignment = %s", a.Status)
	}
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessFailed {
		t.Errorf("work process = %s", got)
	}
}

func TestProcessMicroserviceRequestGuard(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"status":"ready","result":{}}`))
	}))
	defer srv.Close()
	if _, err := db.Services.Create(ctx, &database.Service{Name: "planner", ServiceType: "path", ServiceURL: srv.URL, Enabled: true}); err != nil {
		t.Fatalf("create service: %v", err)
	}
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessCalculating})

	for _, status := range []string{database.RequestPending, database.RequestWaitDependencies, database.RequestReady, database.RequestCanceled} {
		sr, err := db.ServiceRequests.Create(ctx, &database.ServiceRequest{WorkProcessID: wp.ID, ServiceType: "path", Status: status})
		if err != nil {
			t.Fatalf("create request: %v", err)
		}
		if err := o.ProcessMicroserviceRequest(ctx, sr.ID); err != nil {
			t.Fatalf("ProcessMicroserviceRequest(%s): %v", status, err)
		}
		got, _ := db.ServiceRequests.Get(ctx, sr.ID)
		if got.Status != status {
			t.Errorf("status %s changed to %s", status, got.Status)
		}
	}
	if hits != 0 {
		t.Errorf("service called %d times", hits)
	}
}

func TestPlanWorkProcessWithDummyService(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	typeID, err := db.Types.Create(ctx, &database.WorkProcessType{Name: "drive"})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	if _, err := db.Types.AddStep(ctx, &database.PlanStep{WorkProcessTypeID: typeID, Step: "A", ServiceType: "path", Agent: true}); err != nil {
		t.Fatalf("add step: %v", err)
	}
	if _, err := db.Services.Create(ctx, &database.Service{Name: "echo", ServiceType: "path", Enabled: true, IsDummy: true}); err != nil {
		t.Fatalf("create service: %v", err)
	}
	wp := addWorkProcess(t, db, &database.WorkProcess{
		Status: database.WorkProcessDispatched, WorkProcessTypeID: typeID, AgentIDs: database.IDs{agents[0].ID},
		Data: mustJSON(t, map[string]any{"results": []any{map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{"to": "dock"}}}}),
	})

	if err := o.PlanWorkProcess(ctx, wp.ID); err != nil {
		t.Fatalf("PlanWorkProcess: %v", err)
	}
	srs, _ := db.ServiceRequests.ListByWorkProcess(ctx, wp.ID)
	if len(srs) != 1 || srs[0].Status != database.RequestReady || !srs[0].Processed {
		t.Fatalf("service requests = %+v", srs)
	}
	as, _ := db.Assignments.ListByWorkProcess(ctx, wp.ID)
	if len(as) != 1 || as[0].Status != database.AssignmentToDispatch || as[0].ServiceRequestID != srs[0].ID {
		t.Fatalf("assignments = %+v", as)
	}
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessExecuting {
		t.Errorf("work process = %s", got)
	}

	// Planning the same work process again is a lost race.
	if err := o.PlanWorkProcess(ctx, wp.ID); err != nil {
		t.Fatalf("second PlanWorkProcess: %v", err)
	}
	if srs, _ := db.ServiceRequests.ListByWorkProcess(ctx, wp.ID); len(srs) != 1 {
		t.Errorf("requests after replan = %d", len(srs))
	}
}

func TestPlanWorkProcessDependentSteps(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	yard, _ := db.Yards.Create(ctx, &database.Yard{Name: "y"})
	typeID, _ := db.Types.Create(ctx, &database.WorkProcessType{Name: "map-then-drive"})
	_, _ = db.Types.AddStep(ctx, &database.PlanStep{WorkProcessTypeID: typeID, Step: "map", ServiceType: "map", ApplyResult: true})
	_, _ = db.Types.AddStep(ctx, &database.PlanStep{WorkProcessTypeID: typeID, Step: "drive", ServiceType: "path", Agent: true, DependsOnSteps: database.Strings{"map"}})
	_, _ = db.Services.Create(ctx, &database.Service{Name: "maps", ServiceType: "map", Class: database.ClassMapServer, Enabled: true, IsDummy: true})
	_, _ = db.Services.Create(ctx, &database.Service{Name: "paths", ServiceType: "path", Enabled: true, IsDummy: true})

	wp := addWorkProcess(t, db, &database.WorkProcess{
		YardID: yard.ID, Status: database.WorkProcessDispatched, WorkProcessTypeID: typeID, AgentIDs: database.IDs{agents[0].ID},
		Data: mustJSON(t, map[string]any{
			"map_objects": []any{map[string]any{"name": "wall"}},
			"results":     []any{map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{}}},
		}),
	})
	if err := o.PlanWorkProcess(ctx, wp.ID); err != nil {
		t.Fatalf("PlanWorkProcess: %v", err)
	}
	srs, _ := db.ServiceRequests.ListByWorkProcess(ctx, wp.ID)
	if len(srs) != 2 {
		t.Fatalf("requests = %d", len(srs))
	}
	for _, sr := range srs {
		if sr.Status != database.RequestReady {
			t.Errorf("request %s = %s", sr.Step, sr.Status)
		}
		if sr.Step == "drive" {
			var rc struct {
				Dependencies []dependencyContext `json:"dependencies"`
			}
			if err := json.Unmarshal(sr.Context, &rc); err != nil || len(rc.Dependencies) != 1 || rc.Dependencies[0].Step != "map" {
				t.Errorf("drive context = %s (%v)", sr.Context, err)
			}
		}
	}
	as, _ := db.Assignments.ListByWorkProcess(ctx, wp.ID)
	if len(as) != 1 {
		t.Errorf("assignments = %d", len(as))
	}
}

func TestPlanWorkProcessFailsOnServiceError(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	typeID, _ := db.Types.Create(ctx, &database.WorkProcessType{Name: "t"})
	_, _ = db.Types.AddStep(ctx, &database.PlanStep{WorkProcessTypeID: typeID, Step: "A", ServiceType: "path", Agent: true})
	_, _ = db.Services.Create(ctx, &database.Service{Name: "planner", ServiceType: "path", ServiceURL: srv.URL, Enabled: true})
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessDispatched, WorkProcessTypeID: typeID})

	if err := o.PlanWorkProcess(ctx, wp.ID); err != nil {
		t.Fatalf("PlanWorkProcess: %v", err)
	}
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessFailed {
		t.Errorf("work process = %s", got)
	}
	srs, _ := db.ServiceRequests.ListByWorkProcess(ctx, wp.ID)
	if len(srs) != 1 || srs[0].Status != database.RequestFailed || srs[0].Response.IsEmpty() {
		t.Errorf("request = %+v", srs)
	}
}

func TestReadyRequestWithUnusableResultFails(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessCalculating, AgentIDs: database.IDs{agents[0].ID}})
	sr, err := db.ServiceRequests.Create(ctx, &database.ServiceRequest{
		WorkProcessID: wp.ID, ServiceType: "path", Status: database.RequestReady, IsResultAssignment: true,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	planned := mustJSON(t, map[string]any{"results": []any{
		map[string]any{"agent_uuid": "ghost", "assignment": map[string]any{"op": "drive"}},
	}})
	if _, err := db.ServiceRequests.Update(ctx, sr.ID, database.Fields{"response": planned}); err != nil {
		t.Fatalf("update request: %v", err)
	}

	if err := o.OnServiceRequestReady(ctx, sr.ID); err != nil {
		t.Fatalf("OnServiceRequestReady: %v", err)
	}
	got, _ := db.ServiceRequests.Get(ctx, sr.ID)
	if got.Status != database.RequestFailed {
		t.Fatalf("request status = %s, want failed", got.Status)
	}
	var body map[string]any
	if err := json.Unmarshal(got.Response, &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Errorf("response carries no error: %s", got.Response)
	}
	if _, ok := body["result"]; !ok {
		t.Errorf("planner result dropped: %s", got.Response)
	}
	if st := wpStatus(t, db, wp.ID); st != database.WorkProcessFailed {
		t.Errorf("work process = %s", st)
	}
	as, _ := db.Assignments.ListByWorkProcess(ctx, wp.ID)
	if len(as) != 0 {
		t.Errorf("assignments = %d", len(as))
	}
}

func TestPollPendingRequestsTimeout(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	_, _ = db.Services.Create(ctx, &database.Service{Name: "slow", ServiceType: "path", ServiceURL: "http://127.0.0.1:1", Enabled: true, ResultTimeout: 1})
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessCalculating})
	sr, _ := db.ServiceRequests.Create(ctx, &database.ServiceRequest{WorkProcessID: wp.ID, ServiceType: "path", Status: database.RequestPending})
	past := time.Now().Add(-time.Minute)
	if _, err := db.ServiceRequests.Update(ctx, sr.ID, database.Fields{"fetched": true, "dispatched_at": past}); err != nil {
		t.Fatalf("update request: %v", err)
	}

	if err := o.PollPendingRequests(ctx); err != nil {
		t.Fatalf("PollPendingRequests: %v", err)
	}
	got, _ := db.ServiceRequests.Get(ctx, sr.ID)
	if got.Status != database.RequestTimeout {
		t.Errorf("request = %s", got.Status)
	}
	if st := wpStatus(t, db, wp.ID); st != database.WorkProcessFailed {
		t.Errorf("work process = %s", st)
	}
}

func TestWaitAgentStatusResolves(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 2)
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessPreparing})
	ids := []int64{agents[0].ID, agents[1].ID}

	go func() {
		time.Sleep(30 * time.Millisecond)
		claim, _ := database.ToJSON(database.ResourceClaim{WorkProcessID: wp.ID, Reserved: true})
		for _, id := range ids {
			_, _ = db.Agents.Update(ctx, id, database.Fields{"status": database.AgentReady, "resource_claim": claim})
		}
	}()
	if err := o.WaitAgentStatusForWorkProcess(ctx, ids, database.AgentReady, wp.ID, 2*time.Second); err != nil {
		t.Fatalf("WaitAgentStatusForWorkProcess: %v", err)
	}
}

func TestWaitAgentStatusIgnoresOtherClaims(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessPreparing})
	claim := mustJSON(t, database.ResourceClaim{WorkProcessID: wp.ID + 100, Reserved: true})
	_, _ = db.Agents.Update(ctx, agents[0].ID, database.Fields{"status": database.AgentReady, "resource_claim": claim})

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	timeout := 100 * time.Millisecond
	start := time.Now()
	err := o.WaitAgentStatusForWorkProcess(ctx, []int64{agents[0].ID}, database.AgentReady, wp.ID, timeout)
	if !errors.Is(err, ErrAgentStatusTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > timeout+time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if n := strings.Count(logs.String(), "Agent ready for another work process"); n != 1 {
		t.Errorf("claim mismatch logged %d times, want 1", n)
	}
}

func TestWaitAgentStatusAbortsOnCancel(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	wp := addWorkProcess(t, db, &database.WorkProcess{Status: database.WorkProcessPreparing})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = db.WorkProcesses.SetStatus(ctx, wp.ID, database.WorkProcessCanceled)
	}()
	start := time.Now()
	err := o.WaitAgentStatusForWorkProcess(ctx, []int64{agents[0].ID}, database.AgentReady, wp.ID, 10*time.Second)
	if !errors.Is(err, ErrWorkProcessTerminated) {
		t.Fatalf("expected ErrWorkProcessTerminated, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort took %v", elapsed)
	}
}

func TestReserveAgentsBeforePlanning(t *testing.T) {
	ctx := context.Background()
	o, db, msgr := newTestOrchestrator(t)
	o.cfg.ReserveAgents = true
	o.cfg.AgentWaitTimeout = 100 * time.Millisecond
	agents := addAgents(t, db, 2)
	wp := addWorkProcess(t, db, &database.WorkProcess{
		Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID, agents[1].ID},
		Data: mustJSON(t, map[string]any{"go": true}),
	})

	if err := o.PlanWorkProcess(ctx, wp.ID); err != nil {
		t.Fatalf("PlanWorkProcess: %v", err)
	}
	if n := msgr.count("reserve"); n != 2 {
		t.Errorf("reserve messages = %d", n)
	}
	// Nobody answered, so the mission fails and the agents are let go.
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessFailed {
		t.Errorf("work process = %s", got)
	}
	if n := msgr.count("release"); n != 2 {
		t.Errorf("release messages = %d", n)
	}
}

func TestCancelWorkProcess(t *testing.T) {
	ctx := context.Background()
	o, db, msgr := newTestOrchestrator(t)
	agents := addAgents(t, db, 2)
	wp := addWorkProcess(t, db, &database.WorkProcess{
		Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID, agents[1].ID},
	})
	resp := mustJSON(t, map[string]any{
		"results": []any{
			map[string]any{"agent_id": agents[0].ID, "assignment": map[string]any{}},
			map[string]any{"agent_id": agents[1].ID, "assignment": map[string]any{}},
		},
		"dispatch_order": [][]int{{0}, {1}},
	})
	created, _ := o.CreateAssignment(ctx, wp, resp, 0)
	if err := o.DispatchAssignment(ctx, created[0].ID); err != nil {
		t.Fatalf("DispatchAssignment: %v", err)
	}
	sr, _ := db.ServiceRequests.Create(ctx, &database.ServiceRequest{WorkProcessID: wp.ID, ServiceType: "x", Status: database.RequestWaitDependencies})

	if _, err := db.WorkProcesses.SetStatus(ctx, wp.ID, database.WorkProcessCanceling); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := o.CancelWorkProcess(ctx, wp.ID); err != nil {
		t.Fatalf("CancelWorkProcess: %v", err)
	}
	if got := wpStatus(t, db, wp.ID); got != database.WorkProcessCanceled {
		t.Fatalf("work process = %s", got)
	}
	running, _ := db.Assignments.Get(ctx, created[0].ID)
	waiting, _ := db.Assignments.Get(ctx, created[1].ID)
	if running.Status != database.AssignmentCanceling || waiting.Status != database.AssignmentCanceled {
		t.Errorf("assignments = %s, %s", running.Status, waiting.Status)
	}
	if msgr.count("cancel") != 1 || msgr.count("release") != 2 {
		t.Errorf("cancel=%d release=%d", msgr.count("cancel"), msgr.count("release"))
	}
	if got, _ := db.ServiceRequests.Get(ctx, sr.ID); got.Status != database.RequestCanceled {
		t.Errorf("request = %s", got.Status)
	}

	// Canceling again is a no-op.
	if err := o.CancelWorkProcess(ctx, wp.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if msgr.count("cancel") != 1 {
		t.Errorf("cancel sent twice")
	}
}

func TestMissionQueueRunsInOrder(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	qID, err := db.MissionQueues.Create(ctx, &database.MissionQueue{Name: "q", Status: database.QueueStopped})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	data := mustJSON(t, map[string]any{"go": true})
	second := addWorkProcess(t, db, &database.WorkProcess{MissionQueueID: qID, RunOrder: 2, AgentIDs: database.IDs{agents[0].ID}, Data: data})
	first := addWorkProcess(t, db, &database.WorkProcess{MissionQueueID: qID, RunOrder: 1, AgentIDs: database.IDs{agents[0].ID}, Data: data})

	if err := o.StartMissionQueue(ctx, qID); err != nil {
		t.Fatalf("StartMissionQueue: %v", err)
	}
	if got := wpStatus(t, db, first.ID); got != database.WorkProcessExecuting {
		t.Fatalf("first = %s", got)
	}
	if got := wpStatus(t, db, second.ID); got != database.WorkProcessDraft {
		t.Fatalf("second = %s", got)
	}

	as, _ := db.Assignments.ListByWorkProcess(ctx, first.ID)
	if err := o.DispatchAssignment(ctx, as[0].ID); err != nil {
		t.Fatalf("DispatchAssignment: %v", err)
	}
	if err := o.OnAssignmentStatus(ctx, as[0].ID, database.AssignmentCompleted, nil); err != nil {
		t.Fatalf("OnAssignmentStatus: %v", err)
	}
	if got := wpStatus(t, db, second.ID); got != database.WorkProcessExecuting {
		t.Fatalf("second after first finished = %s", got)
	}
}

func TestUpdateMapIdempotent(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	yard, err := db.Yards.Create(ctx, &database.Yard{Name: "y"})
	if err != nil {
		t.Fatalf("create yard: %v", err)
	}
	first := mustJSON(t, map[string]any{"result": map[string]any{
		"map_objects": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
	}})
	second := mustJSON(t, map[string]any{"result": map[string]any{
		"map_objects": []any{map[string]any{"name": "c"}},
		"origin":      map[string]any{"lat": 51.5, "lon": 7.4, "alt": 0},
	}})

	for _, resp := range []database.JSON{first, first, second, second} {
		if err := o.UpdateMap(ctx, yard.ID, resp); err != nil {
			t.Fatalf("UpdateMap: %v", err)
		}
	}
	active, err := db.MapObjects.ListActive(ctx, yard.ID)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Name != "c" {
		t.Fatalf("active objects = %+v", active)
	}
	y, _ := db.Yards.Get(ctx, yard.ID)
	if y.Lat != 51.5 || y.Lon != 7.4 {
		t.Errorf("origin = %v,%v", y.Lat, y.Lon)
	}
	if err := o.UpdateMap(ctx, yard.ID, database.JSON(`not json`)); err == nil {
		t.Error("expected error for invalid response")
	}
}

type batchRecorder struct {
	batches map[string][]any
}

func (r *batchRecorder) Dispatch(room, channel string, items []any) int {
	r.batches[room+"/"+channel] = items
	return 1
}

func TestUpdateMapNotifiesUI(t *testing.T) {
	ctx := context.Background()
	o, db, _ := newTestOrchestrator(t)
	yard, err := db.Yards.Create(ctx, &database.Yard{Name: "y"})
	if err != nil {
		t.Fatalf("create yard: %v", err)
	}
	events := db.Bus().Subscribe("ui")
	out := &batchRecorder{batches: map[string][]any{}}
	buf := notify.NewBuffer(nil, out, config.NotifyConfig{}, nil)
	flush := func() []any {
		t.Helper()
		for len(events) > 0 {
			buf.Add(<-events)
		}
		out.batches = map[string][]any{}
		if _, err := buf.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		return out.batches[notify.Room(yard.ID)+"/"+notify.ChannelMapObjects]
	}

	if err := o.UpdateMap(ctx, yard.ID, mustJSON(t, map[string]any{"result": map[string]any{
		"map_objects": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
	}})); err != nil {
		t.Fatalf("UpdateMap: %v", err)
	}
	if items := flush(); len(items) != 2 {
		t.Fatalf("map object batch after first update = %v", items)
	}

	if err := o.UpdateMap(ctx, yard.ID, mustJSON(t, map[string]any{"result": map[string]any{
		"map_objects": []any{map[string]any{"name": "c"}},
	}})); err != nil {
		t.Fatalf("UpdateMap: %v", err)
	}
	items := flush()
	if len(items) != 3 {
		t.Fatalf("map object batch after replacement = %v", items)
	}
	deleted := 0
	for _, it := range items {
		if _, ok := it.(map[string]any)["deleted_at"]; ok {
			deleted++
		}
	}
	if deleted != 2 {
		t.Errorf("soft-deleted objects in batch = %d, want 2", deleted)
	}
}

func TestHandleEventRoutesByStatus(t *testing.T) {
	ctx := context.Background()
	o, db, msgr := newTestOrchestrator(t)
	agents := addAgents(t, db, 1)
	wp := addWorkProcess(t, db, &database.WorkProcess{
		Status: database.WorkProcessDispatched, AgentIDs: database.IDs{agents[0].ID},
		Data: mustJSON(t, map[string]any{"go": true}),
	})

	if err := o.HandleEvent(ctx, bus.ChangeEvent{Table: bus.TableWorkProcesses, ID: wp.ID, Status: database.WorkProcessDispatched}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	as, _ := db.Assignments.ListByWorkProcess(ctx, wp.ID)
	if len(as) != 1 {
		t.Fatalf("assignments = %d", len(as))
	}
	if err := o.HandleEvent(ctx, bus.ChangeEvent{Table: bus.TableAssignments, ID: as[0].ID, Status: database.AssignmentToDispatch}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if msgr.count("assignment") != 1 {
		t.Errorf("assignments sent = %d", msgr.count("assignment"))
	}
	if err := o.HandleEvent(ctx, bus.ChangeEvent{Table: bus.TableAgents, ID: agents[0].ID}); err != nil {
		t.Errorf("event without status: %v", err)
	}
}
