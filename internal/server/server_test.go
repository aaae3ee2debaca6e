package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/yardcore/yardcore/internal/bus"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/notify"
	"github.com/yardcore/yardcore/internal/roles"
)

type fixedRoles struct{ st roles.Status }

func (f fixedRoles) Status() roles.Status { return f.st }

type recordingQueues struct{ started []int64 }

func (q *recordingQueues) StartMissionQueue(_ context.Context, id int64) error {
	q.started = append(q.started, id)
	return nil
}

func newTestServer(t *testing.T, token string) (*Server, *database.DB, *recordingQueues) {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "yardcore.db")}, bus.NewEventBus())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	queues := &recordingQueues{}
	s := New(Options{
		Config:  config.ServerConfig{Host: "127.0.0.1", Port: 0, AuthToken: token},
		DB:      db,
		Roles:   fixedRoles{roles.Status{NodeID: "node-1", Leader: true}},
		Hub:     notify.NewHub(),
		Queues:  queues,
		Version: "test",
	})
	return s, db, queues
}

func do(t *testing.T, s *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	rec := do(t, s, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body)
	}
}

func TestAuthToken(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	if rec := do(t, s, http.MethodGet, "/status", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/status", nil, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/status?token=secret", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("query token = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	s, db, _ := newTestServer(t, "")
	ctx := context.Background()
	_, _ = db.Agents.Create(ctx, &database.Agent{UUID: "a1", ConnectionStatus: database.ConnectionOnline})
	_, _ = db.WorkProcesses.Create(ctx, &database.WorkProcess{Status: database.WorkProcessExecuting})

	rec := do(t, s, http.MethodGet, "/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	var body struct {
		Version       string                `json:"version"`
		Roles         roles.Status          `json:"roles"`
		Agents        database.AgentSummary `json:"agents"`
		WorkProcesses map[string]int        `json:"work_processes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Roles.NodeID != "node-1" || !body.Roles.Leader {
		t.Errorf("roles = %+v", body.Roles)
	}
	if body.Agents.Total != 1 || body.Agents.ByConnection[database.ConnectionOnline] != 1 {
		t.Errorf("agents = %+v", body.Agents)
	}
	if body.WorkProcesses[database.WorkProcessExecuting] != 1 {
		t.Errorf("work processes = %v", body.WorkProcesses)
	}
}

func TestCreateWorkProcess(t *testing.T) {
	s, db, _ := newTestServer(t, "")
	ctx := context.Background()
	agent, _ := db.Agents.Create(ctx, &database.Agent{UUID: "truck-1"})
	if _, err := db.Types.Create(ctx, &database.WorkProcessType{Name: "drive"}); err != nil {
		t.Fatalf("create type: %v", err)
	}

	rec := do(t, s, http.MethodPost, "/work-processes", map[string]any{
		"work_process_type_name": "drive",
		"agent_uuids":            []string{"truck-1"},
		"data":                   map[string]any{"dest": "dock"},
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body)
	}
	var wp database.WorkProcess
	if err := json.Unmarshal(rec.Body.Bytes(), &wp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wp.Status != database.WorkProcessDispatched || len(wp.AgentIDs) != 1 || wp.AgentIDs[0] != agent.ID {
		t.Errorf("work process = %+v", wp)
	}
	stored, _ := db.WorkProcesses.Get(ctx, wp.ID)
	var data map[string]string
	if err := json.Unmarshal(stored.Data, &data); err != nil || data["dest"] != "dock" {
		t.Errorf("data = %s (%v)", stored.Data, err)
	}

	if rec := do(t, s, http.MethodPost, "/work-processes", map[string]any{"work_process_type_name": "fly"}, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown type = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/work-processes", map[string]any{"agent_uuids": []string{"ghost"}}, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/work-processes", map[string]any{"draft": true}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("draft = %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &wp)
	if wp.Status != database.WorkProcessDraft {
		t.Errorf("draft status = %s", wp.Status)
	}
}

func TestCancelWorkProcess(t *testing.T) {
	s, db, _ := newTestServer(t, "")
	ctx := context.Background()
	wp, _ := db.WorkProcesses.Create(ctx, &database.WorkProcess{Status: database.WorkProcessExecuting})
	done, _ := db.WorkProcesses.Create(ctx, &database.WorkProcess{Status: database.WorkProcessSucceeded})

	path := "/work-processes/" + itoa(wp.ID) + "/cancel"
	if rec := do(t, s, http.MethodPost, path, nil, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body)
	}
	got, _ := db.WorkProcesses.Get(ctx, wp.ID)
	if got.Status != database.WorkProcessCanceling {
		t.Errorf("status = %s", got.Status)
	}
	if rec := do(t, s, http.MethodPost, "/work-processes/"+itoa(done.ID)+"/cancel", nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel finished = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/work-processes/999/cancel", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel missing = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/work-processes/abc/cancel", nil, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("cancel bad id = %d", rec.Code)
	}
}

func TestStartMissionQueue(t *testing.T) {
	s, _, queues := newTestServer(t, "")
	if rec := do(t, s, http.MethodPost, "/mission-queues/4/start", nil, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("start = %d", rec.Code)
	}
	if len(queues.started) != 1 || queues.started[0] != 4 {
		t.Errorf("started = %v", queues.started)
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
