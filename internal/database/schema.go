package database

import (
	"time"
)

// WorkProcess is a mission instance assigned to agents within a yard.
type WorkProcess struct {
	ID                  int64      `json:"id"`
	YardID              int64      `json:"yard_id"`
	WorkProcessTypeID   int64      `json:"work_process_type_id,omitempty"`
	Status              string     `json:"status"`
	AgentIDs            IDs        `json:"agent_ids"`
	SchedStartAt        *time.Time `json:"sched_start_at,omitempty"`
	MissionQueueID      int64      `json:"mission_queue_id,omitempty"`
	RunOrder            int        `json:"run_order"`
	Data                JSON       `json:"data,omitempty"`
	OnAssignmentFailure string     `json:"on_assignment_failure,omitempty"`
	FallbackMission     string     `json:"fallback_mission,omitempty"`
	Description         string     `json:"description,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ModifiedAt          time.Time  `json:"modified_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
}

// Work process statuses.
const (
	WorkProcessDraft                = "draft"
	WorkProcessDispatched           = "dispatched"
	WorkProcessPreparing            = "preparing"
	WorkProcessCalculating          = "calculating"
	WorkProcessExecuting            = "executing"
	WorkProcessSucceeded            = "succeeded"
	WorkProcessAssignmentsCompleted = "assignments_completed"
	WorkProcessCanceling            = "canceling"
	WorkProcessCanceled             = "canceled"
	WorkProcessFailed               = "failed"
	WorkProcessPlanningFailed       = "planning_failed"
)

// WorkProcessTerminal reports whether a work process status is final.
// assignments_completed is not: later recipe steps may still produce
// assignments.
func WorkProcessTerminal(status string) bool {
	switch status {
	case WorkProcessSucceeded, WorkProcessCanceled, WorkProcessFailed, WorkProcessPlanningFailed:
		return true
	}
	return false
}

// WorkProcessType is a mission type: a named recipe of service steps.
type WorkProcessType struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	DispatchOrder JSON   `json:"dispatch_order,omitempty"`
}

// PlanStep is one recipe step of a mission type.
type PlanStep struct {
	ID                          int64   `json:"id"`
	WorkProcessTypeID           int64   `json:"work_process_type_id"`
	Step                        string  `json:"step"`
	RequestOrder                int     `json:"request_order"`
	ServiceType                 string  `json:"service_type"`
	Agent                       bool    `json:"agent"`
	DependsOnSteps              Strings `json:"depends_on_steps"`
	WaitDependenciesAssignments bool    `json:"wait_dependencies_assignments"`
	ApplyResult                 bool    `json:"apply_result"`
	OverrideConfig              JSON    `json:"override_config,omitempty"`
}

// ServiceRequest is one computation step dispatched to a microservice.
type ServiceRequest struct {
	ID                          int64      `json:"id"`
	WorkProcessID               int64      `json:"work_process_id"`
	ServiceType                 string     `json:"service_type"`
	ServiceURL                  string     `json:"service_url,omitempty"`
	Step                        string     `json:"step,omitempty"`
	Request                     JSON       `json:"request,omitempty"`
	Context                     JSON       `json:"context,omitempty"`
	Config                      JSON       `json:"config,omitempty"`
	Response                    JSON       `json:"response,omitempty"`
	Status                      string     `json:"status"`
	IsDummy                     bool       `json:"is_dummy"`
	IsResultAssignment          bool       `json:"is_result_assignment"`
	ApplyResult                 bool       `json:"apply_result"`
	DependOnRequests            IDs        `json:"depend_on_requests"`
	NextRequestToDispatchUIDs   Strings    `json:"next_request_to_dispatch_uids"`
	AssignmentDispatched        bool       `json:"assignment_dispatched"`
	WaitDependenciesAssignments bool       `json:"wait_dependencies_assignments"`
	RequestUID                  string     `json:"request_uid"`
	Fetched                     bool       `json:"fetched"`
	Processed                   bool       `json:"processed"`
	JobID                       string     `json:"job_id,omitempty"`
	DispatchedAt                *time.Time `json:"dispatched_at,omitempty"`
	ResultAt                    *time.Time `json:"result_at,omitempty"`
	CanceledAt                  *time.Time `json:"canceled_at,omitempty"`
	CreatedAt                   time.Time  `json:"created_at"`
	ModifiedAt                  time.Time  `json:"modified_at"`
}

// Service request statuses.
const (
	RequestNotReady           = "not_ready_for_service"
	RequestWaitDependencies   = "wait_dependencies"
	RequestPending            = "pending"
	RequestDispatchingService = "dispatching_service"
	RequestReady              = "ready"
	RequestFailed             = "failed"
	RequestCanceled           = "canceled"
	RequestTimeout            = "timeout"
)

// RequestActiveStatuses are the statuses a service response may overwrite.
var RequestActiveStatuses = []string{RequestDispatchingService, RequestWaitDependencies, RequestPending}

// Assignment is the unit of work sent to a single agent.
type Assignment struct {
	ID                  int64      `json:"id"`
	WorkProcessID       int64      `json:"work_process_id"`
	AgentID             int64      `json:"agent_id"`
	ServiceRequestID    int64      `json:"service_request_id,omitempty"`
	Status              string     `json:"status"`
	DependOnAssignments IDs        `json:"depend_on_assignments"`
	NextAssignments     IDs        `json:"next_assignments"`
	Data                string     `json:"data"`
	OnAssignmentFailure string     `json:"on_assignment_failure,omitempty"`
	FallbackMission     string     `json:"fallback_mission,omitempty"`
	Result              JSON       `json:"result,omitempty"`
	Context             JSON       `json:"context,omitempty"`
	StartTimeStamp      *time.Time `json:"start_time_stamp,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ModifiedAt          time.Time  `json:"modified_at"`
}

// Assignment statuses.
const (
	AssignmentNotReady   = "not_ready_to_dispatch"
	AssignmentToDispatch = "to_dispatch"
	AssignmentExecuting  = "executing"
	AssignmentActive     = "active"
	AssignmentSucceeded  = "succeeded"
	AssignmentCompleted  = "completed"
	AssignmentFailed     = "failed"
	AssignmentAborted    = "aborted"
	AssignmentCanceling  = "canceling"
	AssignmentCanceled   = "canceled"
)

// AssignmentDone reports whether the assignment finished successfully.
func AssignmentDone(status string) bool {
	return status == AssignmentSucceeded || status == AssignmentCompleted
}

// AssignmentTerminal reports whether the assignment reached a final status.
func AssignmentTerminal(status string) bool {
	switch status {
	case AssignmentSucceeded, AssignmentCompleted, AssignmentFailed, AssignmentAborted, AssignmentCanceled:
		return true
	}
	return false
}

// ResourceClaim records which work process an agent is reserved for.
type ResourceClaim struct {
	WorkProcessID int64 `json:"work_process_id"`
	Reserved      bool  `json:"reserved"`
}

// Agent is a robot (or other actor) connected through the broker.
type Agent struct {
	ID               int64      `json:"id"`
	UUID             string     `json:"uuid"`
	Name             string     `json:"name"`
	YardID           int64      `json:"yard_id,omitempty"`
	PublicKey        string     `json:"public_key,omitempty"`
	PublicKeyFormat  string     `json:"public_key_format"`
	Protocol         string     `json:"protocol"`
	ConnectionStatus string     `json:"connection_status"`
	Status           string     `json:"status"`
	ResourceClaim    JSON       `json:"resource_claim,omitempty"`
	RBMQUsername     *string    `json:"rbmq_username,omitempty"`
	LastMessageTime  *time.Time `json:"last_message_time,omitempty"`
	MsgPerSec        float64    `json:"msg_per_sec"`
	UpdatePerSec     float64    `json:"update_per_sec"`
	X                float64    `json:"x"`
	Y                float64    `json:"y"`
	Z                float64    `json:"z"`
	Orientations     JSON       `json:"orientations,omitempty"`
	Sensors          JSON       `json:"sensors,omitempty"`
	Factsheet        JSON       `json:"factsheet,omitempty"`
	AgentClass       string     `json:"agent_class,omitempty"`
	AgentType        string     `json:"agent_type,omitempty"`
	IsActuator       bool       `json:"is_actuator"`
	DataFormat       string     `json:"data_format,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ModifiedAt       time.Time  `json:"modified_at"`
}

// Claim decodes the agent's resource claim. A missing claim yields the zero value.
func (a *Agent) Claim() ResourceClaim {
	var c ResourceClaim
	_ = a.ResourceClaim.Decode(&c)
	return c
}

// WorkProcessActiveStatuses are the statuses a work process may leave
// towards canceling or failed.
var WorkProcessActiveStatuses = []string{
	WorkProcessDraft, WorkProcessDispatched, WorkProcessPreparing, WorkProcessCalculating,
	WorkProcessExecuting, WorkProcessAssignmentsCompleted,
}

// AssignmentActiveStatuses are the non-final assignment statuses.
var AssignmentActiveStatuses = []string{
	AssignmentNotReady, AssignmentToDispatch, AssignmentExecuting, AssignmentActive, AssignmentCanceling,
}

// Agent connection and work statuses.
const (
	ConnectionOnline  = "online"
	ConnectionOffline = "offline"

	AgentFree           = "free"
	AgentReady          = "ready"
	AgentBusy           = "busy"
	AgentNotAutomatable = "not_automatable"
	AgentReserved       = "reserved"

	ProtocolAMQP = "AMQP"
	ProtocolMQTT = "MQTT"

	KeyFormatPEM = "pem"
	KeyFormatAge = "age"
)

// InstantAction is a fire-and-forget command sent to an agent.
type InstantAction struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	AgentUUID string    `json:"agent_uuid"`
	Sender    string    `json:"sender"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Yard is the site a mission executes in.
type Yard struct {
	ID         int64     `json:"id"`
	UID        string    `json:"uid"`
	Name       string    `json:"name"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Alt        float64   `json:"alt"`
	MapData    JSON      `json:"map_data,omitempty"`
	Source     string    `json:"source,omitempty"`
	DataFormat string    `json:"data_format,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// MapObject is a yard map element. Deleted objects keep their row with
// DeletedAt set.
type MapObject struct {
	ID         int64      `json:"id"`
	YardID     int64      `json:"yard_id"`
	Name       string     `json:"name,omitempty"`
	Type       string     `json:"type,omitempty"`
	Data       JSON       `json:"data,omitempty"`
	DataFormat string     `json:"data_format,omitempty"`
	Metadata   JSON       `json:"metadata,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// Service is an external microservice registration.
type Service struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	ServiceType   string `json:"service_type"`
	Class         string `json:"class"`
	ServiceURL    string `json:"service_url"`
	LicenceKey    string `json:"-"`
	Config        JSON   `json:"config,omitempty"`
	Enabled       bool   `json:"enabled"`
	IsDummy       bool   `json:"is_dummy"`
	ResultTimeout int    `json:"result_timeout"` // seconds
	HealthStatus  string `json:"health_status,omitempty"`
}

// Service classes.
const (
	ClassPathPlanner       = "Path Planner"
	ClassMapServer         = "Map server"
	ClassStorageServer     = "Storage server"
	ClassAssignmentPlanner = "Assignment planner"
)

// SystemLog is an operator-visible log row.
type SystemLog struct {
	ID               int64     `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	WprocID          int64     `json:"wproc_id,omitempty"`
	ServiceRequestID int64     `json:"service_request_id,omitempty"`
	AgentUUID        string    `json:"agent_uuid,omitempty"`
	Origin           string    `json:"origin"`
	LogType          string    `json:"log_type"`
	Event            string    `json:"event"`
	Msg              string    `json:"msg"`
}

// Log origins and severities.
const (
	OriginCore         = "helyos_core"
	OriginAgent        = "agent"
	OriginMicroservice = "microservice"

	LogNormal = "normal"
	LogInfo   = "info"
	LogWarn   = "warn"
	LogError  = "error"
)

// MissionQueue groups work processes that run in order.
type MissionQueue struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	StartTimeStamp *time.Time `json:"start_time_stamp,omitempty"`
	StopTimeStamp  *time.Time `json:"stop_time_stamp,omitempty"`
}

// Schema is applied on every open; statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS yards (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	lat REAL NOT NULL DEFAULT 0,
	lon REAL NOT NULL DEFAULT 0,
	alt REAL NOT NULL DEFAULT 0,
	map_data TEXT,
	source TEXT NOT NULL DEFAULT '',
	data_format TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS map_objects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	yard_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	data TEXT,
	data_format TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	deleted_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_map_objects_yard ON map_objects(yard_id, deleted_at);

CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	yard_id INTEGER NOT NULL DEFAULT 0,
	public_key TEXT NOT NULL DEFAULT '',
	public_key_format TEXT NOT NULL DEFAULT 'pem',
	protocol TEXT NOT NULL DEFAULT 'AMQP',
	connection_status TEXT NOT NULL DEFAULT 'offline',
	status TEXT NOT NULL DEFAULT 'free',
	resource_claim TEXT,
	rbmq_username TEXT,
	last_message_time DATETIME,
	msg_per_sec REAL NOT NULL DEFAULT 0,
	update_per_sec REAL NOT NULL DEFAULT 0,
	x REAL NOT NULL DEFAULT 0,
	y REAL NOT NULL DEFAULT 0,
	z REAL NOT NULL DEFAULT 0,
	orientations TEXT,
	sensors TEXT,
	factsheet TEXT,
	agent_class TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	is_actuator BOOLEAN NOT NULL DEFAULT 1,
	data_format TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_agents_connection ON agents(connection_status);

CREATE TABLE IF NOT EXISTS mission_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'stopped',
	start_time_stamp DATETIME,
	stop_time_stamp DATETIME
);

CREATE TABLE IF NOT EXISTS work_process_types (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	dispatch_order TEXT
);

CREATE TABLE IF NOT EXISTS work_process_service_plan (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	work_process_type_id INTEGER NOT NULL,
	step TEXT NOT NULL,
	request_order INTEGER NOT NULL DEFAULT 0,
	service_type TEXT NOT NULL,
	agent BOOLEAN NOT NULL DEFAULT 0,
	depends_on_steps TEXT NOT NULL DEFAULT '[]',
	wait_dependencies_assignments BOOLEAN NOT NULL DEFAULT 0,
	apply_result BOOLEAN NOT NULL DEFAULT 1,
	override_config TEXT
);
CREATE INDEX IF NOT EXISTS idx_service_plan_type ON work_process_service_plan(work_process_type_id);

CREATE TABLE IF NOT EXISTS work_processes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	yard_id INTEGER NOT NULL DEFAULT 0,
	work_process_type_id INTEGER,
	status TEXT NOT NULL DEFAULT 'draft',
	agent_ids TEXT NOT NULL DEFAULT '[]',
	sched_start_at DATETIME,
	mission_queue_id INTEGER,
	run_order INTEGER NOT NULL DEFAULT 0,
	data TEXT,
	on_assignment_failure TEXT NOT NULL DEFAULT '',
	fallback_mission TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	ended_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_work_processes_status ON work_processes(status);

CREATE TABLE IF NOT EXISTS service_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	work_process_id INTEGER NOT NULL,
	service_type TEXT NOT NULL,
	service_url TEXT NOT NULL DEFAULT '',
	step TEXT NOT NULL DEFAULT '',
	request TEXT,
	context TEXT,
	config TEXT,
	response TEXT,
	status TEXT NOT NULL DEFAULT 'not_ready_for_service',
	is_dummy BOOLEAN NOT NULL DEFAULT 0,
	is_result_assignment BOOLEAN NOT NULL DEFAULT 0,
	apply_result BOOLEAN NOT NULL DEFAULT 1,
	depend_on_requests TEXT NOT NULL DEFAULT '[]',
	next_request_to_dispatch_uids TEXT NOT NULL DEFAULT '[]',
	assignment_dispatched BOOLEAN NOT NULL DEFAULT 0,
	wait_dependencies_assignments BOOLEAN NOT NULL DEFAULT 0,
	request_uid TEXT NOT NULL DEFAULT '',
	fetched BOOLEAN NOT NULL DEFAULT 0,
	processed BOOLEAN NOT NULL DEFAULT 0,
	job_id TEXT NOT NULL DEFAULT '',
	dispatched_at DATETIME,
	result_at DATETIME,
	canceled_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_service_requests_wp ON service_requests(work_process_id);
CREATE INDEX IF NOT EXISTS idx_service_requests_status ON service_requests(status);

CREATE TABLE IF NOT EXISTS assignments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	work_process_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	service_request_id INTEGER,
	status TEXT NOT NULL DEFAULT 'not_ready_to_dispatch',
	depend_on_assignments TEXT NOT NULL DEFAULT '[]',
	next_assignments TEXT NOT NULL DEFAULT '[]',
	data TEXT NOT NULL DEFAULT '',
	on_assignment_failure TEXT NOT NULL DEFAULT '',
	fallback_mission TEXT NOT NULL DEFAULT '',
	result TEXT,
	context TEXT,
	start_time_stamp DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_assignments_wp ON assignments(work_process_id);
CREATE INDEX IF NOT EXISTS idx_assignments_status ON assignments(status);

CREATE TABLE IF NOT EXISTS instant_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL DEFAULT 0,
	agent_uuid TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'dispatched',
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS services (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	service_type TEXT NOT NULL,
	class TEXT NOT NULL DEFAULT '',
	service_url TEXT NOT NULL DEFAULT '',
	licence_key TEXT NOT NULL DEFAULT '',
	config TEXT,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	is_dummy BOOLEAN NOT NULL DEFAULT 0,
	result_timeout INTEGER NOT NULL DEFAULT 0,
	health_status TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_services_type ON services(service_type, enabled);

CREATE TABLE IF NOT EXISTS system_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	wproc_id INTEGER,
	service_request_id INTEGER,
	agent_uuid TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL,
	log_type TEXT NOT NULL DEFAULT 'normal',
	event TEXT NOT NULL DEFAULT '',
	msg TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_system_logs_wproc ON system_logs(wproc_id);
`
