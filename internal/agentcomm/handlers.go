package agentcomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yardcore/yardcore/internal/broker"
	"github.com/yardcore/yardcore/internal/cache"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
)

// HeaderUserID carries the broker account an authenticated agent
// published with.
const HeaderUserID = "user-id"

// ErrAnonymousCheckinDisabled is returned for anonymous check-ins when
// they are not allowed.
var ErrAnonymousCheckinDisabled = errors.New("anonymous check-in disabled")

// ErrUnsignedCheckin is returned when an agent with a registered key
// checks in without signing.
var ErrUnsignedCheckin = errors.New("check-in of a registered key holder is not signed")

// Uplink is the broker side the handlers need.
type Uplink interface {
	Downlink
	Handle(queue string, h broker.Handler)
	Unblock(ctx context.Context, uuid string)
}

// AssignmentObserver receives assignment status reports.
type AssignmentObserver interface {
	OnAssignmentStatus(ctx context.Context, id int64, status string, result database.JSON) error
}

// KeySource exposes the core's public signing key.
type KeySource interface {
	PublicKeyPEM() (string, error)
}

// Handlers processes the uplink queues.
type Handlers struct {
	db       *database.DB
	cache    cache.Store
	uplink   Uplink
	sender   *Sender
	observer AssignmentObserver
	keys     KeySource
	meter    *RateMeter
	cfg      config.AgentsConfig
	now      func() time.Time

	mu          sync.Mutex
	lastPersist map[string]time.Time
}

// HandlersOptions groups the collaborators of Handlers. Cache, Observer,
// Keys and Meter are optional.
type HandlersOptions struct {
	DB       *database.DB
	Cache    cache.Store
	Uplink   Uplink
	Observer AssignmentObserver
	Keys     KeySource
	Meter    *RateMeter
	Agents   config.AgentsConfig
}

// NewHandlers creates the uplink handlers.
func NewHandlers(opts HandlersOptions) *Handlers {
	return &Handlers{
		db:          opts.DB,
		cache:       opts.Cache,
		uplink:      opts.Uplink,
		sender:      NewSender(opts.Uplink, opts.DB),
		observer:    opts.Observer,
		keys:        opts.Keys,
		meter:       opts.Meter,
		cfg:         opts.Agents,
		now:         time.Now,
		lastPersist: map[string]time.Time{},
	}
}

// Register installs every handler on its queue.
func (h *Handlers) Register() {
	h.uplink.Handle(broker.QueueCheckin, h.HandleCheckin)
	h.uplink.Handle(broker.QueueState, h.HandleState)
	h.uplink.Handle(broker.QueueUpdate, h.HandleUpdate)
	h.uplink.Handle(broker.QueueVisualization, h.HandleVisualization)
	h.uplink.Handle(broker.QueueMissionReq, h.HandleMissionRequest)
	h.uplink.Handle(broker.QueueFactSheet, h.HandleFactSheet)
	h.uplink.Handle(broker.QueueSummaryReq, h.HandleSummaryRequest)
	h.uplink.Handle(broker.QueueDatabaseReq, h.HandleDatabaseRequest)
}

// decode parses msg and resolves the sender's uuid from the envelope or,
// failing that, from the routing key.
func decode(msg broker.Message) (*Inbound, error) {
	in, err := ParseInbound(msg.Body)
	if err != nil {
		return nil, err
	}
	if in.UUID == "" {
		in.UUID = broker.AgentUUIDFromRoutingKey(msg.RoutingKey)
	}
	if in.UUID == "" {
		return nil, fmt.Errorf("message on %q carries no agent uuid", msg.RoutingKey)
	}
	return in, nil
}

// verify checks the signature of a wrapped message against the agent's
// PEM key. Unsigned messages and agents without a PEM key pass.
func verify(a *database.Agent, in *Inbound) error {
	if in.Signature == "" || a == nil || a.PublicKey == "" || a.PublicKeyFormat != database.KeyFormatPEM {
		return nil
	}
	return broker.Verify(a.PublicKey, in.Signed, in.Signature)
}

// known loads the registered agent that sent in and checks its signature.
func (h *Handlers) known(ctx context.Context, in *Inbound, queue string) (*database.Agent, error) {
	a, err := h.db.Agents.GetByUUID(ctx, in.UUID)
	if err != nil {
		return nil, fmt.Errorf("%s from %s: %w", queue, in.UUID, err)
	}
	if err := verify(a, in); err != nil {
		return nil, fmt.Errorf("%s from %s: %w", queue, in.UUID, err)
	}
	return a, nil
}

func (h *Handlers) observe(uuid string, update bool) {
	if h.meter != nil {
		h.meter.Observe(uuid, update)
	}
}

func (h *Handlers) touchCache(ctx context.Context, kind cache.Kind, a *database.Agent, fields map[string]any) {
	if h.cache == nil {
		return
	}
	err := h.cache.Touch(ctx, cache.Entry{Kind: kind, ID: a.ID, UUID: a.UUID, YardID: a.YardID, Fields: fields})
	if err != nil {
		slog.Warn("Cache update failed", "agent", a.UUID, "kind", kind, "error", err)
	}
}

// checkinBody is what an agent announces on check-in.
type checkinBody struct {
	YardUID         string          `json:"yard_uid"`
	YardID          int64           `json:"yard_id"`
	Name            string          `json:"name"`
	Status          string          `json:"status"`
	PublicKey       string          `json:"public_key"`
	PublicKeyFormat string          `json:"public_key_format"`
	Protocol        string          `json:"protocol"`
	AgentClass      string          `json:"agent_class"`
	AgentType       string          `json:"agent_type"`
	Pose            json.RawMessage `json:"pose"`
}

// CheckinReply is sent back on agent.<uuid>.checkin.
type CheckinReply struct {
	YardID        int64                 `json:"yard_id"`
	Yard          *database.Yard        `json:"yard,omitempty"`
	MapObjects    []*database.MapObject `json:"map_objects"`
	CorePublicKey string                `json:"helyos_public_key,omitempty"`
	AgentID       int64                 `json:"agent_id"`
	Response      string                `json:"response"`
}

// HandleCheckin registers or refreshes an agent and replies with its yard.
func (h *Handlers) HandleCheckin(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	anonymous := msg.Exchange == broker.ExchangeAnonymous
	if anonymous && !h.cfg.AllowAnonymous {
		_ = h.db.SystemLogs.Add(ctx, &database.SystemLog{
			AgentUUID: in.UUID, Origin: database.OriginAgent, LogType: database.LogWarn,
			Event: "checkin", Msg: "anonymous check-in rejected",
		})
		return fmt.Errorf("check-in from %s: %w", in.UUID, ErrAnonymousCheckinDisabled)
	}
	var body checkinBody
	if len(in.Body) > 0 && string(in.Body) != "null" {
		if err := json.Unmarshal(in.Body, &body); err != nil {
			return fmt.Errorf("check-in from %s: %w", in.UUID, err)
		}
	}

	// A returning agent must sign with the key it registered; a new agent
	// is verified against the key it presents.
	existing, err := h.db.Agents.GetByUUID(ctx, in.UUID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	keyHolder := existing
	if keyHolder == nil || keyHolder.PublicKey == "" {
		keyHolder = &database.Agent{PublicKey: body.PublicKey, PublicKeyFormat: firstNonEmpty(body.PublicKeyFormat, database.KeyFormatPEM)}
	} else if in.Signature == "" {
		_ = h.db.SystemLogs.Add(ctx, &database.SystemLog{
			AgentUUID: in.UUID, Origin: database.OriginAgent, LogType: database.LogWarn,
			Event: "checkin", Msg: "unsigned check-in rejected: agent has a registered key",
		})
		return fmt.Errorf("check-in from %s: %w", in.UUID, ErrUnsignedCheckin)
	}
	if err := verify(keyHolder, in); err != nil {
		return fmt.Errorf("check-in from %s: %w", in.UUID, err)
	}
	publicKey := body.PublicKey
	if existing != nil && existing.PublicKey != "" && existing.PublicKeyFormat != database.KeyFormatPEM {
		// The stored key cannot verify the signature, so it cannot be rotated.
		publicKey = ""
	}

	yardID, err := h.resolveYard(ctx, body)
	if err != nil {
		return fmt.Errorf("check-in from %s: %w", in.UUID, err)
	}
	username := ""
	if !anonymous {
		username = msg.Headers[HeaderUserID]
	}
	agent, err := h.db.Agents.Checkin(ctx, &database.Agent{
		UUID:            in.UUID,
		Name:            body.Name,
		YardID:          yardID,
		PublicKey:       publicKey,
		PublicKeyFormat: firstNonEmpty(body.PublicKeyFormat, database.KeyFormatPEM),
		Protocol:        firstNonEmpty(body.Protocol, database.ProtocolAMQP),
		Status:          firstNonEmpty(body.Status, database.AgentFree),
		AgentClass:      body.AgentClass,
		AgentType:       body.AgentType,
	}, username)
	if err != nil {
		return fmt.Errorf("check-in from %s: %w", in.UUID, err)
	}
	h.uplink.Unblock(ctx, agent.UUID)
	h.touchCache(ctx, cache.AgentStatus, agent, map[string]any{
		"connection_status": database.ConnectionOnline,
		"status":            agent.Status,
		"name":              agent.Name,
	})
	_ = h.db.SystemLogs.Add(ctx, &database.SystemLog{
		AgentUUID: agent.UUID, Origin: database.OriginAgent, LogType: database.LogInfo,
		Event: "checkin", Msg: fmt.Sprintf("agent checked in (anonymous=%t)", anonymous),
	})

	reply := CheckinReply{YardID: agent.YardID, AgentID: agent.ID, Response: "checked in"}
	if agent.YardID != 0 {
		if y, err := h.db.Yards.Get(ctx, agent.YardID); err == nil {
			reply.Yard = y
		}
		objs, err := h.db.MapObjects.ListActive(ctx, agent.YardID)
		if err != nil {
			return err
		}
		reply.MapObjects = objs
	}
	if h.keys != nil {
		pem, err := h.keys.PublicKeyPEM()
		if err != nil {
			return err
		}
		reply.CorePublicKey = pem
	}
	return h.sender.send(ctx, agent, ReasonCheckin, TypeCheckinResponse, nil, reply)
}

func (h *Handlers) resolveYard(ctx context.Context, body checkinBody) (int64, error) {
	if body.YardID != 0 {
		y, err := h.db.Yards.Get(ctx, body.YardID)
		if err != nil {
			return 0, err
		}
		return y.ID, nil
	}
	if body.YardUID == "" {
		return 0, nil
	}
	yards, err := h.db.Yards.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, y := range yards {
		if y.UID == body.YardUID {
			return y.ID, nil
		}
	}
	return 0, fmt.Errorf("yard %q: %w", body.YardUID, database.ErrNotFound)
}

// stateBody is an agent status report.
type stateBody struct {
	Status     string                  `json:"status"`
	Resources  *database.ResourceClaim `json:"resources"`
	Assignment *struct {
		ID     int64         `json:"id"`
		Status string        `json:"status"`
		Result database.JSON `json:"result"`
	} `json:"assignment"`
}

// HandleState stores an agent's status report and forwards its assignment
// status to the orchestrator.
func (h *Handlers) HandleState(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	h.observe(in.UUID, false)
	agent, err := h.known(ctx, in, broker.QueueState)
	if err != nil {
		return err
	}
	var body stateBody
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return fmt.Errorf("state from %s: %w", in.UUID, err)
	}
	fields := database.Fields{
		"last_message_time": h.now(),
		"connection_status": database.ConnectionOnline,
	}
	cached := map[string]any{"connection_status": database.ConnectionOnline}
	if body.Status != "" {
		fields["status"] = body.Status
		cached["status"] = body.Status
	}
	if body.Resources != nil {
		claim, err := database.ToJSON(body.Resources)
		if err != nil {
			return err
		}
		fields["resource_claim"] = claim
		cached["resource_claim"] = body.Resources
	}
	if _, err := h.db.Agents.Update(ctx, agent.ID, fields); err != nil {
		return fmt.Errorf("state from %s: %w", in.UUID, err)
	}
	h.touchCache(ctx, cache.AgentStatus, agent, cached)

	if body.Assignment == nil || body.Assignment.ID == 0 || h.observer == nil {
		return nil
	}
	return h.observer.OnAssignmentStatus(ctx, body.Assignment.ID, body.Assignment.Status, body.Assignment.Result)
}

// poseBody is a position/sensor update.
type poseBody struct {
	X            *float64        `json:"x"`
	Y            *float64        `json:"y"`
	Z            *float64        `json:"z"`
	Orientations json.RawMessage `json:"orientations"`
	Sensors      json.RawMessage `json:"sensors"`
}

func (p poseBody) fields() map[string]any {
	out := map[string]any{}
	if p.X != nil {
		out["x"] = *p.X
	}
	if p.Y != nil {
		out["y"] = *p.Y
	}
	if p.Z != nil {
		out["z"] = *p.Z
	}
	if len(p.Orientations) > 0 {
		out["orientations"] = p.Orientations
	}
	if len(p.Sensors) > 0 {
		out["sensors"] = p.Sensors
	}
	return out
}

// HandleUpdate caches an agent's pose and writes it through to the
// agents table at most once per persist interval.
func (h *Handlers) HandleUpdate(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	h.observe(in.UUID, true)
	agent, err := h.known(ctx, in, broker.QueueUpdate)
	if err != nil {
		return err
	}
	var body poseBody
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return fmt.Errorf("update from %s: %w", in.UUID, err)
	}
	pose := body.fields()
	h.touchCache(ctx, cache.AgentPose, agent, pose)

	if !h.persistDue(agent.UUID) {
		return nil
	}
	fields := database.Fields{"last_message_time": h.now(), "connection_status": database.ConnectionOnline}
	for k, v := range pose {
		if raw, ok := v.(json.RawMessage); ok {
			v = database.JSON(raw)
		}
		fields[k] = v
	}
	_, err = h.db.Agents.Update(ctx, agent.ID, fields)
	return err
}

func (h *Handlers) persistDue(uuid string) bool {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.lastPersist[uuid]; ok && now.Sub(last) < h.cfg.UpdatePersistEvery {
		return false
	}
	h.lastPersist[uuid] = now
	return true
}

// HandleVisualization caches a pose for UI fan-out only.
func (h *Handlers) HandleVisualization(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	var body poseBody
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return fmt.Errorf("visualization from %s: %w", in.UUID, err)
	}
	if h.cache == nil {
		return nil
	}
	entry := cache.Entry{Kind: cache.AgentPose, UUID: in.UUID, Fields: body.fields()}
	if cur, ok, err := h.cache.Get(ctx, cache.AgentPose, in.UUID); err == nil && ok {
		entry.ID, entry.YardID = cur.ID, cur.YardID
	} else if a, err := h.db.Agents.GetByUUID(ctx, in.UUID); err == nil {
		entry.ID, entry.YardID = a.ID, a.YardID
	}
	return h.cache.Touch(ctx, entry)
}

// missionRequestBody is an agent-originated mission.
type missionRequestBody struct {
	WorkProcessTypeName string          `json:"work_process_type_name"`
	YardID              int64           `json:"yard_id"`
	AgentIDs            []int64         `json:"agent_ids"`
	AgentUUIDs          []string        `json:"agent_uuids"`
	Data                json.RawMessage `json:"data"`
	SchedStartAt        *time.Time      `json:"sched_start_at"`
	Description         string          `json:"description"`
}

// HandleMissionRequest creates a dispatched work process on behalf of an
// agent.
func (h *Handlers) HandleMissionRequest(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	agent, err := h.known(ctx, in, broker.QueueMissionReq)
	if err != nil {
		return err
	}
	_ = h.db.Agents.Touch(ctx, agent.UUID, h.now())
	var body missionRequestBody
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return fmt.Errorf("mission request from %s: %w", in.UUID, err)
	}
	wp := &database.WorkProcess{
		YardID:       firstNonZero(body.YardID, agent.YardID),
		Status:       database.WorkProcessDispatched,
		AgentIDs:     database.IDs(body.AgentIDs),
		SchedStartAt: body.SchedStartAt,
		Data:         database.JSON(body.Data),
		Description:  firstNonEmpty(body.Description, "requested by agent "+agent.UUID),
	}
	if body.WorkProcessTypeName != "" {
		t, err := h.db.Types.GetByName(ctx, body.WorkProcessTypeName)
		if err != nil {
			return fmt.Errorf("mission request from %s: %w", in.UUID, err)
		}
		wp.WorkProcessTypeID = t.ID
	}
	for _, u := range body.AgentUUIDs {
		a, err := h.db.Agents.GetByUUID(ctx, u)
		if err != nil {
			return fmt.Errorf("mission request from %s: %w", in.UUID, err)
		}
		wp.AgentIDs = append(wp.AgentIDs, a.ID)
	}
	if len(wp.AgentIDs) == 0 {
		wp.AgentIDs = database.IDs{agent.ID}
	}
	created, err := h.db.WorkProcesses.Create(ctx, wp)
	if err != nil {
		return err
	}
	slog.Info("Mission requested by agent", "agent", agent.UUID, "work_process", created.ID)
	return nil
}

// HandleFactSheet stores an agent's capability description.
func (h *Handlers) HandleFactSheet(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	agent, err := h.known(ctx, in, broker.QueueFactSheet)
	if err != nil {
		return err
	}
	if !json.Valid(in.Body) {
		return fmt.Errorf("fact sheet from %s: invalid JSON", in.UUID)
	}
	_, err = h.db.Agents.Update(ctx, agent.ID, database.Fields{
		"factsheet":         database.JSON(in.Body),
		"last_message_time": h.now(),
	})
	return err
}

// Summary answers a summary request.
type Summary struct {
	YardID        int64                  `json:"yard_id"`
	Agents        *database.AgentSummary `json:"agents"`
	WorkProcesses map[string]int         `json:"work_processes"`
}

// HandleSummaryRequest replies with agent and mission counts for the
// requester's yard.
func (h *Handlers) HandleSummaryRequest(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	agent, err := h.known(ctx, in, broker.QueueSummaryReq)
	if err != nil {
		return err
	}
	s, err := h.summary(ctx, agent.YardID)
	if err != nil {
		return err
	}
	return h.sender.send(ctx, agent, ReasonSummary, TypeSummary, nil, s)
}

func (h *Handlers) summary(ctx context.Context, yardID int64) (*Summary, error) {
	agents, err := h.db.Agents.Summary(ctx, yardID)
	if err != nil {
		return nil, err
	}
	conds := database.Conditions{}
	if yardID != 0 {
		conds["yard_id"] = yardID
	}
	wps, err := h.db.WorkProcesses.List(ctx, conds)
	if err != nil {
		return nil, err
	}
	byStatus := map[string]int{}
	for _, wp := range wps {
		byStatus[wp.Status]++
	}
	return &Summary{YardID: yardID, Agents: agents, WorkProcesses: byStatus}, nil
}

// databaseQuery is a read-only lookup an agent may ask the core for.
type databaseQuery struct {
	Query string `json:"query"`
	ID    int64  `json:"id"`
}

// Supported database_req queries.
const (
	QueryAgents      = "allAgents"
	QueryYards       = "allYards"
	QueryMapObjects  = "allMapObjects"
	QueryWorkProcess = "workProcessById"
)

// HandleDatabaseRequest answers read-only lookups on agent.<uuid>.database.
func (h *Handlers) HandleDatabaseRequest(ctx context.Context, msg broker.Message) error {
	in, err := decode(msg)
	if err != nil {
		return err
	}
	agent, err := h.known(ctx, in, broker.QueueDatabaseReq)
	if err != nil {
		return err
	}
	var q databaseQuery
	if err := json.Unmarshal(in.Body, &q); err != nil {
		return fmt.Errorf("database request from %s: %w", in.UUID, err)
	}
	var result any
	switch q.Query {
	case QueryAgents:
		result, err = h.db.Agents.List(ctx, database.Conditions{"yard_id": agent.YardID})
	case QueryYards:
		result, err = h.db.Yards.List(ctx)
	case QueryMapObjects:
		result, err = h.db.MapObjects.ListActive(ctx, firstNonZero(q.ID, agent.YardID))
	case QueryWorkProcess:
		result, err = h.db.WorkProcesses.Get(ctx, q.ID)
	default:
		err = fmt.Errorf("unknown query %q", q.Query)
	}
	if err != nil {
		result = map[string]string{"error": err.Error()}
	}
	return h.sender.send(ctx, agent, ReasonDatabase, TypeDatabase, map[string]any{"query": q.Query}, result)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
