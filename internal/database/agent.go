package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agents is the agents repository, including the connection aggregation
// queries used by the liveness and rate-limit watchers.
type Agents struct{ d *DB }

const agentColumns = `id, uuid, name, yard_id, public_key, public_key_format, protocol, connection_status,
	status, resource_claim, rbmq_username, last_message_time, msg_per_sec, update_per_sec, x, y, z,
	orientations, sensors, factsheet, agent_class, agent_type, is_actuator, data_format, created_at, modified_at`

func scanAgent(s rowScanner) (*Agent, error) {
	var a Agent
	var username sql.NullString
	var last sql.NullTime
	err := s.Scan(&a.ID, &a.UUID, &a.Name, &a.YardID, &a.PublicKey, &a.PublicKeyFormat, &a.Protocol, &a.ConnectionStatus,
		&a.Status, &a.ResourceClaim, &username, &last, &a.MsgPerSec, &a.UpdatePerSec, &a.X, &a.Y, &a.Z,
		&a.Orientations, &a.Sensors, &a.Factsheet, &a.AgentClass, &a.AgentType, &a.IsActuator, &a.DataFormat,
		&a.CreatedAt, &a.ModifiedAt)
	if err != nil {
		return nil, err
	}
	if username.Valid {
		a.RBMQUsername = &username.String
	}
	a.LastMessageTime = timePtr(last)
	return &a, nil
}

func (r *Agents) list(ctx context.Context, conds Conditions) ([]*Agent, error) {
	rows, err := r.d.queryRows(ctx, "agents", agentColumns, conds, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgents(rows)
}

func scanAgents(rows *sql.Rows) ([]*Agent, error) {
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts an agent.
func (r *Agents) Create(ctx context.Context, a *Agent) (*Agent, error) {
	if a.PublicKeyFormat == "" {
		a.PublicKeyFormat = KeyFormatPEM
	}
	if a.Protocol == "" {
		a.Protocol = ProtocolAMQP
	}
	if a.ConnectionStatus == "" {
		a.ConnectionStatus = ConnectionOffline
	}
	if a.Status == "" {
		a.Status = AgentFree
	}
	id, err := r.d.Insert(ctx, "agents", Fields{
		"uuid":              a.UUID,
		"name":              a.Name,
		"yard_id":           a.YardID,
		"public_key":        a.PublicKey,
		"public_key_format": a.PublicKeyFormat,
		"protocol":          a.Protocol,
		"connection_status": a.ConnectionStatus,
		"status":            a.Status,
		"resource_claim":    a.ResourceClaim,
		"rbmq_username":     a.RBMQUsername,
		"last_message_time": a.LastMessageTime,
		"x":                 a.X,
		"y":                 a.Y,
		"z":                 a.Z,
		"orientations":      a.Orientations,
		"sensors":           a.Sensors,
		"agent_class":       a.AgentClass,
		"agent_type":        a.AgentType,
		"is_actuator":       a.IsActuator,
		"data_format":       a.DataFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return r.Get(ctx, id)
}

// Get returns an agent by id.
func (r *Agents) Get(ctx context.Context, id int64) (*Agent, error) {
	return r.getBy(ctx, "id", id)
}

// GetByUUID returns an agent by its external identity.
func (r *Agents) GetByUUID(ctx context.Context, uuid string) (*Agent, error) {
	return r.getBy(ctx, "uuid", uuid)
}

func (r *Agents) getBy(ctx context.Context, col string, val any) (*Agent, error) {
	row := r.d.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE "+col+" = ?", val)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %v: %w", val, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// List returns agents matching conds.
func (r *Agents) List(ctx context.Context, conds Conditions) ([]*Agent, error) {
	return r.list(ctx, conds)
}

// ListByIDs returns the agents with the given ids.
func (r *Agents) ListByIDs(ctx context.Context, ids []int64) ([]*Agent, error) {
	return r.list(ctx, Conditions{"id__in": ids})
}

// Update writes arbitrary fields to one agent.
func (r *Agents) Update(ctx context.Context, id int64, fields Fields) (bool, error) {
	return r.d.Update(ctx, "agents", id, fields)
}

// SetStatus sets the work status of several agents.
func (r *Agents) SetStatus(ctx context.Context, ids []int64, status string) ([]int64, error) {
	return r.d.UpdateByConditions(ctx, "agents", Conditions{"id__in": ids}, Fields{"status": status})
}

// Release frees agents still claimed by a work process. Agents already
// claimed by another work process are left alone.
func (r *Agents) Release(ctx context.Context, ids []int64, wpID int64) ([]int64, error) {
	agents, err := r.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var free []int64
	for _, a := range agents {
		if c := a.Claim(); c.WorkProcessID != 0 && c.WorkProcessID != wpID {
			continue
		}
		free = append(free, a.ID)
	}
	if len(free) == 0 {
		return nil, nil
	}
	return r.d.UpdateByConditions(ctx, "agents", Conditions{"id__in": free},
		Fields{"status": AgentFree, "resource_claim": nil})
}

// Checkin creates or refreshes an agent on checkin. The broker username is
// stored only for authenticated checkins.
func (r *Agents) Checkin(ctx context.Context, a *Agent, username string) (*Agent, error) {
	now := nowFunc()
	existing, err := r.GetByUUID(ctx, a.UUID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	var user *string
	if username != "" {
		user = &username
	}
	if existing == nil {
		a.ConnectionStatus = ConnectionOnline
		a.LastMessageTime = &now
		a.RBMQUsername = user
		return r.Create(ctx, a)
	}
	fields := Fields{
		"connection_status": ConnectionOnline,
		"last_message_time": now,
	}
	if user != nil {
		fields["rbmq_username"] = *user
	}
	if a.PublicKey != "" {
		fields["public_key"] = a.PublicKey
		fields["public_key_format"] = a.PublicKeyFormat
	}
	if a.Name != "" {
		fields["name"] = a.Name
	}
	if a.YardID != 0 {
		fields["yard_id"] = a.YardID
	}
	if a.Protocol != "" {
		fields["protocol"] = a.Protocol
	}
	if a.AgentClass != "" {
		fields["agent_class"] = a.AgentClass
	}
	if a.AgentType != "" {
		fields["agent_type"] = a.AgentType
	}
	if _, err := r.Update(ctx, existing.ID, fields); err != nil {
		return nil, err
	}
	return r.Get(ctx, existing.ID)
}

// Touch records message activity for an agent and marks it online.
func (r *Agents) Touch(ctx context.Context, uuid string, at time.Time) error {
	_, err := r.d.UpdateByConditions(ctx, "agents", Conditions{"uuid": uuid},
		Fields{"last_message_time": at, "connection_status": ConnectionOnline})
	return err
}

// RecordRates stores measured message rates for an agent.
func (r *Agents) RecordRates(ctx context.Context, uuid string, msgPerSec, updatePerSec float64, lastSeen time.Time) error {
	fields := Fields{"msg_per_sec": msgPerSec, "update_per_sec": updatePerSec}
	if !lastSeen.IsZero() {
		fields["last_message_time"] = lastSeen
		fields["connection_status"] = ConnectionOnline
	}
	_, err := r.d.UpdateByConditions(ctx, "agents", Conditions{"uuid": uuid}, fields)
	return err
}

// ListIdle returns online agents whose last message is older than cutoff
// (or missing).
func (r *Agents) ListIdle(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	online, err := r.list(ctx, Conditions{"connection_status": ConnectionOnline})
	if err != nil {
		return nil, err
	}
	var idle []*Agent
	for _, a := range online {
		if a.LastMessageTime == nil || a.LastMessageTime.Before(cutoff) {
			idle = append(idle, a)
		}
	}
	return idle, nil
}

// ListRateExceeding returns online agents above either rate limit.
func (r *Agents) ListRateExceeding(ctx context.Context, maxMsgPerSec, maxUpdatePerSec float64) ([]*Agent, error) {
	rows, err := r.d.db.QueryContext(ctx, "SELECT "+agentColumns+` FROM agents
		WHERE connection_status = ? AND (msg_per_sec > ? OR update_per_sec > ?) ORDER BY id ASC`,
		ConnectionOnline, maxMsgPerSec, maxUpdatePerSec)
	if err != nil {
		return nil, fmt.Errorf("list rate exceeding agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// MarkOffline flips agents to offline and resets their rate counters. Agents
// already offline are skipped, so repeated calls change nothing.
func (r *Agents) MarkOffline(ctx context.Context, ids []int64) ([]int64, error) {
	return r.d.UpdateByConditions(ctx, "agents",
		Conditions{"id__in": ids, "connection_status": ConnectionOnline},
		Fields{"connection_status": ConnectionOffline, "msg_per_sec": 0.0, "update_per_sec": 0.0})
}

// ResetRates zeroes the rate counters of online agents.
func (r *Agents) ResetRates(ctx context.Context) error {
	_, err := r.d.db.ExecContext(ctx,
		`UPDATE agents SET msg_per_sec = 0, update_per_sec = 0 WHERE connection_status = ? AND (msg_per_sec != 0 OR update_per_sec != 0)`,
		ConnectionOnline)
	if err != nil {
		return fmt.Errorf("reset agent rates: %w", err)
	}
	return nil
}

// AgentSummary aggregates agents by connection and work status.
type AgentSummary struct {
	Total        int            `json:"total"`
	ByConnection map[string]int `json:"by_connection"`
	ByStatus     map[string]int `json:"by_status"`
}

// Summary returns agent counts, optionally scoped to a yard (0 = all).
func (r *Agents) Summary(ctx context.Context, yardID int64) (*AgentSummary, error) {
	query := `SELECT connection_status, status, COUNT(*) FROM agents`
	var args []any
	if yardID != 0 {
		query += ` WHERE yard_id = ?`
		args = append(args, yardID)
	}
	query += ` GROUP BY connection_status, status`
	rows, err := r.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agent summary: %w", err)
	}
	defer rows.Close()
	s := &AgentSummary{ByConnection: map[string]int{}, ByStatus: map[string]int{}}
	for rows.Next() {
		var conn, status string
		var n int
		if err := rows.Scan(&conn, &status, &n); err != nil {
			return nil, fmt.Errorf("agent summary: %w", err)
		}
		s.Total += n
		s.ByConnection[conn] += n
		s.ByStatus[status] += n
	}
	return s, rows.Err()
}
