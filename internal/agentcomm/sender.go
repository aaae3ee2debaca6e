package agentcomm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/yardcore/yardcore/internal/broker"
	"github.com/yardcore/yardcore/internal/database"
)

// Downlink delivers a signed message to one agent.
type Downlink interface {
	SendToAgent(ctx context.Context, to broker.Target, reason string, body []byte) error
}

// Sender formats every outbound agent message and records the instant
// actions it issues.
type Sender struct {
	down Downlink
	db   *database.DB
}

// NewSender creates a Sender. db may be nil, in which case instant actions
// are not recorded.
func NewSender(down Downlink, db *database.DB) *Sender {
	return &Sender{down: down, db: db}
}

// TargetOf describes where and how an agent receives its messages.
func TargetOf(a *database.Agent) broker.Target {
	return broker.Target{UUID: a.UUID, Protocol: a.Protocol, PublicKey: a.PublicKey, KeyFormat: a.PublicKeyFormat}
}

func (s *Sender) send(ctx context.Context, a *database.Agent, reason, typ string, metadata map[string]any, body any) error {
	env, err := NewEnvelope(typ, a.UUID, metadata, body)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if err := s.down.SendToAgent(ctx, TargetOf(a), reason, raw); err != nil {
		return fmt.Errorf("send %s to %s: %w", typ, a.UUID, err)
	}
	slog.Debug("Agent message sent", "type", typ, "agent", a.UUID, "reason", reason)
	return nil
}

// SendAssignment publishes an assignment_execution envelope on the
// assignment channel and the raw assignment data on the order channel.
func (s *Sender) SendAssignment(ctx context.Context, a *database.Agent, as *database.Assignment) error {
	data := json.RawMessage(as.Data)
	if !json.Valid(data) {
		quoted, err := json.Marshal(as.Data)
		if err != nil {
			return err
		}
		data = quoted
	}
	md := map[string]any{
		"id":                    as.ID,
		"assignment_id":         as.ID,
		"work_process_id":       as.WorkProcessID,
		"status":                as.Status,
		"service_request_id":    as.ServiceRequestID,
		"depend_on_assignments": []int64(as.DependOnAssignments),
		"next_assignments":      []int64(as.NextAssignments),
		"on_assignment_failure": as.OnAssignmentFailure,
		"fallback_mission":      as.FallbackMission,
	}
	if err := s.send(ctx, a, ReasonAssignment, TypeAssignmentExecution, md, data); err != nil {
		return err
	}
	if err := s.down.SendToAgent(ctx, TargetOf(a), ReasonOrder, data); err != nil {
		return fmt.Errorf("send order to %s: %w", a.UUID, err)
	}
	return nil
}

// CancelAssignment asks an agent to stop a running assignment.
func (s *Sender) CancelAssignment(ctx context.Context, a *database.Agent, as *database.Assignment) error {
	md := map[string]any{"assignment_id": as.ID, "work_process_id": as.WorkProcessID}
	body := map[string]any{"assignment_id": as.ID, "work_process_id": as.WorkProcessID}
	return s.send(ctx, a, ReasonInstantActions, TypeAssignmentCancel, md, body)
}

// ReserveForMission asks an agent to get ready for a work process.
func (s *Sender) ReserveForMission(ctx context.Context, a *database.Agent, wpID int64) error {
	body := map[string]any{"work_process_id": wpID, "reserved": true}
	if err := s.send(ctx, a, ReasonInstantActions, TypeReserveForMission, map[string]any{"work_process_id": wpID}, body); err != nil {
		return err
	}
	s.record(ctx, a, TypeReserveForMission, database.OriginCore, nil)
	return nil
}

// ReleaseFromMission tells an agent it is no longer reserved.
func (s *Sender) ReleaseFromMission(ctx context.Context, a *database.Agent, wpID int64) error {
	body := map[string]any{"work_process_id": wpID, "reserved": false}
	if err := s.send(ctx, a, ReasonInstantActions, TypeReleaseFromMission, map[string]any{"work_process_id": wpID}, body); err != nil {
		return err
	}
	s.record(ctx, a, TypeReleaseFromMission, database.OriginCore, nil)
	return nil
}

// SendCustomAction sends a free-form command to an agent.
func (s *Sender) SendCustomAction(ctx context.Context, a *database.Agent, command string) error {
	return s.SendInstantAction(ctx, a, command, database.OriginCore, nil)
}

// SendInstantAction records and sends a custom_action. body, when given,
// travels as the envelope body; otherwise the command string does.
func (s *Sender) SendInstantAction(ctx context.Context, a *database.Agent, command, sender string, body json.RawMessage) error {
	var payload any = command
	if len(body) > 0 {
		payload = body
	}
	err := s.send(ctx, a, ReasonInstantActions, TypeCustomAction, map[string]any{"command": command, "sender": sender}, payload)
	s.record(ctx, a, command, sender, err)
	return err
}

// SendDataControl sends a data_control command (for example a change of
// the agent's update rate).
func (s *Sender) SendDataControl(ctx context.Context, a *database.Agent, command string, params map[string]any) error {
	body := map[string]any{"command": command}
	for k, v := range params {
		body[k] = v
	}
	return s.send(ctx, a, ReasonInstantActions, TypeDataControl, nil, body)
}

func (s *Sender) record(ctx context.Context, a *database.Agent, command, sender string, sendErr error) {
	if s.db == nil {
		return
	}
	ia := &database.InstantAction{AgentID: a.ID, AgentUUID: a.UUID, Sender: sender, Command: command}
	if sendErr != nil {
		ia.Status = "failed"
		ia.Error = sendErr.Error()
	}
	if _, err := s.db.InstantActions.Create(ctx, ia); err != nil {
		slog.Warn("Instant action not recorded", "agent", a.UUID, "command", command, "error", err)
	}
}
