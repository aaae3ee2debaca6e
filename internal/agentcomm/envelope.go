// Package agentcomm is the core's conversation with agents: it builds and
// sends the signed downlink envelopes, handles the uplink queues, and
// polices agent connections (liveness and message rates).
package agentcomm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is stamped on every outbound envelope.
const EnvelopeVersion = "2.0.0"

// Outbound message types.
const (
	TypeAssignmentExecution = "assignment_execution"
	TypeAssignmentCancel    = "assignment_cancel"
	TypeCustomAction        = "custom_action"
	TypeReserveForMission   = "reserve_for_mission"
	TypeReleaseFromMission  = "release_from_mission"
	TypeDataControl         = "data_control"
	TypeCheckinResponse     = "checkin"
	TypeSummary             = "summary"
	TypeDatabase            = "database"
)

// Routing reasons: the last segment of agent.<uuid>.<reason>.
const (
	ReasonOrder          = "order"
	ReasonAssignment     = "assignment"
	ReasonInstantActions = "instantActions"
	ReasonCheckin        = "checkin"
	ReasonSummary        = "summary"
	ReasonDatabase       = "database"
)

// Rate enforcement commands.
const (
	CommandReduceMsgRate    = "REDUCE_MSG_RATE"
	CommandReduceUpdateRate = "REDUCE_UPDATE_RATE"
)

// Envelope is the uniform agent message.
type Envelope struct {
	Type     string          `json:"type"`
	UUID     string          `json:"uuid"`
	Metadata map[string]any  `json:"metadata"`
	Body     json.RawMessage `json:"body"`
	Version  string          `json:"_version"`
}

// NewEnvelope builds an envelope addressed to agentUUID. Every envelope gets
// a message id and timestamp in its metadata.
func NewEnvelope(typ, agentUUID string, metadata map[string]any, body any) (*Envelope, error) {
	raw, err := toRaw(body)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: %w", typ, err)
	}
	md := map[string]any{
		"id":        uuid.NewString(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range metadata {
		md[k] = v
	}
	return &Envelope{Type: typ, UUID: agentUUID, Metadata: md, Body: raw, Version: EnvelopeVersion}, nil
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func toRaw(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(b) == 0 {
			return json.RawMessage("null"), nil
		}
		return b, nil
	case []byte:
		if len(b) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.RawMessage(b), nil
	}
	return json.Marshal(v)
}

// Inbound is an uplink message from an agent, after unwrapping.
type Inbound struct {
	Type    string          `json:"type"`
	UUID    string          `json:"uuid"`
	Body    json.RawMessage `json:"body"`
	Version string          `json:"_version,omitempty"`

	// Signature and Signed are set when the agent wrapped the message.
	Signature string `json:"-"`
	Signed    []byte `json:"-"`
}

// ParseInbound decodes an uplink payload. Both the bare envelope and the
// {message, signature} wrapper are accepted.
func ParseInbound(payload []byte) (*Inbound, error) {
	var wrapper struct {
		Message   json.RawMessage `json:"message"`
		Signature string          `json:"signature"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return nil, fmt.Errorf("decode agent message: %w", err)
	}
	msg := payload
	var signed []byte
	if len(wrapper.Message) > 0 {
		// message is either a JSON string holding the envelope or the envelope itself
		var s string
		if err := json.Unmarshal(wrapper.Message, &s); err == nil {
			msg = []byte(s)
		} else {
			msg = wrapper.Message
		}
		signed = msg
	}
	var in Inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		return nil, fmt.Errorf("decode agent envelope: %w", err)
	}
	in.Signature = wrapper.Signature
	in.Signed = signed
	return &in, nil
}
