package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Failure policies of an assignment.
const (
	FailWorkProcess     = "FAIL_WORK_PROCESS"
	ContinueWorkProcess = "CONTINUE_WORK_PROCESS"
	ReleaseFailed       = "RELEASE_FAILED"
)

// DecodeError reports a planner response that matches no known shape.
type DecodeError struct {
	Index  int // result index, -1 when the error concerns the whole response
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("planner response: results[%d]: %s", e.Index, e.Reason)
	}
	return "planner response: " + e.Reason
}

// PlannerResponse is one of PerAgentResultList or LegacySingleResult.
type PlannerResponse interface {
	plannerResponse()
}

// InstantActionSpec is an instant action requested by a planner instead of
// an assignment.
type InstantActionSpec struct {
	Command string
	Raw     json.RawMessage
}

// AgentResult is one entry of a per-agent result list.
type AgentResult struct {
	AgentID             int64
	AgentUUID           string
	Payload             json.RawMessage
	InstantAction       *InstantActionSpec
	OnAssignmentFailure string
	FallbackMission     string
}

// Ordering carries the ordering hints of a response.
type Ordering struct {
	DispatchOrder   [][]int
	AssignmentOrder []int
}

// PerAgentResultList is a response with a results list.
type PerAgentResultList struct {
	Results []AgentResult
	Order   Ordering
}

// LegacySingleResult is a response with one result for every agent of the
// work process.
type LegacySingleResult struct {
	Payload json.RawMessage
}

func (PerAgentResultList) plannerResponse() {}
func (LegacySingleResult) plannerResponse() {}

type rawResponse struct {
	Result          json.RawMessage `json:"result"`
	Results         json.RawMessage `json:"results"`
	DispatchOrder   json.RawMessage `json:"dispatch_order"`
	AssignmentOrder json.RawMessage `json:"assignment_order"`
}

type rawResult struct {
	AgentID             *int64          `json:"agent_id"`
	AgentUUID           string          `json:"agent_uuid"`
	Assignment          json.RawMessage `json:"assignment"`
	Result              json.RawMessage `json:"result"`
	InstantAction       json.RawMessage `json:"instant_action"`
	OnAssignmentFailure string          `json:"on_assignment_failure"`
	FallbackMission     string          `json:"fallback_mission"`
}

// present reports whether a raw JSON value was given and is not null.
func present(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

// DecodePlannerResponse decodes a service response into its variant. A
// results array selects PerAgentResultList; otherwise a result selects
// LegacySingleResult. Anything else is a *DecodeError.
func DecodePlannerResponse(raw []byte) (PlannerResponse, error) {
	var r rawResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &DecodeError{Index: -1, Reason: "not a JSON object: " + err.Error()}
	}
	if present(r.Results) {
		var items []json.RawMessage
		if err := json.Unmarshal(r.Results, &items); err != nil {
			return nil, &DecodeError{Index: -1, Reason: "results is not an array"}
		}
		out := PerAgentResultList{Results: make([]AgentResult, 0, len(items))}
		for i, item := range items {
			res, err := decodeResult(i, item)
			if err != nil {
				return nil, err
			}
			out.Results = append(out.Results, res)
		}
		if present(r.DispatchOrder) {
			if err := json.Unmarshal(r.DispatchOrder, &out.Order.DispatchOrder); err != nil {
				return nil, &DecodeError{Index: -1, Reason: "dispatch_order is not an array of index arrays"}
			}
		}
		if present(r.AssignmentOrder) {
			if err := json.Unmarshal(r.AssignmentOrder, &out.Order.AssignmentOrder); err != nil {
				return nil, &DecodeError{Index: -1, Reason: "assignment_order is not an array of ordinals"}
			}
		}
		return out, nil
	}
	if present(r.Result) {
		return LegacySingleResult{Payload: r.Result}, nil
	}
	return nil, &DecodeError{Index: -1, Reason: "neither results nor result present"}
}

func decodeResult(i int, item json.RawMessage) (AgentResult, error) {
	var rr rawResult
	if err := json.Unmarshal(item, &rr); err != nil {
		return AgentResult{}, &DecodeError{Index: i, Reason: "not an object"}
	}
	res := AgentResult{
		AgentUUID:           rr.AgentUUID,
		OnAssignmentFailure: rr.OnAssignmentFailure,
		FallbackMission:     rr.FallbackMission,
	}
	if rr.AgentID != nil {
		res.AgentID = *rr.AgentID
	}
	switch {
	case present(rr.InstantAction):
		var ia struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(rr.InstantAction, &ia); err != nil || ia.Command == "" {
			return AgentResult{}, &DecodeError{Index: i, Reason: "instant_action without command"}
		}
		res.InstantAction = &InstantActionSpec{Command: ia.Command, Raw: rr.InstantAction}
	case present(rr.Assignment):
		res.Payload = rr.Assignment
	case present(rr.Result):
		res.Payload = rr.Result
	default:
		return AgentResult{}, &DecodeError{Index: i, Reason: "no assignment, result or instant_action"}
	}
	return res, nil
}

// Waves turns the ordering hints into sequential waves of result indices.
// dispatch_order takes precedence over assignment_order. Without hints, or
// with a single wave, there is one wave holding every result. Results no
// wave mentions join the first wave.
func (o Ordering) Waves(n int) ([][]int, error) {
	var waves [][]int
	switch {
	case len(o.DispatchOrder) > 0:
		for _, w := range o.DispatchOrder {
			if len(w) > 0 {
				waves = append(waves, w)
			}
		}
	case len(o.AssignmentOrder) > 0:
		if len(o.AssignmentOrder) != n {
			return nil, fmt.Errorf("assignment_order has %d entries for %d results", len(o.AssignmentOrder), n)
		}
		byOrdinal := map[int][]int{}
		for i, ord := range o.AssignmentOrder {
			byOrdinal[ord] = append(byOrdinal[ord], i)
		}
		ords := make([]int, 0, len(byOrdinal))
		for ord := range byOrdinal {
			ords = append(ords, ord)
		}
		sort.Ints(ords)
		for _, ord := range ords {
			waves = append(waves, byOrdinal[ord])
		}
	}

	seen := make(map[int]bool, n)
	for _, w := range waves {
		for _, idx := range w {
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("ordering index %d out of range for %d results", idx, n)
			}
			if seen[idx] {
				return nil, fmt.Errorf("ordering index %d appears twice", idx)
			}
			seen[idx] = true
		}
	}
	var loose []int
	for i := range n {
		if !seen[i] {
			loose = append(loose, i)
		}
	}
	if len(waves) <= 1 {
		all := make([]int, 0, n)
		for i := range n {
			all = append(all, i)
		}
		return [][]int{all}, nil
	}
	out := make([][]int, len(waves))
	copy(out, waves)
	out[0] = append(append([]int(nil), waves[0]...), loose...)
	return out, nil
}
