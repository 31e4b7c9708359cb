package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the category of an event.
type Type string

// Wildcard subscribes to every event type.
const Wildcard Type = "*"

const (
	MissionStart Type = "MISSION_START"
	MissionEnd   Type = "MISSION_END"
	StepStart    Type = "STEP_START"
	StepEnd      Type = "STEP_END"
	ToolCall     Type = "TOOL_CALL"

	NarrationBefore Type = "NARRATION_BEFORE"
	NarrationAfter  Type = "NARRATION_AFTER"
	NarrationVerify Type = "NARRATION_VERIFY"

	PolicyViolation Type = "POLICY_VIOLATION"
	ProbeResult     Type = "PROBE_RESULT"

	ApprovalRequest Type = "APPROVAL_REQUEST"
	ApprovalGranted Type = "APPROVAL_GRANTED"
	ApprovalDenied  Type = "APPROVAL_DENIED"
	ApprovalTimeout Type = "APPROVAL_TIMEOUT"
	TokenUsed       Type = "TOKEN_USED"

	GateVerified Type = "GATE_VERIFIED"

	SessionStart   Type = "SESSION_START"
	SessionEnd     Type = "SESSION_END"
	AgentStart     Type = "AGENT_START"
	AgentEnd       Type = "AGENT_END"
	Handoff        Type = "HANDOFF"
	HandoffBlocked Type = "HANDOFF_BLOCKED"
	DecisionEvent  Type = "DECISION"

	TraceStart Type = "TRACE_START"
	TraceEnd   Type = "TRACE_END"

	Reflection Type = "REFLECTION"
	Error      Type = "ERROR"
)

// Event is a timestamped record published on the bus.
// Its JSON form is flat: {id, timestamp, type, source, ...payload}.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      Type
	Source    string
	Payload   map[string]any
}

// New builds an event with the given payload. ID and timestamp are
// assigned by the bus on Emit.
func New(t Type, source string, payload map[string]any) Event {
	return Event{Type: t, Source: source, Payload: payload}
}

// String returns a payload value as a string, or "" if absent.
func (e Event) String(key string) string {
	if e.Payload == nil {
		return ""
	}
	switch v := e.Payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

var reservedKeys = map[string]bool{"id": true, "timestamp": true, "type": true, "source": true}

func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		if reservedKeys[k] {
			continue
		}
		flat[k] = v
	}
	flat["id"] = e.ID
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	flat["type"] = e.Type
	if e.Source != "" {
		flat["source"] = e.Source
	}
	return json.Marshal(flat)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	e.ID, _ = flat["id"].(string)
	if t, ok := flat["type"].(string); ok {
		e.Type = Type(t)
	}
	e.Source, _ = flat["source"].(string)
	if ts, ok := flat["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("event timestamp: %w", err)
		}
		e.Timestamp = parsed
	}
	for k := range reservedKeys {
		delete(flat, k)
	}
	if len(flat) > 0 {
		e.Payload = flat
	}
	return nil
}
