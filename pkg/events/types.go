// Package events defines the session event model and the per-session
// fan-out stream.
//
// Every state mutation on a session appends exactly one Event to that
// session's log. Subscribers receive the full backlog first, then live
// events, in log order; the order is identical for every subscriber of a
// session. Producers never block on subscribers: a subscriber whose buffer
// fills up is disconnected with an overflow notice (see Stream).
package events

import (
	"encoding/json"
	"time"
)

// Event types delivered to subscribers. Data carries the matching payload
// struct from payloads.go.
const (
	EventConnected           = "connected"
	EventSessionStatusChange = "session_status_change"
	EventAgentSpawned        = "agent_spawned"
	EventAgentStatusChange   = "agent_status_change"
	EventOrchestratorStep    = "orchestrator_step"
	EventToolCall            = "tool_call"
	EventToolResult          = "tool_result"
	EventPlanUpdate          = "plan_update"
	EventError               = "error"
	EventAgentFailed         = "agent_failed"
)

// Error event sources (ErrorPayload.Source).
const (
	ErrorSourceOrchestrator = "orchestrator"
	ErrorSourceAgent        = "agent"
	ErrorSourceSystem       = "system"
)

// Event is one frame of a session's event stream.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// New builds an event stamped with the current UTC time.
func New(eventType string, data any) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// MarshalData returns the payload as JSON. Used by transports that frame
// the payload separately from the envelope (SSE data field, research log).
func (e Event) MarshalData() (json.RawMessage, error) {
	return json.Marshal(e.Data)
}
