package models

import "time"

// SessionStatus is the lifecycle state of a research session.
type SessionStatus string

const (
	SessionIdle         SessionStatus = "idle"
	SessionInitializing SessionStatus = "initializing"
	SessionPlanning     SessionStatus = "planning"
	SessionExecuting    SessionStatus = "executing"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// Terminal reports whether the status is final. A session in a terminal
// status never changes again and its event stream is closed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is a point-in-time snapshot of one research run. Snapshots are
// deep copies: mutating a snapshot never affects the live session.
type Session struct {
	ID            string         `json:"session_id"`
	Query         string         `json:"query"`
	Clarification string         `json:"clarification_context,omitempty"`
	Models        ModelSelection `json:"models"`
	Status        SessionStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Agents        []*Agent       `json:"agents"`
	PlanSteps     []*PlanStep    `json:"plan_steps"`
	EventCount    int            `json:"event_count"`
	Error         string         `json:"error,omitempty"`
}

// AgentByID returns the agent with the given id from the snapshot, or nil.
func (s *Session) AgentByID(id string) *Agent {
	for _, a := range s.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// CreateSessionRequest contains the fields a client supplies to start a
// research run. Models and Keys may be partially filled; config defaults
// cover the rest.
type CreateSessionRequest struct {
	Query         string         `json:"query"`
	Clarification string         `json:"clarification_context,omitempty"`
	Models        ModelSelection `json:"models,omitempty"`
	Keys          APIKeys        `json:"api_keys,omitempty"`
}
