package models

import "time"

// OrchestratorAgentID is the pseudo-agent id under which orchestrator tool
// calls and events are recorded, so that subscribers see a uniform stream.
const OrchestratorAgentID = "orchestrator"

// AgentStatus is the lifecycle state of a sub-agent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentRetrying  AgentStatus = "retrying"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is final. A terminal agent never
// changes status again.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// Agent is a snapshot of one sub-agent (or the orchestrator pseudo-agent).
type Agent struct {
	ID           string      `json:"agent_id"`
	Task         string      `json:"task"`
	Description  string      `json:"description,omitempty"`
	Status       AgentStatus `json:"status"`
	ToolCalls    []*ToolCall `json:"tool_calls"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	LastActivity time.Time   `json:"last_activity"`
	Error        string      `json:"error,omitempty"`
	RetryCount   int         `json:"retry_count"`
}

// ValidAgentTransition reports whether an agent status change is allowed.
// pending < running < {completed, failed}; retrying is a transient running
// substate and may only be entered from (and left back to) running.
func ValidAgentTransition(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case AgentPending:
		return to == AgentRunning
	case AgentRunning:
		return to == AgentRetrying || to == AgentCompleted || to == AgentFailed
	case AgentRetrying:
		return to == AgentRunning || to == AgentCompleted || to == AgentFailed
	}
	return false
}
