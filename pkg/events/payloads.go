package events

import (
	"encoding/json"

	"github.com/fathomlabs/fathom/pkg/models"
)

// ConnectedPayload is the payload for connected events.
// Sent once, as the first frame of every subscription.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"` // session UUID
}

// SessionStatusPayload is the payload for session_status_change events.
// Published when a session transitions between lifecycle states.
type SessionStatusPayload struct {
	Status models.SessionStatus `json:"status"` // idle, initializing, planning, executing, completed, failed
}

// AgentSpawnedPayload is the payload for agent_spawned events.
type AgentSpawnedPayload struct {
	AgentID     string `json:"agentId"`
	Task        string `json:"task"`
	Description string `json:"description,omitempty"`
}

// AgentStatusPayload is the payload for agent_status_change events.
type AgentStatusPayload struct {
	AgentID    string             `json:"agentId"`
	Status     models.AgentStatus `json:"status"` // pending, running, retrying, completed, failed
	Error      string             `json:"error,omitempty"`
	RetryCount int                `json:"retryCount,omitempty"`
}

// StepToolCall is one entry of an orchestrator step's tool-call list.
type StepToolCall struct {
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input"`
}

// OrchestratorStepPayload is the payload for orchestrator_step events.
// Published once per orchestrator LLM turn that requested tool calls.
type OrchestratorStepPayload struct {
	StepNumber int            `json:"stepNumber"`
	ToolCalls  []StepToolCall `json:"toolCalls"`
}

// ToolCallPayload is the payload for tool_call events.
// Published when a tool invocation starts executing.
type ToolCallPayload struct {
	AgentID     string          `json:"agentId"`
	ToolCallID  string          `json:"toolCallId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input"`
	StepNumber  int             `json:"stepNumber"`
	IndexInStep int             `json:"indexInStep"`
	StartedAt   string          `json:"startedAt"` // RFC3339Nano
	Description string          `json:"description,omitempty"`
}

// ToolResultPayload is the payload for tool_result events.
// Published when a tool invocation reaches a terminal status.
type ToolResultPayload struct {
	AgentID     string                `json:"agentId"`
	ToolCallID  string                `json:"toolCallId"`
	ToolName    string                `json:"toolName"`
	Status      models.ToolCallStatus `json:"status"` // completed, failed
	Result      json.RawMessage       `json:"result,omitempty"`
	StartedAt   string                `json:"startedAt"`   // RFC3339Nano
	CompletedAt string                `json:"completedAt"` // RFC3339Nano
	Duration    int64                 `json:"duration"`    // milliseconds
	StepNumber  int                   `json:"stepNumber"`
	IndexInStep int                   `json:"indexInStep"`
}

// PlanUpdatePayload is the payload for plan_update events.
type PlanUpdatePayload struct {
	Steps      []*models.PlanStep `json:"steps"`
	TotalSteps int                `json:"totalSteps"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Source  string `json:"source"` // orchestrator, agent, system
	Error   string `json:"error"`
	Stack   string `json:"stack,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// AgentFailedPayload is the payload for agent_failed events.
// Published when a sub-agent exhausts its attempts or is cancelled.
type AgentFailedPayload struct {
	AgentID   string             `json:"agentId"`
	Error     string             `json:"error"`
	ErrorType models.FailureType `json:"errorType"` // bad_request, rate_limit, server_error, auth_error, unknown
	Attempts  int                `json:"attempts"`
}
