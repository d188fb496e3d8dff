package models

import (
	"encoding/json"
	"time"
)

// ToolCallStatus is the lifecycle state of one tool invocation.
type ToolCallStatus string

const (
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCall records one invocation of a named tool by an agent's LLM.
// Input and Result are raw JSON tagged by ToolName; pkg/tools decodes them
// into the per-tool typed structs.
type ToolCall struct {
	ID          string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	StepNumber  int             `json:"step_number"`
	IndexInStep int             `json:"index_in_step"`
	Input       json.RawMessage `json:"input"`
	Status      ToolCallStatus  `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"` // present iff terminal
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	Description string          `json:"description,omitempty"`
}

// Terminal reports whether the tool call reached a final status.
func (c *ToolCall) Terminal() bool {
	return c.Status == ToolCallCompleted || c.Status == ToolCallFailed
}

// Finish moves the call to a terminal status and stamps completion time and
// duration. It is a no-op if the call is already terminal.
func (c *ToolCall) Finish(status ToolCallStatus, result json.RawMessage, at time.Time) {
	if c.Terminal() {
		return
	}
	c.Status = status
	c.Result = result
	c.CompletedAt = &at
	c.DurationMs = at.Sub(c.StartedAt).Milliseconds()
}
