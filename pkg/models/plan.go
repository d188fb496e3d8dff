package models

import "time"

// PlanStepStatus is the lifecycle state of one plan step.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
)

// PlanStep is one entry of the orchestrator's research plan.
type PlanStep struct {
	ID          string         `json:"step_id"`
	Description string         `json:"description"`
	Status      PlanStepStatus `json:"status"`
	AgentIDs    []string       `json:"agent_ids,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Order       int            `json:"order,omitempty"`
}

// PlanDocument is the on-disk shape of orchestrator_plan.json.
type PlanDocument struct {
	SessionID            string      `json:"session_id"`
	Created              time.Time   `json:"created"`
	Updated              time.Time   `json:"updated"`
	Query                string      `json:"query"`
	ClarificationContext string      `json:"clarification_context,omitempty"`
	StrategicPerspective string      `json:"strategic_perspective,omitempty"`
	Reasoning            string      `json:"reasoning,omitempty"`
	Steps                []*PlanStep `json:"steps"`
}
