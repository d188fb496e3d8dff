package models

// Flow node types as rendered by clients.
const (
	FlowNodeOrchestrator = "orchestrator"
	FlowNodeAgent        = "agent"
	FlowNodeToolCall     = "tool_call"
)

// FlowNode is one vertex of the session topology graph.
type FlowNode struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Label   string `json:"label"`
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

// FlowEdge is one directed edge of the session topology graph.
type FlowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// FlowGraph describes the current orchestrator/agent/tool-call topology for
// visualization. It is derived on demand from session state.
type FlowGraph struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}
