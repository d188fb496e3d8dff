package session

import (
	"fmt"

	"github.com/fathomlabs/fathom/pkg/models"
)

const flowLabelMax = 60

// FlowData derives the orchestrator/agent/tool-call topology for the
// session. Agents hang off the orchestrator node; each agent's tool calls
// are chained in execution order below it.
func (st *Store) FlowData(id string) (*models.FlowGraph, error) {
	var graph *models.FlowGraph
	err := st.withSession(id, func(s *state) error {
		graph = buildFlowGraph(s)
		return nil
	})
	return graph, err
}

func buildFlowGraph(s *state) *models.FlowGraph {
	graph := &models.FlowGraph{
		Nodes: []models.FlowNode{},
		Edges: []models.FlowEdge{},
	}

	orch := s.agents[models.OrchestratorAgentID]
	graph.Nodes = append(graph.Nodes, models.FlowNode{
		ID:     models.OrchestratorAgentID,
		Type:   models.FlowNodeOrchestrator,
		Label:  "Orchestrator",
		Status: string(orch.Status),
	})
	appendToolCallChain(graph, models.OrchestratorAgentID, orch)

	for _, agentID := range s.agentOrder {
		if agentID == models.OrchestratorAgentID {
			continue
		}
		agent := s.agents[agentID]
		graph.Nodes = append(graph.Nodes, models.FlowNode{
			ID:      agentID,
			Type:    models.FlowNodeAgent,
			Label:   truncateLabel(agent.Task),
			AgentID: agentID,
			Status:  string(agent.Status),
		})
		graph.Edges = append(graph.Edges, models.FlowEdge{
			ID:     fmt.Sprintf("%s-%s", models.OrchestratorAgentID, agentID),
			Source: models.OrchestratorAgentID,
			Target: agentID,
		})
		appendToolCallChain(graph, agentID, agent)
	}
	return graph
}

// appendToolCallChain adds one node per tool call and links them
// parent -> first -> second -> ... so clients render the call sequence.
func appendToolCallChain(graph *models.FlowGraph, parentID string, agent *models.Agent) {
	prev := parentID
	for _, call := range agent.ToolCalls {
		nodeID := fmt.Sprintf("%s/%s", agent.ID, call.ID)
		graph.Nodes = append(graph.Nodes, models.FlowNode{
			ID:      nodeID,
			Type:    models.FlowNodeToolCall,
			Label:   call.ToolName,
			AgentID: agent.ID,
			Status:  string(call.Status),
		})
		graph.Edges = append(graph.Edges, models.FlowEdge{
			ID:     fmt.Sprintf("%s-%s", prev, nodeID),
			Source: prev,
			Target: nodeID,
		})
		prev = nodeID
	}
}

func truncateLabel(s string) string {
	if len(s) <= flowLabelMax {
		return s
	}
	return s[:flowLabelMax-3] + "..."
}
