package e2e

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
)

func TestWebSearchBudgetExhaustion(t *testing.T) {
	llmc := newMockLLM()

	// 25 searches with distinct queries so the response cache cannot absorb
	// any of them. The budget admits 20 and rejects the rest.
	searches := make([]llm.ToolCall, 25)
	for i := range searches {
		searches[i] = call(fmt.Sprintf("s%d", i+1), "web_search", jsonArgs(map[string]string{
			"query":       fmt.Sprintf("probe %d", i+1),
			"description": "burn through the budget",
		}))
	}
	llmc.script(subModel,
		toolTurn(searches...),
		toolTurn(writeResultsCall("s26")),
	)

	llmc.script(reportModel, textTurn("# Probe Report\n\nBudget behaved."))
	llmc.script(orchModel,
		toolTurn(call("o1", "spawn_agent", jsonArgs(map[string]string{"task": "Probe the search budget hard", "description": "probe"}))),
		toolTurn(call("o2", "wait_for_agents", `{"agent_ids":["agent_1"]}`)),
		toolTurn(call("o3", "get_agent_result", `{"agent_id":"agent_1"}`)),
		toolTurn(call("o4", "write_report", jsonArgs(map[string]any{
			"query":         "budget probe",
			"agent_results": []map[string]string{{"agent_id": "agent_1", "task": "Probe the search budget hard"}},
		}))),
		textTurn("Done."),
	)

	app := newApp(t, llmc, newStubSearch(0))
	id := app.createSession(t, "budget probe")

	snap := app.waitStatus(t, id, models.SessionCompleted, 20*time.Second)

	// Only the admitted calls ever reached the provider.
	assert.Equal(t, 20, app.Search.Calls())

	agent := snap.AgentByID("agent_1")
	require.NotNil(t, agent)
	assert.Equal(t, models.AgentCompleted, agent.Status)

	var completed, limited int
	for _, tc := range agent.ToolCalls {
		if tc.ToolName != "web_search" {
			continue
		}
		switch tc.Status {
		case models.ToolCallCompleted:
			completed++
		case models.ToolCallFailed:
			if strings.Contains(string(tc.Result), string(models.ErrToolCallLimitReached)) {
				limited++
			}
		}
	}
	assert.Equal(t, 20, completed)
	assert.Equal(t, 5, limited)
}
