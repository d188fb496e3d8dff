package session

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/models"
)

func newTestStore() *Store {
	return NewStore(64)
}

func nextEvent(t *testing.T, sub *events.Subscriber) events.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "event channel closed early")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

// drainAll reads until the subscriber channel closes.
func drainAll(t *testing.T, sub *events.Subscriber) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out draining events")
		}
	}
}

func eventTypes(evts []events.Event) []string {
	types := make([]string, len(evts))
	for i, e := range evts {
		types[i] = e.Type
	}
	return types
}

func addRunningAgent(t *testing.T, st *Store, id string) string {
	t.Helper()
	agentID, err := st.AddAgent(id, "investigate something", "", 10)
	require.NoError(t, err)
	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentRunning, "", 0))
	return agentID
}

func TestCreateSeedsOrchestrator(t *testing.T) {
	st := newTestStore()
	id := st.Create("how deep is the ocean", "", models.ModelSelection{}, models.APIKeys{})
	require.NotEmpty(t, id)

	snap, err := st.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInitializing, snap.Status)
	assert.Equal(t, "how deep is the ocean", snap.Query)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, models.OrchestratorAgentID, snap.Agents[0].ID)
	assert.Equal(t, models.AgentRunning, snap.Agents[0].Status)
	assert.Equal(t, 2, snap.EventCount)

	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()

	connected := nextEvent(t, sub)
	require.Equal(t, events.EventConnected, connected.Type)
	payload, ok := connected.Data.(events.ConnectedPayload)
	require.True(t, ok)
	assert.Equal(t, id, payload.SessionID)

	status := nextEvent(t, sub)
	require.Equal(t, events.EventSessionStatusChange, status.Type)
	assert.Equal(t, models.SessionInitializing, status.Data.(events.SessionStatusPayload).Status)
}

func TestSnapshotUnknownSession(t *testing.T) {
	st := newTestStore()
	_, err := st.Snapshot("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentIDsMonotonicAndCapped(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})

	a1, err := st.AddAgent(id, "first task", "", 2)
	require.NoError(t, err)
	assert.Equal(t, "agent_1", a1)

	a2, err := st.AddAgent(id, "second task", "longer description", 2)
	require.NoError(t, err)
	assert.Equal(t, "agent_2", a2)

	_, err = st.AddAgent(id, "third task", "", 2)
	assert.ErrorIs(t, err, ErrAgentLimit)

	// The orchestrator pseudo-agent does not count against the cap.
	snap, err := st.Snapshot(id)
	require.NoError(t, err)
	require.Len(t, snap.Agents, 3)
	assert.Equal(t, models.OrchestratorAgentID, snap.Agents[0].ID)
	assert.Equal(t, "agent_1", snap.Agents[1].ID)
	assert.Equal(t, "agent_2", snap.Agents[2].ID)
}

func TestAgentSpawnedEvent(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	nextEvent(t, sub) // connected
	nextEvent(t, sub) // initializing

	_, err = st.AddAgent(id, "study market sizing", "sizing", 10)
	require.NoError(t, err)

	e := nextEvent(t, sub)
	require.Equal(t, events.EventAgentSpawned, e.Type)
	payload := e.Data.(events.AgentSpawnedPayload)
	assert.Equal(t, "agent_1", payload.AgentID)
	assert.Equal(t, "study market sizing", payload.Task)
	assert.Equal(t, "sizing", payload.Description)
}

func TestAgentTransitions(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	agentID, err := st.AddAgent(id, "task", "", 10)
	require.NoError(t, err)

	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentRunning, "", 0))
	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentRetrying, "rate limited", 1))
	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentRunning, "", 1))
	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentCompleted, "", 1))

	err = st.UpdateAgentStatus(id, agentID, models.AgentRunning, "", 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Failed must go through FailAgent.
	err = st.UpdateAgentStatus(id, agentID, models.AgentFailed, "x", 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Retrying is only reachable from running.
	other, err := st.AddAgent(id, "other", "", 10)
	require.NoError(t, err)
	err = st.UpdateAgentStatus(id, other, models.AgentRetrying, "", 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = st.UpdateAgentStatus(id, "agent_99", models.AgentRunning, "", 0)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestAgentStatusChangeEvent(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	agentID, err := st.AddAgent(id, "task", "", 10)
	require.NoError(t, err)

	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	for range 3 { // connected, initializing, agent_spawned
		nextEvent(t, sub)
	}

	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentRunning, "", 0))
	e := nextEvent(t, sub)
	require.Equal(t, events.EventAgentStatusChange, e.Type)
	payload := e.Data.(events.AgentStatusPayload)
	assert.Equal(t, agentID, payload.AgentID)
	assert.Equal(t, models.AgentRunning, payload.Status)

	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentRetrying, "overloaded", 2))
	e = nextEvent(t, sub)
	payload = e.Data.(events.AgentStatusPayload)
	assert.Equal(t, models.AgentRetrying, payload.Status)
	assert.Equal(t, "overloaded", payload.Error)
	assert.Equal(t, 2, payload.RetryCount)
}

func TestFailAgentEmitsAgentFailed(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	agentID := addRunningAgent(t, st, id)

	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	for range 4 {
		nextEvent(t, sub)
	}

	require.NoError(t, st.FailAgent(id, agentID, "exhausted attempts", models.FailureRateLimit, 3))

	e := nextEvent(t, sub)
	require.Equal(t, events.EventAgentFailed, e.Type)
	payload := e.Data.(events.AgentFailedPayload)
	assert.Equal(t, agentID, payload.AgentID)
	assert.Equal(t, "exhausted attempts", payload.Error)
	assert.Equal(t, models.FailureRateLimit, payload.ErrorType)
	assert.Equal(t, 3, payload.Attempts)

	agent, err := st.Agent(id, agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentFailed, agent.Status)
	assert.Equal(t, 3, agent.RetryCount)

	// Terminal agents reject further failures.
	err = st.FailAgent(id, agentID, "again", models.FailureUnknown, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestToolCallLifecycle(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	agentID := addRunningAgent(t, st, id)

	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	for range 4 {
		nextEvent(t, sub)
	}

	started := time.Now().UTC()
	call := &models.ToolCall{
		ID:          "call_1",
		ToolName:    "web_search",
		StepNumber:  1,
		IndexInStep: 0,
		Input:       json.RawMessage(`{"query":"ocean depth"}`),
		Status:      models.ToolCallExecuting,
		CreatedAt:   started,
		StartedAt:   started,
	}
	require.NoError(t, st.AddToolCall(id, agentID, call))

	e := nextEvent(t, sub)
	require.Equal(t, events.EventToolCall, e.Type)
	callPayload := e.Data.(events.ToolCallPayload)
	assert.Equal(t, "call_1", callPayload.ToolCallID)
	assert.Equal(t, "web_search", callPayload.ToolName)
	assert.JSONEq(t, `{"query":"ocean depth"}`, string(callPayload.Input))

	dup := &models.ToolCall{ID: "call_1", ToolName: "file", StartedAt: started}
	err = st.AddToolCall(id, agentID, dup)
	assert.ErrorIs(t, err, ErrDuplicateToolCall)

	result := json.RawMessage(`{"results":[]}`)
	require.NoError(t, st.UpdateToolCall(id, agentID, "call_1", models.ToolCallCompleted, result))

	e = nextEvent(t, sub)
	require.Equal(t, events.EventToolResult, e.Type)
	resPayload := e.Data.(events.ToolResultPayload)
	assert.Equal(t, "call_1", resPayload.ToolCallID)
	assert.Equal(t, models.ToolCallCompleted, resPayload.Status)
	assert.JSONEq(t, `{"results":[]}`, string(resPayload.Result))
	assert.GreaterOrEqual(t, resPayload.Duration, int64(0))
	assert.NotEmpty(t, resPayload.CompletedAt)

	err = st.UpdateToolCall(id, agentID, "call_1", models.ToolCallFailed, nil)
	assert.ErrorIs(t, err, ErrToolCallFinished)

	err = st.UpdateToolCall(id, agentID, "call_404", models.ToolCallCompleted, nil)
	assert.Error(t, err)
}

func TestOrchestratorStepEvent(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	nextEvent(t, sub)
	nextEvent(t, sub)

	calls := []events.StepToolCall{
		{ToolName: "spawn_agent", Input: json.RawMessage(`{"task":"a"}`)},
		{ToolName: "spawn_agent", Input: json.RawMessage(`{"task":"b"}`)},
	}
	require.NoError(t, st.AddOrchestratorStep(id, 3, calls))

	e := nextEvent(t, sub)
	require.Equal(t, events.EventOrchestratorStep, e.Type)
	payload := e.Data.(events.OrchestratorStepPayload)
	assert.Equal(t, 3, payload.StepNumber)
	require.Len(t, payload.ToolCalls, 2)
	assert.Equal(t, "spawn_agent", payload.ToolCalls[0].ToolName)
}

func TestPlanReplaceAndAppend(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})

	steps, err := st.UpdatePlan(id, []*models.PlanStep{
		{Description: "scope the market"},
		{Description: "gather pricing data"},
	}, true)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "step_1", steps[0].ID)
	assert.Equal(t, "step_2", steps[1].ID)
	assert.Equal(t, models.PlanStepPending, steps[0].Status)
	assert.Equal(t, 1, steps[0].Order)

	steps, err = st.UpdatePlan(id, []*models.PlanStep{
		{Description: "synthesise findings", Status: models.PlanStepInProgress},
	}, false)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "step_3", steps[2].ID)
	assert.Equal(t, models.PlanStepInProgress, steps[2].Status)

	// Replacing resets the plan but step ids keep counting up.
	steps, err = st.UpdatePlan(id, []*models.PlanStep{
		{Description: "start over"},
	}, true)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "step_4", steps[0].ID)

	snap, err := st.Snapshot(id)
	require.NoError(t, err)
	require.Len(t, snap.PlanSteps, 1)
	assert.Equal(t, "start over", snap.PlanSteps[0].Description)
}

func TestPlanUpdateEvent(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	nextEvent(t, sub)
	nextEvent(t, sub)

	_, err = st.UpdatePlan(id, []*models.PlanStep{{Description: "a"}, {Description: "b"}}, true)
	require.NoError(t, err)

	e := nextEvent(t, sub)
	require.Equal(t, events.EventPlanUpdate, e.Type)
	payload := e.Data.(events.PlanUpdatePayload)
	assert.Equal(t, 2, payload.TotalSteps)
	require.Len(t, payload.Steps, 2)
	assert.Equal(t, "step_1", payload.Steps[0].ID)
}

func TestStrategicPerspectiveFeedsPlanDocument(t *testing.T) {
	st := newTestStore()
	id := st.Create("market size of widgets", "focus on EU", models.ModelSelection{}, models.APIKeys{})

	before, err := st.EventCount(id)
	require.NoError(t, err)
	require.NoError(t, st.SetStrategicPerspective(id, "triangulate from three sources", "single sources skew"))
	after, err := st.EventCount(id)
	require.NoError(t, err)
	assert.Equal(t, before, after, "perspective updates emit no event of their own")

	_, err = st.UpdatePlan(id, []*models.PlanStep{{Description: "a"}}, true)
	require.NoError(t, err)

	doc, err := st.PlanDocument(id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.SessionID)
	assert.Equal(t, "market size of widgets", doc.Query)
	assert.Equal(t, "focus on EU", doc.ClarificationContext)
	assert.Equal(t, "triangulate from three sources", doc.StrategicPerspective)
	assert.Equal(t, "single sources skew", doc.Reasoning)
	require.Len(t, doc.Steps, 1)
}

func TestSessionStatusLifecycle(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})

	require.NoError(t, st.UpdateSessionStatus(id, models.SessionPlanning))
	count, err := st.EventCount(id)
	require.NoError(t, err)

	// Same status again is a no-op: no extra event.
	require.NoError(t, st.UpdateSessionStatus(id, models.SessionPlanning))
	after, err := st.EventCount(id)
	require.NoError(t, err)
	assert.Equal(t, count, after)

	require.NoError(t, st.UpdateSessionStatus(id, models.SessionExecuting))
	require.NoError(t, st.UpdateSessionStatus(id, models.SessionCompleted))

	err = st.UpdateSessionStatus(id, models.SessionExecuting)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = st.AddAgent(id, "late", "", 10)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCompletedClosesStream(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	sub, err := st.Subscribe(id)
	require.NoError(t, err)

	require.NoError(t, st.UpdateSessionStatus(id, models.SessionCompleted))

	evts := drainAll(t, sub)
	require.NotEmpty(t, evts)
	last := evts[len(evts)-1]
	assert.Equal(t, events.EventSessionStatusChange, last.Type)
	assert.Equal(t, models.SessionCompleted, last.Data.(events.SessionStatusPayload).Status)
}

func TestFailSessionEventOrderAndTerminality(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	sub, err := st.Subscribe(id)
	require.NoError(t, err)

	require.NoError(t, st.FailSession(id, events.ErrorSourceOrchestrator, "", "orchestrator produced no steps"))

	evts := drainAll(t, sub)
	require.GreaterOrEqual(t, len(evts), 4)
	statusEvt := evts[len(evts)-2]
	errorEvt := evts[len(evts)-1]
	require.Equal(t, events.EventSessionStatusChange, statusEvt.Type)
	assert.Equal(t, models.SessionFailed, statusEvt.Data.(events.SessionStatusPayload).Status)
	require.Equal(t, events.EventError, errorEvt.Type)
	payload := errorEvt.Data.(events.ErrorPayload)
	assert.Equal(t, events.ErrorSourceOrchestrator, payload.Source)
	assert.Equal(t, "orchestrator produced no steps", payload.Error)

	snap, err := st.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, snap.Status)
	assert.Equal(t, "orchestrator produced no steps", snap.Error)

	assert.ErrorIs(t, st.FailSession(id, events.ErrorSourceSystem, "", "again"), ErrTerminal)
	assert.ErrorIs(t, st.UpdateSessionStatus(id, models.SessionExecuting), ErrTerminal)
}

func TestLateSubscriberSeesIdenticalOrder(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})

	early, err := st.Subscribe(id)
	require.NoError(t, err)

	agentID, err := st.AddAgent(id, "task", "", 10)
	require.NoError(t, err)
	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentRunning, "", 0))
	call := &models.ToolCall{ID: "c1", ToolName: "web_search", Status: models.ToolCallExecuting, StartedAt: time.Now().UTC()}
	require.NoError(t, st.AddToolCall(id, agentID, call))
	require.NoError(t, st.UpdateToolCall(id, agentID, "c1", models.ToolCallCompleted, json.RawMessage(`{}`)))
	_, err = st.UpdatePlan(id, []*models.PlanStep{{Description: "a"}}, true)
	require.NoError(t, err)
	require.NoError(t, st.UpdateAgentStatus(id, agentID, models.AgentCompleted, "", 0))

	late, err := st.Subscribe(id)
	require.NoError(t, err)

	require.NoError(t, st.UpdateSessionStatus(id, models.SessionCompleted))

	earlyEvts := drainAll(t, early)
	lateEvts := drainAll(t, late)
	require.Equal(t, eventTypes(earlyEvts), eventTypes(lateEvts))
	assert.Equal(t, earlyEvts, lateEvts)
}

func TestWaitForAgentsAllTerminal(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	a1 := addRunningAgent(t, st, id)
	a2 := addRunningAgent(t, st, id)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = st.UpdateAgentStatus(id, a1, models.AgentCompleted, "", 0)
		time.Sleep(20 * time.Millisecond)
		_ = st.FailAgent(id, a2, "no luck", models.FailureUnknown, 3)
	}()

	// Requested order is preserved regardless of completion order.
	agents, allDone, err := st.WaitForAgents(context.Background(), id, []string{a2, a1}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, allDone)
	require.Len(t, agents, 2)
	assert.Equal(t, a2, agents[0].ID)
	assert.Equal(t, models.AgentFailed, agents[0].Status)
	assert.Equal(t, a1, agents[1].ID)
	assert.Equal(t, models.AgentCompleted, agents[1].Status)
}

func TestWaitForAgentsTimeout(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	agentID := addRunningAgent(t, st, id)

	start := time.Now()
	agents, allDone, err := st.WaitForAgents(context.Background(), id, []string{agentID}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, allDone)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Len(t, agents, 1)
	assert.Equal(t, models.AgentRunning, agents[0].Status)
}

func TestWaitForAgentsCancelled(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	agentID := addRunningAgent(t, st, id)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, allDone, err := st.WaitForAgents(ctx, id, []string{agentID}, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, allDone)
}

func TestWaitForAgentsUnknownAgent(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})

	_, _, err := st.WaitForAgents(context.Background(), id, []string{"agent_7"}, time.Second)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCancelFiresOnce(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})

	var fired atomic.Int32
	require.NoError(t, st.SetCancel(id, func() { fired.Add(1) }))

	ok, err := st.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), fired.Load())

	ok, err = st.Cancel(id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), fired.Load())

	_, err = st.Cancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupOldRemovesTerminalSessions(t *testing.T) {
	st := newTestStore()
	done := st.Create("done", "", models.ModelSelection{}, models.APIKeys{})
	active := st.Create("active", "", models.ModelSelection{}, models.APIKeys{})

	require.NoError(t, st.UpdateSessionStatus(done, models.SessionCompleted))
	time.Sleep(5 * time.Millisecond)

	removed := st.CleanupOld(0)
	assert.Contains(t, removed, done)
	assert.NotContains(t, removed, active)

	_, err := st.Snapshot(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Snapshot(active)
	assert.NoError(t, err)
}

func TestRemove(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	sub, err := st.Subscribe(id)
	require.NoError(t, err)

	assert.True(t, st.Remove(id))
	assert.False(t, st.Remove(id))
	_, err = st.Snapshot(id)
	assert.ErrorIs(t, err, ErrNotFound)

	// The stream is closed so subscribers drain out.
	drainAll(t, sub)
}

func TestCloseCancelsAndClosesStreams(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})

	var fired atomic.Int32
	require.NoError(t, st.SetCancel(id, func() { fired.Add(1) }))
	sub, err := st.Subscribe(id)
	require.NoError(t, err)

	st.Close()

	assert.Equal(t, int32(1), fired.Load())
	drainAll(t, sub)
}

func TestSnapshotIsolation(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	agentID := addRunningAgent(t, st, id)
	call := &models.ToolCall{ID: "c1", ToolName: "web_search", Status: models.ToolCallExecuting, StartedAt: time.Now().UTC()}
	require.NoError(t, st.AddToolCall(id, agentID, call))
	_, err := st.UpdatePlan(id, []*models.PlanStep{{Description: "a", AgentIDs: []string{agentID}}}, true)
	require.NoError(t, err)

	snap, err := st.Snapshot(id)
	require.NoError(t, err)
	snap.Agents[1].Status = models.AgentFailed
	snap.Agents[1].ToolCalls[0].ToolName = "mutated"
	snap.PlanSteps[0].Description = "mutated"
	snap.PlanSteps[0].AgentIDs[0] = "mutated"

	fresh, err := st.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, models.AgentRunning, fresh.Agents[1].Status)
	assert.Equal(t, "web_search", fresh.Agents[1].ToolCalls[0].ToolName)
	assert.Equal(t, "a", fresh.PlanSteps[0].Description)
	assert.Equal(t, agentID, fresh.PlanSteps[0].AgentIDs[0])
}

func TestEmitError(t *testing.T) {
	st := newTestStore()
	id := st.Create("q", "", models.ModelSelection{}, models.APIKeys{})
	sub, err := st.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	nextEvent(t, sub)
	nextEvent(t, sub)

	require.NoError(t, st.EmitError(id, events.ErrorSourceAgent, "agent_1", "tool blew up"))
	e := nextEvent(t, sub)
	require.Equal(t, events.EventError, e.Type)
	payload := e.Data.(events.ErrorPayload)
	assert.Equal(t, events.ErrorSourceAgent, payload.Source)
	assert.Equal(t, "agent_1", payload.AgentID)
	assert.Equal(t, "tool blew up", payload.Error)

	// Non-fatal: the session keeps going.
	snap, err := st.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInitializing, snap.Status)
}
