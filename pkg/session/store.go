package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/models"
)

// Store is the session table. The map lock is held only for lookups;
// per-session work runs under the session's own mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*state
	bufSize  int
	logger   *slog.Logger
}

// NewStore creates an empty store. bufSize is the per-subscriber event
// buffer passed through to each session's stream.
func NewStore(bufSize int) *Store {
	return &Store{
		sessions: make(map[string]*state),
		bufSize:  bufSize,
		logger:   slog.Default().With("component", "session_store"),
	}
}

// Create registers a new session in initializing status, seeds the
// orchestrator pseudo-agent in running status, and logs the connected and
// initial status events.
func (st *Store) Create(query, clarification string, sel models.ModelSelection, keys models.APIKeys) string {
	id := uuid.New().String()
	now := time.Now().UTC()

	s := &state{
		id:            id,
		query:         query,
		clarification: clarification,
		models:        sel,
		keys:          keys,
		status:        models.SessionInitializing,
		createdAt:     now,
		updatedAt:     now,
		agents:        make(map[string]*models.Agent),
		stream:        events.NewStream(st.bufSize, st.logger),
	}
	s.cond = sync.NewCond(&s.mu)

	orch := &models.Agent{
		ID:           models.OrchestratorAgentID,
		Task:         "Coordinate research and assemble the final report",
		Status:       models.AgentRunning,
		ToolCalls:    []*models.ToolCall{},
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
	s.agents[orch.ID] = orch
	s.agentOrder = append(s.agentOrder, orch.ID)

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	s.mu.Lock()
	s.emit(events.EventConnected, events.ConnectedPayload{SessionID: id})
	s.emit(events.EventSessionStatusChange, events.SessionStatusPayload{Status: models.SessionInitializing})
	s.mu.Unlock()

	slog.Info("Session created", "session_id", id)
	return id
}

// Count returns the number of sessions currently held.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// lookup returns the live state for id.
func (st *Store) lookup(id string) (*state, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// withSession runs fn under the session's mutex.
func (st *Store) withSession(id string, fn func(*state) error) error {
	s, err := st.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

// Snapshot returns a consistent deep copy of the session.
func (st *Store) Snapshot(id string) (*models.Session, error) {
	var snap *models.Session
	err := st.withSession(id, func(s *state) error {
		snap = s.snapshotLocked()
		return nil
	})
	return snap, err
}

// Keys returns the provider credentials the session runs with.
func (st *Store) Keys(id string) (models.APIKeys, error) {
	var keys models.APIKeys
	err := st.withSession(id, func(s *state) error {
		keys = s.keys
		return nil
	})
	return keys, err
}

// Models returns the session's model selection.
func (st *Store) Models(id string) (models.ModelSelection, error) {
	var sel models.ModelSelection
	err := st.withSession(id, func(s *state) error {
		sel = s.models
		return nil
	})
	return sel, err
}

// Subscribe attaches an event consumer: full backlog first, then live
// events, in identical order for every subscriber.
func (st *Store) Subscribe(id string) (*events.Subscriber, error) {
	s, err := st.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.stream.Subscribe(), nil
}

// SetSubscriberCallback registers the subscriber-count callback on the
// session's stream (drives the abort grace period).
func (st *Store) SetSubscriberCallback(id string, fn func(active int)) error {
	s, err := st.lookup(id)
	if err != nil {
		return err
	}
	s.stream.SetSubscriberCallback(fn)
	return nil
}

// EventCount returns the number of logged events.
func (st *Store) EventCount(id string) (int, error) {
	s, err := st.lookup(id)
	if err != nil {
		return 0, err
	}
	return s.stream.Len(), nil
}

// SetCancel stores the cancellation hook for the session's orchestrator
// task.
func (st *Store) SetCancel(id string, cancel context.CancelFunc) error {
	return st.withSession(id, func(s *state) error {
		s.cancel = cancel
		return nil
	})
}

// Cancel invokes the session's cancellation hook. Idempotent; reports
// whether a hook was present.
func (st *Store) Cancel(id string) (bool, error) {
	var fired bool
	err := st.withSession(id, func(s *state) error {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
			fired = true
		}
		return nil
	})
	return fired, err
}

// UpdateSessionStatus moves the session to a new lifecycle status and logs
// session_status_change. Reaching completed closes the event stream; use
// FailSession for the failed path. Terminal sessions reject further changes.
func (st *Store) UpdateSessionStatus(id string, status models.SessionStatus) error {
	return st.withSession(id, func(s *state) error {
		if s.status.Terminal() {
			return ErrTerminal
		}
		if s.status == status {
			return nil
		}
		s.status = status
		s.touch(time.Now().UTC())
		s.emit(events.EventSessionStatusChange, events.SessionStatusPayload{Status: status})
		if status.Terminal() {
			s.stream.Close()
			s.cond.Broadcast()
		}
		return nil
	})
}

// FailSession moves the session to failed, logs session_status_change
// followed by a final error event, and closes the stream.
func (st *Store) FailSession(id, source, agentID, errMsg string) error {
	return st.withSession(id, func(s *state) error {
		if s.status.Terminal() {
			return ErrTerminal
		}
		s.status = models.SessionFailed
		s.sessionError = errMsg
		s.touch(time.Now().UTC())
		s.emit(events.EventSessionStatusChange, events.SessionStatusPayload{Status: models.SessionFailed})
		s.emit(events.EventError, events.ErrorPayload{Source: source, Error: errMsg, AgentID: agentID})
		s.stream.Close()
		s.cond.Broadcast()
		return nil
	})
}

// EmitError logs a non-fatal error event.
func (st *Store) EmitError(id, source, agentID, errMsg string) error {
	return st.withSession(id, func(s *state) error {
		s.emit(events.EventError, events.ErrorPayload{Source: source, Error: errMsg, AgentID: agentID})
		return nil
	})
}

// AddAgent allocates the next agent id (agent_1, agent_2, ... monotonically
// within the session), registers the agent in pending status, and logs
// agent_spawned. maxAgents caps spawned agents per session; the
// orchestrator pseudo-agent does not count.
func (st *Store) AddAgent(id, task, description string, maxAgents int) (string, error) {
	var agentID string
	err := st.withSession(id, func(s *state) error {
		if s.status.Terminal() {
			return ErrTerminal
		}
		if maxAgents > 0 && s.agentCount() >= maxAgents {
			return ErrAgentLimit
		}
		s.agentSeq++
		agentID = fmt.Sprintf("agent_%d", s.agentSeq)
		now := time.Now().UTC()
		s.agents[agentID] = &models.Agent{
			ID:           agentID,
			Task:         task,
			Description:  description,
			Status:       models.AgentPending,
			ToolCalls:    []*models.ToolCall{},
			CreatedAt:    now,
			UpdatedAt:    now,
			LastActivity: now,
		}
		s.agentOrder = append(s.agentOrder, agentID)
		s.touch(now)
		s.emit(events.EventAgentSpawned, events.AgentSpawnedPayload{
			AgentID:     agentID,
			Task:        task,
			Description: description,
		})
		return nil
	})
	return agentID, err
}

// UpdateAgentStatus transitions an agent and logs agent_status_change.
// The failed status must go through FailAgent so subscribers get the richer
// agent_failed event.
func (st *Store) UpdateAgentStatus(id, agentID string, status models.AgentStatus, errMsg string, retryCount int) error {
	if status == models.AgentFailed {
		return fmt.Errorf("%w: failed transitions go through FailAgent", ErrInvalidTransition)
	}
	return st.withSession(id, func(s *state) error {
		agent, ok := s.agents[agentID]
		if !ok {
			return ErrAgentNotFound
		}
		if !models.ValidAgentTransition(agent.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, agent.Status, status)
		}
		if agent.Status == status {
			return nil
		}
		now := time.Now().UTC()
		agent.Status = status
		agent.Error = errMsg
		agent.RetryCount = retryCount
		agent.UpdatedAt = now
		agent.LastActivity = now
		s.touch(now)
		s.emit(events.EventAgentStatusChange, events.AgentStatusPayload{
			AgentID:    agentID,
			Status:     status,
			Error:      errMsg,
			RetryCount: retryCount,
		})
		if status.Terminal() {
			s.cond.Broadcast()
		}
		return nil
	})
}

// FailAgent moves an agent to failed and logs agent_failed with the failure
// classification and attempt count.
func (st *Store) FailAgent(id, agentID, errMsg string, failure models.FailureType, attempts int) error {
	return st.withSession(id, func(s *state) error {
		agent, ok := s.agents[agentID]
		if !ok {
			return ErrAgentNotFound
		}
		if !models.ValidAgentTransition(agent.Status, models.AgentFailed) {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, agent.Status)
		}
		now := time.Now().UTC()
		agent.Status = models.AgentFailed
		agent.Error = errMsg
		agent.RetryCount = attempts
		agent.UpdatedAt = now
		agent.LastActivity = now
		s.touch(now)
		s.emit(events.EventAgentFailed, events.AgentFailedPayload{
			AgentID:   agentID,
			Error:     errMsg,
			ErrorType: failure,
			Attempts:  attempts,
		})
		s.cond.Broadcast()
		return nil
	})
}

// AddToolCall appends a tool call to an agent and logs tool_call. Tool call
// ids must be unique within the agent.
func (st *Store) AddToolCall(id, agentID string, call *models.ToolCall) error {
	return st.withSession(id, func(s *state) error {
		agent, ok := s.agents[agentID]
		if !ok {
			return ErrAgentNotFound
		}
		for _, existing := range agent.ToolCalls {
			if existing.ID == call.ID {
				return fmt.Errorf("%w: %s", ErrDuplicateToolCall, call.ID)
			}
		}
		now := time.Now().UTC()
		agent.ToolCalls = append(agent.ToolCalls, call)
		agent.UpdatedAt = now
		agent.LastActivity = now
		s.touch(now)
		s.emit(events.EventToolCall, events.ToolCallPayload{
			AgentID:     agentID,
			ToolCallID:  call.ID,
			ToolName:    call.ToolName,
			Input:       call.Input,
			StepNumber:  call.StepNumber,
			IndexInStep: call.IndexInStep,
			StartedAt:   call.StartedAt.Format(time.RFC3339Nano),
			Description: call.Description,
		})
		return nil
	})
}

// UpdateToolCall finishes a tool call exactly once and logs tool_result.
func (st *Store) UpdateToolCall(id, agentID, callID string, status models.ToolCallStatus, result json.RawMessage) error {
	return st.withSession(id, func(s *state) error {
		agent, ok := s.agents[agentID]
		if !ok {
			return ErrAgentNotFound
		}
		var call *models.ToolCall
		for _, existing := range agent.ToolCalls {
			if existing.ID == callID {
				call = existing
				break
			}
		}
		if call == nil {
			return fmt.Errorf("tool call %s not found on %s", callID, agentID)
		}
		if call.Terminal() {
			return ErrToolCallFinished
		}
		now := time.Now().UTC()
		call.Finish(status, result, now)
		agent.UpdatedAt = now
		agent.LastActivity = now
		s.touch(now)
		s.emit(events.EventToolResult, events.ToolResultPayload{
			AgentID:     agentID,
			ToolCallID:  call.ID,
			ToolName:    call.ToolName,
			Status:      call.Status,
			Result:      call.Result,
			StartedAt:   call.StartedAt.Format(time.RFC3339Nano),
			CompletedAt: now.Format(time.RFC3339Nano),
			Duration:    call.DurationMs,
			StepNumber:  call.StepNumber,
			IndexInStep: call.IndexInStep,
		})
		return nil
	})
}

// AddOrchestratorStep records one orchestrator LLM turn and logs
// orchestrator_step with the tool calls it requested.
func (st *Store) AddOrchestratorStep(id string, stepNumber int, calls []events.StepToolCall) error {
	return st.withSession(id, func(s *state) error {
		s.stepCount = stepNumber
		s.touch(time.Now().UTC())
		s.emit(events.EventOrchestratorStep, events.OrchestratorStepPayload{
			StepNumber: stepNumber,
			ToolCalls:  calls,
		})
		return nil
	})
}

// UpdatePlan replaces or extends the plan, assigning step ids (step_N) and
// timestamps to the new entries, and logs plan_update with the whole plan.
func (st *Store) UpdatePlan(id string, steps []*models.PlanStep, replace bool) ([]*models.PlanStep, error) {
	var out []*models.PlanStep
	err := st.withSession(id, func(s *state) error {
		now := time.Now().UTC()
		incoming := make([]*models.PlanStep, 0, len(steps))
		for _, step := range steps {
			s.planSeq++
			cp := *step
			cp.ID = fmt.Sprintf("step_%d", s.planSeq)
			if cp.Status == "" {
				cp.Status = models.PlanStepPending
			}
			cp.CreatedAt = now
			cp.UpdatedAt = now
			cp.Order = s.planSeq
			incoming = append(incoming, &cp)
		}
		if replace {
			s.plan = incoming
		} else {
			s.plan = append(s.plan, incoming...)
		}
		s.touch(now)
		out = clonePlan(s.plan)
		s.emit(events.EventPlanUpdate, events.PlanUpdatePayload{
			Steps:      out,
			TotalSteps: len(out),
		})
		return nil
	})
	return out, err
}

// SetStrategicPerspective stores the planner output on the session. The
// enclosing tool's result event covers this mutation; no event of its own.
func (st *Store) SetStrategicPerspective(id, perspective, reasoning string) error {
	return st.withSession(id, func(s *state) error {
		s.strategic = perspective
		s.reasoning = reasoning
		s.touch(time.Now().UTC())
		return nil
	})
}

// PlanDocument assembles the on-disk plan file content from session state.
func (st *Store) PlanDocument(id string) (*models.PlanDocument, error) {
	var doc *models.PlanDocument
	err := st.withSession(id, func(s *state) error {
		doc = &models.PlanDocument{
			SessionID:            s.id,
			Created:              s.createdAt,
			Updated:              s.updatedAt,
			Query:                s.query,
			ClarificationContext: s.clarification,
			StrategicPerspective: s.strategic,
			Reasoning:            s.reasoning,
			Steps:                clonePlan(s.plan),
		}
		return nil
	})
	return doc, err
}

// Agent returns a deep copy of one agent.
func (st *Store) Agent(id, agentID string) (*models.Agent, error) {
	var agent *models.Agent
	err := st.withSession(id, func(s *state) error {
		a, ok := s.agents[agentID]
		if !ok {
			return ErrAgentNotFound
		}
		agent = cloneAgent(a)
		return nil
	})
	return agent, err
}

// WaitForAgents blocks until every named agent is terminal, the timeout
// elapses, or ctx is cancelled. It returns agent snapshots in the requested
// order plus whether all of them finished. On timeout the last known
// statuses are still returned with allDone=false.
func (st *Store) WaitForAgents(ctx context.Context, id string, agentIDs []string, timeout time.Duration) ([]*models.Agent, bool, error) {
	s, err := st.lookup(id)
	if err != nil {
		return nil, false, err
	}

	deadline := time.Now().Add(timeout)
	wakeup := time.AfterFunc(timeout, s.cond.Broadcast)
	defer wakeup.Stop()
	stop := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, agentID := range agentIDs {
		if _, ok := s.agents[agentID]; !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
	}

	for {
		allDone := true
		for _, agentID := range agentIDs {
			if !s.agents[agentID].Status.Terminal() {
				allDone = false
				break
			}
		}
		snap := make([]*models.Agent, 0, len(agentIDs))
		for _, agentID := range agentIDs {
			snap = append(snap, cloneAgent(s.agents[agentID]))
		}
		switch {
		case allDone:
			return snap, true, nil
		case ctx.Err() != nil:
			return snap, false, ctx.Err()
		case !time.Now().Before(deadline):
			return snap, false, nil
		}
		s.cond.Wait()
	}
}

// CleanupOld removes terminal sessions untouched for longer than maxAge and
// returns their ids.
func (st *Store) CleanupOld(maxAge time.Duration) []string {
	cutoff := time.Now().UTC().Add(-maxAge)

	st.mu.Lock()
	defer st.mu.Unlock()

	var removed []string
	for id, s := range st.sessions {
		s.mu.Lock()
		old := s.status.Terminal() && s.updatedAt.Before(cutoff)
		s.mu.Unlock()
		if old {
			delete(st.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		st.logger.Info("Removed old sessions", "count", len(removed))
	}
	return removed
}

// Remove deletes a session outright, closing its stream.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.stream.Close()
	return true
}

// Close shuts every session's stream down and fires pending cancellations.
func (st *Store) Close() {
	st.mu.Lock()
	sessions := make([]*state, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		cancel := s.cancel
		s.cancel = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.stream.Close()
	}
}
