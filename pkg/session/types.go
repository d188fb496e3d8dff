// Package session holds the authoritative in-memory state of every research
// run and its event stream.
//
// The store map is guarded by a short-held read-write lock; each session has
// its own mutex guarding state. Every mutation appends its event while the
// session mutex is held, so the log order always matches mutation order.
// Event delivery itself never blocks (see pkg/events).
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/models"
)

// Store operation errors.
var (
	ErrNotFound          = errors.New("session not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentLimit        = errors.New("agent limit reached")
	ErrTerminal          = errors.New("session is terminal")
	ErrInvalidTransition = errors.New("invalid agent status transition")
	ErrDuplicateToolCall = errors.New("duplicate tool call id")
	ErrToolCallFinished  = errors.New("tool call already terminal")
)

// state is one live session. All fields are guarded by mu. cond broadcasts
// whenever an agent or the session reaches a terminal status, waking
// WaitForAgents callers.
type state struct {
	mu   sync.Mutex
	cond *sync.Cond

	id            string
	query         string
	clarification string
	models        models.ModelSelection
	keys          models.APIKeys

	status       models.SessionStatus
	sessionError string
	strategic    string
	reasoning    string
	createdAt    time.Time
	updatedAt    time.Time

	agents     map[string]*models.Agent
	agentOrder []string
	agentSeq   int

	plan    []*models.PlanStep
	planSeq int

	stepCount int

	stream *events.Stream
	cancel context.CancelFunc
}

// touch bumps the session's updated timestamp.
func (s *state) touch(now time.Time) {
	s.updatedAt = now
}

// emit appends an event while s.mu is held by the caller.
func (s *state) emit(eventType string, payload any) {
	s.stream.Append(events.New(eventType, payload))
}

// agentCount returns the number of spawned agents, excluding the
// orchestrator pseudo-agent.
func (s *state) agentCount() int {
	n := len(s.agents)
	if _, ok := s.agents[models.OrchestratorAgentID]; ok {
		n--
	}
	return n
}

// cloneAgent deep-copies an agent for snapshots. Raw JSON payloads are
// shared; both sides treat them as immutable.
func cloneAgent(a *models.Agent) *models.Agent {
	out := *a
	out.ToolCalls = make([]*models.ToolCall, len(a.ToolCalls))
	for i, tc := range a.ToolCalls {
		cp := *tc
		if tc.CompletedAt != nil {
			at := *tc.CompletedAt
			cp.CompletedAt = &at
		}
		out.ToolCalls[i] = &cp
	}
	return &out
}

// clonePlan deep-copies the plan steps.
func clonePlan(steps []*models.PlanStep) []*models.PlanStep {
	out := make([]*models.PlanStep, len(steps))
	for i, step := range steps {
		cp := *step
		cp.AgentIDs = append([]string(nil), step.AgentIDs...)
		out[i] = &cp
	}
	return out
}

// snapshotLocked builds a consistent deep copy. Caller holds s.mu.
func (s *state) snapshotLocked() *models.Session {
	agents := make([]*models.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		agents = append(agents, cloneAgent(s.agents[id]))
	}
	return &models.Session{
		ID:            s.id,
		Query:         s.query,
		Clarification: s.clarification,
		Models:        s.models,
		Status:        s.status,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
		Agents:        agents,
		PlanSteps:     clonePlan(s.plan),
		EventCount:    s.stream.Len(),
		Error:         s.sessionError,
	}
}
