package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/prompt"
	"github.com/fathomlabs/fathom/pkg/sandbox"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/session"
	"github.com/fathomlabs/fathom/pkg/tools"
	"github.com/fathomlabs/fathom/pkg/workspace"
)

// OrchestratorConfig wires one session's orchestrator.
type OrchestratorConfig struct {
	Store     *session.Store
	Workspace *workspace.Manager
	SessionID string

	Query         string
	Clarification string

	Client      llm.Client
	Models      models.ModelSelection
	MaxTokens   int
	Temperature float64

	Search         search.Provider
	Sandbox        sandbox.Provider
	SandboxTimeout time.Duration

	MaxAgents           int
	StepCap             int
	SubAgentStepCap     int
	SubAgentMaxAttempts int
	WaitTimeout         time.Duration // default wait_for_agents timeout

	Logger *slog.Logger
}

// Orchestrator drives the top-level LLM loop: plan, delegate to sub-agents,
// collect results, write the final report. It records its own tool calls
// against the "orchestrator" pseudo-agent and always leaves the session in
// a terminal status.
type Orchestrator struct {
	cfg    *OrchestratorConfig
	logger *slog.Logger

	mu         sync.Mutex
	agentTasks map[string]string             // agentID -> task
	cancels    map[string]context.CancelFunc // running sub-agent cancellations
	executing  bool
	reported   bool

	wg      sync.WaitGroup
	worklog *os.File
}

// NewOrchestrator builds an orchestrator for an initialised session
// workspace.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator", "session_id", cfg.SessionID),
		agentTasks: make(map[string]string),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run executes the session end to end and returns the final report text.
// A run that executed zero steps or dispatched zero tool calls is a
// failure: it means the provider never engaged the tool catalog.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	cfg := o.cfg

	if err := cfg.Store.UpdateSessionStatus(cfg.SessionID, models.SessionPlanning); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	o.openWorklog()
	defer o.closeWorklog()

	registry := tools.NewRegistry(
		o.generatePlanTool(),
		o.spawnAgentTool(ctx),
		o.waitForAgentsTool(),
		o.getAgentResultTool(),
		o.updatePlanTool(),
		o.writeReportTool(),
		tools.NewSessionFile(cfg.Workspace, cfg.SessionID),
	)

	res, err := RunLoop(ctx, &LoopConfig{
		Store:       cfg.Store,
		SessionID:   cfg.SessionID,
		AgentID:     models.OrchestratorAgentID,
		Client:      cfg.Client,
		Model:       cfg.Models.Orchestrator,
		System:      prompt.OrchestratorSystem(cfg.MaxAgents),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		LLMAttempts: llmCallAttempts,
		Registry:    registry,
		MaxSteps:    cfg.StepCap,
		RecordStep:  true,
		OnText:      o.appendWorklog,
		Logger:      o.logger,
	}, []llm.Message{{Role: llm.RoleUser, Content: prompt.PlannerUser(cfg.Query, cfg.Clarification)}})

	// Whatever happened above, no sub-agent may outlive the run.
	o.cancelAgents()
	o.wg.Wait()

	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "cancelled"
		}
		o.failSession(msg)
		return "", err
	}
	if res.Steps == 0 || res.ToolCallCount == 0 {
		err := errors.New("orchestrator produced no tool calls")
		o.failSession(err.Error())
		return "", err
	}

	o.logger.Info("Orchestrator finished", "steps", res.Steps, "tool_calls", res.ToolCallCount, "report_written", o.reportWritten())

	if err := cfg.Store.UpdateAgentStatus(cfg.SessionID, models.OrchestratorAgentID, models.AgentCompleted, "", 0); err != nil {
		o.logger.Warn("Failed to complete orchestrator pseudo-agent", "error", err)
	}
	if err := cfg.Store.UpdateSessionStatus(cfg.SessionID, models.SessionCompleted); err != nil {
		o.logger.Warn("Failed to complete session", "error", err)
	}

	report, readErr := os.ReadFile(cfg.Workspace.ReportPath(cfg.SessionID))
	if readErr != nil {
		return "", nil
	}
	return string(report), nil
}

// failSession transitions the session to failed with a final error event.
func (o *Orchestrator) failSession(msg string) {
	err := o.cfg.Store.FailSession(o.cfg.SessionID, events.ErrorSourceOrchestrator, models.OrchestratorAgentID, msg)
	if err != nil && !errors.Is(err, session.ErrTerminal) {
		o.logger.Error("Failed to fail session", "error", err)
	}
}

// markExecuting flips the session to executing on the first spawn.
func (o *Orchestrator) markExecuting() {
	o.mu.Lock()
	first := !o.executing
	o.executing = true
	o.mu.Unlock()
	if !first {
		return
	}
	if err := o.cfg.Store.UpdateSessionStatus(o.cfg.SessionID, models.SessionExecuting); err != nil {
		o.logger.Warn("Failed to mark session executing", "error", err)
	}
}

// registerAgent tracks a spawned sub-agent and its cancellation.
func (o *Orchestrator) registerAgent(agentID, task string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.agentTasks[agentID] = task
	o.cancels[agentID] = cancel
	o.mu.Unlock()
}

// releaseAgent drops a finished sub-agent's cancellation hook.
func (o *Orchestrator) releaseAgent(agentID string) {
	o.mu.Lock()
	delete(o.cancels, agentID)
	o.mu.Unlock()
}

// cancelAgents aborts every still-running sub-agent.
func (o *Orchestrator) cancelAgents() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for _, cancel := range o.cancels {
		cancels = append(cancels, cancel)
	}
	o.cancels = make(map[string]context.CancelFunc)
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (o *Orchestrator) setReportWritten() {
	o.mu.Lock()
	o.reported = true
	o.mu.Unlock()
}

func (o *Orchestrator) reportWritten() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reported
}

// openWorklog creates the orchestrator's worklog. The file accumulates the
// assistant's streamed text as an audit trail; nothing reads it back.
func (o *Orchestrator) openWorklog() {
	path := o.cfg.Workspace.OrchestratorWorklogPath(o.cfg.SessionID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.logger.Warn("Failed to open orchestrator worklog", "error", err)
		return
	}
	header := fmt.Sprintf("# Orchestrator Worklog\n\nQuery: %s\n\n", o.cfg.Query)
	if _, err := f.WriteString(header); err != nil {
		o.logger.Warn("Failed to write worklog header", "error", err)
	}
	o.mu.Lock()
	o.worklog = f
	o.mu.Unlock()
}

func (o *Orchestrator) appendWorklog(delta string) {
	o.mu.Lock()
	f := o.worklog
	o.mu.Unlock()
	if f == nil {
		return
	}
	if _, err := f.WriteString(delta); err != nil {
		o.logger.Debug("Worklog write failed", "error", err)
	}
}

func (o *Orchestrator) closeWorklog() {
	o.mu.Lock()
	f := o.worklog
	o.worklog = nil
	o.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}
