package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/prompt"
	"github.com/fathomlabs/fathom/pkg/sandbox"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/session"
	"github.com/fathomlabs/fathom/pkg/tools"
	"github.com/fathomlabs/fathom/pkg/workspace"
)

// minResultsContent is the minimum number of characters results.md must
// carry beyond its header for an attempt to count as valid. A quality gate,
// not a correctness gate.
const minResultsContent = 100

// llmCallAttempts is how many times a single model call is retried on
// transient provider failure before the attempt is abandoned.
const llmCallAttempts = 3

// SubAgentConfig wires one research sub-agent.
type SubAgentConfig struct {
	Store     *session.Store
	Workspace *workspace.Manager
	SessionID string
	AgentID   string
	Task      string

	// ContextFiles maps display names to contents; rendered as one
	// system message ahead of the task.
	ContextFiles map[string]string

	Client      llm.Client
	Model       string // sub-agent role model
	Summarizer  tools.Summarizer
	MaxTokens   int
	Temperature float64

	Search         search.Provider
	Sandbox        sandbox.Provider
	SandboxTimeout time.Duration

	StepCap     int // model turns per attempt
	MaxAttempts int

	Logger *slog.Logger
}

// SubAgent executes a single research task to completion, producing
// results.md in its working directory. Run always leaves the agent in a
// terminal status.
type SubAgent struct {
	cfg    *SubAgentConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending []llm.Message // multimodal messages queued by view_image
}

// NewSubAgent builds a sub-agent. The agent's working directory must exist
// (spawn_agent creates it).
func NewSubAgent(cfg *SubAgentConfig) *SubAgent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubAgent{
		cfg:    cfg,
		logger: logger.With("component", "sub_agent", "session_id", cfg.SessionID, "agent_id", cfg.AgentID),
	}
}

// Run drives the task end to end: seed working files, loop the model with
// the sub-agent tool catalog, validate results.md, retry up to MaxAttempts
// with a validation-failure message, then transition to a terminal status.
func (a *SubAgent) Run(ctx context.Context) {
	cfg := a.cfg

	if err := cfg.Store.UpdateAgentStatus(cfg.SessionID, cfg.AgentID, models.AgentRunning, "", 0); err != nil {
		a.logger.Error("Failed to mark agent running", "error", err)
		return
	}
	if err := a.seedFiles(); err != nil {
		a.fail(fmt.Sprintf("failed to initialise working files: %s", err), models.FailureUnknown, 0)
		return
	}

	limits := tools.DefaultBudgets()
	budget := tools.NewBudget(limits)
	registry := a.buildRegistry()
	messages := a.seedMessages()

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := RunLoop(ctx, &LoopConfig{
			Store:       cfg.Store,
			SessionID:   cfg.SessionID,
			AgentID:     cfg.AgentID,
			Client:      cfg.Client,
			Model:       cfg.Model,
			System:      subAgentSystem(limits),
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			LLMAttempts: llmCallAttempts,
			Registry:    registry,
			Budget:      budget,
			MaxSteps:    cfg.StepCap,
			Inject:      a.drainPending,
			Logger:      a.logger,
		}, messages)
		if err != nil {
			if ctx.Err() != nil {
				a.fail("cancelled", models.FailureUnknown, attempt)
				return
			}
			a.fail(fmt.Sprintf("model call failed: %s", err), llm.ClassifyError(err), attempt)
			return
		}
		a.logger.Info("Attempt finished", "attempt", attempt, "steps", res.Steps, "tool_calls", res.ToolCallCount)

		reason, ok := a.validateResults()
		if ok {
			a.complete(attempt)
			return
		}
		a.logger.Warn("Results validation failed", "attempt", attempt, "reason", reason)
		if attempt == maxAttempts {
			a.fail(fmt.Sprintf("results validation failed after %d attempts: %s", maxAttempts, reason), models.FailureUnknown, attempt)
			return
		}

		// Surface the retry to subscribers, then resume the conversation
		// with the validation failure injected as a system message.
		if err := cfg.Store.UpdateAgentStatus(cfg.SessionID, cfg.AgentID, models.AgentRetrying, reason, attempt); err != nil {
			a.logger.Warn("Failed to mark agent retrying", "error", err)
		}
		if err := cfg.Store.UpdateAgentStatus(cfg.SessionID, cfg.AgentID, models.AgentRunning, "", attempt); err != nil {
			a.logger.Warn("Failed to resume agent from retrying", "error", err)
		}
		messages = append(res.Messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: prompt.ValidationFailed(attempt, reason),
		})
	}
}

// buildRegistry assembles the sub-agent tool catalog.
func (a *SubAgent) buildRegistry() *tools.Registry {
	cfg := a.cfg
	resolve := func(p string) (string, error) {
		return cfg.Workspace.ResolveAgent(cfg.SessionID, cfg.AgentID, p)
	}
	return tools.NewRegistry(
		tools.NewWebSearch(cfg.Search, cfg.Summarizer),
		tools.NewAgentFile(cfg.Workspace, cfg.SessionID, cfg.AgentID),
		tools.NewCodeInterpreter(cfg.Sandbox, cfg.Workspace.ChartsDir(cfg.SessionID, cfg.AgentID), cfg.SandboxTimeout),
		tools.NewViewImage(resolve, a.attachImage),
	)
}

func subAgentSystem(limits map[string]int) string {
	return prompt.SubAgentSystem(prompt.Budgets{
		WebSearch:       limits[tools.NameWebSearch],
		File:            limits[tools.NameFile],
		CodeInterpreter: limits[tools.NameCodeInterpreter],
		ViewImage:       limits[tools.NameViewImage],
	})
}

// seedFiles writes the initial worklog and the results placeholder.
func (a *SubAgent) seedFiles() error {
	cfg := a.cfg
	dir := cfg.Workspace.AgentDir(cfg.SessionID, cfg.AgentID)
	worklog := fmt.Sprintf("# Worklog — %s\n\nTask: %s\n", cfg.AgentID, cfg.Task)
	if err := os.WriteFile(filepath.Join(dir, workspace.WorklogFile), []byte(worklog), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, workspace.ResultsFile), []byte(prompt.ResultsPlaceholder()), 0o644)
}

// seedMessages builds the initial conversation: optional context files as a
// system message, then the task as the user message.
func (a *SubAgent) seedMessages() []llm.Message {
	var messages []llm.Message
	if len(a.cfg.ContextFiles) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: prompt.ContextFiles(a.cfg.ContextFiles),
		})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: a.cfg.Task})
}

// attachImage queues a multimodal user message for the next model turn.
// Called by the view_image tool.
func (a *SubAgent) attachImage(img llm.ImageData, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, llm.Message{
		Role:    llm.RoleUser,
		Content: text,
		Images:  []llm.ImageData{img},
	})
}

// drainPending pops queued multimodal messages. Wired as the loop's Inject
// hook so attachments land between turns, never inside a tool round.
func (a *SubAgent) drainPending() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

// validateResults checks that results.md carries real findings: not the
// placeholder, and at least minResultsContent characters beyond the leading
// header.
func (a *SubAgent) validateResults() (reason string, ok bool) {
	cfg := a.cfg
	path := filepath.Join(cfg.Workspace.AgentDir(cfg.SessionID, cfg.AgentID), workspace.ResultsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "results.md is missing", false
	}
	content := string(data)
	if content == prompt.ResultsPlaceholder() {
		return "results.md still contains only the placeholder", false
	}

	body := content
	if strings.HasPrefix(strings.TrimLeft(body, "\n"), "#") {
		trimmed := strings.TrimLeft(body, "\n")
		if _, rest, found := strings.Cut(trimmed, "\n"); found {
			body = rest
		} else {
			body = ""
		}
	}
	if len(strings.TrimSpace(body)) < minResultsContent {
		return fmt.Sprintf("results.md has fewer than %d characters of findings", minResultsContent), false
	}
	return "", true
}

// complete moves the agent to completed and persists status.json.
func (a *SubAgent) complete(attempts int) {
	cfg := a.cfg
	if err := cfg.Store.UpdateAgentStatus(cfg.SessionID, cfg.AgentID, models.AgentCompleted, "", attempts-1); err != nil {
		a.logger.Error("Failed to mark agent completed", "error", err)
		return
	}
	a.writeStatusFile(models.AgentCompleted, "")
	a.logger.Info("Agent completed", "attempts", attempts)
}

// fail moves the agent to failed, emitting agent_failed with the failure
// classification, and persists status.json.
func (a *SubAgent) fail(errMsg string, failure models.FailureType, attempts int) {
	cfg := a.cfg
	if err := cfg.Store.FailAgent(cfg.SessionID, cfg.AgentID, errMsg, failure, attempts); err != nil {
		a.logger.Error("Failed to mark agent failed", "error", err)
		return
	}
	a.writeStatusFile(models.AgentFailed, errMsg)
	a.logger.Warn("Agent failed", "error", errMsg, "failure", string(failure), "attempts", attempts)
}

// writeStatusFile persists the terminal status next to the agent's results.
func (a *SubAgent) writeStatusFile(status models.AgentStatus, errMsg string) {
	cfg := a.cfg
	doc := struct {
		AgentID     string             `json:"agent_id"`
		Status      models.AgentStatus `json:"status"`
		Error       string             `json:"error,omitempty"`
		CompletedAt time.Time          `json:"completed_at"`
	}{cfg.AgentID, status, errMsg, time.Now().UTC()}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		a.logger.Warn("Failed to render status file", "error", err)
		return
	}
	path := filepath.Join(cfg.Workspace.AgentDir(cfg.SessionID, cfg.AgentID), workspace.StatusFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		a.logger.Warn("Failed to write status file", "error", err)
	}
}
