package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/prompt"
	"github.com/fathomlabs/fathom/pkg/session"
	"github.com/fathomlabs/fathom/pkg/tools"
	"github.com/fathomlabs/fathom/pkg/workspace"
)

const generatePlanSchema = `{
	"type": "object",
	"properties": {
		"description": {"type": "string", "description": "One sentence on what you want the plan to cover"}
	},
	"required": ["description"]
}`

const spawnAgentSchema = `{
	"type": "object",
	"properties": {
		"task": {"type": "string", "description": "Complete, self-contained research task for the agent"},
		"description": {"type": "string", "description": "Short label for the task, shown in the UI"},
		"context_files": {"type": "array", "items": {"type": "string"}, "description": "Session-relative paths of files to hand the agent as background"}
	},
	"required": ["task"]
}`

const waitForAgentsSchema = `{
	"type": "object",
	"properties": {
		"agent_ids": {"type": "array", "items": {"type": "string"}, "description": "Agents to wait for"},
		"timeout_seconds": {"type": "integer", "description": "How long to wait before reporting current statuses (default 180)"}
	},
	"required": ["agent_ids"]
}`

const getAgentResultSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string", "description": "The agent whose results to collect"}
	},
	"required": ["agent_id"]
}`

const updatePlanSchema = `{
	"type": "object",
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]},
					"agent_ids": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["description"]
			}
		},
		"mode": {"type": "string", "enum": ["replace", "append"], "description": "Replace the whole plan or append to it (default replace)"}
	},
	"required": ["steps"]
}`

const writeReportSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The original research query"},
		"clarification": {"type": "string", "description": "Clarification context, if any"},
		"agent_results": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"agent_id": {"type": "string"},
					"task": {"type": "string"}
				},
				"required": ["agent_id", "task"]
			}
		}
	},
	"required": ["query", "agent_results"]
}`

// generatePlanTool invokes the planner model and stores its strategic
// perspective on the session and in orchestrator_plan.json.
func (o *Orchestrator) generatePlanTool() tools.Tool {
	return &tools.Func{
		Def: llm.ToolDefinition{
			Name:             tools.NameGeneratePlan,
			Description:      "Generate a strategic research plan for the query. Call this first.",
			ParametersSchema: generatePlanSchema,
		},
		Run: func(ctx context.Context, arguments string) (json.RawMessage, error) {
			cfg := o.cfg
			resp, err := llm.Call(ctx, cfg.Client, &llm.ChatRequest{
				Model:     cfg.Models.Planner,
				System:    prompt.PlannerSystem(),
				Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt.PlannerUser(cfg.Query, cfg.Clarification)}},
				MaxTokens: cfg.MaxTokens,
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, models.NewToolError(models.ErrAPIError,
					fmt.Sprintf("planner call failed: %s", err),
					"Try generate_plan again, or proceed with your own task decomposition.", true)
			}
			perspective := strings.TrimSpace(resp.Text)
			if perspective == "" {
				return nil, models.NewToolError(models.ErrAPIError,
					"the planner returned no text",
					"Try generate_plan again, or proceed with your own task decomposition.", true)
			}

			if err := cfg.Store.SetStrategicPerspective(cfg.SessionID, perspective, resp.Thinking); err != nil {
				return nil, fmt.Errorf("failed to store strategic perspective: %w", err)
			}
			if err := o.writePlanFile(); err != nil {
				o.logger.Warn("Failed to write plan file", "error", err)
			}
			return json.Marshal(map[string]string{"strategic_perspective": perspective})
		},
	}
}

// spawnAgentTool allocates the next agent id, prepares its workspace and
// starts the sub-agent as a background task under runCtx, so agents outlive
// the tool call but never the orchestrator run.
func (o *Orchestrator) spawnAgentTool(runCtx context.Context) tools.Tool {
	return &tools.Func{
		Def: llm.ToolDefinition{
			Name:             tools.NameSpawnAgent,
			Description:      "Spawn a research agent to work on a self-contained task in parallel.",
			ParametersSchema: spawnAgentSchema,
		},
		Run: func(ctx context.Context, arguments string) (json.RawMessage, error) {
			var in struct {
				Task         string   `json:"task"`
				Description  string   `json:"description"`
				ContextFiles []string `json:"context_files"`
			}
			if err := llm.DecodeArguments(arguments, &in); err != nil {
				return nil, models.NewToolError(models.ErrValidationFailed,
					fmt.Sprintf("invalid spawn_agent arguments: %s", err),
					"Provide valid JSON arguments with a task.", true)
			}
			if strings.TrimSpace(in.Task) == "" {
				return nil, models.NewToolError(models.ErrValidationFailed,
					"task is required", "Provide the research task for the agent.", true)
			}

			contextFiles, terr := o.readContextFiles(in.ContextFiles)
			if terr != nil {
				return nil, terr
			}

			cfg := o.cfg
			agentID, err := cfg.Store.AddAgent(cfg.SessionID, in.Task, in.Description, cfg.MaxAgents)
			if err != nil {
				if errors.Is(err, session.ErrAgentLimit) {
					return nil, models.NewToolError(models.ErrAgentLimitReached,
						fmt.Sprintf("the session limit of %d agents is reached", cfg.MaxAgents),
						"Wait for running agents and reuse their results instead of spawning more.", false)
				}
				return nil, fmt.Errorf("failed to register agent: %w", err)
			}
			if _, err := cfg.Workspace.InitAgent(cfg.SessionID, agentID); err != nil {
				return nil, fmt.Errorf("failed to create agent workspace: %w", err)
			}

			o.markExecuting()

			sub := NewSubAgent(&SubAgentConfig{
				Store:          cfg.Store,
				Workspace:      cfg.Workspace,
				SessionID:      cfg.SessionID,
				AgentID:        agentID,
				Task:           in.Task,
				ContextFiles:   contextFiles,
				Client:         cfg.Client,
				Model:          cfg.Models.SubAgent,
				Summarizer:     tools.NewLLMSummarizer(cfg.Client, cfg.Models.Summarizer),
				MaxTokens:      cfg.MaxTokens,
				Temperature:    cfg.Temperature,
				Search:         cfg.Search,
				Sandbox:        cfg.Sandbox,
				SandboxTimeout: cfg.SandboxTimeout,
				StepCap:        cfg.SubAgentStepCap,
				MaxAttempts:    cfg.SubAgentMaxAttempts,
				Logger:         o.logger,
			})

			agentCtx, cancel := context.WithCancel(runCtx)
			o.registerAgent(agentID, in.Task, cancel)
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				defer cancel()
				defer o.releaseAgent(agentID)
				sub.Run(agentCtx)
			}()

			o.logger.Info("Spawned agent", "agent_id", agentID)
			return json.Marshal(map[string]string{"agent_id": agentID, "status": "spawned"})
		},
	}
}

// waitForAgentsTool blocks until the named agents are terminal or the
// timeout elapses. Statuses are reported in the requested order; a timeout
// is a normal result with success=false.
func (o *Orchestrator) waitForAgentsTool() tools.Tool {
	type agentStatus struct {
		AgentID string             `json:"agent_id"`
		Status  models.AgentStatus `json:"status"`
		Error   string             `json:"error,omitempty"`
	}
	return &tools.Func{
		Def: llm.ToolDefinition{
			Name:             tools.NameWaitForAgents,
			Description:      "Wait until the given agents finish, then report their statuses.",
			ParametersSchema: waitForAgentsSchema,
		},
		Run: func(ctx context.Context, arguments string) (json.RawMessage, error) {
			var in struct {
				AgentIDs       []string `json:"agent_ids"`
				TimeoutSeconds int      `json:"timeout_seconds"`
			}
			if err := llm.DecodeArguments(arguments, &in); err != nil {
				return nil, models.NewToolError(models.ErrValidationFailed,
					fmt.Sprintf("invalid wait_for_agents arguments: %s", err),
					"Provide valid JSON arguments with agent_ids.", true)
			}
			if len(in.AgentIDs) == 0 {
				return nil, models.NewToolError(models.ErrValidationFailed,
					"agent_ids is required", "List the agents to wait for.", true)
			}

			timeout := o.cfg.WaitTimeout
			if in.TimeoutSeconds > 0 {
				timeout = time.Duration(in.TimeoutSeconds) * time.Second
			}

			agents, allDone, err := o.cfg.Store.WaitForAgents(ctx, o.cfg.SessionID, in.AgentIDs, timeout)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if errors.Is(err, session.ErrAgentNotFound) {
					return nil, models.NewToolError(models.ErrAgentNotFound,
						err.Error(), "Wait only for agents you spawned in this session.", false)
				}
				return nil, fmt.Errorf("wait failed: %w", err)
			}

			statuses := make([]agentStatus, len(agents))
			for i, a := range agents {
				statuses[i] = agentStatus{AgentID: a.ID, Status: a.Status, Error: a.Error}
			}
			return json.Marshal(map[string]any{
				"success": allDone,
				"agents":  statuses,
			})
		},
	}
}

// getAgentResultTool reads a terminal agent's results, copies them with any
// chart artifacts into the shared artifacts directory, and returns the text
// plus artifact paths.
func (o *Orchestrator) getAgentResultTool() tools.Tool {
	return &tools.Func{
		Def: llm.ToolDefinition{
			Name:             tools.NameGetAgentResult,
			Description:      "Collect a finished agent's results and chart artifacts.",
			ParametersSchema: getAgentResultSchema,
		},
		Run: func(ctx context.Context, arguments string) (json.RawMessage, error) {
			var in struct {
				AgentID string `json:"agent_id"`
			}
			if err := llm.DecodeArguments(arguments, &in); err != nil || in.AgentID == "" {
				return nil, models.NewToolError(models.ErrValidationFailed,
					"agent_id is required", "Name the agent whose results you want.", true)
			}

			cfg := o.cfg
			agent, err := cfg.Store.Agent(cfg.SessionID, in.AgentID)
			if err != nil {
				return nil, models.NewToolError(models.ErrAgentNotFound,
					fmt.Sprintf("agent %q does not exist", in.AgentID),
					"Use an agent id returned by spawn_agent.", false)
			}
			if !agent.Status.Terminal() {
				return nil, models.NewToolError(models.ErrAgentNotReady,
					fmt.Sprintf("agent %s is still %s", in.AgentID, agent.Status),
					"Call wait_for_agents first, then collect the result.", true)
			}

			resultsPath := filepath.Join(cfg.Workspace.AgentDir(cfg.SessionID, in.AgentID), workspace.ResultsFile)
			results, err := os.ReadFile(resultsPath)
			if err != nil {
				return nil, models.NewToolError(models.ErrFileNotFound,
					fmt.Sprintf("agent %s produced no results file", in.AgentID),
					"Proceed without this agent's findings.", false)
			}

			charts, err := cfg.Workspace.ChartFiles(cfg.SessionID, in.AgentID)
			if err != nil {
				return nil, fmt.Errorf("failed to list charts: %w", err)
			}
			srcs := []string{resultsPath}
			for _, name := range charts {
				srcs = append(srcs, filepath.Join(cfg.Workspace.ChartsDir(cfg.SessionID, in.AgentID), name))
			}
			artifacts, err := cfg.Workspace.CopyToArtifacts(cfg.SessionID, in.AgentID, srcs)
			if err != nil {
				return nil, fmt.Errorf("failed to copy artifacts: %w", err)
			}

			return json.Marshal(map[string]any{
				"agent_id":  in.AgentID,
				"status":    agent.Status,
				"results":   string(results),
				"artifacts": artifacts,
			})
		},
	}
}

// updatePlanTool rewrites or extends the plan and refreshes the plan file.
func (o *Orchestrator) updatePlanTool() tools.Tool {
	return &tools.Func{
		Def: llm.ToolDefinition{
			Name:             tools.NameUpdatePlan,
			Description:      "Replace or extend the research plan steps.",
			ParametersSchema: updatePlanSchema,
		},
		Run: func(ctx context.Context, arguments string) (json.RawMessage, error) {
			var in struct {
				Steps []struct {
					Description string                `json:"description"`
					Status      models.PlanStepStatus `json:"status"`
					AgentIDs    []string              `json:"agent_ids"`
				} `json:"steps"`
				Mode string `json:"mode"`
			}
			if err := llm.DecodeArguments(arguments, &in); err != nil {
				return nil, models.NewToolError(models.ErrValidationFailed,
					fmt.Sprintf("invalid update_plan arguments: %s", err),
					"Provide valid JSON arguments with a steps array.", true)
			}
			if len(in.Steps) == 0 {
				return nil, models.NewToolError(models.ErrValidationFailed,
					"steps is required", "Provide at least one plan step.", true)
			}
			switch in.Mode {
			case "", "replace", "append":
			default:
				return nil, models.NewToolError(models.ErrValidationFailed,
					fmt.Sprintf("unknown mode %q", in.Mode), "Use replace or append.", true)
			}

			steps := make([]*models.PlanStep, len(in.Steps))
			for i, s := range in.Steps {
				steps[i] = &models.PlanStep{
					Description: s.Description,
					Status:      s.Status,
					AgentIDs:    s.AgentIDs,
				}
			}
			plan, err := o.cfg.Store.UpdatePlan(o.cfg.SessionID, steps, in.Mode != "append")
			if err != nil {
				return nil, fmt.Errorf("failed to update plan: %w", err)
			}
			if err := o.writePlanFile(); err != nil {
				o.logger.Warn("Failed to write plan file", "error", err)
			}
			return json.Marshal(map[string]int{"total_steps": len(plan)})
		},
	}
}

// writeReportTool invokes the report writer with a multimodal message (chart
// reference guide, inline chart images, concatenated agent findings) and
// persists its markdown verbatim. The tool result is a terse confirmation,
// never the report body, so the orchestrator cannot rewrite or truncate it.
func (o *Orchestrator) writeReportTool() tools.Tool {
	return &tools.Func{
		Def: llm.ToolDefinition{
			Name:             tools.NameWriteReport,
			Description:      "Compose and persist the final report from the collected agent results. Call exactly once, at the end.",
			ParametersSchema: writeReportSchema,
		},
		Run: func(ctx context.Context, arguments string) (json.RawMessage, error) {
			var in struct {
				Query         string           `json:"query"`
				Clarification string           `json:"clarification"`
				AgentResults  []reportAgentRef `json:"agent_results"`
			}
			if err := llm.DecodeArguments(arguments, &in); err != nil {
				return nil, models.NewToolError(models.ErrValidationFailed,
					fmt.Sprintf("invalid write_report arguments: %s", err),
					"Provide valid JSON arguments with query and agent_results.", true)
			}
			if len(in.AgentResults) == 0 {
				return nil, models.NewToolError(models.ErrValidationFailed,
					"agent_results is required",
					"List every agent whose findings should enter the report.", true)
			}

			charts, images := o.collectCharts(in.AgentResults)
			findings := o.collectFindings(in.AgentResults)

			var body strings.Builder
			body.WriteString(prompt.ChartReferenceGuide(charts))
			body.WriteString("\n## Research Query\n\n")
			body.WriteString(in.Query)
			if in.Clarification != "" {
				body.WriteString("\n\nClarification: ")
				body.WriteString(in.Clarification)
			}
			body.WriteString("\n\n## Agent Findings\n\n")
			body.WriteString(findings)
			body.WriteString("\n\n")
			body.WriteString(prompt.ReportFinalInstructions())

			cfg := o.cfg
			resp, err := llm.Call(ctx, cfg.Client, &llm.ChatRequest{
				Model:     cfg.Models.ReportWriter,
				System:    prompt.ReportWriterSystem(),
				Messages:  []llm.Message{{Role: llm.RoleUser, Content: body.String(), Images: images}},
				MaxTokens: cfg.MaxTokens,
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, models.NewToolError(models.ErrAPIError,
					fmt.Sprintf("report writer call failed: %s", err),
					"Try write_report again.", true)
			}
			report := strings.TrimSpace(resp.Text)
			if report == "" {
				return nil, models.NewToolError(models.ErrAPIError,
					"the report writer returned no text", "Try write_report again.", true)
			}

			if err := os.WriteFile(cfg.Workspace.ReportPath(cfg.SessionID), []byte(report+"\n"), 0o644); err != nil {
				return nil, fmt.Errorf("failed to persist report: %w", err)
			}
			o.setReportWritten()
			o.logger.Info("Report written", "chars", len(report), "charts", len(charts))

			return json.Marshal(map[string]any{
				"status": "report_written",
				"path":   workspace.ReportFile,
				"chars":  len(report),
			})
		},
	}
}

type reportAgentRef struct {
	AgentID string `json:"agent_id"`
	Task    string `json:"task"`
}

// collectCharts gathers every image from the named agents' artifacts
// directories, as both reference entries and inline image payloads, in
// listing order per agent.
func (o *Orchestrator) collectCharts(refs []reportAgentRef) ([]prompt.ChartRef, []llm.ImageData) {
	var charts []prompt.ChartRef
	var images []llm.ImageData
	for _, ref := range refs {
		dir := o.cfg.Workspace.ArtifactsDir(o.cfg.SessionID, ref.AgentID)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			var mediaType string
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".png":
				mediaType = "image/png"
			case ".jpg", ".jpeg":
				mediaType = "image/jpeg"
			default:
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				o.logger.Warn("Failed to read chart artifact", "agent_id", ref.AgentID, "file", e.Name(), "error", err)
				continue
			}
			charts = append(charts, prompt.ChartRef{
				AgentID: ref.AgentID,
				Path:    filepath.Join("artifacts", ref.AgentID, e.Name()),
			})
			images = append(images, llm.ImageData{MediaType: mediaType, Data: data})
		}
	}
	return charts, images
}

// collectFindings concatenates each agent's collected results.md, falling
// back to the agent's own working copy when collection never happened.
func (o *Orchestrator) collectFindings(refs []reportAgentRef) string {
	var sb strings.Builder
	for i, ref := range refs {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&sb, "### %s — %s\n\n", ref.AgentID, ref.Task)

		collected := filepath.Join(o.cfg.Workspace.ArtifactsDir(o.cfg.SessionID, ref.AgentID), workspace.ResultsFile)
		data, err := os.ReadFile(collected)
		if err != nil {
			working := filepath.Join(o.cfg.Workspace.AgentDir(o.cfg.SessionID, ref.AgentID), workspace.ResultsFile)
			data, err = os.ReadFile(working)
		}
		if err != nil {
			sb.WriteString("(no results available for this agent)")
			continue
		}
		sb.WriteString(strings.TrimSpace(string(data)))
	}
	return sb.String()
}

// readContextFiles loads session-relative reference files for a spawned
// agent. Paths are containment-checked against the session directory.
func (o *Orchestrator) readContextFiles(paths []string) (map[string]string, *models.ToolError) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		abs, err := o.cfg.Workspace.ResolveSession(o.cfg.SessionID, p)
		if err != nil {
			return nil, models.NewToolError(models.ErrFileAccessDenied,
				fmt.Sprintf("context file %q is outside the session directory", p),
				"Use session-relative paths for context files.", false)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, models.NewToolError(models.ErrFileNotFound,
				fmt.Sprintf("context file %q does not exist", p),
				"Write the file first, or drop it from context_files.", true)
		}
		out[p] = string(data)
	}
	return out, nil
}

// writePlanFile renders orchestrator_plan.json from session state.
func (o *Orchestrator) writePlanFile() error {
	doc, err := o.cfg.Store.PlanDocument(o.cfg.SessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(o.cfg.Workspace.PlanPath(o.cfg.SessionID), append(data, '\n'), 0o644)
}
