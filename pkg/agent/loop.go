// Package agent implements the LLM execution loops: the shared tool-calling
// turn loop, the research sub-agent built on it, and the orchestrator that
// coordinates sub-agents into a final report.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/session"
	"github.com/fathomlabs/fathom/pkg/tools"
)

// LoopConfig wires one agent's tool-calling loop. The loop is shared by the
// orchestrator and the sub-agents; the differences between the two are all
// expressed here (budget, step recording, retry policy, hooks).
type LoopConfig struct {
	Store     *session.Store
	SessionID string
	AgentID   string

	Client      llm.Client
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
	LLMAttempts int // attempts per model call; 0 or 1 means no retry

	Registry *tools.Registry
	Budget   *tools.Budget // nil = no per-tool caps

	MaxSteps   int
	RecordStep bool // publish orchestrator_step for every tool-calling turn

	OnText      func(delta string) // streamed text deltas
	OnToolStart func(name string)  // model began emitting a tool call
	Inject      func() []llm.Message

	Logger *slog.Logger
}

// LoopResult is the outcome of one loop entry.
type LoopResult struct {
	Steps         int // model turns executed
	ToolCallCount int // tool calls dispatched across all turns
	FinalText     string
	Usage         llm.TokenUsage
	Messages      []llm.Message // complete conversation including tool traffic
}

// RunLoop drives model turns until the model stops requesting tools or the
// turn cap is reached. Each requested tool call is registered, budget-checked,
// executed and finished against the store before its result message is
// appended; tool failures go back to the model as structured error results
// and never abort the loop. The returned messages hold the complete
// conversation so callers can extend it and re-enter.
func RunLoop(ctx context.Context, cfg *LoopConfig, messages []llm.Message) (*LoopResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "agent_loop", "agent_id", cfg.AgentID)
	}

	result := &LoopResult{}
	defs := cfg.Registry.Definitions()

	for turn := 1; turn <= cfg.MaxSteps; turn++ {
		if cfg.Inject != nil {
			messages = append(messages, cfg.Inject()...)
		}

		resp, err := callModel(ctx, cfg, &llm.ChatRequest{
			Model:       cfg.Model,
			System:      cfg.System,
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			result.Messages = messages
			return result, err
		}
		result.Steps = turn
		if resp.Usage != nil {
			result.Usage.InputTokens += resp.Usage.InputTokens
			result.Usage.OutputTokens += resp.Usage.OutputTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			result.FinalText = resp.Text
			result.Messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
			return result, nil
		}

		if cfg.RecordStep {
			step := make([]events.StepToolCall, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				step[i] = events.StepToolCall{ToolName: tc.Name, Input: rawInput(tc.Arguments)}
			}
			if err := cfg.Store.AddOrchestratorStep(cfg.SessionID, turn, step); err != nil {
				logger.Warn("Failed to record orchestrator step", "step", turn, "error", err)
			}
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for i, tc := range resp.ToolCalls {
			msg, err := dispatchToolCall(ctx, cfg, logger, turn, i, tc)
			result.ToolCallCount++
			messages = append(messages, msg)
			if err != nil {
				result.Messages = messages
				return result, err
			}
		}
	}

	result.Messages = messages
	return result, nil
}

// callModel performs one chat call, retrying transient provider failures
// when the config allows more than one attempt. Backoff doubles per attempt
// from the failure category's base delay.
func callModel(ctx context.Context, cfg *LoopConfig, req *llm.ChatRequest) (*llm.Response, error) {
	attempts := cfg.LLMAttempts
	if attempts < 1 {
		attempts = 1
	}

	callback := func(kind llm.ChunkType, delta string) {
		switch kind {
		case llm.ChunkTypeText:
			if cfg.OnText != nil {
				cfg.OnText(delta)
			}
		case llm.ChunkTypeToolStart:
			if cfg.OnToolStart != nil {
				cfg.OnToolStart(delta)
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := llm.CallWithCallback(ctx, cfg.Client, req, callback)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		failure := llm.ClassifyError(err)
		if attempt == attempts || !failure.Retryable() {
			break
		}
		delay := llm.RetryDelay(failure, attempt)
		slog.Warn("Model call failed, backing off",
			"agent_id", cfg.AgentID, "attempt", attempt, "failure", string(failure), "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// dispatchToolCall runs one requested tool call end to end and returns the
// tool-result message for the conversation. The error return is non-nil only
// when the surrounding context is done and the loop must stop.
func dispatchToolCall(ctx context.Context, cfg *LoopConfig, logger *slog.Logger, turn, index int, tc llm.ToolCall) (llm.Message, error) {
	callID := tc.ID
	if callID == "" {
		callID = uuid.New().String()
	}

	now := time.Now()
	call := &models.ToolCall{
		ID:          callID,
		ToolName:    tc.Name,
		StepNumber:  turn,
		IndexInStep: index,
		Input:       rawInput(tc.Arguments),
		Status:      models.ToolCallExecuting,
		CreatedAt:   now,
		StartedAt:   now,
		Description: descriptionOf(tc.Arguments),
	}
	if err := cfg.Store.AddToolCall(cfg.SessionID, cfg.AgentID, call); err != nil {
		if !errors.Is(err, session.ErrDuplicateToolCall) {
			return llm.Message{}, fmt.Errorf("failed to record tool call: %w", err)
		}
		// Providers occasionally reuse call ids; keep the call alive under
		// a fresh one.
		callID = uuid.New().String()
		call.ID = callID
		if err := cfg.Store.AddToolCall(cfg.SessionID, cfg.AgentID, call); err != nil {
			return llm.Message{}, fmt.Errorf("failed to record tool call: %w", err)
		}
	}
	logger.Info("Executing tool", "tool", tc.Name, "call_id", callID, "step", turn)

	finish := func(status models.ToolCallStatus, body json.RawMessage) {
		if err := cfg.Store.UpdateToolCall(cfg.SessionID, cfg.AgentID, callID, status, body); err != nil {
			logger.Warn("Failed to finish tool call", "call_id", callID, "error", err)
		}
	}
	errResult := func(te *models.ToolError) llm.Message {
		body := te.JSON()
		finish(models.ToolCallFailed, body)
		return llm.Message{
			Role:       llm.RoleTool,
			Content:    string(body),
			ToolCallID: callID,
			ToolName:   tc.Name,
			IsError:    true,
		}
	}

	if cfg.Budget != nil {
		if te := cfg.Budget.Admit(tc.Name); te != nil {
			logger.Warn("Tool call rejected by budget", "tool", tc.Name, "code", string(te.Code))
			return errResult(te), nil
		}
	}

	tool, ok := cfg.Registry.Get(tc.Name)
	if !ok {
		return errResult(models.NewToolError(models.ErrValidationFailed,
			fmt.Sprintf("unknown tool %q", tc.Name),
			"Call one of the tools listed in your instructions.", false)), nil
	}

	body, execErr := tool.Execute(ctx, tc.Arguments)
	if execErr != nil {
		if cfg.Budget != nil {
			cfg.Budget.RecordFailure(tc.Name)
		}
		te := models.ToolErrorFrom(execErr)
		logger.Warn("Tool call failed", "tool", tc.Name, "call_id", callID, "code", string(te.Code), "error", execErr)
		msg := errResult(te)
		if ctx.Err() != nil {
			return msg, ctx.Err()
		}
		return msg, nil
	}

	if cfg.Budget != nil {
		cfg.Budget.RecordSuccess(tc.Name)
	}
	finish(models.ToolCallCompleted, body)
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    string(body),
		ToolCallID: callID,
		ToolName:   tc.Name,
	}, nil
}

// rawInput normalises tool arguments for storage: valid JSON passes through,
// anything else is stored as a JSON string, absent arguments become an empty
// object.
func rawInput(arguments string) json.RawMessage {
	if arguments == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments)
	}
	quoted, err := json.Marshal(arguments)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return quoted
}

// descriptionOf pulls the conventional description argument every tool schema
// asks for. Best effort; an empty string is fine.
func descriptionOf(arguments string) string {
	var in struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(arguments), &in); err != nil {
		return ""
	}
	return in.Description
}
