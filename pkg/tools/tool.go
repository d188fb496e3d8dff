// Package tools implements the callables exposed to the orchestrator and
// sub-agent LLMs.
//
// Tool failures never surface to a model as exceptions: Execute returns
// them as errors, and the dispatch layer in pkg/agent converts every error
// into a structured ToolError result the model reads and reacts to.
package tools

import (
	"context"
	"encoding/json"

	"github.com/fathomlabs/fathom/pkg/llm"
)

// Tool names as exposed to the models.
const (
	NameWebSearch       = "web_search"
	NameFile            = "file"
	NameCodeInterpreter = "code_interpreter"
	NameViewImage       = "view_image"

	NameGeneratePlan   = "generate_plan"
	NameSpawnAgent     = "spawn_agent"
	NameWaitForAgents  = "wait_for_agents"
	NameGetAgentResult = "get_agent_result"
	NameUpdatePlan     = "update_plan"
	NameWriteReport    = "write_report"
)

// Tool is one callable exposed to an LLM.
type Tool interface {
	// Definition describes the tool to the model.
	Definition() llm.ToolDefinition

	// Execute runs the tool with the model's raw argument JSON and returns
	// the JSON body handed back as the tool result.
	Execute(ctx context.Context, arguments string) (json.RawMessage, error)
}

// Func adapts a bare function to the Tool interface. The orchestrator uses
// it for tools that close over its run state.
type Func struct {
	Def llm.ToolDefinition
	Run func(ctx context.Context, arguments string) (json.RawMessage, error)
}

func (f *Func) Definition() llm.ToolDefinition { return f.Def }

func (f *Func) Execute(ctx context.Context, arguments string) (json.RawMessage, error) {
	return f.Run(ctx, arguments)
}

// Registry is an ordered, immutable set of tools for one LLM loop. Order is
// registration order, so tool catalogs render deterministically.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools. Duplicate names keep
// the first registration.
func NewRegistry(list ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(list))}
	for _, t := range list {
		name := t.Definition().Name
		if _, exists := r.tools[name]; exists {
			continue
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
