package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Budgets carries the per-tool call budgets rendered into the sub-agent
// system prompt.
type Budgets struct {
	WebSearch       int
	File            int
	CodeInterpreter int
	ViewImage       int
}

// ChartRef names one chart artifact for the report writer.
type ChartRef struct {
	AgentID string
	Path    string // relative to the session directory
}

// OrchestratorSystem returns the orchestrator system prompt.
func OrchestratorSystem(maxAgents int) string {
	return fmt.Sprintf(orchestratorSystemTemplate, maxAgents)
}

// PlannerSystem returns the strategic-planning system prompt.
func PlannerSystem() string {
	return plannerSystemPrompt
}

// PlannerUser frames the planning request.
func PlannerUser(query, clarification string) string {
	var sb strings.Builder
	sb.WriteString("Research query: ")
	sb.WriteString(query)
	if clarification != "" {
		sb.WriteString("\n\nClarification context: ")
		sb.WriteString(clarification)
	}
	sb.WriteString("\n\nProvide your strategic perspective.")
	return sb.String()
}

// SubAgentSystem returns the research agent system prompt with its budgets.
func SubAgentSystem(b Budgets) string {
	return fmt.Sprintf(subAgentSystemTemplate, b.WebSearch, b.File, b.CodeInterpreter, b.ViewImage)
}

// SummarizerSystem returns the search summarisation system prompt.
func SummarizerSystem() string {
	return summarizerSystemPrompt
}

// SummarizerUser builds the summarisation request: the query plus every
// result text bracketed by numbered delimiters (1-based).
func SummarizerUser(query string, texts []string) string {
	var corpus strings.Builder
	for i, text := range texts {
		corpus.WriteString(fmt.Sprintf(resultDelimiterTemplate, i+1))
		corpus.WriteString(strings.TrimSpace(text))
		corpus.WriteString("\n")
	}
	return fmt.Sprintf(summarizerUserTemplate, query, strings.TrimRight(corpus.String(), "\n"))
}

// ReportWriterSystem returns the report composition system prompt.
func ReportWriterSystem() string {
	return reportWriterSystemPrompt
}

// ChartReferenceGuide lists every chart artifact with its exact embed path.
// The report writer must copy these verbatim.
func ChartReferenceGuide(charts []ChartRef) string {
	if len(charts) == 0 {
		return "## Chart Reference Guide\n\nNo charts were produced in this session. Do not embed any images.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Chart Reference Guide\n\n")
	sb.WriteString("The following charts exist on disk. Embed a chart with exactly its listed path, e.g. ![title](" + charts[0].Path + ").\n")
	for _, c := range charts {
		sb.WriteString(fmt.Sprintf("\n- %s (produced by %s)", c.Path, c.AgentID))
	}
	sb.WriteString("\n")
	return sb.String()
}

// ReportFinalInstructions returns the closing instructions of the report
// request message.
func ReportFinalInstructions() string {
	return reportFinalInstructions
}

// ValidationFailed builds the system message injected before a sub-agent
// retry attempt.
func ValidationFailed(attempt int, reason string) string {
	return fmt.Sprintf(validationFailedTemplate, attempt, reason)
}

// ContextFiles renders orchestrator-provided reference files as one system
// message, in deterministic filename order.
func ContextFiles(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(contextFilesHeader)
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("\n--- %s ---\n", name))
		sb.WriteString(strings.TrimRight(files[name], "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// ResultsPlaceholder returns the content seeded into a fresh agent's
// results.md.
func ResultsPlaceholder() string {
	return resultsPlaceholder
}
