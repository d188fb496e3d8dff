package models

import "encoding/json"

// ModelRole names one of the five LLM roles the system drives. Each role may
// be served by a different model of the configured provider.
type ModelRole string

const (
	RoleOrchestrator ModelRole = "orchestrator"
	RolePlanner      ModelRole = "planner"
	RoleSummarizer   ModelRole = "summarizer"
	RoleReportWriter ModelRole = "report_writer"
	RoleSubAgent     ModelRole = "sub_agent"
)

// ModelSelection maps each role to a model identifier. Empty fields fall
// back to configured defaults.
type ModelSelection struct {
	Orchestrator string `json:"orchestrator,omitempty" yaml:"orchestrator"`
	Planner      string `json:"planner,omitempty" yaml:"planner"`
	Summarizer   string `json:"summarizer,omitempty" yaml:"summarizer"`
	ReportWriter string `json:"report_writer,omitempty" yaml:"report_writer"`
	SubAgent     string `json:"sub_agent,omitempty" yaml:"sub_agent"`
}

// ForRole returns the model identifier selected for the role, or "".
func (m ModelSelection) ForRole(role ModelRole) string {
	switch role {
	case RoleOrchestrator:
		return m.Orchestrator
	case RolePlanner:
		return m.Planner
	case RoleSummarizer:
		return m.Summarizer
	case RoleReportWriter:
		return m.ReportWriter
	case RoleSubAgent:
		return m.SubAgent
	}
	return ""
}

// Merge fills empty fields from the fallback selection.
func (m ModelSelection) Merge(fallback ModelSelection) ModelSelection {
	out := m
	if out.Orchestrator == "" {
		out.Orchestrator = fallback.Orchestrator
	}
	if out.Planner == "" {
		out.Planner = fallback.Planner
	}
	if out.Summarizer == "" {
		out.Summarizer = fallback.Summarizer
	}
	if out.ReportWriter == "" {
		out.ReportWriter = fallback.ReportWriter
	}
	if out.SubAgent == "" {
		out.SubAgent = fallback.SubAgent
	}
	return out
}

// APIKeys carries the three provider credentials a session runs with.
// All three must be present for a session to start.
type APIKeys struct {
	LLM     string `json:"llm,omitempty" yaml:"llm"`
	Search  string `json:"search,omitempty" yaml:"search"`
	Sandbox string `json:"sandbox,omitempty" yaml:"sandbox"`
}

// Complete reports whether all three keys are set.
func (k APIKeys) Complete() bool {
	return k.LLM != "" && k.Search != "" && k.Sandbox != ""
}

// Merge fills empty fields from the fallback keys.
func (k APIKeys) Merge(fallback APIKeys) APIKeys {
	out := k
	if out.LLM == "" {
		out.LLM = fallback.LLM
	}
	if out.Search == "" {
		out.Search = fallback.Search
	}
	if out.Sandbox == "" {
		out.Sandbox = fallback.Sandbox
	}
	return out
}

// MarshalJSON redacts key material. Snapshots and the research log must
// never carry credentials; only presence is reported.
func (k APIKeys) MarshalJSON() ([]byte, error) {
	redact := func(v string) string {
		if v == "" {
			return ""
		}
		return "[redacted]"
	}
	return json.Marshal(struct {
		LLM     string `json:"llm,omitempty"`
		Search  string `json:"search,omitempty"`
		Sandbox string `json:"sandbox,omitempty"`
	}{redact(k.LLM), redact(k.Search), redact(k.Sandbox)})
}
