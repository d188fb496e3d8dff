// Package sandbox defines the Python execution provider contract and its
// HTTP implementation.
package sandbox

import (
	"context"
	"time"
)

// Output is one captured result from an execution: rendered figures arrive
// as base64 PNG/JPEG payloads, everything else as text or HTML.
type Output struct {
	PNG  string `json:"png,omitempty"`
	JPEG string `json:"jpeg,omitempty"`
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// Logs carries the stdout and stderr lines of an execution.
type Logs struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// ExecError describes a Python-level failure (exception name and message).
type ExecError struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Execution is the full result set of one run. Error is nil when the code
// completed without raising.
type Execution struct {
	Results []Output   `json:"results"`
	Logs    Logs       `json:"logs"`
	Error   *ExecError `json:"error,omitempty"`
}

// Provider executes Python source in an isolated environment.
type Provider interface {
	RunPython(ctx context.Context, code string, timeout time.Duration) (*Execution, error)
}
