// Package researchlog persists a durable record of research sessions and
// their agents to PostgreSQL. The in-memory session store remains the source
// of truth while a session runs; the research log is a write-behind archive
// for dashboards and postmortems.
package researchlog

import (
	"context"

	"github.com/fathomlabs/fathom/pkg/models"
)

// Log records session lifecycle milestones. Implementations must tolerate
// duplicate calls for the same session or agent.
type Log interface {
	// SessionStarted records a new session as running.
	SessionStarted(ctx context.Context, session *models.Session) error

	// SessionFinished records the terminal status and error.
	SessionFinished(ctx context.Context, session *models.Session) error

	// AgentFinished records one agent's terminal state.
	AgentFinished(ctx context.Context, sessionID string, agent *models.Agent) error

	// ReportWritten stores the final report text.
	ReportWritten(ctx context.Context, sessionID, report string) error

	// Close releases the underlying connections.
	Close() error
}

// Nop is the Log used when persistence is disabled.
type Nop struct{}

func (Nop) SessionStarted(context.Context, *models.Session) error      { return nil }
func (Nop) SessionFinished(context.Context, *models.Session) error     { return nil }
func (Nop) AgentFinished(context.Context, string, *models.Agent) error { return nil }
func (Nop) ReportWritten(context.Context, string, string) error        { return nil }
func (Nop) Close() error                                               { return nil }
