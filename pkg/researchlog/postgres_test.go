package researchlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fathomlabs/fathom/pkg/models"
)

// testDSN returns a PostgreSQL connection string: CI_DATABASE_URL when set,
// otherwise a throwaway testcontainer.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("CI_DATABASE_URL"); dsn != "" {
		return dsn
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("research_log"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresSessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	ctx := context.Background()
	log, err := NewPostgres(ctx, testDSN(t))
	require.NoError(t, err)
	defer log.Close()

	now := time.Now().UTC()
	session := &models.Session{
		ID:        "11111111-2222-3333-4444-555555555555",
		Query:     "How fast is widget adoption growing?",
		Models:    models.ModelSelection{Orchestrator: "orch-model"},
		Status:    models.SessionInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, log.SessionStarted(ctx, session))
	// duplicate starts are ignored
	require.NoError(t, log.SessionStarted(ctx, session))

	agent := &models.Agent{
		ID:        "agent_1",
		Task:      "Measure adoption",
		Status:    models.AgentCompleted,
		CreatedAt: now,
	}
	require.NoError(t, log.AgentFinished(ctx, session.ID, agent))

	// a later update for the same agent overwrites the row
	agent.Status = models.AgentFailed
	agent.Error = "provider outage"
	agent.RetryCount = 2
	require.NoError(t, log.AgentFinished(ctx, session.ID, agent))

	require.NoError(t, log.ReportWritten(ctx, session.ID, "# Report\n\nFindings."))
	session.Status = models.SessionCompleted
	require.NoError(t, log.SessionFinished(ctx, session))

	var (
		status string
		report string
		count  int
	)
	row := log.DB().QueryRowContext(ctx,
		`SELECT status, COALESCE(report, '') FROM research_sessions WHERE id = $1`, session.ID)
	require.NoError(t, row.Scan(&status, &report))
	assert.Equal(t, "completed", status)
	assert.Contains(t, report, "Findings")

	row = log.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM research_agents WHERE session_id = $1`, session.ID)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	var agentStatus, agentErr string
	row = log.DB().QueryRowContext(ctx,
		`SELECT status, COALESCE(error, '') FROM research_agents WHERE session_id = $1 AND agent_id = $2`,
		session.ID, agent.ID)
	require.NoError(t, row.Scan(&agentStatus, &agentErr))
	assert.Equal(t, "failed", agentStatus)
	assert.Equal(t, "provider outage", agentErr)
}

func TestNopLogIsInert(t *testing.T) {
	var log Log = Nop{}
	require.NoError(t, log.SessionStarted(context.Background(), &models.Session{}))
	require.NoError(t, log.SessionFinished(context.Background(), &models.Session{}))
	require.NoError(t, log.AgentFinished(context.Background(), "s", &models.Agent{}))
	require.NoError(t, log.ReportWritten(context.Background(), "s", "report"))
	require.NoError(t, log.Close())
}
