package researchlog

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/fathomlabs/fathom/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Pool settings for the research log. Writes are low-volume and latency
// tolerant, so the pool stays small.
const (
	maxOpenConns    = 5
	maxIdleConns    = 2
	connMaxLifetime = 30 * time.Minute
)

// Postgres is the database-backed Log.
type Postgres struct {
	db *stdsql.DB
}

// NewPostgres opens a connection pool for the DSN, pings it and applies any
// pending embedded migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open research log database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping research log database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate research log schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the pool for health checks.
func (p *Postgres) DB() *stdsql.DB {
	return p.db
}

func (p *Postgres) SessionStarted(ctx context.Context, session *models.Session) error {
	sel, err := json.Marshal(session.Models)
	if err != nil {
		return fmt.Errorf("failed to encode model selection: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO research_sessions (id, query, clarification, models, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING`,
		session.ID, session.Query, session.Clarification, sel, string(session.Status), session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

func (p *Postgres) SessionFinished(ctx context.Context, session *models.Session) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE research_sessions
		SET status = $2, error = NULLIF($3, ''), updated_at = $4, finished_at = $4
		WHERE id = $1`,
		session.ID, string(session.Status), session.Error, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record session finish: %w", err)
	}
	return nil
}

func (p *Postgres) ReportWritten(ctx context.Context, sessionID, report string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE research_sessions
		SET report = NULLIF($2, ''), updated_at = $3
		WHERE id = $1`,
		sessionID, report, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record report: %w", err)
	}
	return nil
}

func (p *Postgres) AgentFinished(ctx context.Context, sessionID string, agent *models.Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO research_agents (session_id, agent_id, task, description, status, error, retry_count, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (session_id, agent_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error = EXCLUDED.error,
		    retry_count = EXCLUDED.retry_count,
		    finished_at = EXCLUDED.finished_at`,
		sessionID, agent.ID, agent.Task, agent.Description, string(agent.Status),
		agent.Error, agent.RetryCount, agent.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record agent finish: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// runMigrations applies embedded migrations with golang-migrate. The source
// driver is closed separately because migrate.Close would also close the
// shared *sql.DB.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "research_log", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := source.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
