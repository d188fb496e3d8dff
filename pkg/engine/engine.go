// Package engine is the facade over the session machinery: it owns the
// store, the workspace, the provider factories and the research log, and
// exposes the operations the transports call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/agent"
	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/llm/anthropic"
	"github.com/fathomlabs/fathom/pkg/llm/openai"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/ratelimit"
	"github.com/fathomlabs/fathom/pkg/researchlog"
	"github.com/fathomlabs/fathom/pkg/sandbox"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/session"
	"github.com/fathomlabs/fathom/pkg/workspace"
)

// MaxQueryLength bounds the research query accepted by CreateSession.
const MaxQueryLength = 10000

// sweepInterval is how often the retention sweeper runs.
const sweepInterval = time.Hour

// Request validation and lookup errors surfaced to transports.
var (
	ErrEmptyQuery     = errors.New("query must not be empty")
	ErrQueryTooLong   = fmt.Errorf("query exceeds %d characters", MaxQueryLength)
	ErrKeysIncomplete = errors.New("llm, search and sandbox API keys are all required")
	ErrNotFound       = session.ErrNotFound
	ErrForbiddenPath  = errors.New("path escapes the session directory")
)

// LLMFactory builds a per-session chat client for the session's credential.
type LLMFactory func(apiKey string) (llm.Client, error)

// SearchFactory builds the raw search provider for a session; the engine
// wraps it with the shared rate gate and the response cache.
type SearchFactory func(apiKey string) (search.Provider, error)

// SandboxFactory builds the Python execution provider for a session.
type SandboxFactory func(apiKey string) (sandbox.Provider, error)

// Option customises engine construction; tests swap the provider factories.
type Option func(*Engine)

// WithLLMFactory overrides the vendor-SDK client factory.
func WithLLMFactory(f LLMFactory) Option {
	return func(e *Engine) { e.llmFactory = f }
}

// WithSearchFactory overrides the search provider factory.
func WithSearchFactory(f SearchFactory) Option {
	return func(e *Engine) { e.searchFactory = f }
}

// WithSandboxFactory overrides the sandbox provider factory.
func WithSandboxFactory(f SandboxFactory) Option {
	return func(e *Engine) { e.sandboxFactory = f }
}

// WithResearchLog overrides the research log (default: Postgres when
// configured, no-op otherwise).
func WithResearchLog(l researchlog.Log) Option {
	return func(e *Engine) { e.rlog = l }
}

// Engine coordinates session execution end to end.
type Engine struct {
	cfg    *config.Config
	store  *session.Store
	ws     *workspace.Manager
	gate   *ratelimit.Gate
	rlog   researchlog.Log
	logger *slog.Logger

	llmFactory     LLMFactory
	searchFactory  SearchFactory
	sandboxFactory SandboxFactory

	mu          sync.Mutex
	graceTimers map[string]*time.Timer

	wg        sync.WaitGroup
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds the engine. The research log connects eagerly so a misconfigured
// DSN fails at startup, not on the first finished session.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	ws, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise workspace: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		store:       session.NewStore(cfg.Engine.SubscriberBuffer),
		ws:          ws,
		gate:        ratelimit.NewGate(cfg.Providers.Search.MinSpacing(), cfg.Providers.Search.MaxRetries),
		logger:      slog.Default().With("component", "engine"),
		graceTimers: make(map[string]*time.Timer),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	e.llmFactory = e.defaultLLMFactory
	e.searchFactory = func(apiKey string) (search.Provider, error) {
		return search.NewClient(cfg.Providers.Search.Endpoint, apiKey, nil), nil
	}
	e.sandboxFactory = func(apiKey string) (sandbox.Provider, error) {
		return sandbox.NewClient(cfg.Providers.Sandbox.Endpoint, apiKey, nil), nil
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.rlog == nil {
		if cfg.ResearchLog != nil && cfg.ResearchLog.Enabled {
			rlog, err := researchlog.NewPostgres(ctx, cfg.ResearchLog.DSN)
			if err != nil {
				ws.Close()
				e.gate.Stop()
				return nil, fmt.Errorf("failed to connect research log: %w", err)
			}
			e.rlog = rlog
		} else {
			e.rlog = researchlog.Nop{}
		}
	}

	go e.sweep()
	return e, nil
}

func (e *Engine) defaultLLMFactory(apiKey string) (llm.Client, error) {
	p := e.cfg.Providers.LLM
	switch p.Vendor {
	case config.LLMVendorOpenAI:
		return openai.New(apiKey, p.BaseURL)
	case config.LLMVendorAnthropic, "":
		return anthropic.New(apiKey, p.BaseURL)
	default:
		return nil, fmt.Errorf("unknown llm vendor %q", p.Vendor)
	}
}

// CreateSession validates the request, registers the session and starts its
// orchestrator in the background. It returns the new session id immediately.
func (e *Engine) CreateSession(req *models.CreateSessionRequest) (string, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	if len(query) > MaxQueryLength {
		return "", ErrQueryTooLong
	}
	keys := req.Keys.Merge(e.cfg.DefaultKeys())
	if !keys.Complete() {
		return "", ErrKeysIncomplete
	}
	sel := req.Models.Merge(e.cfg.Models)

	id := e.store.Create(query, req.Clarification, sel, keys)
	if err := e.ws.InitSession(id); err != nil {
		e.store.Remove(id)
		return "", fmt.Errorf("failed to create session workspace: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := e.store.SetCancel(id, cancel); err != nil {
		cancel()
		return "", err
	}
	if err := e.store.SetSubscriberCallback(id, func(active int) {
		e.onSubscriberChange(id, active)
	}); err != nil {
		e.logger.Warn("Failed to install subscriber callback", "session_id", id, "error", err)
	}

	e.wg.Add(1)
	go e.runSession(runCtx, id, query, req.Clarification, sel, keys)
	return id, nil
}

// runSession wires the per-session providers and drives the orchestrator to
// a terminal status, then records the outcome and schedules workspace
// removal.
func (e *Engine) runSession(ctx context.Context, id, query, clarification string, sel models.ModelSelection, keys models.APIKeys) {
	defer e.wg.Done()
	logger := e.logger.With("session_id", id)

	client, err := e.llmFactory(keys.LLM)
	if err != nil {
		e.failEarly(id, fmt.Sprintf("failed to initialise LLM provider: %s", err))
		return
	}
	defer client.Close()

	rawSearch, err := e.searchFactory(keys.Search)
	if err != nil {
		e.failEarly(id, fmt.Sprintf("failed to initialise search provider: %s", err))
		return
	}
	searchProv := search.Provider(search.NewGated(rawSearch, e.gate))
	if size := e.cfg.Providers.Search.CacheSize; size > 0 {
		cached, err := search.NewCached(searchProv, size)
		if err != nil {
			e.failEarly(id, fmt.Sprintf("failed to initialise search cache: %s", err))
			return
		}
		searchProv = cached
	}

	sandboxProv, err := e.sandboxFactory(keys.Sandbox)
	if err != nil {
		e.failEarly(id, fmt.Sprintf("failed to initialise sandbox provider: %s", err))
		return
	}

	if snap, err := e.store.Snapshot(id); err == nil {
		e.recordLog(func(ctx context.Context) error { return e.rlog.SessionStarted(ctx, snap) }, id, "session start")
	}

	eng := e.cfg.Engine
	orch := agent.NewOrchestrator(&agent.OrchestratorConfig{
		Store:               e.store,
		Workspace:           e.ws,
		SessionID:           id,
		Query:               query,
		Clarification:       clarification,
		Client:              client,
		Models:              sel,
		MaxTokens:           e.cfg.Providers.LLM.MaxTokens,
		Temperature:         e.cfg.Providers.LLM.Temperature,
		Search:              searchProv,
		Sandbox:             sandboxProv,
		SandboxTimeout:      e.cfg.Providers.Sandbox.Timeout(),
		MaxAgents:           eng.MaxAgents,
		StepCap:             eng.OrchestratorStepCap,
		SubAgentStepCap:     eng.SubAgentStepCap,
		SubAgentMaxAttempts: eng.SubAgentMaxAttempts,
		WaitTimeout:         eng.WaitForAgentsTimeout(),
		Logger:              logger,
	})
	report, err := orch.Run(ctx)
	if err != nil {
		logger.Warn("Session ended in failure", "error", err)
	}

	e.stopGraceTimer(id)

	if report != "" {
		e.recordLog(func(ctx context.Context) error { return e.rlog.ReportWritten(ctx, id, report) }, id, "report")
	}
	if snap, err := e.store.Snapshot(id); err == nil {
		for _, a := range snap.Agents {
			if a.ID == models.OrchestratorAgentID || !a.Status.Terminal() {
				continue
			}
			finished := a
			e.recordLog(func(ctx context.Context) error { return e.rlog.AgentFinished(ctx, id, finished) }, id, "agent finish")
		}
		e.recordLog(func(ctx context.Context) error { return e.rlog.SessionFinished(ctx, snap) }, id, "session finish")
	}

	e.ws.ScheduleRemoval(id, e.cfg.Engine.SessionCleanupDelay())
}

// failEarly marks a session failed before its orchestrator ever ran.
func (e *Engine) failEarly(id, msg string) {
	e.logger.Error("Session failed before start", "session_id", id, "error", msg)
	if err := e.store.FailSession(id, events.ErrorSourceSystem, "", msg); err != nil && !errors.Is(err, session.ErrTerminal) {
		e.logger.Error("Failed to fail session", "session_id", id, "error", err)
	}
	e.ws.ScheduleRemoval(id, e.cfg.Engine.SessionCleanupDelay())
}

// recordLog runs one research-log write with a bounded context. Failures are
// logged, never propagated.
func (e *Engine) recordLog(fn func(ctx context.Context) error, id, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.logger.Warn("Research log write failed", "session_id", id, "record", what, "error", err)
	}
}

// Subscribe attaches a new event subscriber to the session.
func (e *Engine) Subscribe(id string) (*events.Subscriber, error) {
	return e.store.Subscribe(id)
}

// Status returns a consistent snapshot plus the derived flow graph.
func (e *Engine) Status(id string) (*models.Session, *models.FlowGraph, error) {
	snap, err := e.store.Snapshot(id)
	if err != nil {
		return nil, nil, err
	}
	flow, err := e.store.FlowData(id)
	if err != nil {
		return nil, nil, err
	}
	return snap, flow, nil
}

// reportPlaceholder is returned while no report exists yet.
const reportPlaceholder = "The final report has not been produced yet.\n"

// Report returns the session's final report. When the report file is missing
// on a completed session, the largest markdown file in the session tree that
// is not a worklog stands in; otherwise a placeholder is returned.
func (e *Engine) Report(id string) (string, error) {
	snap, err := e.store.Snapshot(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(e.ws.ReportPath(id))
	if err == nil {
		return string(data), nil
	}
	if snap.Status == models.SessionCompleted {
		if fallback := e.largestMarkdown(id); fallback != "" {
			return fallback, nil
		}
	}
	return reportPlaceholder, nil
}

// largestMarkdown scans the session tree for the biggest non-worklog .md
// file and returns its contents.
func (e *Engine) largestMarkdown(id string) string {
	var best string
	var bestSize int64
	root := e.ws.SessionDir(id)
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if filepath.Ext(name) != ".md" {
			return nil
		}
		if name == workspace.WorklogFile || name == workspace.OrchestratorWorklogFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	if best == "" {
		return ""
	}
	data, err := os.ReadFile(best)
	if err != nil {
		return ""
	}
	return string(data)
}

// File returns the contents and content type of a session-relative file.
func (e *Engine) File(id, path string) ([]byte, string, error) {
	if _, err := e.store.Snapshot(id); err != nil {
		return nil, "", err
	}
	abs, err := e.ws.ResolveSession(id, path)
	if err != nil {
		if errors.Is(err, workspace.ErrPathEscape) {
			return nil, "", ErrForbiddenPath
		}
		return nil, "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", os.ErrNotExist
		}
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, contentTypeFor(path), nil
}

// contentTypeFor maps a file extension to its response content type.
func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// Cancel requests cancellation of a running session. Repeated calls and
// calls on terminal sessions report fired=false with no error.
func (e *Engine) Cancel(id string) (bool, error) {
	return e.store.Cancel(id)
}

// onSubscriberChange drives the abort grace period: when a non-terminal
// session loses its last subscriber a timer starts; reconnecting stops it;
// expiry cancels the session.
func (e *Engine) onSubscriberChange(id string, active int) {
	if active > 0 {
		e.stopGraceTimer(id)
		return
	}
	snap, err := e.store.Snapshot(id)
	if err != nil || snap.Status.Terminal() {
		return
	}
	grace := e.cfg.Engine.AbortGracePeriod()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.graceTimers[id]; exists {
		return
	}
	e.logger.Info("Last subscriber disconnected, starting abort grace period", "session_id", id, "grace", grace)
	e.graceTimers[id] = time.AfterFunc(grace, func() {
		e.stopGraceTimer(id)
		fired, err := e.store.Cancel(id)
		if err == nil && fired {
			e.logger.Info("Session aborted after grace period", "session_id", id)
		}
	})
}

func (e *Engine) stopGraceTimer(id string) {
	e.mu.Lock()
	if t, ok := e.graceTimers[id]; ok {
		t.Stop()
		delete(e.graceTimers, id)
	}
	e.mu.Unlock()
}

// sweep drops terminal sessions past the retention window, memory and disk.
func (e *Engine) sweep() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			for _, id := range e.store.CleanupOld(e.cfg.Engine.SessionRetention()) {
				e.stopGraceTimer(id)
				if err := e.ws.RemoveSession(id); err != nil {
					e.logger.Warn("Failed to remove expired session workspace", "session_id", id, "error", err)
				}
			}
		}
	}
}

// SessionCount reports how many sessions the store currently holds, for the
// health endpoint.
func (e *Engine) SessionCount() int {
	return e.store.Count()
}

// Close cancels every running session, waits for their goroutines, and
// releases the providers and the research log.
func (e *Engine) Close() {
	close(e.sweepStop)
	<-e.sweepDone
	e.store.Close()
	e.wg.Wait()
	e.gate.Stop()
	e.ws.Close()
	if err := e.rlog.Close(); err != nil {
		e.logger.Warn("Failed to close research log", "error", err)
	}
}
