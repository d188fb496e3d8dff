// Package e2e exercises the full stack: HTTP API over a real engine, with
// scripted LLM responses and stubbed search/sandbox providers.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/api"
	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/engine"
	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/ratelimit"
	"github.com/fathomlabs/fathom/pkg/sandbox"
	"github.com/fathomlabs/fathom/pkg/search"
)

// stubSearch is a scripted search provider: the first `failures` calls come
// back rate-limited, the rest return two fixed results. Dispatch times are
// recorded for rate-gate assertions.
type stubSearch struct {
	mu       sync.Mutex
	failures int
	times    []time.Time
}

func newStubSearch(failures int) *stubSearch {
	return &stubSearch{failures: failures}
}

func (s *stubSearch) SearchWithContents(ctx context.Context, query string, opts search.Options) (*search.Response, error) {
	s.mu.Lock()
	s.times = append(s.times, time.Now())
	n := len(s.times)
	s.mu.Unlock()

	if n <= s.failures {
		return nil, &ratelimit.StatusError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}
	}
	return &search.Response{
		Results: []search.Result{
			{Title: "Source one", URL: "https://example.com/one", Text: "Adoption grew 40% year over year."},
			{Title: "Source two", URL: "https://example.com/two", Text: "Growth is concentrated in mid-market accounts."},
		},
	}, nil
}

func (s *stubSearch) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}

func (s *stubSearch) Times() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.times))
	copy(out, s.times)
	return out
}

// stubSandbox executes nothing and reports success.
type stubSandbox struct{}

func (stubSandbox) RunPython(ctx context.Context, code string, timeout time.Duration) (*sandbox.Execution, error) {
	return &sandbox.Execution{
		Results: []sandbox.Output{{Text: "ok"}},
		Logs:    sandbox.Logs{Stdout: []string{"ok"}},
	}, nil
}

// TestApp is one booted application instance: engine plus HTTP server.
type TestApp struct {
	Engine *engine.Engine
	Server *httptest.Server
	LLM    *mockLLM
	Search *stubSearch
	Root   string
}

type option func(*config.Config)

// newApp boots the engine and the API server around the scripted providers.
func newApp(t *testing.T, llmc *mockLLM, searchStub *stubSearch, opts ...option) *TestApp {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Models = models.ModelSelection{
		Orchestrator: orchModel,
		Planner:      planModel,
		Summarizer:   sumModel,
		ReportWriter: reportModel,
		SubAgent:     subModel,
	}
	cfg.Providers.LLM.APIKey = "llm-key"
	cfg.Providers.Search.APIKey = "search-key"
	cfg.Providers.Sandbox.APIKey = "sandbox-key"
	// Keep the dispatch gate out of the way unless a test opts back in.
	cfg.Providers.Search.MinSpacingMs = 1
	for _, opt := range opts {
		opt(cfg)
	}

	eng, err := engine.New(context.Background(), cfg,
		engine.WithLLMFactory(func(apiKey string) (llm.Client, error) { return llmc, nil }),
		engine.WithSearchFactory(func(apiKey string) (search.Provider, error) { return searchStub, nil }),
		engine.WithSandboxFactory(func(apiKey string) (sandbox.Provider, error) { return stubSandbox{}, nil }),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(eng, cfg.HTTP).Router())
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
	})

	return &TestApp{
		Engine: eng,
		Server: srv,
		LLM:    llmc,
		Search: searchStub,
		Root:   cfg.Workspace.Root,
	}
}

// createSession starts a session through the HTTP API and returns its id.
func (app *TestApp) createSession(t *testing.T, query string) string {
	t.Helper()
	body, err := json.Marshal(models.CreateSessionRequest{Query: query})
	require.NoError(t, err)

	resp, err := http.Post(app.Server.URL+"/api/v1/sessions", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

// cancelSession cancels through the HTTP API.
func (app *TestApp) cancelSession(t *testing.T, id string) {
	t.Helper()
	resp, err := http.Post(app.Server.URL+"/api/v1/sessions/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// waitStatus polls until the session reaches the wanted status.
func (app *TestApp) waitStatus(t *testing.T, id string, want models.SessionStatus, timeout time.Duration) *models.Session {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, _, err := app.Engine.Status(id)
		require.NoError(t, err)
		if snap.Status == want {
			return snap
		}
		if snap.Status.Terminal() {
			t.Fatalf("session %s ended %s (error %q), wanted %s", id, snap.Status, snap.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", id, want)
	return nil
}

// snapshot fetches the current session state.
func (app *TestApp) snapshot(t *testing.T, id string) *models.Session {
	t.Helper()
	snap, _, err := app.Engine.Status(id)
	require.NoError(t, err)
	return snap
}

// collectEvents drains a subscriber until its channel closes.
func collectEvents(t *testing.T, sub *events.Subscriber, timeout time.Duration) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not close within %s (%d events so far)", timeout, len(out))
			return out
		}
	}
}

// eventTypes projects an event sequence onto its type names.
func eventTypes(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// countType counts events of one type.
func countType(evs []events.Event, eventType string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// jsonArgs renders tool-call arguments from a value.
func jsonArgs(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("jsonArgs: %v", err))
	}
	return string(b)
}

// resultsBody is a findings payload comfortably past the validation minimum.
var resultsBody = "# Results\n\n" + strings.Repeat("Adoption keeps climbing across every tracked segment. ", 10)

// writeResultsCall builds a file tool call that persists valid findings.
func writeResultsCall(id string) llm.ToolCall {
	return call(id, "file", jsonArgs(map[string]string{
		"operation":   "write",
		"path":        "results.md",
		"content":     resultsBody,
		"description": "record findings",
	}))
}
