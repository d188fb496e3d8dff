package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
)

// scripted model responses, routed by request model name.
type turn struct {
	text      string
	toolCalls []llm.ToolCall
	block     bool
}

type scriptedClient struct {
	mu    sync.Mutex
	turns map[string][]turn
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{turns: make(map[string][]turn)}
}

func (c *scriptedClient) script(model string, turns ...turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[model] = append(c.turns[model], turns...)
}

func (c *scriptedClient) Chat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	t := turn{text: "nothing more to do"}
	if q := c.turns[req.Model]; len(q) > 0 {
		t = q[0]
		c.turns[req.Model] = q[1:]
	}
	c.mu.Unlock()

	ch := make(chan llm.Chunk, len(t.toolCalls)*2+2)
	go func() {
		defer close(ch)
		if t.block {
			<-ctx.Done()
			ch <- &llm.ErrorChunk{Message: "stream aborted", Failure: models.FailureUnknown}
			return
		}
		if t.text != "" {
			ch <- &llm.TextChunk{Content: t.text}
		}
		for _, tc := range t.toolCalls {
			ch <- &llm.ToolStartChunk{CallID: tc.ID, Name: tc.Name}
			ch <- &llm.ToolCallChunk{CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
	}()
	return ch, nil
}

func (c *scriptedClient) Close() error { return nil }

var engineTestModels = models.ModelSelection{
	Orchestrator: "orch-model",
	Planner:      "plan-model",
	Summarizer:   "sum-model",
	ReportWriter: "report-model",
	SubAgent:     "sub-model",
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Models = engineTestModels
	cfg.Providers.LLM.APIKey = "llm-key"
	cfg.Providers.Search.APIKey = "search-key"
	cfg.Providers.Sandbox.APIKey = "sandbox-key"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, client llm.Client) *Engine {
	t.Helper()
	eng, err := New(context.Background(), cfg,
		WithLLMFactory(func(apiKey string) (llm.Client, error) { return client, nil }),
	)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

// waitStatus polls until the session reaches the wanted status.
func waitStatus(t *testing.T, eng *Engine, id string, want models.SessionStatus) *models.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, _, err := eng.Status(id)
		require.NoError(t, err)
		if snap.Status == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", id, want)
	return nil
}

// happyPathScript wires the minimal plan-then-report session.
func happyPathScript(client *scriptedClient) {
	client.script("plan-model", turn{text: "Break the question into supply and demand."})
	client.script("report-model", turn{text: "# Market Report\n\nSupply exceeds demand."})
	client.script("orch-model",
		turn{toolCalls: []llm.ToolCall{{ID: "c1", Name: "generate_plan", Arguments: `{"description":"plan"}`}}},
		turn{toolCalls: []llm.ToolCall{{ID: "c2", Name: "write_report", Arguments: `{"query":"the market question","agent_results":[{"agent_id":"agent_1","task":"missing agent"}]}`}}},
		turn{text: "Done."},
	)
}

func TestCreateSessionValidation(t *testing.T) {
	cfg := testConfig(t)
	eng := newTestEngine(t, cfg, newScriptedClient())

	_, err := eng.CreateSession(&models.CreateSessionRequest{Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = eng.CreateSession(&models.CreateSessionRequest{Query: strings.Repeat("q", MaxQueryLength+1)})
	assert.ErrorIs(t, err, ErrQueryTooLong)
}

func TestCreateSessionRequiresKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.Sandbox.APIKey = ""
	eng := newTestEngine(t, cfg, newScriptedClient())

	_, err := eng.CreateSession(&models.CreateSessionRequest{Query: "valid question"})
	assert.ErrorIs(t, err, ErrKeysIncomplete)

	// per-request keys fill the gap
	id, err := eng.CreateSession(&models.CreateSessionRequest{
		Query: "valid question",
		Keys:  models.APIKeys{Sandbox: "per-request"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestSessionRunsToCompletion(t *testing.T) {
	client := newScriptedClient()
	happyPathScript(client)
	eng := newTestEngine(t, testConfig(t), client)

	id, err := eng.CreateSession(&models.CreateSessionRequest{Query: "the market question"})
	require.NoError(t, err)

	snap := waitStatus(t, eng, id, models.SessionCompleted)
	assert.Empty(t, snap.Error)

	report, err := eng.Report(id)
	require.NoError(t, err)
	assert.Contains(t, report, "Market Report")

	data, contentType, err := eng.File(id, "final_report.md")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Market Report")
	assert.Equal(t, "text/markdown; charset=utf-8", contentType)
}

func TestReportPlaceholderWhileRunning(t *testing.T) {
	client := newScriptedClient()
	client.script("orch-model", turn{block: true})
	eng := newTestEngine(t, testConfig(t), client)

	id, err := eng.CreateSession(&models.CreateSessionRequest{Query: "slow question"})
	require.NoError(t, err)

	report, err := eng.Report(id)
	require.NoError(t, err)
	assert.Equal(t, reportPlaceholder, report)

	fired, err := eng.Cancel(id)
	require.NoError(t, err)
	assert.True(t, fired)
	waitStatus(t, eng, id, models.SessionFailed)
}

func TestCancelIsIdempotent(t *testing.T) {
	client := newScriptedClient()
	client.script("orch-model", turn{block: true})
	eng := newTestEngine(t, testConfig(t), client)

	id, err := eng.CreateSession(&models.CreateSessionRequest{Query: "cancel me"})
	require.NoError(t, err)

	fired, err := eng.Cancel(id)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = eng.Cancel(id)
	require.NoError(t, err)
	assert.False(t, fired)

	snap := waitStatus(t, eng, id, models.SessionFailed)
	assert.Equal(t, "cancelled", snap.Error)
}

func TestFileContainment(t *testing.T) {
	client := newScriptedClient()
	happyPathScript(client)
	eng := newTestEngine(t, testConfig(t), client)

	id, err := eng.CreateSession(&models.CreateSessionRequest{Query: "containment"})
	require.NoError(t, err)
	waitStatus(t, eng, id, models.SessionCompleted)

	_, _, err = eng.File(id, "../../../etc/passwd")
	assert.ErrorIs(t, err, ErrForbiddenPath)

	_, _, err = eng.File(id, "does_not_exist.md")
	assert.Error(t, err)
}

func TestStatusUnknownSession(t *testing.T) {
	eng := newTestEngine(t, testConfig(t), newScriptedClient())
	_, _, err := eng.Status("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAbortGracePeriod(t *testing.T) {
	client := newScriptedClient()
	client.script("orch-model", turn{block: true})
	cfg := testConfig(t)
	cfg.Engine.AbortGracePeriodMs = 50
	eng := newTestEngine(t, cfg, client)

	id, err := eng.CreateSession(&models.CreateSessionRequest{Query: "abandoned session"})
	require.NoError(t, err)

	sub, err := eng.Subscribe(id)
	require.NoError(t, err)
	sub.Close()

	snap := waitStatus(t, eng, id, models.SessionFailed)
	assert.Equal(t, "cancelled", snap.Error)
}

func TestSubscriberReturnCancelsAbort(t *testing.T) {
	client := newScriptedClient()
	client.script("orch-model", turn{block: true})
	cfg := testConfig(t)
	cfg.Engine.AbortGracePeriodMs = 200
	eng := newTestEngine(t, cfg, client)

	id, err := eng.CreateSession(&models.CreateSessionRequest{Query: "flaky subscriber"})
	require.NoError(t, err)

	first, err := eng.Subscribe(id)
	require.NoError(t, err)
	first.Close()

	// reconnect inside the grace period
	time.Sleep(50 * time.Millisecond)
	second, err := eng.Subscribe(id)
	require.NoError(t, err)
	defer second.Close()

	time.Sleep(400 * time.Millisecond)
	snap, _, err := eng.Status(id)
	require.NoError(t, err)
	assert.False(t, snap.Status.Terminal(), "session should survive while subscribed")
}
