package e2e

import (
	"context"
	"sync"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
)

// Model names the scripted sessions route on, one per role.
const (
	orchModel   = "orch-model"
	planModel   = "plan-model"
	sumModel    = "sum-model"
	reportModel = "report-model"
	subModel    = "sub-model"
)

// turn is one scripted model response. A block turn parks the call until the
// context is cancelled, then fails the stream.
type turn struct {
	text      string
	toolCalls []llm.ToolCall
	block     bool
}

func textTurn(text string) turn {
	return turn{text: text}
}

func toolTurn(calls ...llm.ToolCall) turn {
	return turn{toolCalls: calls}
}

func blockTurn() turn {
	return turn{block: true}
}

func call(id, name, arguments string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: arguments}
}

// mockLLM replays scripted turns per model name. Models without a queued
// turn get a plain text response, which ends any tool loop.
type mockLLM struct {
	mu    sync.Mutex
	turns map[string][]turn
}

func newMockLLM() *mockLLM {
	return &mockLLM{turns: make(map[string][]turn)}
}

func (c *mockLLM) script(model string, turns ...turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[model] = append(c.turns[model], turns...)
}

func (c *mockLLM) Chat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Chunk, error) {
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
		ch <- &llm.UsageChunk{Usage: llm.TokenUsage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30}}
	}()
	return ch, nil
}

func (c *mockLLM) Close() error { return nil }
