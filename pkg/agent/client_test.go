package agent

import (
	"context"
	"sync"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
)

// turn is one scripted model response.
type turn struct {
	text      string
	toolCalls []llm.ToolCall
	errChunk  *llm.ErrorChunk
	block     bool // wait for ctx cancellation instead of answering
}

func textTurn(text string) turn { return turn{text: text} }

func toolTurn(calls ...llm.ToolCall) turn { return turn{toolCalls: calls} }

// scriptedClient replays canned responses per model name, in order. A model
// with an exhausted (or missing) script answers with plain text, which ends
// any tool loop.
type scriptedClient struct {
	mu    sync.Mutex
	turns map[string][]turn
	reqs  []*llm.ChatRequest
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{turns: make(map[string][]turn)}
}

func (c *scriptedClient) script(model string, turns ...turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[model] = append(c.turns[model], turns...)
}

func (c *scriptedClient) requests() []*llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.ChatRequest(nil), c.reqs...)
}

func (c *scriptedClient) Chat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	t := turn{text: "nothing more to do"}
	if q := c.turns[req.Model]; len(q) > 0 {
		t = q[0]
		c.turns[req.Model] = q[1:]
	}
	c.mu.Unlock()

	ch := make(chan llm.Chunk, len(t.toolCalls)*2+3)
	go func() {
		defer close(ch)
		if t.block {
			<-ctx.Done()
			ch <- &llm.ErrorChunk{Message: "stream aborted", Failure: models.FailureUnknown}
			return
		}
		if t.errChunk != nil {
			ch <- t.errChunk
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

func (c *scriptedClient) Close() error { return nil }
