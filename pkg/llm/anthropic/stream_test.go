package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
)

// testDecoder feeds a fixed event sequence to an ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: json.RawMessage(data)}
}

type fakeMessages struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return f.stream
}

func drainChunks(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestChatStreamsTextAndToolCalls(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Searching "}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"now."}}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"web_search"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"solar\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":12,"output_tokens":7}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	client := NewWithMessages(&fakeMessages{
		stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil),
	})

	ch, err := client.Chat(context.Background(), validRequest())
	require.NoError(t, err)
	chunks := drainChunks(t, ch)

	// Tool start precedes the completed tool call.
	var order []llm.ChunkType
	for _, c := range chunks {
		switch c.(type) {
		case *llm.ToolStartChunk:
			order = append(order, llm.ChunkTypeToolStart)
		case *llm.ToolCallChunk:
			order = append(order, llm.ChunkTypeToolCall)
		}
	}
	assert.Equal(t, []llm.ChunkType{llm.ChunkTypeToolStart, llm.ChunkTypeToolCall}, order)

	resp, err := llm.Collect(replay(chunks))
	require.NoError(t, err)
	assert.Equal(t, "Searching now.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"solar"}`, resp.ToolCalls[0].Arguments)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, int64(19), resp.Usage.TotalTokens)
}

func TestChatStreamsEmptyToolArguments(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"generate_plan"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	client := NewWithMessages(&fakeMessages{
		stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil),
	})

	ch, err := client.Chat(context.Background(), validRequest())
	require.NoError(t, err)
	resp, err := llm.Collect(ch)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "{}", resp.ToolCalls[0].Arguments)
}

func TestChatSurfacesStreamFailure(t *testing.T) {
	dec := &testDecoder{
		events: []ssestream.Event{
			event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"part"}}`),
		},
		err: errors.New("unexpected EOF"),
	}
	client := NewWithMessages(&fakeMessages{
		stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil),
	})

	ch, err := client.Chat(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = llm.Collect(ch)
	require.Error(t, err)

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, models.FailureUnknown, pe.Failure)
	assert.Contains(t, pe.Message, "unexpected EOF")
}

func replay(chunks []llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}
