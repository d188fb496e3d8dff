package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/models"
)

func chunkStream(chunks ...Chunk) <-chan Chunk {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestCollectAccumulatesTextAndToolCalls(t *testing.T) {
	stream := chunkStream(
		&TextChunk{Content: "The answer "},
		&TextChunk{Content: "is 42."},
		&ToolStartChunk{CallID: "call_1", Name: "web_search"},
		&ToolCallChunk{CallID: "call_1", Name: "web_search", Arguments: `{"query":"x"}`},
		&UsageChunk{Usage: TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	)

	resp, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.Equal(t, `{"query":"x"}`, resp.ToolCalls[0].Arguments)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, int64(15), resp.Usage.TotalTokens)
}

func TestCollectSeparatesThinking(t *testing.T) {
	stream := chunkStream(
		&ThinkingChunk{Content: "consider sources"},
		&TextChunk{Content: "done"},
	)

	resp, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "consider sources", resp.Thinking)
	assert.Equal(t, "done", resp.Text)
}

func TestCollectSurfacesProviderError(t *testing.T) {
	stream := chunkStream(
		&TextChunk{Content: "partial"},
		&ErrorChunk{Message: "overloaded", StatusCode: 529, Failure: models.FailureServerError},
	)

	_, err := Collect(stream)
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, models.FailureServerError, pe.Failure)
	assert.Equal(t, 529, pe.StatusCode)
	assert.Contains(t, pe.Error(), "overloaded")
}

func TestCollectWithCallbackReportsDeltas(t *testing.T) {
	stream := chunkStream(
		&ThinkingChunk{Content: "hmm"},
		&TextChunk{Content: "a"},
		&TextChunk{Content: ""},
		&TextChunk{Content: "b"},
		&ToolStartChunk{CallID: "call_1", Name: "web_search"},
		&ToolCallChunk{CallID: "call_1", Name: "web_search", Arguments: `{}`},
	)

	type delta struct {
		kind    ChunkType
		content string
	}
	var got []delta
	resp, err := CollectWithCallback(stream, func(kind ChunkType, content string) {
		got = append(got, delta{kind, content})
	})
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Text)
	// Empty deltas are not reported; tool starts surface the tool name.
	assert.Equal(t, []delta{
		{ChunkTypeThinking, "hmm"},
		{ChunkTypeText, "a"},
		{ChunkTypeText, "b"},
		{ChunkTypeToolStart, "web_search"},
	}, got)
}

type stubClient struct {
	chunks []Chunk
	err    error
}

func (s *stubClient) Chat(ctx context.Context, req *ChatRequest) (<-chan Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	return chunkStream(s.chunks...), nil
}

func (s *stubClient) Close() error { return nil }

func TestCall(t *testing.T) {
	client := &stubClient{chunks: []Chunk{&TextChunk{Content: "hello"}}}
	resp, err := Call(context.Background(), client, &ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
}

func TestCallWrapsChatFailure(t *testing.T) {
	client := &stubClient{err: errors.New("dial refused")}
	_, err := Call(context.Background(), client, &ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat call failed")
}
