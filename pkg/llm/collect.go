package llm

import (
	"context"
	"fmt"
	"strings"
)

// Response holds the fully-collected result of a streaming chat call.
type Response struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// StreamCallback is invoked for each content delta during collection. kind is
// ChunkTypeText, ChunkTypeThinking or ChunkTypeToolStart; for the content
// kinds delta is this chunk's content only, not the accumulated text, and for
// tool starts it is the tool name.
type StreamCallback func(kind ChunkType, delta string)

// Collect drains a chunk channel into a complete Response. An ErrorChunk in
// the stream terminates collection with a *ProviderError.
func Collect(stream <-chan Chunk) (*Response, error) {
	return CollectWithCallback(stream, nil)
}

// CollectWithCallback collects a stream while reporting content deltas to the
// callback; nil callback behaves like Collect.
func CollectWithCallback(stream <-chan Chunk, callback StreamCallback) (*Response, error) {
	resp := &Response{}
	var textBuf, thinkingBuf strings.Builder

	for chunk := range stream {
		switch c := chunk.(type) {
		case *TextChunk:
			textBuf.WriteString(c.Content)
			if callback != nil && c.Content != "" {
				callback(ChunkTypeText, c.Content)
			}
		case *ThinkingChunk:
			thinkingBuf.WriteString(c.Content)
			if callback != nil && c.Content != "" {
				callback(ChunkTypeThinking, c.Content)
			}
		case *ToolStartChunk:
			if callback != nil && c.Name != "" {
				callback(ChunkTypeToolStart, c.Name)
			}
		case *ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        c.CallID,
				Name:      c.Name,
				Arguments: c.Arguments,
			})
		case *UsageChunk:
			u := c.Usage
			resp.Usage = &u
		case *ErrorChunk:
			return nil, &ProviderError{
				Message:    c.Message,
				StatusCode: c.StatusCode,
				Failure:    c.Failure,
			}
		}
	}

	resp.Text = textBuf.String()
	resp.Thinking = thinkingBuf.String()
	return resp, nil
}

// Call performs a single chat call and collects the complete response. The
// stream's producer goroutine is always cleaned up on return.
func Call(ctx context.Context, client Client, req *ChatRequest) (*Response, error) {
	return CallWithCallback(ctx, client, req, nil)
}

// CallWithCallback is Call with real-time content delta reporting.
func CallWithCallback(ctx context.Context, client Client, req *ChatRequest, callback StreamCallback) (*Response, error) {
	chatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.Chat(chatCtx, req)
	if err != nil {
		return nil, fmt.Errorf("chat call failed: %w", err)
	}
	return CollectWithCallback(stream, callback)
}
