// Package llm defines the provider-neutral chat contract used by every
// agent in the system, plus helpers for collecting streamed responses.
package llm

import (
	"context"

	"github.com/fathomlabs/fathom/pkg/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Client is the interface implemented by provider adapters.
type Client interface {
	// Chat sends a conversation to the model and returns a stream of chunks.
	// The returned channel is closed when the stream completes. Provider
	// failures are delivered as ErrorChunk values in the channel.
	Chat(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)

	// Close releases any underlying connections.
	Close() error
}

// ChatRequest is a single model invocation.
type ChatRequest struct {
	Model       string
	System      string // system prompt; empty = none
	Messages    []Message
	Tools       []ToolDefinition // nil = no tools
	MaxTokens   int
	Temperature float64
}

// Message is one turn of a conversation.
type Message struct {
	Role       string
	Content    string
	Images     []ImageData // inline images for multimodal user messages
	ToolCalls  []ToolCall  // for assistant messages
	ToolCallID string      // for tool result messages
	ToolName   string      // for tool result messages
	IsError    bool        // marks a tool result as a failure
}

// ImageData is a raw inline image. Adapters handle base64 encoding.
type ImageData struct {
	MediaType string // "image/png" or "image/jpeg"
	Data      []byte
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// TokenUsage reports token consumption for one model call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText      ChunkType = "text"
	ChunkTypeThinking  ChunkType = "thinking"
	ChunkTypeToolStart ChunkType = "tool_start"
	ChunkTypeToolCall  ChunkType = "tool_call"
	ChunkTypeUsage     ChunkType = "usage"
	ChunkTypeError     ChunkType = "error"
)

// TextChunk is a delta of the model's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a delta of the model's internal reasoning.
type ThinkingChunk struct{ Content string }

// ToolStartChunk signals that the model has begun emitting a tool call,
// before its arguments have finished streaming.
type ToolStartChunk struct{ CallID, Name string }

// ToolCallChunk carries a complete tool call with accumulated arguments.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this call.
type UsageChunk struct{ Usage TokenUsage }

// ErrorChunk signals a terminal provider failure.
type ErrorChunk struct {
	Message    string
	StatusCode int // 0 when no HTTP status applies
	Failure    models.FailureType
}

func (c *TextChunk) chunkType() ChunkType      { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType  { return ChunkTypeThinking }
func (c *ToolStartChunk) chunkType() ChunkType { return ChunkTypeToolStart }
func (c *ToolCallChunk) chunkType() ChunkType  { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType     { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType     { return ChunkTypeError }
