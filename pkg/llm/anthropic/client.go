// Package anthropic implements llm.Client on the Anthropic Messages API
// using the official SDK. Requests are always streamed; incremental events
// are translated into llm chunks.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fathomlabs/fathom/pkg/llm"
)

// MessagesAPI is the subset of the SDK message service used by the adapter.
// Satisfied by *sdk.MessageService; tests substitute a fake.
type MessagesAPI interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client adapts the Anthropic Messages API to llm.Client.
type Client struct {
	messages MessagesAPI
}

// New builds a client for the given API key. baseURL overrides the API
// endpoint when non-empty. SDK-internal retries are disabled; callers own
// the retry policy.
func New(apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return &Client{messages: &ac.Messages}, nil
}

// NewWithMessages builds a client on a caller-supplied message service.
func NewWithMessages(messages MessagesAPI) *Client {
	return &Client{messages: messages}
}

// Chat implements llm.Client.
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Chunk, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	stream := c.messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, providerError(err)
	}

	ch := make(chan llm.Chunk, 32)
	go pump(ctx, stream, ch)
	return ch, nil
}

// Close implements llm.Client. The SDK holds no persistent connections.
func (c *Client) Close() error { return nil }

func encodeRequest(req *llm.ChatRequest) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	if req.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	msgs, system, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

// encodeMessages splits the conversation into the system blocks and the
// user/assistant turn list. System-role messages appended mid-conversation
// join the system blocks in order. Consecutive tool results are grouped
// into a single user turn.
func encodeMessages(req *llm.ChatRequest) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var system []sdk.TextBlockParam
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}

	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	var toolResults []sdk.ContentBlockParamUnion
	flushToolResults := func() {
		if len(toolResults) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(toolResults...))
			toolResults = nil
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			flushToolResults()
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case llm.RoleUser:
			flushToolResults()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, img := range m.Images {
				blocks = append(blocks, sdk.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}

		case llm.RoleAssistant:
			flushToolResults()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}

		case llm.RoleTool:
			toolResults = append(toolResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))

		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flushToolResults()
	return conversation, system, nil
}

// toolInput re-encodes recorded tool arguments. The API requires a non-null
// JSON object for tool_use input.
func toolInput(arguments string) any {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return map[string]any{}
	}
	if !json.Valid([]byte(trimmed)) {
		return map[string]any{"raw": arguments}
	}
	return json.RawMessage(trimmed)
}

func encodeTools(defs []llm.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool name is required")
		}
		schema, err := inputSchema(def.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func inputSchema(raw string) (sdk.ToolInputSchemaParam, error) {
	if strings.TrimSpace(raw) == "" {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// providerError classifies an SDK error into the shared failure taxonomy.
func providerError(err error) *llm.ProviderError {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return &llm.ProviderError{
			Message:    err.Error(),
			StatusCode: apierr.StatusCode,
			Failure:    llm.ClassifyStatus(apierr.StatusCode),
		}
	}
	return &llm.ProviderError{
		Message: err.Error(),
		Failure: llm.ClassifyError(err),
	}
}
