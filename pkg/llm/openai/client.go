// Package openai implements llm.Client on the OpenAI Chat Completions API
// using the official SDK. Requests are always streamed.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/fathomlabs/fathom/pkg/llm"
)

// CompletionsAPI is the subset of the SDK completion service used by the
// adapter. Satisfied by *sdk.ChatCompletionService; tests substitute a fake.
type CompletionsAPI interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Client adapts the OpenAI Chat Completions API to llm.Client.
type Client struct {
	completions CompletionsAPI
}

// New builds a client for the given API key. baseURL overrides the API
// endpoint when non-empty. SDK-internal retries are disabled; callers own
// the retry policy.
func New(apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(opts...)
	return &Client{completions: &oc.Chat.Completions}, nil
}

// NewWithCompletions builds a client on a caller-supplied completion service.
func NewWithCompletions(completions CompletionsAPI) *Client {
	return &Client{completions: completions}
}

// Chat implements llm.Client.
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Chunk, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	stream := c.completions.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, providerError(err)
	}

	ch := make(chan llm.Chunk, 32)
	go pump(ctx, stream, ch)
	return ch, nil
}

// Close implements llm.Client. The SDK holds no persistent connections.
func (c *Client) Close() error { return nil }

func encodeRequest(req *llm.ChatRequest) (*sdk.ChatCompletionNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	msgs, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}

	params := &sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: msgs,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(req *llm.ChatRequest) ([]sdk.ChatCompletionMessageParamUnion, error) {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, sdk.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				msgs = append(msgs, sdk.SystemMessage(m.Content))
			}

		case llm.RoleUser:
			if len(m.Images) == 0 {
				msgs = append(msgs, sdk.UserMessage(m.Content))
				continue
			}
			var parts []sdk.ChatCompletionContentPartUnionParam
			if m.Content != "" {
				parts = append(parts, sdk.TextContentPart(m.Content))
			}
			for _, img := range m.Images {
				parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL(img),
				}))
			}
			msgs = append(msgs, sdk.UserMessage(parts))

		case llm.RoleAssistant:
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = sdk.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			msgs = append(msgs, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case llm.RoleTool:
			msgs = append(msgs, sdk.ToolMessage(m.Content, m.ToolCallID))

		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return msgs, nil
}

func encodeTools(defs []llm.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool name is required")
		}
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if strings.TrimSpace(def.ParametersSchema) != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(def.ParametersSchema), &m); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = sdk.FunctionParameters(m)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
	}
	return out, nil
}

// dataURL inlines an image as a base64 data URL, the Chat Completions
// transport for local images.
func dataURL(img llm.ImageData) string {
	return "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
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
