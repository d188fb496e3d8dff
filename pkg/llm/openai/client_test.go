package openai

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
)

func validRequest() *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:     "gpt-4o",
		MaxTokens: 1024,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hello"},
		},
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("", "")
	require.Error(t, err)

	client, err := New("sk-test", "")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.NoError(t, client.Close())
}

func TestEncodeRequestValidation(t *testing.T) {
	t.Run("missing model", func(t *testing.T) {
		req := validRequest()
		req.Model = ""
		_, err := encodeRequest(req)
		assert.ErrorContains(t, err, "model is required")
	})

	t.Run("no messages", func(t *testing.T) {
		req := validRequest()
		req.Messages = nil
		_, err := encodeRequest(req)
		assert.ErrorContains(t, err, "at least one message")
	})

	t.Run("unsupported role", func(t *testing.T) {
		req := validRequest()
		req.Messages = []llm.Message{{Role: "narrator", Content: "hm"}}
		_, err := encodeRequest(req)
		assert.ErrorContains(t, err, "unsupported message role")
	})
}

func TestEncodeRequestBasics(t *testing.T) {
	req := validRequest()
	req.System = "be rigorous"
	req.Temperature = 0.2

	params, err := encodeRequest(req)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", string(params.Model))
	assert.Equal(t, int64(1024), params.MaxCompletionTokens.Value)
	assert.InDelta(t, 0.2, params.Temperature.Value, 1e-9)
	assert.True(t, params.StreamOptions.IncludeUsage.Value)

	require.Len(t, params.Messages, 2)
	assertMessageJSON(t, params.Messages[0], `{"role":"system","content":"be rigorous"}`)
	assertMessageJSON(t, params.Messages[1], `{"role":"user","content":"hello"}`)
}

func TestEncodeMessagesImages(t *testing.T) {
	req := validRequest()
	req.Messages = []llm.Message{{
		Role:    llm.RoleUser,
		Content: "what does the chart show?",
		Images:  []llm.ImageData{{MediaType: "image/png", Data: []byte{1, 2, 3}}},
	}}

	params, err := encodeRequest(req)
	require.NoError(t, err)
	require.Len(t, params.Messages, 1)

	assertMessageJSON(t, params.Messages[0], `{
		"role": "user",
		"content": [
			{"type": "text", "text": "what does the chart show?"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AQID"}}
		]
	}`)
}

func TestEncodeMessagesToolRoundTrip(t *testing.T) {
	req := validRequest()
	req.Messages = []llm.Message{
		{Role: llm.RoleUser, Content: "find solar capacity data"},
		{
			Role:    llm.RoleAssistant,
			Content: "Searching.",
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "web_search", Arguments: `{"query":"solar"}`},
			},
		},
		{Role: llm.RoleTool, Content: `{"results":[]}`, ToolCallID: "call_1"},
	}

	params, err := encodeRequest(req)
	require.NoError(t, err)
	require.Len(t, params.Messages, 3)

	assertMessageJSON(t, params.Messages[1], `{
		"role": "assistant",
		"content": "Searching.",
		"tool_calls": [
			{"id": "call_1", "type": "function", "function": {"name": "web_search", "arguments": "{\"query\":\"solar\"}"}}
		]
	}`)
	assertMessageJSON(t, params.Messages[2], `{
		"role": "tool",
		"content": "{\"results\":[]}",
		"tool_call_id": "call_1"
	}`)
}

func TestEncodeTools(t *testing.T) {
	req := validRequest()
	req.Tools = []llm.ToolDefinition{{
		Name:             "web_search",
		Description:      "Search the web.",
		ParametersSchema: `{"type":"object","properties":{"query":{"type":"string"}}}`,
	}}

	params, err := encodeRequest(req)
	require.NoError(t, err)
	require.Len(t, params.Tools, 1)

	raw, err := json.Marshal(params.Tools[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "function",
		"function": {
			"name": "web_search",
			"description": "Search the web.",
			"parameters": {"type": "object", "properties": {"query": {"type": "string"}}}
		}
	}`, string(raw))

	req.Tools[0].ParametersSchema = "{not json"
	_, err = encodeRequest(req)
	assert.ErrorContains(t, err, "schema")
}

func TestProviderErrorClassification(t *testing.T) {
	perr := providerError(errors.New("connection reset"))
	assert.Equal(t, models.FailureUnknown, perr.Failure)
	assert.Zero(t, perr.StatusCode)
	assert.Contains(t, perr.Message, "connection reset")
}

func assertMessageJSON(t *testing.T, msg any, want string) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, want, string(raw))
}
