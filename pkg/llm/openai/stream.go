package openai

import (
	"context"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/fathomlabs/fathom/pkg/llm"
)

// toolBuffer accumulates one streamed tool call. The Chat Completions API
// keys fragments by choice-local index: the id and name arrive on the first
// fragment, the JSON arguments across the rest.
type toolBuffer struct {
	id   string
	name string
	args strings.Builder
}

func (tb *toolBuffer) arguments() string {
	if tb.args.Len() == 0 {
		return "{}"
	}
	return tb.args.String()
}

// pump drains the SSE stream into ch, translating chunk deltas into llm
// chunks. Tool calls are emitted once complete, after the stream ends;
// stream errors surface as a trailing ErrorChunk.
func pump(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()

	emit := func(chunk llm.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	tools := make(map[int64]*toolBuffer)
	var order []int64

	for stream.Next() {
		chunk := stream.Current()

		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				if !emit(llm.TextChunk{Content: delta.Content}) {
					return
				}
			}
			for _, d := range delta.ToolCalls {
				tb := tools[d.Index]
				if tb == nil {
					tb = &toolBuffer{}
					tools[d.Index] = tb
					order = append(order, d.Index)
				}
				if d.ID != "" {
					tb.id = d.ID
				}
				if d.Function.Name != "" {
					tb.name = d.Function.Name
					if !emit(llm.ToolStartChunk{CallID: tb.id, Name: tb.name}) {
						return
					}
				}
				if d.Function.Arguments != "" {
					tb.args.WriteString(d.Function.Arguments)
				}
			}
		}

		// The final chunk carries usage when stream_options requests it.
		if chunk.Usage.TotalTokens > 0 {
			usage := llm.TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
			if !emit(llm.UsageChunk{Usage: usage}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		perr := providerError(err)
		emit(llm.ErrorChunk{Message: perr.Message, StatusCode: perr.StatusCode, Failure: perr.Failure})
		return
	}

	for _, idx := range order {
		tb := tools[idx]
		if !emit(llm.ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.arguments()}) {
			return
		}
	}
}
