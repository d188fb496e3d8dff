package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fathomlabs/fathom/pkg/llm"
)

// pump translates SDK streaming events into llm chunks until the stream
// ends or the context is cancelled. Always closes the chunk channel.
func pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()

	emit := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Tool blocks stream their input as JSON fragments keyed by block index.
	tools := make(map[int64]*toolBuffer)

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				tools[ev.Index] = &toolBuffer{id: tu.ID, name: tu.Name}
				if !emit(&llm.ToolStartChunk{CallID: tu.ID, Name: tu.Name}) {
					return
				}
			}

		case sdk.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if d.Text != "" && !emit(&llm.TextChunk{Content: d.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if d.Thinking != "" && !emit(&llm.ThinkingChunk{Content: d.Thinking}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := tools[ev.Index]; tb != nil && d.PartialJSON != "" {
					tb.fragments = append(tb.fragments, d.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			if tb := tools[ev.Index]; tb != nil {
				delete(tools, ev.Index)
				if !emit(&llm.ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.arguments()}) {
					return
				}
			}

		case sdk.MessageDeltaEvent:
			usage := llm.TokenUsage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
				TotalTokens:  ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
			if !emit(&llm.UsageChunk{Usage: usage}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		pe := providerError(err)
		emit(&llm.ErrorChunk{Message: pe.Message, StatusCode: pe.StatusCode, Failure: pe.Failure})
	}
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) arguments() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}
