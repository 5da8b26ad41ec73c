// Package claudeadapter translates a Claude-like agent process's stream
// frames into canonical events.Update values.
//
// It decodes frames as github.com/anthropics/anthropic-sdk-go stream-event
// union types -- the same vendor wire shapes the SDK's own SSE client
// produces -- purely as a decode target. The adapter never calls the
// Anthropic API; the AI process is opaque and owns its own model calls
// (SPEC_FULL.md §4.3, §9). Grounded on the event-union switch in
// goadesign-goa-ai's features/model/anthropic/stream.go, adapted from an
// io.Reader-driven SSE stream to a line-oriented Translate call because the
// runner reads the opaque process's stdout one JSON line at a time.
package claudeadapter

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/forgehq/forge/internal/events"
	"github.com/forgehq/forge/internal/model"
)

// Adapter decodes one line of Claude-like stream output per call. Tool-use
// input arrives as incremental JSON deltas across multiple ContentBlockDelta
// events; toolBuffers accumulates fragments keyed by content-block index
// until the matching ContentBlockStopEvent closes it out.
type Adapter struct {
	toolBuffers map[int64]*toolBuffer
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func New() *Adapter {
	return &Adapter{toolBuffers: make(map[int64]*toolBuffer)}
}

// Translate implements events.Adapter. A line that does not parse as a
// recognized stream event is dropped rather than erroring: the opaque
// process may interleave non-protocol diagnostic lines on stdout, and a
// single unparseable line must never abort the session.
func (a *Adapter) Translate(line []byte) ([]events.Update, error) {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return nil, nil
	}

	var union sdk.MessageStreamEventUnion
	if err := json.Unmarshal(line, &union); err != nil {
		return nil, nil
	}

	switch ev := union.AsAny().(type) {
	case sdk.MessageStartEvent:
		a.toolBuffers = make(map[int64]*toolBuffer)
		return []events.Update{{Kind: events.KindStart}}, nil

	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return nil, nil
			}
			a.toolBuffers[ev.Index] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil, nil

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil, nil
			}
			return []events.Update{{Kind: events.KindTextDelta, TextDelta: delta.Text}}, nil

		case sdk.InputJSONDelta:
			tb := a.toolBuffers[ev.Index]
			if tb == nil || delta.PartialJSON == "" {
				return nil, nil
			}
			tb.fragments.WriteString(delta.PartialJSON)
			return nil, nil

		default:
			return nil, nil
		}

	case sdk.ContentBlockStopEvent:
		tb := a.toolBuffers[ev.Index]
		if tb == nil {
			return nil, nil
		}
		delete(a.toolBuffers, ev.Index)
		return []events.Update{{
			Kind: events.KindToolInputAvailable,
			ToolCall: &model.ToolCall{
				ToolCallID: tb.id,
				Name:       tb.name,
				InputJSON:  tb.fragments.String(),
				State:      model.ToolCallStatePending,
			},
		}}, nil

	case sdk.MessageStopEvent:
		return []events.Update{{Kind: events.KindBuildComplete, Success: true}}, nil

	default:
		return nil, nil
	}
}

// ToolResult is distinct from the streaming protocol: the opaque process
// reports tool execution outcomes (success/error, output payload) out of
// band on a separate channel, since the Anthropic stream itself only carries
// the model's tool-use *request*, never its result. TranslateToolResult
// turns that side-channel report into the matching canonical update.
func (a *Adapter) TranslateToolResult(toolCallID string, outputJSON string, execErr string) events.Update {
	tc := &model.ToolCall{
		ToolCallID: toolCallID,
		OutputJSON: outputJSON,
	}
	if execErr != "" {
		tc.State = model.ToolCallStateError
		return events.Update{Kind: events.KindToolError, ToolCall: tc, Error: execErr}
	}
	tc.State = model.ToolCallStateSuccess
	return events.Update{Kind: events.KindToolOutputAvailable, ToolCall: tc}
}
