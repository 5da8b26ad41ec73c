// Package codexadapter translates a Codex-like agent process's stream
// frames into canonical events.Update values.
//
// Native function-call/message output items decode as
// github.com/openai/openai-go/responses output-item shapes, the same
// fallback-decode idiom the teacher's native_runtime.go uses when scanning
// completed.Output for function_call items (internal/ai/native_runtime.go).
// The adapter additionally recognizes two Codex-specific todo-reporting
// patterns that do not appear in the native Responses API shape at all:
// in-band `TodoWrite({...})` calls embedded in assistant text, and fenced
// JSON blocks from an MCP todo tool's result. Both are extracted with the
// tolerant laxjson parser (REDESIGN FLAG #2, spec.md §9) rather than regex
// rewriting, and extraction failure drops the frame instead of emitting
// partial todos.
package codexadapter

import (
	"encoding/json"
	"fmt"
	"strings"

	oresponses "github.com/openai/openai-go/responses"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/forgehq/forge/internal/events"
	"github.com/forgehq/forge/internal/events/codexadapter/laxjson"
	"github.com/forgehq/forge/internal/model"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

// nativeFrame is the line shape the opaque Codex-like process actually
// writes: one JSON object per line carrying either a raw output item or a
// plain assistant-text frame. Both are probed for, in that order.
type nativeFrame struct {
	OutputItem json.RawMessage `json:"output_item"`
	Text       string          `json:"text"`
}

func (a *Adapter) Translate(line []byte) ([]events.Update, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, nil
	}

	var frame nativeFrame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return nil, nil
	}

	var updates []events.Update

	if len(frame.OutputItem) > 0 {
		if u, ok := translateOutputItem(frame.OutputItem); ok {
			updates = append(updates, u)
		}
	}

	if frame.Text != "" {
		if u, ok := extractTodoWrite(frame.Text); ok {
			updates = append(updates, u)
		} else if u, ok := extractFencedTodoJSON(frame.Text); ok {
			updates = append(updates, u)
		} else {
			updates = append(updates, events.Update{Kind: events.KindTextDelta, TextDelta: frame.Text})
		}
	}

	return updates, nil
}

// translateOutputItem decodes a raw Responses API output item the way the
// teacher's completed.Output fallback scan does: probing the "type"
// discriminator and decoding function_call items into a tool-input-available
// update, the same shape native_runtime.go builds from item.Name/CallID/
// Arguments.
func translateOutputItem(raw json.RawMessage) (events.Update, bool) {
	var item oresponses.ResponseFunctionToolCall
	if err := json.Unmarshal(raw, &item); err != nil {
		return events.Update{}, false
	}
	if strings.TrimSpace(item.Type) != "function_call" {
		return events.Update{}, false
	}
	callID := strings.TrimSpace(item.CallID)
	if callID == "" {
		callID = strings.TrimSpace(item.ID)
	}
	if callID == "" {
		return events.Update{}, false
	}
	return events.Update{
		Kind: events.KindToolInputAvailable,
		ToolCall: &model.ToolCall{
			ToolCallID: callID,
			Name:       strings.TrimSpace(item.Name),
			InputJSON:  item.Arguments,
			State:      model.ToolCallStatePending,
		},
	}, true
}

// extractTodoWrite finds an in-band TodoWrite(...) call in assistant text,
// parses its lax-JS-object argument with laxjson, and reshapes it into a
// canonical todos-update. Any parse failure drops extraction entirely: a
// reader must never see a partial todo list.
func extractTodoWrite(text string) (events.Update, bool) {
	call, ok := laxjson.FindBalancedCall(text, "TodoWrite")
	if !ok {
		return events.Update{}, false
	}
	argStart := strings.Index(call, "(")
	arg := strings.TrimSuffix(call[argStart+1:], ")")
	arg = strings.TrimSpace(arg)

	val, err := laxjson.Parse(arg)
	if err != nil {
		return events.Update{}, false
	}
	todos, ok := todosFromLaxValue(val)
	if !ok {
		return events.Update{}, false
	}
	normalized, err := events.NormalizeTodos(todos)
	if err != nil {
		return events.Update{}, false
	}
	return events.Update{Kind: events.KindTodosUpdate, Todos: normalized}, true
}

// extractFencedTodoJSON recognizes an MCP todo-tool result rendered as a
// fenced ```json block whose payload is strict JSON with a "todos" array.
// gjson/sjson do the shape probing and reassembly; laxjson is not needed
// here because MCP tool results are well-formed JSON, unlike inline
// TodoWrite calls.
func extractFencedTodoJSON(text string) (events.Update, bool) {
	const fenceOpen = "```json"
	start := strings.Index(text, fenceOpen)
	if start == -1 {
		return events.Update{}, false
	}
	rest := text[start+len(fenceOpen):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return events.Update{}, false
	}
	block := strings.TrimSpace(rest[:end])
	if !gjson.Valid(block) {
		return events.Update{}, false
	}
	// MCP todo-tool results sometimes wrap the array under "result"; try both
	// shapes and reassemble onto a single "todos" path before reading.
	todosPath := "todos"
	if !gjson.Get(block, todosPath).IsArray() {
		todosPath = "result.todos"
	}
	todosResult := gjson.Get(block, todosPath)
	if !todosResult.Exists() || !todosResult.IsArray() {
		return events.Update{}, false
	}
	if todosPath != "todos" {
		reassembled, err := sjson.SetRaw(block, "todos", todosResult.Raw)
		if err != nil {
			return events.Update{}, false
		}
		block = reassembled
		todosResult = gjson.Get(block, "todos")
	}
	var todos []model.Todo
	var parseErr error
	todosResult.ForEach(func(_, item gjson.Result) bool {
		content := item.Get("content").String()
		status := item.Get("status").String()
		activeForm := item.Get("activeForm").String()
		if content == "" || status == "" {
			parseErr = fmt.Errorf("codexadapter: todo missing content/status")
			return false
		}
		todos = append(todos, model.Todo{Content: content, Status: status, ActiveForm: activeForm})
		return true
	})
	if parseErr != nil {
		return events.Update{}, false
	}
	normalized, err := events.NormalizeTodos(todos)
	if err != nil {
		return events.Update{}, false
	}
	return events.Update{Kind: events.KindTodosUpdate, Todos: normalized}, true
}

// todosFromLaxValue reshapes the lax-parsed {todos:[...]} tree into model
// Todo values. Every field is read defensively since laxjson.Value carries
// no schema; a shape mismatch anywhere fails the whole extraction.
func todosFromLaxValue(val laxjson.Value) ([]model.Todo, bool) {
	obj, ok := val.(map[string]laxjson.Value)
	if !ok {
		return nil, false
	}
	rawTodos, ok := obj["todos"]
	if !ok {
		return nil, false
	}
	arr, ok := rawTodos.([]laxjson.Value)
	if !ok {
		return nil, false
	}
	out := make([]model.Todo, 0, len(arr))
	for _, rawItem := range arr {
		item, ok := rawItem.(map[string]laxjson.Value)
		if !ok {
			return nil, false
		}
		content, _ := item["content"].(string)
		status, _ := item["status"].(string)
		activeForm, _ := item["activeForm"].(string)
		if content == "" || status == "" {
			return nil, false
		}
		out = append(out, model.Todo{Content: content, Status: status, ActiveForm: activeForm})
	}
	return out, true
}
