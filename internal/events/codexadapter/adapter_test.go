package codexadapter

import (
	"testing"

	"github.com/forgehq/forge/internal/events"
)

func TestTranslate_ExtractsInBandTodoWrite(t *testing.T) {
	t.Parallel()

	a := New()
	line := []byte(`{"text":"Let's track progress. TodoWrite({todos:[{content:\"scaffold app\",status:\"in_progress\",activeForm:\"Scaffolding app\"},{content:\"install deps\",status:\"pending\"}]}) Moving on."}`)
	updates, err := a.Translate(line)
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected exactly one update, got %d: %#v", len(updates), updates)
	}
	u := updates[0]
	if u.Kind != events.KindTodosUpdate {
		t.Fatalf("kind got=%s want=%s", u.Kind, events.KindTodosUpdate)
	}
	if len(u.Todos) != 2 {
		t.Fatalf("expected 2 todos, got %d", len(u.Todos))
	}
	if u.Todos[0].Index != 0 || u.Todos[1].Index != 1 {
		t.Fatalf("expected dense indices, got %+v", u.Todos)
	}
}

func TestTranslate_RejectsUnparseableTodoWrite(t *testing.T) {
	t.Parallel()

	a := New()
	line := []byte(`{"text":"TodoWrite({todos:[{content:}]}) oops"}`)
	updates, err := a.Translate(line)
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	for _, u := range updates {
		if u.Kind == events.KindTodosUpdate {
			t.Fatalf("expected no todos-update for malformed TodoWrite call, got %+v", u)
		}
	}
}

func TestTranslate_ExtractsFencedMCPTodoResult(t *testing.T) {
	t.Parallel()

	a := New()
	line := []byte(`{"text":"Result:\n` + "```json" + `\n{\"todos\":[{\"content\":\"write tests\",\"status\":\"pending\"}]}\n` + "```" + `\n"}`)
	updates, err := a.Translate(line)
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if len(updates) != 1 || updates[0].Kind != events.KindTodosUpdate {
		t.Fatalf("expected single todos-update, got %#v", updates)
	}
	if updates[0].Todos[0].Content != "write tests" {
		t.Fatalf("unexpected todo content: %+v", updates[0].Todos[0])
	}
}

func TestTranslate_PlainTextFallsThroughToTextDelta(t *testing.T) {
	t.Parallel()

	a := New()
	line := []byte(`{"text":"just some narration"}`)
	updates, err := a.Translate(line)
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if len(updates) != 1 || updates[0].Kind != events.KindTextDelta {
		t.Fatalf("expected a single text-delta update, got %#v", updates)
	}
}

func TestTranslate_EmptyLineIsIgnored(t *testing.T) {
	t.Parallel()

	a := New()
	updates, err := a.Translate([]byte("   "))
	if err != nil || updates != nil {
		t.Fatalf("expected (nil, nil) for blank line, got (%v, %v)", updates, err)
	}
}

func TestTranslate_FunctionCallOutputItem(t *testing.T) {
	t.Parallel()

	a := New()
	line := []byte(`{"output_item":{"type":"function_call","call_id":"call_1","name":"write_file","arguments":"{\"path\":\"a.go\"}"}}`)
	updates, err := a.Translate(line)
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if len(updates) != 1 || updates[0].Kind != events.KindToolInputAvailable {
		t.Fatalf("expected tool-input-available update, got %#v", updates)
	}
	if updates[0].ToolCall.ToolCallID != "call_1" {
		t.Fatalf("unexpected tool call id: %+v", updates[0].ToolCall)
	}
}
