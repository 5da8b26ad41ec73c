package store

import (
	"context"
	"testing"

	"github.com/forgehq/forge/internal/model"
)

func TestReplaceTodos_AssignsDenseIndicesAndPrunesOrphanedToolCalls(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusActive}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	first := []model.Todo{
		{Content: "scaffold", Status: model.TodoStatusCompleted},
		{Content: "install deps", Status: model.TodoStatusCompleted},
		{Content: "run tests", Status: model.TodoStatusInProgress},
	}
	if err := s.ReplaceTodos(ctx, "sess_1", first); err != nil {
		t.Fatalf("ReplaceTodos: %v", err)
	}
	if err := s.UpsertToolCall(ctx, model.ToolCall{SessionID: "sess_1", ToolCallID: "tc_1", TodoIndex: 2, State: model.ToolCallStateRunning}); err != nil {
		t.Fatalf("UpsertToolCall: %v", err)
	}

	// Shrinking the todo list below the tool call's todo_index must prune it.
	shrunk := []model.Todo{{Content: "scaffold", Status: model.TodoStatusCompleted}}
	if err := s.ReplaceTodos(ctx, "sess_1", shrunk); err != nil {
		t.Fatalf("ReplaceTodos (shrink): %v", err)
	}

	todos, err := s.ListTodos(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListTodos: %v", err)
	}
	if len(todos) != 1 || todos[0].Index != 0 {
		t.Fatalf("unexpected todos after shrink: %+v", todos)
	}

	if _, err := s.GetToolCall(ctx, "sess_1", "tc_1"); err == nil {
		t.Fatalf("expected orphaned tool call to be pruned")
	}
}
