package store

import (
	"context"
	"errors"
	"testing"

	"github.com/forgehq/forge/internal/model"
)

func TestTransitionSession_EnforcesTerminalInvariant(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusPending}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	if err := s.TransitionSession(ctx, "sess_1", []string{model.SessionStatusPending}, model.SessionStatusActive, ""); err != nil {
		t.Fatalf("transition to active: %v", err)
	}
	if err := s.TransitionSession(ctx, "sess_1", []string{model.SessionStatusActive}, model.SessionStatusSucceeded, "done"); err != nil {
		t.Fatalf("transition to succeeded: %v", err)
	}

	// A session already in a terminal status must reject a second terminal
	// transition: invariant I-TERM.
	err := s.TransitionSession(ctx, "sess_1", []string{model.SessionStatusActive, model.SessionStatusPending}, model.SessionStatusFailed, "too late")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	sess, err := s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.SessionStatusSucceeded {
		t.Fatalf("session status got=%q want=%q", sess.Status, model.SessionStatusSucceeded)
	}
}

func TestResetStaleActiveSessions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusActive}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpsertSession(ctx, model.Session{ID: "sess_2", ProjectID: "proj_1", Status: model.SessionStatusSucceeded}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	n, err := s.ResetStaleActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ResetStaleActiveSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session reset, got %d", n)
	}

	sess1, _ := s.GetSession(ctx, "sess_1")
	if sess1.Status != model.SessionStatusCanceled {
		t.Fatalf("sess_1 status got=%q want=canceled", sess1.Status)
	}
	sess2, _ := s.GetSession(ctx, "sess_2")
	if sess2.Status != model.SessionStatusSucceeded {
		t.Fatalf("sess_2 status got=%q want=succeeded (already terminal)", sess2.Status)
	}
}

func TestOrphanSessionsForRunner_ThenResume(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateProject(ctx, model.Project{ID: "proj_1", Slug: "proj-1", OwnerUserID: "u1", RunnerID: "runner_1"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.CreateProject(ctx, model.Project{ID: "proj_2", Slug: "proj-2", OwnerUserID: "u1", RunnerID: "runner_2"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusActive}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpsertSession(ctx, model.Session{ID: "sess_2", ProjectID: "proj_1", Status: model.SessionStatusSucceeded}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpsertSession(ctx, model.Session{ID: "sess_3", ProjectID: "proj_2", Status: model.SessionStatusActive}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	ids, err := s.OrphanSessionsForRunner(ctx, "runner_1")
	if err != nil {
		t.Fatalf("OrphanSessionsForRunner: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess_1" {
		t.Fatalf("expected only sess_1 orphaned, got %v", ids)
	}

	sess1, _ := s.GetSession(ctx, "sess_1")
	if sess1.Status != model.SessionStatusOrphaned {
		t.Fatalf("sess_1 status got=%q want=orphaned", sess1.Status)
	}
	sess2, _ := s.GetSession(ctx, "sess_2")
	if sess2.Status != model.SessionStatusSucceeded {
		t.Fatalf("sess_2 (already terminal) should be untouched, got=%q", sess2.Status)
	}
	sess3, _ := s.GetSession(ctx, "sess_3")
	if sess3.Status != model.SessionStatusActive {
		t.Fatalf("sess_3 belongs to a different runner and should be untouched, got=%q", sess3.Status)
	}

	n, err := s.ResumeOrphanedSessions(ctx, "runner_1")
	if err != nil {
		t.Fatalf("ResumeOrphanedSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session resumed, got %d", n)
	}
	sess1, _ = s.GetSession(ctx, "sess_1")
	if sess1.Status != model.SessionStatusActive {
		t.Fatalf("sess_1 status after resume got=%q want=active", sess1.Status)
	}
}

func TestFetchRecoverySnapshot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusActive}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	todos := []model.Todo{{Content: "a", Status: model.TodoStatusCompleted}, {Content: "b", Status: model.TodoStatusInProgress}}
	if err := s.ReplaceTodos(ctx, "sess_1", todos); err != nil {
		t.Fatalf("ReplaceTodos: %v", err)
	}
	if err := s.UpsertToolCall(ctx, model.ToolCall{SessionID: "sess_1", ToolCallID: "tc_1", State: model.ToolCallStateRunning}); err != nil {
		t.Fatalf("UpsertToolCall: %v", err)
	}

	snap, err := s.FetchRecoverySnapshot(ctx, "sess_1")
	if err != nil {
		t.Fatalf("FetchRecoverySnapshot: %v", err)
	}
	if len(snap.Todos) != 2 || len(snap.ToolCalls) != 1 {
		t.Fatalf("unexpected snapshot shape: %+v", snap)
	}
}
