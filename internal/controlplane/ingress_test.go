package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/events"
	"github.com/forgehq/forge/internal/model"
	"github.com/forgehq/forge/internal/store"
	"github.com/forgehq/forge/internal/transport"
)

func newTestStoreForIngress(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forge.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngress_StartThenTodosThenBuildCompleteFlowsThroughStore(t *testing.T) {
	t.Parallel()

	st := newTestStoreForIngress(t)
	ctx := context.Background()
	if err := st.CreateProject(ctx, model.Project{ID: "proj_1", Slug: "proj-1", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := st.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusPending}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	fanout := NewFanout(nil)
	serverConn, clientWS := dialTestConn(t)
	fanout.Subscribe("proj_1", serverConn)
	_ = clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))

	ing := NewIngress(st, fanout, NewRuntimeTable(), nil)

	dispatchUpdate(t, ing, "sess_1", "proj_1", events.Update{Kind: events.KindStart})
	waitForSessionStatus(t, st, "sess_1", model.SessionStatusActive)

	todos := []model.Todo{{Content: "scaffold", Status: model.TodoStatusInProgress}}
	dispatchUpdate(t, ing, "sess_1", "proj_1", events.Update{Kind: events.KindTodosUpdate, Todos: todos})
	waitForCondition(t, func() bool {
		got, err := st.ListTodos(ctx, "sess_1")
		return err == nil && len(got) == 1 && got[0].Content == "scaffold"
	})

	dispatchUpdate(t, ing, "sess_1", "proj_1", events.Update{Kind: events.KindBuildComplete, Success: true, Summary: "done"})
	waitForSessionStatus(t, st, "sess_1", model.SessionStatusSucceeded)

	// All three updates should have been broadcast to the subscribed browser.
	for i := 0; i < 3; i++ {
		var env transport.Envelope
		if err := clientWS.ReadJSON(&env); err != nil {
			t.Fatalf("reading broadcast %d: %v", i, err)
		}
		if env.Kind != transport.KindBatchUpdate {
			t.Fatalf("broadcast %d kind got=%q want=%q", i, env.Kind, transport.KindBatchUpdate)
		}
	}
}

func TestIngress_AllBuildTodosDoneAutoCompletesSessionBeforeBuildComplete(t *testing.T) {
	t.Parallel()

	st := newTestStoreForIngress(t)
	ctx := context.Background()
	if err := st.CreateProject(ctx, model.Project{ID: "proj_1", Slug: "proj-1", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := st.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusActive}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	ing := NewIngress(st, NewFanout(nil), NewRuntimeTable(), nil)

	todos := []model.Todo{{Content: "build it", Status: model.TodoStatusCompleted, Phase: events.BuildPhase}}
	dispatchUpdate(t, ing, "sess_1", "proj_1", events.Update{Kind: events.KindTodosUpdate, Todos: todos})

	// The store goes succeeded immediately on the todos-update alone, ahead
	// of any build-complete event from the runner (§4.3 auto-completion).
	waitForSessionStatus(t, st, "sess_1", model.SessionStatusSucceeded)

	// The runner's own terminal event still arrives later and must not be
	// rejected as an illegal transition -- it applies the summary in place.
	dispatchUpdate(t, ing, "sess_1", "proj_1", events.Update{Kind: events.KindBuildComplete, Success: true, Summary: "all done"})
	waitForCondition(t, func() bool {
		sess, err := st.GetSession(ctx, "sess_1")
		return err == nil && sess.Status == model.SessionStatusSucceeded && sess.Summary == "all done"
	})
}

func TestIngress_ToolOutputWithNoPriorInputIsDroppedNotFatal(t *testing.T) {
	t.Parallel()

	st := newTestStoreForIngress(t)
	ctx := context.Background()
	if err := st.CreateProject(ctx, model.Project{ID: "proj_1", Slug: "proj-1", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := st.UpsertSession(ctx, model.Session{ID: "sess_1", ProjectID: "proj_1", Status: model.SessionStatusActive}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	ing := NewIngress(st, NewFanout(nil), NewRuntimeTable(), nil)

	dispatchUpdate(t, ing, "sess_1", "proj_1", events.Update{
		Kind:     events.KindToolOutputAvailable,
		ToolCall: &model.ToolCall{ToolCallID: "tc_orphan", State: model.ToolCallStateSuccess},
	})

	// Dropping the update must not wedge the session actor: a later, valid
	// update still applies.
	dispatchUpdate(t, ing, "sess_1", "proj_1", events.Update{Kind: events.KindBuildComplete, Success: true, Summary: "done"})
	waitForSessionStatus(t, st, "sess_1", model.SessionStatusSucceeded)

	if _, err := st.GetToolCall(ctx, "sess_1", "tc_orphan"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no tool_calls row for tc_orphan, GetToolCall error = %v", err)
	}
}

func dispatchUpdate(t *testing.T, ing *Ingress, sessionID, projectID string, u events.Update) {
	t.Helper()
	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	ing.Dispatch(transport.RunnerEventMsg{ProjectID: projectID, SessionID: sessionID, Update: raw})
}

func waitForSessionStatus(t *testing.T, st *store.Store, sessionID, want string) {
	t.Helper()
	waitForCondition(t, func() bool {
		sess, err := st.GetSession(context.Background(), sessionID)
		return err == nil && sess.Status == want
	})
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
