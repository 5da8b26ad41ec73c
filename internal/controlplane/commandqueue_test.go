package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/transport"
)

func TestCommandQueue_EnqueueDispatchesImmediatelyWhenConnected(t *testing.T) {
	t.Parallel()

	st := newTestStoreForIngress(t)
	links := NewRunnerLink()
	q := NewCommandQueue(st, links, nil)

	serverConn, clientWS := dialTestConn(t)
	links.Set("runner_1", serverConn)
	_ = clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))

	cmdID, err := q.Enqueue(context.Background(), "runner_1", "proj_1", "", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var env transport.Envelope
	if err := clientWS.ReadJSON(&env); err != nil {
		t.Fatalf("reading dispatch: %v", err)
	}
	if env.Kind != transport.KindCommandDispatch {
		t.Fatalf("kind got=%q want=%q", env.Kind, transport.KindCommandDispatch)
	}
	dispatch, err := transport.DecodeData[transport.CommandDispatchMsg](env)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if dispatch.CommandID != cmdID {
		t.Fatalf("command id got=%q want=%q", dispatch.CommandID, cmdID)
	}

	waitForCondition(t, func() bool {
		cmds, err := st.ListQueuedCommands(context.Background(), "runner_1")
		return err == nil && len(cmds) == 0
	})
}

func TestCommandQueue_FlushRedeliversQueuedCommandsOnReconnect(t *testing.T) {
	t.Parallel()

	st := newTestStoreForIngress(t)
	links := NewRunnerLink()
	q := NewCommandQueue(st, links, nil)
	ctx := context.Background()

	// Enqueue while no runner is connected: the command must stay queued.
	cmdID, err := q.Enqueue(ctx, "runner_1", "proj_1", "", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	cmds, err := st.ListQueuedCommands(ctx, "runner_1")
	if err != nil || len(cmds) != 1 {
		t.Fatalf("expected 1 queued command, got %+v err=%v", cmds, err)
	}

	serverConn, clientWS := dialTestConn(t)
	_ = clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	q.Flush(ctx, "runner_1", serverConn)

	var env transport.Envelope
	if err := clientWS.ReadJSON(&env); err != nil {
		t.Fatalf("reading flushed dispatch: %v", err)
	}
	dispatch, err := transport.DecodeData[transport.CommandDispatchMsg](env)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if dispatch.CommandID != cmdID {
		t.Fatalf("command id got=%q want=%q", dispatch.CommandID, cmdID)
	}
}

func TestCommandQueue_AckAndCancel(t *testing.T) {
	t.Parallel()

	st := newTestStoreForIngress(t)
	links := NewRunnerLink()
	q := NewCommandQueue(st, links, nil)
	ctx := context.Background()

	cmdID, err := q.Enqueue(ctx, "runner_1", "proj_1", "", `{}`)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Ack(ctx, cmdID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	cmdID2, err := q.Enqueue(ctx, "runner_1", "proj_1", "", `{}`)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Cancel(ctx, cmdID2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cmds, err := st.ListQueuedCommands(ctx, "runner_1")
	if err != nil {
		t.Fatalf("ListQueuedCommands: %v", err)
	}
	for _, c := range cmds {
		if c.ID == cmdID2 {
			t.Fatalf("canceled command should not appear in queued list")
		}
	}
}
