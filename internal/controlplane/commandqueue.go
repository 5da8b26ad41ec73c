package controlplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/forge/internal/model"
	"github.com/forgehq/forge/internal/store"
	"github.com/forgehq/forge/internal/transport"
)

// CommandQueue dispatches queued commands (the build prompts posted to a
// project; cancel-build is sent straight over the runner link instead) to a
// runner's socket the moment it is attached, and
// re-flushes its queue on every reconnect so no command issued while the
// runner was offline is lost.
type CommandQueue struct {
	store *store.Store
	links *RunnerLink
	log   *slog.Logger
}

func NewCommandQueue(st *store.Store, links *RunnerLink, log *slog.Logger) *CommandQueue {
	if log == nil {
		log = slog.Default()
	}
	return &CommandQueue{store: st, links: links, log: log}
}

// Enqueue persists a command for a runner and, if the runner is currently
// connected, dispatches it immediately.
func (q *CommandQueue) Enqueue(ctx context.Context, runnerID, projectID, sessionID string, payloadJSON string) (string, error) {
	cmd := model.Command{
		ID:          uuid.NewString(),
		RunnerID:    runnerID,
		ProjectID:   projectID,
		SessionID:   sessionID,
		PayloadJSON: payloadJSON,
		IssuedAtMs:  time.Now().UnixMilli(),
		Status:      model.CommandStatusQueued,
	}
	if err := q.store.EnqueueCommand(ctx, cmd); err != nil {
		return "", err
	}
	if conn := q.links.Get(runnerID); conn != nil {
		q.dispatchOne(ctx, conn, cmd)
	}
	return cmd.ID, nil
}

// Flush dispatches every still-queued command for a runner over conn, in
// FIFO order. Called once a runner's hello handshake completes.
func (q *CommandQueue) Flush(ctx context.Context, runnerID string, conn *transport.Conn) {
	cmds, err := q.store.ListQueuedCommands(ctx, runnerID)
	if err != nil {
		q.log.Error("commandqueue: failed to list queued commands", "runner_id", runnerID, "error", err)
		return
	}
	for _, cmd := range cmds {
		q.dispatchOne(ctx, conn, cmd)
	}
}

func (q *CommandQueue) dispatchOne(ctx context.Context, conn *transport.Conn, cmd model.Command) {
	env, err := transport.Encode(transport.KindCommandDispatch, 0, transport.CommandDispatchMsg{
		CommandID:   cmd.ID,
		ProjectID:   cmd.ProjectID,
		SessionID:   cmd.SessionID,
		PayloadJSON: []byte(cmd.PayloadJSON),
	})
	if err != nil {
		q.log.Error("commandqueue: failed to encode dispatch", "command_id", cmd.ID, "error", err)
		return
	}
	if err := conn.Send(env); err != nil {
		q.log.Warn("commandqueue: failed to send dispatch, will retry on next flush", "command_id", cmd.ID, "error", err)
		return
	}
	if err := q.store.MarkCommandStatus(ctx, cmd.ID, []string{model.CommandStatusQueued}, model.CommandStatusDelivered); err != nil {
		q.log.Warn("commandqueue: failed to mark delivered", "command_id", cmd.ID, "error", err)
	}
}

// Ack marks a command acknowledged by the runner.
func (q *CommandQueue) Ack(ctx context.Context, commandID string) error {
	return q.store.MarkCommandStatus(ctx, commandID,
		[]string{model.CommandStatusDelivered, model.CommandStatusQueued}, model.CommandStatusAcked)
}

// Cancel marks a not-yet-delivered command canceled so a flush will skip it.
func (q *CommandQueue) Cancel(ctx context.Context, commandID string) error {
	return q.store.MarkCommandStatus(ctx, commandID, []string{model.CommandStatusQueued}, model.CommandStatusCanceled)
}
