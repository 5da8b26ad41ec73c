package store

import (
	"context"
	"strings"

	"github.com/forgehq/forge/internal/model"
)

// ReplaceTodos overwrites the full todo list for a session in one
// transaction, enforcing invariant I-DENSE (todo indices are dense,
// 0..N-1, no gaps) by construction: callers pass the full ordered slice and
// this method assigns indices positionally.
//
// Grounded on threadstore.ReplaceThreadTodosSnapshot's whole-snapshot
// replace semantics, simplified here because the control-plane ingress
// actor already serializes writes per session (no version CAS needed at
// the storage layer -- see internal/controlplane/ingress.go).
func (s *Store) ReplaceTodos(ctx context.Context, sessionID string, todos []model.Todo) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_calls WHERE session_id = ? AND todo_index >= ?`, sessionID, len(todos)); err != nil {
		return err
	}

	for i, t := range todos {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO todos (session_id, todo_index, content, active_form, status, phase)
VALUES (?, ?, ?, ?, ?, ?)`, sessionID, i, t.Content, t.ActiveForm, t.Status, t.Phase); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListTodos(ctx context.Context, sessionID string) ([]model.Todo, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, todo_index, content, active_form, status, phase
FROM todos WHERE session_id = ? ORDER BY todo_index ASC`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Todo
	for rows.Next() {
		var t model.Todo
		if err := rows.Scan(&t.SessionID, &t.Index, &t.Content, &t.ActiveForm, &t.Status, &t.Phase); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
