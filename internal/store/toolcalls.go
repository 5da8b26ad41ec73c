package store

import (
	"context"
	"strings"

	"github.com/forgehq/forge/internal/model"
)

// UpsertToolCall enforces invariant I-TOOLMONO: a tool call's state only
// moves forward (pending -> running -> success|error). A write that would
// regress state is dropped rather than applied, mirroring the
// "drop-and-warn" policy for invariant violations (see SPEC_FULL.md §7) --
// the caller is expected to have already logged the warning before calling
// this, since the store layer has no logger.
//
// A tool call's row is only ever created on its first input-available
// write (§3: "Tool Call ... Created on first input-*"). An
// output-available/error write for a tool call id with no existing row
// means the input was dropped, reordered, or never arrived; UpsertToolCall
// refuses to fabricate a row for it and returns ErrMissingToolInput so the
// caller can log and drop the update instead.
func (s *Store) UpsertToolCall(ctx context.Context, tc model.ToolCall) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	sessionID := strings.TrimSpace(tc.SessionID)
	toolCallID := strings.TrimSpace(tc.ToolCallID)
	if sessionID == "" || toolCallID == "" {
		return ErrNotFound
	}

	existing, err := s.GetToolCall(ctx, sessionID, toolCallID)
	switch {
	case err == nil:
		if model.ToolCallStateRegresses(existing.State, tc.State) {
			return nil
		}
	case tc.State == model.ToolCallStateSuccess || tc.State == model.ToolCallStateError:
		return ErrMissingToolInput
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tool_calls (session_id, tool_call_id, todo_index, name, input_json, output_json, state, started_at_unix_ms, ended_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, tool_call_id) DO UPDATE SET
	todo_index = excluded.todo_index,
	name = CASE WHEN excluded.name != '' THEN excluded.name ELSE tool_calls.name END,
	input_json = CASE WHEN excluded.input_json != '' THEN excluded.input_json ELSE tool_calls.input_json END,
	output_json = CASE WHEN excluded.output_json != '' THEN excluded.output_json ELSE tool_calls.output_json END,
	state = excluded.state,
	started_at_unix_ms = CASE WHEN tool_calls.started_at_unix_ms > 0 THEN tool_calls.started_at_unix_ms ELSE excluded.started_at_unix_ms END,
	ended_at_unix_ms = excluded.ended_at_unix_ms
`, sessionID, toolCallID, tc.TodoIndex, tc.Name, tc.InputJSON, tc.OutputJSON, tc.State, tc.StartedAtUnixMs, tc.EndedAtUnixMs)
	return err
}

func (s *Store) GetToolCall(ctx context.Context, sessionID string, toolCallID string) (*model.ToolCall, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, tool_call_id, todo_index, name, input_json, output_json, state, started_at_unix_ms, ended_at_unix_ms
FROM tool_calls WHERE session_id = ? AND tool_call_id = ?`, strings.TrimSpace(sessionID), strings.TrimSpace(toolCallID))
	var tc model.ToolCall
	if err := row.Scan(&tc.SessionID, &tc.ToolCallID, &tc.TodoIndex, &tc.Name, &tc.InputJSON, &tc.OutputJSON, &tc.State, &tc.StartedAtUnixMs, &tc.EndedAtUnixMs); err != nil {
		return nil, ErrNotFound
	}
	return &tc, nil
}

func (s *Store) ListToolCalls(ctx context.Context, sessionID string) ([]model.ToolCall, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, tool_call_id, todo_index, name, input_json, output_json, state, started_at_unix_ms, ended_at_unix_ms
FROM tool_calls WHERE session_id = ? ORDER BY started_at_unix_ms ASC`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ToolCall
	for rows.Next() {
		var tc model.ToolCall
		if err := rows.Scan(&tc.SessionID, &tc.ToolCallID, &tc.TodoIndex, &tc.Name, &tc.InputJSON, &tc.OutputJSON, &tc.State, &tc.StartedAtUnixMs, &tc.EndedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
