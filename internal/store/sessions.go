package store

import (
	"context"
	"strings"
	"time"

	"github.com/forgehq/forge/internal/model"
)

func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	now := time.Now().UnixMilli()
	if sess.StartedAtUnixMs <= 0 {
		sess.StartedAtUnixMs = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, project_id, build_id, agent_id, status, operation_type, summary, last_seq, started_at_unix_ms, ended_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	project_id = excluded.project_id,
	build_id = excluded.build_id,
	agent_id = excluded.agent_id,
	operation_type = excluded.operation_type
`, sess.ID, sess.ProjectID, sess.BuildID, sess.AgentID, sess.Status, sess.OperationType, sess.Summary, sess.LastSeq, sess.StartedAtUnixMs, sess.EndedAtUnixMs)
	return err
}

// TransitionSession performs a compare-and-swap status transition: it only
// succeeds if the session's current status is one of `from`. This is the
// mechanism that enforces invariant I-TERM (at most one terminal status):
// once a session is in a terminal status, `from` sets used by later calls
// will never include it, so RowsAffected()==0 signals either "already
// terminal" or "not found" to the caller.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, from []string, to string, summary string) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || len(from) == 0 {
		return ErrIllegalTransition
	}

	placeholders := make([]string, len(from))
	for i := range from {
		placeholders[i] = "?"
	}
	endedAt := int64(0)
	if model.IsTerminalSessionStatus(to) {
		endedAt = time.Now().UnixMilli()
	}

	query := `
UPDATE sessions
SET status = ?, summary = ?, ended_at_unix_ms = CASE WHEN ? > 0 THEN ? ELSE ended_at_unix_ms END
WHERE status IN (` + strings.Join(placeholders, ",") + `) AND id = ?
`
	args := []any{to, summary, endedAt, endedAt}
	for _, f := range from {
		args = append(args, f)
	}
	args = append(args, sessionID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// SetSessionSummary updates a session's summary in place without touching
// its status. Used when the runner's own terminal event arrives carrying
// the build summary after the session was already auto-finalized by an
// all-build-todos-done todos-update (§4.3): the status transition already
// happened, so only the summary is left to apply.
func (s *Store) SetSessionSummary(ctx context.Context, sessionID string, summary string) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET summary = ? WHERE id = ?`, summary, strings.TrimSpace(sessionID))
	return err
}

func (s *Store) BumpSessionSeq(ctx context.Context, sessionID string, seq uint64) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seq = ? WHERE id = ? AND last_seq < ?`, seq, sessionID, seq)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, build_id, agent_id, status, operation_type, summary, last_seq, started_at_unix_ms, ended_at_unix_ms
FROM sessions WHERE id = ?`, strings.TrimSpace(sessionID))
	var sess model.Session
	if err := row.Scan(&sess.ID, &sess.ProjectID, &sess.BuildID, &sess.AgentID, &sess.Status, &sess.OperationType, &sess.Summary, &sess.LastSeq, &sess.StartedAtUnixMs, &sess.EndedAtUnixMs); err != nil {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *Store) ListOpenSessions(ctx context.Context, projectID string) ([]model.Session, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, build_id, agent_id, status, operation_type, summary, last_seq, started_at_unix_ms, ended_at_unix_ms
FROM sessions WHERE project_id = ? AND status IN ('pending','active')
ORDER BY started_at_unix_ms DESC`, strings.TrimSpace(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.BuildID, &sess.AgentID, &sess.Status, &sess.OperationType, &sess.Summary, &sess.LastSeq, &sess.StartedAtUnixMs, &sess.EndedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessionsByProject returns every session for a project, most recent
// first, for hydrating a browser's full history rather than just the
// currently-open session (see ListOpenSessions).
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]model.Session, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	ctx = withCtx(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, build_id, agent_id, status, operation_type, summary, last_seq, started_at_unix_ms, ended_at_unix_ms
FROM sessions WHERE project_id = ?
ORDER BY started_at_unix_ms DESC LIMIT ?`, strings.TrimSpace(projectID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.BuildID, &sess.AgentID, &sess.Status, &sess.OperationType, &sess.Summary, &sess.LastSeq, &sess.StartedAtUnixMs, &sess.EndedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// OrphanSessionsForRunner marks every pending/active session owned by
// runnerID's projects as orphaned (§4.2: a disconnected runner's sessions
// stay recoverable, not failed, until the resume window elapses) and
// returns the affected session ids so the caller can arm the failover
// timer for exactly those sessions.
func (s *Store) OrphanSessionsForRunner(ctx context.Context, runnerID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	runnerID = strings.TrimSpace(runnerID)

	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM sessions
WHERE status IN ('pending','active')
AND project_id IN (SELECT id FROM projects WHERE runner_id = ?)`, runnerID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		_ = s.TransitionSession(ctx, id,
			[]string{model.SessionStatusPending, model.SessionStatusActive}, model.SessionStatusOrphaned, "")
	}
	return ids, nil
}

// ResumeOrphanedSessions reactivates every orphaned session owned by
// runnerID's projects, used when a runner reconnects within the resume
// window. Returns the number of sessions reactivated.
func (s *Store) ResumeOrphanedSessions(ctx context.Context, runnerID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotFound
	}
	ctx = withCtx(ctx)
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = 'active'
WHERE status = 'orphaned'
AND project_id IN (SELECT id FROM projects WHERE runner_id = ?)`, strings.TrimSpace(runnerID))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetStaleActiveSessions marks every non-terminal session as canceled.
// Called on control-plane startup: any session left "active" across a
// restart has no live mailbox actor behind it anymore.
func (s *Store) ResetStaleActiveSessions(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotFound
	}
	ctx = withCtx(ctx)
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = 'canceled', ended_at_unix_ms = ?
WHERE status IN ('pending','active')`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FetchRecoverySnapshot is the authoritative state a reconnecting browser
// hydrates from before resuming live batch-update events.
func (s *Store) FetchRecoverySnapshot(ctx context.Context, sessionID string) (*model.RecoverySnapshot, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	todos, err := s.ListTodos(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tools, err := s.ListToolCalls(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &model.RecoverySnapshot{Session: *sess, Todos: todos, ToolCalls: tools}, nil
}
