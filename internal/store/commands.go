package store

import (
	"context"
	"strings"
	"time"

	"github.com/forgehq/forge/internal/model"
)

// EnqueueCommand appends to the per-runner FIFO queue used by
// internal/controlplane.CommandQueue to dispatch commands once the
// corresponding runner's transport socket is attached.
func (s *Store) EnqueueCommand(ctx context.Context, cmd model.Command) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	if cmd.IssuedAtMs <= 0 {
		cmd.IssuedAtMs = time.Now().UnixMilli()
	}
	if cmd.Status == "" {
		cmd.Status = model.CommandStatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO commands (id, runner_id, project_id, session_id, payload_json, issued_at_unix_ms, status)
VALUES (?, ?, ?, ?, ?, ?, ?)`, cmd.ID, cmd.RunnerID, cmd.ProjectID, cmd.SessionID, cmd.PayloadJSON, cmd.IssuedAtMs, cmd.Status)
	return err
}

func (s *Store) ListQueuedCommands(ctx context.Context, runnerID string) ([]model.Command, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, runner_id, project_id, session_id, payload_json, issued_at_unix_ms, status
FROM commands WHERE runner_id = ? AND status = ? ORDER BY issued_at_unix_ms ASC`, strings.TrimSpace(runnerID), model.CommandStatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Command
	for rows.Next() {
		var c model.Command
		if err := rows.Scan(&c.ID, &c.RunnerID, &c.ProjectID, &c.SessionID, &c.PayloadJSON, &c.IssuedAtMs, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCommandStatus applies a CAS-style transition the same way
// TransitionSession does: the WHERE clause only matches commands still in
// `from`, so a racing dispatcher and a racing cancel request can't both
// "win" on the same command.
func (s *Store) MarkCommandStatus(ctx context.Context, id string, from []string, to string) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	placeholders := make([]string, len(from))
	args := make([]any, 0, len(from)+2)
	args = append(args, to)
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, f)
	}
	args = append(args, strings.TrimSpace(id))

	res, err := s.db.ExecContext(ctx, `
UPDATE commands SET status = ? WHERE status IN (`+strings.Join(placeholders, ",")+`) AND id = ?`, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func (s *Store) CreateRunnerKey(ctx context.Context, k model.RunnerKey) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	if k.CreatedAtUnixMs <= 0 {
		k.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runner_keys (id, secret_hash, user_id, created_at_unix_ms, last_used_at_unix_ms, revoked_at_unix_ms)
VALUES (?, ?, ?, ?, 0, 0)`, k.ID, k.SecretHash, k.UserID, k.CreatedAtUnixMs)
	return err
}

func (s *Store) GetRunnerKey(ctx context.Context, id string) (*model.RunnerKey, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	row := s.db.QueryRowContext(ctx, `
SELECT id, secret_hash, user_id, created_at_unix_ms, last_used_at_unix_ms, revoked_at_unix_ms
FROM runner_keys WHERE id = ?`, strings.TrimSpace(id))
	var k model.RunnerKey
	if err := row.Scan(&k.ID, &k.SecretHash, &k.UserID, &k.CreatedAtUnixMs, &k.LastUsedAtMs, &k.RevokedAtMs); err != nil {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (s *Store) TouchRunnerKey(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	_, err := s.db.ExecContext(ctx, `UPDATE runner_keys SET last_used_at_unix_ms = ? WHERE id = ?`, time.Now().UnixMilli(), strings.TrimSpace(id))
	return err
}

func (s *Store) ListRunnerKeys(ctx context.Context, userID string) ([]model.RunnerKey, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, secret_hash, user_id, created_at_unix_ms, last_used_at_unix_ms, revoked_at_unix_ms
FROM runner_keys WHERE user_id = ? ORDER BY created_at_unix_ms DESC`, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunnerKey
	for rows.Next() {
		var k model.RunnerKey
		if err := rows.Scan(&k.ID, &k.SecretHash, &k.UserID, &k.CreatedAtUnixMs, &k.LastUsedAtMs, &k.RevokedAtMs); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeRunnerKey(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	res, err := s.db.ExecContext(ctx, `UPDATE runner_keys SET revoked_at_unix_ms = ? WHERE id = ? AND revoked_at_unix_ms = 0`, time.Now().UnixMilli(), strings.TrimSpace(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
