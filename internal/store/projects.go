package store

import (
	"context"
	"strings"
	"time"

	"github.com/forgehq/forge/internal/model"
)

func (s *Store) CreateProject(ctx context.Context, p model.Project) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	now := time.Now().UnixMilli()
	if p.CreatedAtUnixMs <= 0 {
		p.CreatedAtUnixMs = now
	}
	p.UpdatedAtUnixMs = now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects (id, slug, owner_user_id, runner_id, workspace_path, framework, dev_server_status, dev_server_port, tunnel_url, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Slug, p.OwnerUserID, p.RunnerID, p.WorkspacePath, p.Framework, p.DevServerStatus, p.DevServerPort, p.TunnelURL, p.CreatedAtUnixMs, p.UpdatedAtUnixMs)
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	row := s.db.QueryRowContext(ctx, `
SELECT id, slug, owner_user_id, runner_id, workspace_path, framework, dev_server_status, dev_server_port, tunnel_url, created_at_unix_ms, updated_at_unix_ms
FROM projects WHERE id = ?`, strings.TrimSpace(id))
	var p model.Project
	if err := row.Scan(&p.ID, &p.Slug, &p.OwnerUserID, &p.RunnerID, &p.WorkspacePath, &p.Framework, &p.DevServerStatus, &p.DevServerPort, &p.TunnelURL, &p.CreatedAtUnixMs, &p.UpdatedAtUnixMs); err != nil {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpdateProjectDevServer(ctx context.Context, id string, status string, port int, tunnelURL string) error {
	if s == nil || s.db == nil {
		return ErrNotFound
	}
	ctx = withCtx(ctx)
	res, err := s.db.ExecContext(ctx, `
UPDATE projects SET dev_server_status = ?, dev_server_port = ?, tunnel_url = ?, updated_at_unix_ms = ?
WHERE id = ?`, status, port, tunnelURL, time.Now().UnixMilli(), strings.TrimSpace(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListProjectsByRunner(ctx context.Context, runnerID string) ([]model.Project, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, slug, owner_user_id, runner_id, workspace_path, framework, dev_server_status, dev_server_port, tunnel_url, created_at_unix_ms, updated_at_unix_ms
FROM projects WHERE runner_id = ? ORDER BY created_at_unix_ms DESC`, strings.TrimSpace(runnerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Slug, &p.OwnerUserID, &p.RunnerID, &p.WorkspacePath, &p.Framework, &p.DevServerStatus, &p.DevServerPort, &p.TunnelURL, &p.CreatedAtUnixMs, &p.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
