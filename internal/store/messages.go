package store

import (
	"context"
	"strings"
	"time"

	"github.com/forgehq/forge/internal/model"
)

func (s *Store) AppendMessage(ctx context.Context, msg model.Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotFound
	}
	ctx = withCtx(ctx)
	if msg.CreatedAtUnixMs <= 0 {
		msg.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (project_id, role, text, created_at_unix_ms)
VALUES (?, ?, ?, ?)`, strings.TrimSpace(msg.ProjectID), msg.Role, msg.Text, msg.CreatedAtUnixMs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListMessages(ctx context.Context, projectID string, limit int) ([]model.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	ctx = withCtx(ctx)
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, role, text, created_at_unix_ms
FROM messages WHERE project_id = ? ORDER BY created_at_unix_ms ASC LIMIT ?`, strings.TrimSpace(projectID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Text, &m.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
