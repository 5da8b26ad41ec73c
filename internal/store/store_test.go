package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/forgehq/forge/internal/model"
)

func TestOpen_CreatesSchemaAndIsReopenable(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "forge.sqlite")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen existing db: %v", err)
	}
	defer func() { _ = s2.Close() }()

	ctx := context.Background()
	if err := s2.CreateProject(ctx, model.Project{ID: "proj_1", Slug: "proj-1", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("CreateProject after reopen: %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "forge.sqlite")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateProject_DuplicateSlugFails(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateProject(ctx, model.Project{ID: "proj_1", Slug: "dup", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.CreateProject(ctx, model.Project{ID: "proj_2", Slug: "dup", OwnerUserID: "u1"}); err == nil {
		t.Fatalf("expected unique-slug violation, got nil error")
	}
}

func TestUpdateProjectDevServer_RoundTrips(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateProject(ctx, model.Project{ID: "proj_1", Slug: "proj-1", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.UpdateProjectDevServer(ctx, "proj_1", "running", 3000, "https://proj-1.example.dev"); err != nil {
		t.Fatalf("UpdateProjectDevServer: %v", err)
	}

	p, err := s.GetProject(ctx, "proj_1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.DevServerStatus != "running" || p.DevServerPort != 3000 || p.TunnelURL != "https://proj-1.example.dev" {
		t.Fatalf("unexpected project state: %+v", p)
	}
}
