package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyper-ai-inc/devspace/internal/auth"
	"github.com/hyper-ai-inc/devspace/internal/fs"
)

// Compile-time checks that the store serves the interfaces it is wired to.
var (
	_ auth.SubjectDirectory = (*Store)(nil)
	_ auth.AccessChecker    = (*Store)(nil)
	_ fs.Mirror             = (*Store)(nil)
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubjectExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if ok, err := s.SubjectExists(ctx, "alice"); err != nil || ok {
		t.Fatalf("expected unknown subject, got %v, %v", ok, err)
	}
	if err := s.EnsureUser(ctx, "alice", ""); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if ok, err := s.SubjectExists(ctx, "alice"); err != nil || !ok {
		t.Fatalf("expected subject to exist, got %v, %v", ok, err)
	}
}

func TestProjectAccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnsureUser(ctx, "alice", "")
	s.EnsureUser(ctx, "bob", "")
	s.EnsureUser(ctx, "root", auth.RoleAdmin)
	if err := s.CreateProject(ctx, "p1", "alice", "react"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := s.AddCollaborator(ctx, "p1", "bob"); err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
	if err := s.AddCollaborator(ctx, "missing", "bob"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound, got %v", err)
	}

	tests := []struct {
		subject string
		want    auth.Access
	}{
		{"alice", auth.Access{IsOwner: true}},
		{"bob", auth.Access{IsCollaborator: true}},
		{"root", auth.Access{IsAdmin: true}},
		{"carol", auth.Access{}},
	}
	for _, tt := range tests {
		got, err := s.ProjectAccess(ctx, tt.subject, "p1")
		if err != nil {
			t.Fatalf("access %s: %v", tt.subject, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %+v, got %+v", tt.subject, tt.want, got)
		}
	}

	if owner, err := s.ProjectOwner(ctx, "p1"); err != nil || owner != "alice" {
		t.Errorf("expected owner alice, got %q, %v", owner, err)
	}
	if _, err := s.ProjectOwner(ctx, "nope"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound, got %v", err)
	}

	s.RemoveCollaborator(ctx, "p1", "bob")
	if got, _ := s.ProjectAccess(ctx, "bob", "p1"); got.Allowed() {
		t.Error("bob should lose access after removal")
	}

	if err := s.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if got, _ := s.ProjectAccess(ctx, "alice", "p1"); got.IsOwner {
		t.Error("ownership should be gone after delete")
	}
}

func TestMirror(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.FileWritten("p", "src/a.ts", 10, 2)
	s.FileWritten("p", "src/lib/b.ts", 20, 3)
	s.FileWritten("p", "srcx/c.ts", 5, 1)
	s.FileWritten("p", "src/a.ts", 12, 4)

	files, err := s.Files(ctx, "p")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 3 || files[0].Path != "src/a.ts" || files[0].Lines != 4 || files[0].Size != 12 {
		t.Fatalf("unexpected mirror %+v", files)
	}

	if err := s.PathRenamed("p", "src", "app"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	files, _ = s.Files(ctx, "p")
	want := []string{"app/a.ts", "app/lib/b.ts", "srcx/c.ts"}
	for i, p := range want {
		if files[i].Path != p {
			t.Errorf("after rename %d: expected %q, got %q", i, p, files[i].Path)
		}
	}

	if err := s.PathDeleted("p", "app"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	files, _ = s.Files(ctx, "p")
	if len(files) != 1 || files[0].Path != "srcx/c.ts" {
		t.Errorf("expected only srcx/c.ts, got %+v", files)
	}

	s.WorkspaceDeleted("p")
	files, _ = s.Files(ctx, "p")
	if len(files) != 0 {
		t.Errorf("expected empty mirror, got %+v", files)
	}
}

func TestStoreMirrorsWorkspace(t *testing.T) {
	s := openTestStore(t)
	ws, err := fs.NewStore(t.TempDir(), fs.WithMirror(s))
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	if err := ws.CreateWorkspace("p", "blank"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ws.WriteFile("p", "notes/todo.md", []byte("one\ntwo\nthree\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	files, err := s.Files(context.Background(), "p")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	// README.md from the template plus the written file.
	if len(files) != 2 {
		t.Fatalf("unexpected mirror %+v", files)
	}
	var found bool
	for _, f := range files {
		if f.Path == "notes/todo.md" {
			found = f.Lines == 3
		}
	}
	if !found {
		t.Errorf("notes/todo.md missing or wrong line count in %+v", files)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "devspace.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
