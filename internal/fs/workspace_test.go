package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func setupTestWorkspace(t *testing.T) (*Workspace, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("failed to open workspace: %v", err)
	}
	return ws, ws.Root()
}

func TestWorkspaceListRecursiveOrder(t *testing.T) {
	ws, root := setupTestWorkspace(t)

	os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)
	os.MkdirAll(filepath.Join(root, "src", "components"), 0755)
	os.WriteFile(filepath.Join(root, "src", "App.tsx"), []byte("app"), 0644)
	os.WriteFile(filepath.Join(root, "src", "components", "Button.tsx"), []byte("btn"), 0644)
	os.Mkdir(filepath.Join(root, "public"), 0755)

	entries, err := ws.List("")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	want := []string{
		"public",
		"src",
		"src/components",
		"src/components/Button.tsx",
		"src/App.tsx",
		"a.txt",
		"b.txt",
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), len(entries), entries)
	}
	for i, p := range want {
		if entries[i].Path != p {
			t.Errorf("entry %d: expected %q, got %q", i, p, entries[i].Path)
		}
	}
	if entries[0].Type != TypeDirectory || entries[5].Type != TypeFile {
		t.Errorf("unexpected types: %s, %s", entries[0].Type, entries[5].Type)
	}
}

func TestWorkspaceListSkipsHiddenAndDependencies(t *testing.T) {
	ws, root := setupTestWorkspace(t)

	os.WriteFile(filepath.Join(root, "index.js"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(root, ".env"), []byte("SECRET=1"), 0644)
	os.MkdirAll(filepath.Join(root, ".git", "objects"), 0755)
	os.MkdirAll(filepath.Join(root, "node_modules", "react"), 0755)
	os.MkdirAll(filepath.Join(root, "__pycache__"), 0755)
	os.MkdirAll(filepath.Join(root, "venv", "bin"), 0755)
	os.Symlink("/etc", filepath.Join(root, "etc-link"))

	entries, err := ws.List("")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "index.js" {
		t.Errorf("expected only index.js, got %+v", entries)
	}
}

func TestWorkspaceListMissingDirIsEmpty(t *testing.T) {
	ws, _ := setupTestWorkspace(t)

	entries, err := ws.List("does/not/exist")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("expected empty non-nil listing, got %#v", entries)
	}
}

func TestWorkspaceReadWrite(t *testing.T) {
	ws, root := setupTestWorkspace(t)

	content := []byte("test content here")
	if err := ws.Write("nested/dir/test.txt", content); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "nested", "dir", "test.txt"))
	if err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("expected %q, got %q", content, data)
	}

	data, err = ws.Read("nested/dir/test.txt")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("expected %q, got %q", content, data)
	}
}

func TestWorkspaceReadMissing(t *testing.T) {
	ws, _ := setupTestWorkspace(t)

	if _, err := ws.Read("nope.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkspaceReadDirectory(t *testing.T) {
	ws, root := setupTestWorkspace(t)
	os.Mkdir(filepath.Join(root, "src"), 0755)

	if _, err := ws.Read("src"); !errors.Is(err, ErrNotFile) {
		t.Errorf("expected ErrNotFile, got %v", err)
	}
}

func TestWorkspaceDelete(t *testing.T) {
	ws, root := setupTestWorkspace(t)

	os.MkdirAll(filepath.Join(root, "dir", "sub"), 0755)
	os.WriteFile(filepath.Join(root, "dir", "sub", "f.txt"), []byte("x"), 0644)

	if err := ws.Delete("dir"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "dir")); !os.IsNotExist(err) {
		t.Error("directory should be deleted")
	}

	if err := ws.Delete("dir"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestWorkspaceDeleteRootRefused(t *testing.T) {
	ws, root := setupTestWorkspace(t)

	for _, p := range []string{"", ".", "./"} {
		if err := ws.Delete(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Delete(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root should still exist: %v", err)
	}
}

func TestWorkspaceRename(t *testing.T) {
	ws, root := setupTestWorkspace(t)
	os.WriteFile(filepath.Join(root, "old.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(root, "taken.txt"), []byte("y"), 0644)

	if err := ws.Rename("old.txt", "moved/new.txt"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "moved", "new.txt")); err != nil {
		t.Errorf("destination missing: %v", err)
	}

	if err := ws.Rename("moved/new.txt", "taken.txt"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if err := ws.Rename("ghost.txt", "other.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := ws.Rename("moved", "moved/inner"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for move into self, got %v", err)
	}
}

func TestWorkspaceMkdirAndStat(t *testing.T) {
	ws, _ := setupTestWorkspace(t)

	if err := ws.Mkdir("a/b/c"); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	info, err := ws.Stat("a/b/c")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Type != TypeDirectory || info.Path != "a/b/c" || info.Name != "c" {
		t.Errorf("unexpected info %+v", info)
	}

	if err := ws.Write("a/file.txt", []byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := ws.Mkdir("a/file.txt/sub"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists under a file, got %v", err)
	}

	info, err = ws.Stat("a/file.txt")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Type != TypeFile || info.Size != 5 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	ws, root := setupTestWorkspace(t)

	outside := filepath.Join(filepath.Dir(root), "outside-"+filepath.Base(root)+".txt")
	t.Cleanup(func() { os.Remove(outside) })

	paths := []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/passwd",
		`\etc\passwd`,
		`..\..\outside.txt`,
		"src/../..",
	}
	for _, p := range paths {
		if err := ws.Write(p, []byte("x")); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Write(%q): expected ErrPathTraversal, got %v", p, err)
		}
		if _, err := ws.Read(p); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Read(%q): expected ErrPathTraversal, got %v", p, err)
		}
	}

	// Nothing was created by the rejected calls.
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("expected empty root after rejected writes, got %d entries", len(entries))
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Error("file escaped the workspace")
	}
}

func TestInvalidCharactersRejected(t *testing.T) {
	ws, _ := setupTestWorkspace(t)

	for _, p := range []string{"a\x00b", "semi;colon.txt", "pipe|name", "star*.go", "dollar$x", "quote\"s"} {
		if err := ws.Write(p, []byte("x")); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Write(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}

	for _, p := range []string{"my file (1).txt", "lib/@scope/pkg+v2[beta].js", "under_score-dash.md"} {
		if err := ws.Write(p, []byte("x")); err != nil {
			t.Errorf("Write(%q): unexpected error %v", p, err)
		}
	}
}

func TestSymlinkRejected(t *testing.T) {
	ws, root := setupTestWorkspace(t)
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0644)

	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := ws.Read("escape/secret.txt"); !errors.Is(err, ErrSymlinkDenied) {
		t.Errorf("read through dir link: expected ErrSymlinkDenied, got %v", err)
	}
	if err := ws.Write("escape/new.txt", []byte("x")); !errors.Is(err, ErrSymlinkDenied) {
		t.Errorf("write through dir link: expected ErrSymlinkDenied, got %v", err)
	}
	if _, err := ws.Read("link.txt"); !errors.Is(err, ErrSymlinkDenied) {
		t.Errorf("read file link: expected ErrSymlinkDenied, got %v", err)
	}
	if err := ws.Write("link.txt", []byte("overwrite")); !errors.Is(err, ErrSymlinkDenied) {
		t.Errorf("write file link: expected ErrSymlinkDenied, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(outside, "new.txt")); !os.IsNotExist(err) {
		t.Error("write escaped through symlink")
	}
	data, _ := os.ReadFile(filepath.Join(outside, "secret.txt"))
	if string(data) != "secret" {
		t.Errorf("target was modified: %q", data)
	}
}

func TestIsPathWithin(t *testing.T) {
	tests := []struct {
		path string
		root string
		want bool
	}{
		{"/workspace", "/workspace", true},
		{"/workspace/file.txt", "/workspace", true},
		{"/workspace/sub/dir", "/workspace", true},
		{"/workspace-evil", "/workspace", false},
		{"/workspace-evil/file.txt", "/workspace", false},
		{"/other", "/workspace", false},
		{"/", "/workspace", false},
	}

	for _, tt := range tests {
		if got := isPathWithin(tt.path, tt.root); got != tt.want {
			t.Errorf("isPathWithin(%q, %q) = %v, want %v", tt.path, tt.root, got, tt.want)
		}
	}
}
