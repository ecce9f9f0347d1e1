package fs

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrPathTraversal = errors.New("path traversal not allowed")
	ErrSymlinkDenied = errors.New("symbolic links are not allowed")
	ErrInvalidPath   = errors.New("invalid path")
	ErrNotFound      = errors.New("file or directory not found")
	ErrNotDirectory  = errors.New("not a directory")
	ErrNotFile       = errors.New("not a regular file")
	ErrAlreadyExists = errors.New("file or directory already exists")
)

// segmentPattern is the per-segment character allow-list.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._@+()\[\] -]+$`)

const maxSegmentLen = 255

// ignoredDirs are dependency caches hidden from listings.
var ignoredDirs = map[string]bool{
	"node_modules":     true,
	"__pycache__":      true,
	"bower_components": true,
	"venv":             true,
	"vendor":           true,
}

// Entry types reported by List.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// FileInfo contains metadata about a file or directory
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Workspace provides filesystem access confined to one project root.
// Paths are always relative to the root, slash-separated, and never start
// with a separator.
type Workspace struct {
	root string
}

// NewWorkspace opens the workspace at root, which must exist.
func NewWorkspace(root string) (*Workspace, error) {
	// Resolve symlinks in root to ensure consistent path comparisons
	// (e.g., on macOS /var -> /private/var)
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(realRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}
	return &Workspace{root: realRoot}, nil
}

// Root returns the workspace root path
func (w *Workspace) Root() string {
	return w.root
}

// cleanSegments is the lexical stage of the guard.
func cleanSegments(path string) ([]string, error) {
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) || filepath.IsAbs(path) {
		return nil, ErrPathTraversal
	}

	normalized := strings.ReplaceAll(path, `\`, "/")
	var segments []string
	for _, seg := range strings.Split(normalized, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil, ErrPathTraversal
		}
		if len(seg) > maxSegmentLen || !segmentPattern.MatchString(seg) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, seg)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// resolvePath maps a relative path to an absolute one inside the root.
// Every existing component is checked with Lstat and any symlink is
// refused; the deepest existing ancestor must really live under the root.
func (w *Workspace) resolvePath(path string) (string, error) {
	segments, err := cleanSegments(path)
	if err != nil {
		return "", err
	}

	existing := w.root
	current := w.root
	for _, seg := range segments {
		current = filepath.Join(current, seg)
		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				break
			}
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", ErrSymlinkDenied
		}
		existing = current
	}

	realExisting, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	if !isPathWithin(realExisting, w.root) {
		return "", ErrPathTraversal
	}

	return filepath.Join(append([]string{w.root}, segments...)...), nil
}

// isPathWithin checks if path is equal to or inside root.
// This is safer than strings.HasPrefix which would incorrectly match
// /workspace-evil as being within /workspace.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func (w *Workspace) rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func mapOpenErr(err error) error {
	switch {
	case errors.Is(err, iofs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, syscall.ELOOP):
		return ErrSymlinkDenied
	case errors.Is(err, syscall.EISDIR):
		return ErrNotFile
	}
	return err
}

// Read returns the contents of a file
func (w *Workspace) Read(path string) ([]byte, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(resolved, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, mapOpenErr(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFile
	}
	return io.ReadAll(f)
}

// Write writes content to a file, creating directories as needed
func (w *Workspace) Write(path string, content []byte) error {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}
	if resolved == w.root {
		return ErrInvalidPath
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return mapOpenErr(err)
	}

	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, 0644)
	if err != nil {
		return mapOpenErr(err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete removes a file or directory (recursively)
func (w *Workspace) Delete(path string) error {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}

	// Don't allow deleting the workspace root itself
	if resolved == w.root {
		return fmt.Errorf("%w: cannot delete workspace root", ErrInvalidPath)
	}

	if _, err := os.Lstat(resolved); err != nil {
		return mapOpenErr(err)
	}

	return os.RemoveAll(resolved)
}

// Rename moves a file or directory. The destination must not exist.
func (w *Workspace) Rename(from, to string) error {
	src, err := w.resolvePath(from)
	if err != nil {
		return err
	}
	dst, err := w.resolvePath(to)
	if err != nil {
		return err
	}
	if src == w.root || dst == w.root {
		return fmt.Errorf("%w: cannot rename workspace root", ErrInvalidPath)
	}
	if isPathWithin(dst, src) {
		return fmt.Errorf("%w: cannot move a directory into itself", ErrInvalidPath)
	}

	if _, err := os.Lstat(src); err != nil {
		return mapOpenErr(err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, iofs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// Mkdir creates a directory
func (w *Workspace) Mkdir(path string) error {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(resolved, 0755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EEXIST) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Stat returns information about a file or directory
func (w *Workspace) Stat(path string) (*FileInfo, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		return nil, mapOpenErr(err)
	}
	fi := toFileInfo(info, w.rel(resolved))
	return &fi, nil
}

// Exists checks if a file or directory exists
func (w *Workspace) Exists(path string) (bool, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return false, err
	}

	_, err = os.Lstat(resolved)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns every entry under path, depth first. At each level
// directories come before files and names sort lexically. Dotfiles,
// symlinks and dependency caches are skipped. A missing directory yields
// an empty listing.
func (w *Workspace) List(path string) ([]FileInfo, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	result := []FileInfo{}
	if err := w.listInto(resolved, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Workspace) listInto(dir string, out *[]FileInfo) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var dirs, files []iofs.DirEntry
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink != 0 || Hidden(entry.Name(), entry.IsDir()) {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else if entry.Type().IsRegular() {
			files = append(files, entry)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name() < dirs[j].Name() })
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	for _, entry := range dirs {
		abs := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		*out = append(*out, toFileInfo(info, w.rel(abs)))
		if err := w.listInto(abs, out); err != nil {
			return err
		}
	}
	for _, entry := range files {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		*out = append(*out, toFileInfo(info, w.rel(filepath.Join(dir, entry.Name()))))
	}
	return nil
}

// Hidden reports whether an entry is left out of listings and watches.
func Hidden(name string, isDir bool) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	return isDir && ignoredDirs[name]
}

func toFileInfo(info os.FileInfo, rel string) FileInfo {
	fi := FileInfo{
		Name:    info.Name(),
		Path:    rel,
		Type:    TypeFile,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if info.IsDir() {
		fi.Type = TypeDirectory
		fi.Size = 0
	}
	return fi
}
