package fs

import (
	"bytes"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/logging"
)

var (
	ErrInvalidProjectID = errors.New("invalid project id")
	ErrTemplateNotFound = errors.New("template not found")
	ErrWorkspaceExists  = errors.New("workspace already exists")
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// File change operations carried in file:changed events.
const (
	OpCreate = "create"
	OpWrite  = "write"
	OpDelete = "delete"
	OpRename = "rename"
	OpMkdir  = "mkdir"
)

// FileChange is the payload of a file:changed event.
type FileChange struct {
	Path    string `json:"path"`
	Op      string `json:"op"`
	OldPath string `json:"oldPath,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Mirror receives file metadata after each successful mutation.
type Mirror interface {
	FileWritten(projectID, path string, size int64, lines int) error
	PathDeleted(projectID, path string) error
	PathRenamed(projectID, from, to string) error
	WorkspaceDeleted(projectID string) error
}

// ValidateProjectID checks a project id before it is used as a directory
// name.
func ValidateProjectID(projectID string) error {
	if !projectIDPattern.MatchString(projectID) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, projectID)
	}
	return nil
}

// Store manages one workspace directory per project under a base dir.
type Store struct {
	base      string
	templates *Templates
	events    events.Publisher
	mirror    Mirror
	log       logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets where file:changed events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.events = p }
}

// WithMirror sets the metadata mirror.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithTemplates replaces the built-in template set.
func WithTemplates(t *Templates) Option {
	return func(s *Store) { s.templates = t }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates base if needed and returns a store rooted there.
func NewStore(base string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return nil, err
	}

	s := &Store{
		base:   realBase,
		events: events.Discard,
		log:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.templates == nil {
		t, err := LoadTemplates("")
		if err != nil {
			return nil, err
		}
		s.templates = t
	}
	return s, nil
}

// Base returns the directory holding every workspace.
func (s *Store) Base() string {
	return s.base
}

// Templates returns the scaffold templates known to the store.
func (s *Store) Templates() *Templates {
	return s.templates
}

// Root returns the directory for projectID without creating it.
func (s *Store) Root(projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	return filepath.Join(s.base, projectID), nil
}

// ExistingRoot returns the root of a workspace that has already been
// created, or ErrNotFound.
func (s *Store) ExistingRoot(projectID string) (string, error) {
	root, err := s.Root(projectID)
	if err != nil {
		return "", err
	}
	info, err := os.Lstat(root)
	if err != nil || !info.IsDir() {
		return "", ErrNotFound
	}
	return root, nil
}

// Exists reports whether the project's workspace directory exists.
func (s *Store) Exists(projectID string) bool {
	root, err := s.Root(projectID)
	if err != nil {
		return false
	}
	info, err := os.Lstat(root)
	return err == nil && info.IsDir()
}

// Workspace returns the guarded view of projectID's root. Only
// CreateWorkspace creates roots, so a missing workspace is ErrNotFound.
func (s *Store) Workspace(projectID string) (*Workspace, error) {
	root, err := s.ExistingRoot(projectID)
	if err != nil {
		return nil, err
	}
	return NewWorkspace(root)
}

// CreateWorkspace materializes the named template into a fresh root.
func (s *Store) CreateWorkspace(projectID, templateName string) error {
	root, err := s.Root(projectID)
	if err != nil {
		return err
	}
	tmpl, ok := s.templates.Get(templateName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrTemplateNotFound, templateName)
	}

	if err := os.Mkdir(root, 0755); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return ErrWorkspaceExists
		}
		return fmt.Errorf("create workspace: %w", err)
	}
	ws, err := NewWorkspace(root)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(tmpl.Files))
	for p := range tmpl.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		content := []byte(tmpl.Files[p])
		if err := ws.Write(p, content); err != nil {
			os.RemoveAll(root)
			return fmt.Errorf("materialize %s: %w", p, err)
		}
		s.mirrorWrite(projectID, p, content)
	}

	s.log.WithFields(logrus.Fields{
		"project":  projectID,
		"template": tmpl.Name,
		"files":    len(paths),
	}).Info("workspace created")
	return nil
}

// DeleteWorkspace removes the project's root and everything in it.
func (s *Store) DeleteWorkspace(projectID string) error {
	root, err := s.Root(projectID)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(root); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := os.RemoveAll(root); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.WorkspaceDeleted(projectID); err != nil {
			s.log.WithError(err).WithField("project", projectID).Warn("mirror update failed")
		}
	}
	s.log.WithField("project", projectID).Info("workspace deleted")
	return nil
}

// ReadFile returns the contents of path.
func (s *Store) ReadFile(projectID, path string) ([]byte, error) {
	ws, err := s.Workspace(projectID)
	if err != nil {
		return nil, err
	}
	return ws.Read(path)
}

// WriteFile creates or replaces path, creating parent directories.
func (s *Store) WriteFile(projectID, path string, content []byte) error {
	ws, err := s.Workspace(projectID)
	if err != nil {
		return err
	}
	existed, err := ws.Exists(path)
	if err != nil {
		return err
	}
	if err := ws.Write(path, content); err != nil {
		return err
	}

	op := OpWrite
	if !existed {
		op = OpCreate
	}
	s.changed(projectID, FileChange{Path: cleanRel(path), Op: op})
	s.mirrorWrite(projectID, cleanRel(path), content)
	return nil
}

// DeleteFile removes a file or directory tree.
func (s *Store) DeleteFile(projectID, path string) error {
	ws, err := s.Workspace(projectID)
	if err != nil {
		return err
	}
	if err := ws.Delete(path); err != nil {
		return err
	}

	rel := cleanRel(path)
	s.changed(projectID, FileChange{Path: rel, Op: OpDelete})
	if s.mirror != nil {
		if err := s.mirror.PathDeleted(projectID, rel); err != nil {
			s.log.WithError(err).WithField("project", projectID).Warn("mirror update failed")
		}
	}
	return nil
}

// RenameFile moves from to to. The destination must not exist.
func (s *Store) RenameFile(projectID, from, to string) error {
	ws, err := s.Workspace(projectID)
	if err != nil {
		return err
	}
	if err := ws.Rename(from, to); err != nil {
		return err
	}

	oldRel, newRel := cleanRel(from), cleanRel(to)
	s.changed(projectID, FileChange{Path: newRel, Op: OpRename, OldPath: oldRel})
	if s.mirror != nil {
		if err := s.mirror.PathRenamed(projectID, oldRel, newRel); err != nil {
			s.log.WithError(err).WithField("project", projectID).Warn("mirror update failed")
		}
	}
	return nil
}

// CreateDirectory creates path and any missing parents.
func (s *Store) CreateDirectory(projectID, path string) error {
	ws, err := s.Workspace(projectID)
	if err != nil {
		return err
	}
	if err := ws.Mkdir(path); err != nil {
		return err
	}
	s.changed(projectID, FileChange{Path: cleanRel(path), Op: OpMkdir})
	return nil
}

// ListFiles returns the recursive listing of dir.
func (s *Store) ListFiles(projectID, dir string) ([]FileInfo, error) {
	ws, err := s.Workspace(projectID)
	if err != nil {
		return nil, err
	}
	return ws.List(dir)
}

// Stat returns metadata for a single entry.
func (s *Store) Stat(projectID, path string) (*FileInfo, error) {
	ws, err := s.Workspace(projectID)
	if err != nil {
		return nil, err
	}
	return ws.Stat(path)
}

func (s *Store) changed(projectID string, change FileChange) {
	if change.Source == "" {
		change.Source = "api"
	}
	s.events.Publish(events.Event{
		Type:      events.FileChanged,
		ProjectID: projectID,
		Data:      change,
	})
}

func (s *Store) mirrorWrite(projectID, path string, content []byte) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.FileWritten(projectID, path, int64(len(content)), CountLines(content)); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"project": projectID,
			"path":    path,
		}).Warn("mirror update failed")
	}
}

// CountLines returns the number of lines in content; a trailing fragment
// without a newline counts as a line.
func CountLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

// cleanRel normalizes an already validated path for event payloads.
func cleanRel(path string) string {
	segments, err := cleanSegments(path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(filepath.Join(segments...))
}
