// Package store keeps users, project ownership and the file metadata
// mirror in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/hyper-ai-inc/devspace/internal/auth"
)

var ErrProjectNotFound = errors.New("project not found")

// mirrorTimeout bounds mirror writes, which run outside any request
// context.
const mirrorTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	role       TEXT NOT NULL DEFAULT 'user',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	template   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS collaborators (
	project_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	PRIMARY KEY (project_id, user_id)
);
CREATE TABLE IF NOT EXISTS files (
	project_id TEXT NOT NULL,
	path       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	line_count INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (project_id, path)
);
`

// FileMeta is one row of the file metadata mirror.
type FileMeta struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Lines     int       `json:"lines"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a SQLite-backed directory of users and projects.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" keeps
// the database in process.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return err
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser records a user, updating the role if it already exists.
func (s *Store) EnsureUser(ctx context.Context, userID, role string) error {
	if role == "" {
		role = "user"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, role, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role = excluded.role`,
		userID, role, time.Now().Unix())
	return err
}

// SubjectExists implements auth.SubjectDirectory.
func (s *Store) SubjectExists(ctx context.Context, subjectID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, subjectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateProject records ownerID as the owner of projectID.
func (s *Store) CreateProject(ctx context.Context, projectID, ownerID, template string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, template, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET template = excluded.template`,
		projectID, ownerID, template, time.Now().Unix())
	return err
}

// ProjectOwner returns the owner of projectID or ErrProjectNotFound.
func (s *Store) ProjectOwner(ctx context.Context, projectID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id = ?`, projectID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProjectNotFound
	}
	return owner, err
}

// DeleteProject removes the project, its collaborators and mirrored files.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM files WHERE project_id = ?`,
		`DELETE FROM collaborators WHERE project_id = ?`,
		`DELETE FROM projects WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, projectID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddCollaborator grants userID access to projectID.
func (s *Store) AddCollaborator(ctx context.Context, projectID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (project_id, user_id)
		SELECT id, ? FROM projects WHERE id = ?
		ON CONFLICT DO NOTHING`, userID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return ErrProjectNotFound
		}
	}
	return nil
}

// RemoveCollaborator revokes userID's access to projectID.
func (s *Store) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collaborators WHERE project_id = ? AND user_id = ?`, projectID, userID)
	return err
}

// ProjectAccess implements auth.AccessChecker.
func (s *Store) ProjectAccess(ctx context.Context, subjectID, projectID string) (auth.Access, error) {
	var access auth.Access
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM projects WHERE id = ? AND owner_id = ?),
			EXISTS(SELECT 1 FROM collaborators WHERE project_id = ? AND user_id = ?),
			EXISTS(SELECT 1 FROM users WHERE id = ? AND role = ?)`,
		projectID, subjectID,
		projectID, subjectID,
		subjectID, auth.RoleAdmin,
	).Scan(&access.IsOwner, &access.IsCollaborator, &access.IsAdmin)
	return access, err
}

// FileWritten records size and line count for a file.
func (s *Store) FileWritten(projectID, path string, size int64, lines int) error {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (project_id, path, size, line_count, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, path) DO UPDATE SET
			size = excluded.size,
			line_count = excluded.line_count,
			updated_at = excluded.updated_at`,
		projectID, path, size, lines, time.Now().UnixMilli())
	return err
}

// PathDeleted drops path and, if it was a directory, everything below it.
func (s *Store) PathDeleted(projectID, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	n := utf8.RuneCountInString(path) + 1
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM files
		WHERE project_id = ? AND (path = ? OR substr(path, 1, ?) = ?)`,
		projectID, path, n, path+"/")
	return err
}

// PathRenamed moves mirrored rows from one path prefix to another.
func (s *Store) PathRenamed(projectID, from, to string) error {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	n := utf8.RuneCountInString(from) + 1
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET path = ? || substr(path, ?), updated_at = ?
		WHERE project_id = ? AND (path = ? OR substr(path, 1, ?) = ?)`,
		to, n, time.Now().UnixMilli(),
		projectID, from, n, from+"/")
	return err
}

// WorkspaceDeleted drops every mirrored file of the project.
func (s *Store) WorkspaceDeleted(projectID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID)
	return err
}

// Files returns the mirrored metadata of a project ordered by path.
func (s *Store) Files(ctx context.Context, projectID string) ([]FileMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, size, line_count, updated_at FROM files
		WHERE project_id = ? ORDER BY path`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []FileMeta{}
	for rows.Next() {
		var (
			meta    FileMeta
			updated int64
		)
		if err := rows.Scan(&meta.Path, &meta.Size, &meta.Lines, &updated); err != nil {
			return nil, err
		}
		meta.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, meta)
	}
	return out, rows.Err()
}
