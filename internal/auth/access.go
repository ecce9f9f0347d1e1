package auth

import "context"

// Access describes a subject's relationship to a project.
type Access struct {
	IsOwner        bool
	IsCollaborator bool
	IsAdmin        bool
}

// Allowed reports whether any relationship grants access.
func (a Access) Allowed() bool {
	return a.IsOwner || a.IsCollaborator || a.IsAdmin
}

// AccessChecker looks up project access.
type AccessChecker interface {
	ProjectAccess(ctx context.Context, subjectID, projectID string) (Access, error)
}

// Authorize returns nil when id may use projectID. Internal callers and
// admin tokens are always allowed.
func Authorize(ctx context.Context, checker AccessChecker, id Identity, projectID string) error {
	if id.Internal || id.Role == RoleAdmin {
		return nil
	}
	if checker == nil {
		return ErrForbidden
	}
	access, err := checker.ProjectAccess(ctx, id.Subject, projectID)
	if err != nil {
		return err
	}
	if !access.Allowed() {
		return ErrForbidden
	}
	return nil
}
