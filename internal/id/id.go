package id

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// sessionSep separates the owning project from the unique part of a
// terminal session id. Project ids never contain it.
const sessionSep = ":"

var ErrMalformedSessionID = errors.New("malformed session id")

// New returns a random UUID string for connections and process records.
func New() string {
	return uuid.New().String()
}

// Event returns a lexically sortable id for published events.
func Event() string {
	return ulid.Make().String()
}

// Session returns a terminal session id that encodes its project.
func Session(projectID string) string {
	return projectID + sessionSep + ulid.Make().String()
}

// ProjectOf recovers the project id from a session id.
func ProjectOf(sessionID string) (string, error) {
	project, rest, ok := strings.Cut(sessionID, sessionSep)
	if !ok || project == "" || rest == "" {
		return "", ErrMalformedSessionID
	}
	if _, err := ulid.ParseStrict(rest); err != nil {
		return "", ErrMalformedSessionID
	}
	return project, nil
}
