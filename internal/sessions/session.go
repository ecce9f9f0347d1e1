package sessions

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hyper-ai-inc/devspace/internal/pty"
)

// Session is one interactive shell bound to a project and an owner.
type Session struct {
	ID        string
	ProjectID string
	OwnerID   string
	CreatedAt time.Time

	pty          *pty.PTY
	lastActivity atomic.Int64

	mu   sync.Mutex
	cols uint16
	rows uint16
}

// Info is the externally visible view of a session.
type Info struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	OwnerID      string    `json:"ownerId"`
	Cols         uint16    `json:"cols"`
	Rows         uint16    `json:"rows"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivityAt"`
}

// OutputData is the payload of terminal:output.
type OutputData struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ExitData is the payload of terminal:exit.
type ExitData struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

func newSession(id, projectID, ownerID string, p *pty.PTY, cols, rows uint16) *Session {
	now := time.Now()
	s := &Session{
		ID:        id,
		ProjectID: projectID,
		OwnerID:   ownerID,
		CreatedAt: now,
		pty:       p,
		cols:      cols,
		rows:      rows,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when input or a resize last arrived.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) setSize(cols, rows uint16) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// Size returns the current window size.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	cols, rows := s.Size()
	return Info{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		OwnerID:      s.OwnerID,
		Cols:         cols,
		Rows:         rows,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the remainder.
func splitUTF8(b []byte) (complete, rest []byte) {
	// A UTF-8 sequence is at most 4 bytes, so only the tail can be partial.
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return b, nil
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[i:]) {
				return b, nil
			}
			return b[:i], b[i:]
		}
	}
	return b, nil
}
