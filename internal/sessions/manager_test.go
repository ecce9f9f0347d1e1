package sessions

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/id"
)

type harness struct {
	m      *Manager
	events chan events.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	base := t.TempDir()
	ch := make(chan events.Event, 1024)
	pub := events.PublisherFunc(func(ev events.Event) { ch <- ev })
	root := func(projectID string) (string, error) { return base, nil }

	opts = append([]Option{WithShell("/bin/sh")}, opts...)
	m := NewManager(root, pub, opts...)
	t.Cleanup(m.Shutdown)
	return &harness{m: m, events: ch}
}

// waitOutput collects terminal output for sessionID until it contains want.
func (h *harness) waitOutput(t *testing.T, sessionID, want string) string {
	t.Helper()
	var received strings.Builder
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type != events.TerminalOutput || ev.SessionID != sessionID {
				continue
			}
			received.WriteString(ev.Data.(OutputData).Data)
			if strings.Contains(received.String(), want) {
				return received.String()
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %q; got %q", want, received.String())
		}
	}
}

func (h *harness) waitExit(t *testing.T, sessionID string) ExitData {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == events.TerminalExit && ev.SessionID == sessionID {
				return ev.Data.(ExitData)
			}
		case <-timeout:
			t.Fatalf("timeout waiting for exit of %s", sessionID)
		}
	}
}

func TestCreateWriteStreamsOutput(t *testing.T) {
	h := newHarness(t)

	s, err := h.m.Create("proj-1", 80, 24, "user-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if project, err := id.ProjectOf(s.ID); err != nil || project != "proj-1" {
		t.Errorf("session id %q does not encode project: %q, %v", s.ID, project, err)
	}

	if err := h.m.Write(s.ID, []byte("echo \"$TERM $COLORTERM $LC_ALL\"\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	h.waitOutput(t, s.ID, "xterm-256color truecolor C.UTF-8")
}

func TestOutputFollowsInputOrder(t *testing.T) {
	h := newHarness(t)

	s, err := h.m.Create("proj", 80, 24, "user-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// The quotes keep the echoed input from matching the output pattern.
	const n = 10
	for i := 1; i <= n; i++ {
		if err := h.m.Write(s.ID, []byte(fmt.Sprintf("echo seq-\"\"%d\n", i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	out := h.waitOutput(t, s.ID, fmt.Sprintf("seq-%d\r\n", n))

	var got []string
	for _, m := range regexp.MustCompile(`seq-(\d+)\r\n`).FindAllStringSubmatch(out, -1) {
		got = append(got, m[1])
	}
	want := make([]string, n)
	for i := range want {
		want[i] = strconv.Itoa(i + 1)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("output out of order: %v", got)
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)

	if err := h.m.Write("proj:01ARZ3NDEKTSV4RRFFQ69G5FAV", []byte("ls\n")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("write: expected ErrSessionNotFound, got %v", err)
	}
	if err := h.m.Resize("nope", 100, 30); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("resize: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.m.Create("proj", 0, 24, "u"); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("create: expected ErrInvalidSize, got %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t)

	s, err := h.m.Create("proj", 80, 24, "u")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := h.m.Destroy(s.ID); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := h.m.Destroy(s.ID); err != nil {
		t.Fatalf("second destroy should be a no-op, got %v", err)
	}
	h.waitExit(t, s.ID)

	if _, err := h.m.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session to be gone, got %v", err)
	}

	// Exactly one exit event.
	select {
	case ev := <-h.events:
		if ev.Type == events.TerminalExit {
			t.Errorf("duplicate exit event %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNaturalExitReportsCode(t *testing.T) {
	h := newHarness(t)

	s, err := h.m.Create("proj", 80, 24, "u")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	h.m.Write(s.ID, []byte("exit 7\n"))

	exit := h.waitExit(t, s.ID)
	if exit.ExitCode != 7 {
		t.Errorf("expected exit code 7, got %d", exit.ExitCode)
	}
	if n := len(h.m.List("proj")); n != 0 {
		t.Errorf("expected no sessions after exit, got %d", n)
	}
}

func TestIdleSessionIsReaped(t *testing.T) {
	h := newHarness(t,
		WithIdleTimeout(100*time.Millisecond),
		WithReapInterval(50*time.Millisecond),
	)

	s, err := h.m.Create("proj", 80, 24, "u")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	h.waitExit(t, s.ID)
	if h.m.Count() != 0 {
		t.Errorf("expected reaped session to be removed, got %d live", h.m.Count())
	}
}

func TestDestroyOwnedBy(t *testing.T) {
	h := newHarness(t)

	a1, _ := h.m.Create("proj", 80, 24, "alice")
	a2, _ := h.m.Create("proj", 80, 24, "alice")
	b, err := h.m.Create("proj", 80, 24, "bob")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if n := h.m.DestroyOwnedBy("alice"); n != 2 {
		t.Errorf("expected 2 destroyed, got %d", n)
	}
	h.waitExit(t, a1.ID)
	h.waitExit(t, a2.ID)

	list := h.m.List("proj")
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("expected only bob's session, got %+v", list)
	}
}

func TestResizeUpdatesSize(t *testing.T) {
	h := newHarness(t)

	s, err := h.m.Create("proj", 80, 24, "u")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	before := s.LastActivity()
	time.Sleep(10 * time.Millisecond)

	if err := h.m.Resize(s.ID, 132, 43); err != nil {
		t.Fatalf("resize failed: %v", err)
	}
	if cols, rows := s.Size(); cols != 132 || rows != 43 {
		t.Errorf("expected 132x43, got %dx%d", cols, rows)
	}
	if !s.LastActivity().After(before) {
		t.Error("resize should update last activity")
	}
}

func TestShutdownDrainsSessions(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		if _, err := h.m.Create("proj", 80, 24, "u"); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	h.m.Shutdown()

	if h.m.Count() != 0 {
		t.Errorf("expected no sessions after shutdown, got %d", h.m.Count())
	}
	if _, err := h.m.Create("proj", 80, 24, "u"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		in       []byte
		complete string
		rest     int
	}{
		{[]byte("abc"), "abc", 0},
		{append([]byte("a"), euro...), "a€", 0},
		{append([]byte("a"), euro[:2]...), "a", 2},
		{euro[:1], "", 1},
		{nil, "", 0},
	}
	for _, tt := range tests {
		complete, rest := splitUTF8(tt.in)
		if string(complete) != tt.complete || len(rest) != tt.rest {
			t.Errorf("splitUTF8(%q) = %q, %d rest; want %q, %d", tt.in, complete, len(rest), tt.complete, tt.rest)
		}
	}
}
