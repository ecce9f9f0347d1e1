package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	RequestID string          `json:"requestId"`
	ProjectID string          `json:"projectId"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Code      string          `json:"code"`
}

func startHTTP(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	// Close websockets and streams before ts.Close waits on them.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.BeginShutdown(ctx)
	})
	return s, ts
}

func httpDo(t *testing.T, method, url, subject string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if subject == "internal" {
		req.Header.Set("X-Internal-Token", testInternalToken)
	} else if subject != "" {
		req.Header.Set("Authorization", "Bearer "+userToken(t, subject))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func dialProject(t *testing.T, ts *httptest.Server, subject, projectID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?projectId=" + projectID + "&token=" + userToken(t, subject)
	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	f := readFrame(t, conn)
	if f.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", f)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f := readFrame(t, conn); match(f) {
			return f
		}
	}
	t.Fatal("timed out waiting for frame")
	return frame{}
}

// TestWorkspaceOverGateway drives a project through HTTP while a websocket
// subscriber watches:
// 1. Create workspace
// 2. Connect via WebSocket
// 3. Write a file and receive file:changed
// 4. Run a terminal and read its output
// 5. Run a one-shot command and receive process:output
// 6. Push a collaborator event
func TestWorkspaceOverGateway(t *testing.T) {
	_, ts := startHTTP(t)

	resp := httpDo(t, "POST", ts.URL+"/projects/p1/workspace", "alice", `{"template":"blank"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create workspace: expected 201, got %d", resp.StatusCode)
	}

	conn := dialProject(t, ts, "alice", "p1")

	resp = httpDo(t, "PUT", ts.URL+"/projects/p1/file?path=notes.txt", "alice", "hello")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put file: expected 201, got %d", resp.StatusCode)
	}
	f := readUntil(t, conn, func(f frame) bool {
		return f.Type == "file:changed" && strings.Contains(string(f.Data), `"notes.txt"`)
	})
	if f.ProjectID != "p1" || f.ID == "" {
		t.Errorf("unexpected file event %+v", f)
	}

	conn.WriteJSON(map[string]interface{}{"type": "terminal:create", "requestId": "t1", "cols": 100, "rows": 30})
	created := readUntil(t, conn, func(f frame) bool { return f.Type == "terminal:created" })
	var td struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(created.Data, &td)
	if td.SessionID == "" {
		t.Fatalf("no session id in %s", created.Data)
	}

	conn.WriteJSON(map[string]interface{}{"type": "terminal:input", "sessionId": td.SessionID, "data": "cat notes.txt; echo\n"})
	var output strings.Builder
	readUntil(t, conn, func(f frame) bool {
		if f.Type != "terminal:output" {
			return false
		}
		var od struct {
			Data string `json:"data"`
		}
		json.Unmarshal(f.Data, &od)
		output.WriteString(od.Data)
		return strings.Contains(output.String(), "hello")
	})

	resp = httpDo(t, "POST", ts.URL+"/projects/p1/commands", "alice", `{"command":"echo built"}`)
	resp.Body.Close()
	readUntil(t, conn, func(f frame) bool {
		return f.Type == "process:output" && strings.Contains(string(f.Data), "built")
	})

	resp = httpDo(t, "POST", ts.URL+"/internal/projects/p1/events", "internal", `{"type":"agent:status","data":{"state":"idle"}}`)
	resp.Body.Close()
	f = readUntil(t, conn, func(f frame) bool { return f.Type == "agent:status" })
	if !strings.Contains(string(f.Data), "idle") {
		t.Errorf("unexpected agent payload %s", f.Data)
	}
}

func TestGatewayRejectsForeignProject(t *testing.T) {
	s, ts := startHTTP(t)

	resp := httpDo(t, "POST", ts.URL+"/projects/p1/workspace", "alice", `{"template":"blank"}`)
	resp.Body.Close()

	conn := dialProject(t, ts, "bob", "p1")
	conn.WriteJSON(map[string]interface{}{"type": "terminal:create", "requestId": "t1"})
	f := readFrame(t, conn)
	if f.Type != "error" || f.Code != "unauthorized" {
		t.Errorf("expected unauthorized error, got %+v", f)
	}
	if n := s.gateway.ProjectConnections("p1"); n != 0 {
		t.Errorf("bob should not be subscribed, got %d connections", n)
	}
}

func TestEventStream(t *testing.T) {
	_, ts := startHTTP(t)

	resp := httpDo(t, "POST", ts.URL+"/projects/p1/workspace", "alice", `{"template":"blank"}`)
	resp.Body.Close()

	stream := httpDo(t, "GET", ts.URL+"/projects/p1/events", "alice", "")
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK || !strings.HasPrefix(stream.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response %d %q", stream.StatusCode, stream.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(stream.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("expected ready comment, got %q %v", line, err)
	}

	found := make(chan string, 1)
	go func() {
		defer close(found)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"a.txt"`) {
				found <- line
				return
			}
		}
	}()

	// The subscription registers asynchronously, so keep writing until an
	// event arrives.
	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for done := false; !done; {
		resp = httpDo(t, "PUT", ts.URL+"/projects/p1/file?path=a.txt", "alice", "x")
		resp.Body.Close()
		select {
		case line, ok := <-found:
			if !ok {
				t.Fatal("stream ended before file event")
			}
			if !strings.Contains(line, `"file:changed"`) {
				t.Errorf("unexpected event line %q", line)
			}
			done = true
		case <-ticker.C:
		case <-timeout:
			t.Fatal("timed out waiting for file event")
		}
	}

	forbidden := httpDo(t, "GET", ts.URL+"/projects/p1/events", "bob", "")
	io.Copy(io.Discard, forbidden.Body)
	forbidden.Body.Close()
	if forbidden.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for bob, got %d", forbidden.StatusCode)
	}
}

func TestPreviewProxiesDevServer(t *testing.T) {
	_, ts := startHTTP(t)

	resp := httpDo(t, "POST", ts.URL+"/projects/p1/workspace", "alice", `{"template":"static"}`)
	resp.Body.Close()

	// Serve the static template with python3 when it is installed.
	resp = httpDo(t, "POST", ts.URL+"/projects/p1/process", "alice",
		`{"command":"sh","args":["-c","command -v python3 >/dev/null || exit 7; exec python3 -m http.server \"$PORT\" --bind 127.0.0.1"]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status := httpDo(t, "GET", ts.URL+"/projects/p1/process", "alice", "")
		var rec struct {
			Status   string `json:"status"`
			ExitCode *int   `json:"exitCode"`
		}
		json.NewDecoder(status.Body).Decode(&rec)
		status.Body.Close()
		if rec.Status == "error" && rec.ExitCode != nil && *rec.ExitCode == 7 {
			t.Skip("python3 not available")
		}

		page, err := http.Get(ts.URL + "/preview/p1/index.html")
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(page.Body)
		page.Body.Close()
		if page.StatusCode == http.StatusOK {
			if !strings.Contains(string(body), "Hello, world") {
				t.Errorf("unexpected preview body %q", body)
			}
			return
		}
		if page.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("unexpected preview status %d", page.StatusCode)
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("preview never became ready")
}
