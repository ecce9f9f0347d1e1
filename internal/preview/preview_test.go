package preview

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

type staticPorts map[string]int

func (s staticPorts) Port(projectID string) (int, bool) {
	port, ok := s[projectID]
	return port, ok
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func newServer(t *testing.T, ports PortLookup) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/preview/{id}/{path...}", New(ports, "https://dev.example.com", nil))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestProxyStripsPrefix(t *testing.T) {
	var gotPath, gotQuery, gotPrefix string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotPrefix = r.Header.Get("X-Forwarded-Prefix")
		w.Header().Set("X-Frame-Options", "DENY")
		io.WriteString(w, "hello from dev server")
	}))
	defer upstream.Close()

	server := newServer(t, staticPorts{"p1": portOf(t, upstream.URL)})

	resp, err := http.Get(server.URL + "/preview/p1/assets/app.js?v=3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "hello from dev server" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if gotPath != "/assets/app.js" || gotQuery != "v=3" {
		t.Errorf("upstream saw %q ? %q", gotPath, gotQuery)
	}
	if gotPrefix != "/preview/p1" {
		t.Errorf("expected forwarded prefix, got %q", gotPrefix)
	}
	if resp.Header.Get("X-Frame-Options") != "" {
		t.Error("X-Frame-Options should be stripped")
	}

	resp, err = http.Get(server.URL + "/preview/p1/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	resp.Body.Close()
	if gotPath != "/" {
		t.Errorf("expected root path, got %q", gotPath)
	}
}

func TestNotRunningPage(t *testing.T) {
	server := newServer(t, staticPorts{})

	resp, err := http.Get(server.URL + "/preview/p1/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "not running") {
		t.Errorf("unexpected body %q", body)
	}
	if resp.Header.Get("Refresh") != "" {
		t.Error("not-running page must not auto-refresh")
	}
}

func TestStartingPageOnDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	server := newServer(t, staticPorts{"p1": port})

	resp, err := http.Get(server.URL + "/preview/p1/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Refresh") != "2" {
		t.Errorf("expected Refresh: 2, got %q", resp.Header.Get("Refresh"))
	}
	if !strings.Contains(string(body), "Starting preview") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestURL(t *testing.T) {
	p := New(staticPorts{"p1": 3100}, "https://dev.example.com/", nil)

	if u, ok := p.URL("p1"); !ok || u != "https://dev.example.com/preview/p1/" {
		t.Errorf("unexpected url %q %v", u, ok)
	}
	if _, ok := p.URL("p2"); ok {
		t.Error("p2 has no running server")
	}
}
