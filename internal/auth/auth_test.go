package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "test-secret"

type directory map[string]bool

func (d directory) SubjectExists(ctx context.Context, subjectID string) (bool, error) {
	return d[subjectID], nil
}

type staticAccess map[string]Access

func (s staticAccess) ProjectAccess(ctx context.Context, subjectID, projectID string) (Access, error) {
	return s[subjectID+"/"+projectID], nil
}

func mustToken(t *testing.T, secret, subject, role string, ttl time.Duration) string {
	t.Helper()
	token, err := GenerateToken(secret, "devspace", subject, role, ttl)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier(testSecret, "devspace", directory{"alice": true})
	ctx := context.Background()

	id, err := v.VerifyIdentity(ctx, mustToken(t, testSecret, "alice", "", time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "alice" || id.Internal {
		t.Errorf("unexpected identity %+v", id)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"wrong secret", mustToken(t, "other", "alice", "", time.Hour), ErrInvalidToken},
		{"expired", mustToken(t, testSecret, "alice", "", -time.Minute), ErrInvalidToken},
		{"unknown subject", mustToken(t, testSecret, "mallory", "", time.Hour), ErrSubjectNotFound},
	}
	for _, tt := range tests {
		if _, err := v.VerifyIdentity(ctx, tt.token); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestJWTVerifierWithoutSecretFailsClosed(t *testing.T) {
	v := NewJWTVerifier("", "", nil)
	token := mustToken(t, "anything", "alice", "", time.Hour)
	if _, err := v.VerifyIdentity(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	mw := NewMiddleware("internal-secret", NewJWTVerifier(testSecret, "", nil), nil)

	var got Identity
	handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name    string
		setup   func(r *http.Request)
		status  int
		subject string
	}{
		{"no credentials", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"internal token", func(r *http.Request) { r.Header.Set("X-Internal-Token", "internal-secret") }, http.StatusOK, "internal"},
		{"wrong internal token", func(r *http.Request) { r.Header.Set("X-Internal-Token", "nope") }, http.StatusUnauthorized, ""},
		{"bearer", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+mustToken(t, testSecret, "bob", "", time.Hour))
		}, http.StatusOK, "bob"},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9vOmJhcg==") }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		got = Identity{}
		req := httptest.NewRequest("GET", "/projects/p/files", nil)
		tt.setup(req)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.status, rec.Code)
		}
		if got.Subject != tt.subject {
			t.Errorf("%s: expected subject %q, got %q", tt.name, tt.subject, got.Subject)
		}
	}
}

func TestMiddlewareVerifyIdentity(t *testing.T) {
	mw := NewMiddleware("internal-secret", NewJWTVerifier(testSecret, "", directory{"bob": true}), nil)
	ctx := context.Background()

	id, err := mw.VerifyIdentity(ctx, "internal-secret")
	if err != nil || !id.Internal {
		t.Errorf("internal token: %+v %v", id, err)
	}
	id, err = mw.VerifyIdentity(ctx, mustToken(t, testSecret, "bob", "", time.Hour))
	if err != nil || id.Subject != "bob" {
		t.Errorf("bearer token: %+v %v", id, err)
	}
	if _, err := mw.VerifyIdentity(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
	if _, err := mw.VerifyIdentity(ctx, mustToken(t, testSecret, "eve", "", time.Hour)); !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("expected ErrSubjectNotFound, got %v", err)
	}

	if _, err := NewMiddleware("", nil, nil).VerifyIdentity(ctx, "anything"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken without verifier, got %v", err)
	}
}

func TestMiddlewareFailsClosed(t *testing.T) {
	mw := NewMiddleware("", nil, nil)
	handler := mw.RequireInternal(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/internal/projects/p/events", nil)
	req.Header.Set("X-Internal-Token", "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=abc&projectId=p", nil)
	if got := TokenFromRequest(req); got != "abc" {
		t.Errorf("expected query token, got %q", got)
	}
	req.Header.Set("Authorization", "Bearer xyz")
	if got := TokenFromRequest(req); got != "xyz" {
		t.Errorf("expected header token to win, got %q", got)
	}
}

func TestAuthorize(t *testing.T) {
	checker := staticAccess{
		"alice/p1": {IsOwner: true},
		"bob/p1":   {IsCollaborator: true},
	}
	ctx := context.Background()

	allowed := []Identity{
		{Subject: "alice"},
		{Subject: "bob"},
		{Subject: "root", Role: RoleAdmin},
		{Subject: "internal", Internal: true},
	}
	for _, id := range allowed {
		if err := Authorize(ctx, checker, id, "p1"); err != nil {
			t.Errorf("%+v should be allowed: %v", id, err)
		}
	}
	if err := Authorize(ctx, checker, Identity{Subject: "carol"}, "p1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := Authorize(ctx, checker, Identity{Subject: "alice"}, "p2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for other project, got %v", err)
	}
}
