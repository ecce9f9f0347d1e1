// Package auth verifies callers of the HTTP API and the realtime gateway.
//
// Two credentials are accepted: the shared internal token, sent by
// collaborator services in X-Internal-Token, and user bearer tokens (HS256
// JWTs issued by the identity provider).
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/logging"
)

var (
	ErrMissingToken    = errors.New("missing token")
	ErrInvalidToken    = errors.New("invalid token")
	ErrSubjectNotFound = errors.New("subject not found")
	ErrForbidden       = errors.New("access to project denied")
)

// Identity is an authenticated caller.
type Identity struct {
	Subject string
	Role    string
	// Internal is set for service-to-service calls made with the internal
	// token.
	Internal bool
}

// RoleAdmin grants access to every project.
const RoleAdmin = "admin"

// Verifier turns a bearer token into an identity.
type Verifier interface {
	VerifyIdentity(ctx context.Context, token string) (Identity, error)
}

type contextKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Must be "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware provides authentication middleware for HTTP handlers
type Middleware struct {
	internalToken string
	verifier      Verifier
	log           logrus.FieldLogger
}

// NewMiddleware creates a new auth middleware. An empty internal token
// disables service-to-service access; a nil verifier disables user tokens.
func NewMiddleware(internalToken string, verifier Verifier, log logrus.FieldLogger) *Middleware {
	if log == nil {
		log = logging.Discard()
	}
	log = logging.Component(log, "auth")
	if internalToken == "" && verifier == nil {
		log.Warn("no internal token or token verifier configured, all requests will be rejected (fail-closed)")
	}
	return &Middleware{
		internalToken: internalToken,
		verifier:      verifier,
		log:           log,
	}
}

// RequireAuth wraps an http.Handler and requires valid authentication
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.Authenticate(r)
		if err != nil {
			http.Error(w, "E80101: Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAuthFunc wraps an http.HandlerFunc and requires valid authentication
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireAuth(next).ServeHTTP
}

// RequireInternal only admits the internal token.
func (m *Middleware) RequireInternal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.internalTokenMatches(r.Header.Get("X-Internal-Token")) {
			m.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Warn("rejected internal call")
			http.Error(w, "E80101: Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(WithIdentity(r.Context(), Identity{Subject: "internal", Internal: true})))
	}
}

// Authenticate checks the X-Internal-Token header first (for internal
// service-to-service calls), then a bearer token.
func (m *Middleware) Authenticate(r *http.Request) (Identity, error) {
	if token := r.Header.Get("X-Internal-Token"); token != "" {
		if m.internalTokenMatches(token) {
			return Identity{Subject: "internal", Internal: true}, nil
		}
		m.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Warn("X-Internal-Token mismatch")
		return Identity{}, ErrInvalidToken
	}

	token := TokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if m.verifier == nil {
		return Identity{}, ErrInvalidToken
	}
	id, err := m.verifier.VerifyIdentity(r.Context(), token)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("bearer token rejected")
		return Identity{}, err
	}
	return id, nil
}

func (m *Middleware) internalTokenMatches(token string) bool {
	// If no token is configured, reject (fail secure)
	if m.internalToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.internalToken)) == 1
}

// VerifyIdentity accepts either the internal token or a user token, for
// callers like the websocket gateway that receive a bare token.
func (m *Middleware) VerifyIdentity(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if m.internalTokenMatches(token) {
		return Identity{Subject: "internal", Internal: true}, nil
	}
	if m.verifier == nil {
		return Identity{}, ErrInvalidToken
	}
	return m.verifier.VerifyIdentity(ctx, token)
}

// Verifier returns the bearer token verifier, if any.
func (m *Middleware) Verifier() Verifier {
	return m.verifier
}
