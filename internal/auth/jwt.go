package auth

import (
	"context"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines JWT payload.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// SubjectDirectory confirms that a token's subject still exists.
type SubjectDirectory interface {
	SubjectExists(ctx context.Context, subjectID string) (bool, error)
}

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	directory SubjectDirectory
}

// NewJWTVerifier creates a verifier. When directory is non-nil, tokens for
// unknown subjects fail with ErrSubjectNotFound.
func NewJWTVerifier(secret, issuer string, directory SubjectDirectory) *JWTVerifier {
	return &JWTVerifier{
		secret:    []byte(secret),
		issuer:    issuer,
		directory: directory,
	}
}

// VerifyIdentity validates token and returns its subject.
func (v *JWTVerifier) VerifyIdentity(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if len(v.secret) == 0 {
		return Identity{}, ErrInvalidToken
	}

	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name})}
	if v.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.issuer))
	}
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	if v.directory != nil {
		exists, err := v.directory.SubjectExists(ctx, claims.Subject)
		if err != nil {
			return Identity{}, fmt.Errorf("lookup subject: %w", err)
		}
		if !exists {
			return Identity{}, ErrSubjectNotFound
		}
	}

	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// GenerateToken issues a signed JWT with provided secret and ttl.
func GenerateToken(secret, issuer, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
