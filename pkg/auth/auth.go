// Package auth extracts the caller's identity from bearer tokens. Tokens are
// HS256 JWTs carrying the tenant, subject and roles.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerline/casegov/pkg/domain"
)

// CodeUnauthorized covers every authentication failure; callers never learn
// which check failed.
const CodeUnauthorized = "UNAUTHORIZED"

// Principal is the authenticated caller.
type Principal struct {
	TenantID string
	UserID   string
	Roles    []string
}

// HasRole reports membership without case folding; roles are exact strings.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claims struct {
	TenantID string   `json:"tenantId"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier validates tokens and yields principals.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a compact JWT.
func (v *Verifier) Verify(token string) (*Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, domain.E(CodeUnauthorized, "invalid token")
	}
	if c.TenantID == "" || c.Subject == "" {
		return nil, domain.E(CodeUnauthorized, "token missing identity claims")
	}
	return &Principal{TenantID: c.TenantID, UserID: c.Subject, Roles: c.Roles}, nil
}

// FromRequest extracts the principal from the Authorization header, or from
// the access_token query parameter for websocket clients that cannot set
// headers.
func (v *Verifier) FromRequest(r *http.Request) (*Principal, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if t := r.URL.Query().Get("access_token"); t != "" {
		raw = t
	}
	if raw == "" {
		return nil, domain.E(CodeUnauthorized, "missing bearer token")
	}
	return v.Verify(raw)
}

type ctxKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom retrieves the principal placed by middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok
}

// Middleware authenticates every request and injects the principal.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.FromRequest(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"type":"about:blank","title":"Unauthorized","status":401,"code":"UNAUTHORIZED"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
