package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// Claims is the JWT payload. Subject carries the caller ID; kind and roles
// map onto the identity attached to every lifecycle operation.
type Claims struct {
	jwt.RegisteredClaims
	Kind  string   `json:"kind,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

type contextKey int

const identityKey contextKey = iota

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id contracts.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the authenticated identity from the context.
func IdentityFrom(ctx context.Context) (contracts.Identity, bool) {
	id, ok := ctx.Value(identityKey).(contracts.Identity)
	return id, ok
}

// Authenticator verifies bearer tokens and resolves the caller identity.
// An empty secret disables verification and substitutes a development
// identity; config validation refuses that combination in production.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates a token verifier. secret is the HMAC signing key;
// issuer, when set, must match the token's iss claim.
func NewAuthenticator(secret, issuer string) *Authenticator {
	a := &Authenticator{issuer: issuer}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// Enabled reports whether token verification is active.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// IssueToken mints a signed bearer token for an identity. Used by tests and
// local tooling; production tokens come from the identity provider.
func (a *Authenticator) IssueToken(id contracts.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind:  id.Kind,
		Roles: id.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware authenticates the request and stores the caller identity in the
// context. Requests without a valid token are rejected with a 401 problem
// document.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			ctx := WithIdentity(r.Context(), contracts.Identity{
				ID:    "dev",
				Kind:  "human",
				Roles: []string{"operator", "admin"},
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			WriteUnauthorized(w, r, "missing bearer token")
			return
		}

		claims := &Claims{}
		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
		if a.issuer != "" {
			opts = append(opts, jwt.WithIssuer(a.issuer))
		}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			return a.secret, nil
		}, opts...)
		if err != nil || !token.Valid {
			WriteUnauthorized(w, r, "invalid token")
			return
		}
		if claims.Subject == "" {
			WriteUnauthorized(w, r, "token missing subject")
			return
		}

		kind := claims.Kind
		if kind == "" {
			kind = "human"
		}
		ctx := WithIdentity(r.Context(), contracts.Identity{
			ID:    claims.Subject,
			Kind:  kind,
			Roles: claims.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
