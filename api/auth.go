/*
auth.go - Bearer-token authentication boundary

PURPOSE:
  Resolves the Authorization header to a Principal (account + privilege).
  Authentication itself is an external collaborator: the TokenVerifier
  interface is the seam, and anything from a static token map (dev) to a
  JWT/OIDC verifier plugs in behind it.

SEE ALSO:
  - server.go: middleware wiring
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/warp/ledger-engine/ledger"
)

var ErrInvalidToken = errors.New("invalid or missing token")

// Principal is the authenticated caller.
type Principal struct {
	AccountID ledger.AccountID
	Admin     bool
}

// TokenVerifier resolves a bearer token to a Principal.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// StaticTokenVerifier maps fixed tokens to principals. Development and
// test use only.
type StaticTokenVerifier map[string]Principal

func (v StaticTokenVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	p, ok := v[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return &p, nil
}

type principalKey struct{}

// RequireAuth rejects requests without a valid bearer token and stashes the
// Principal in the request context.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", nil)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
