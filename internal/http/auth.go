package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned when a bearer credential cannot be resolved
// to an owner.
var ErrInvalidToken = errors.New("invalid or missing credential")

// Authenticator resolves an opaque bearer credential to an owner scope.
// Credential issuance and verification internals live outside this service;
// handlers only ever see the resolved owner.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (owner string, err error)
}

// StaticTokenAuthenticator maps pre-shared tokens to owner names. Suitable
// for a single-household deployment; anything fancier plugs in behind the
// Authenticator interface.
type StaticTokenAuthenticator struct {
	owners map[string]string
}

func NewStaticTokenAuthenticator(pairs map[string]string) *StaticTokenAuthenticator {
	owners := make(map[string]string, len(pairs))
	for token, owner := range pairs {
		owners[token] = owner
	}
	return &StaticTokenAuthenticator{owners: owners}
}

func (a *StaticTokenAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	owner, ok := a.owners[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return owner, nil
}

// ownerHandler is a handler that additionally receives the authenticated owner.
type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

// withAuth resolves the bearer token and rejects the request when it does
// not map to an owner. Handlers behind it never run unauthenticated.
func (s *Server) withAuth(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		owner, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			slog.WarnContext(r.Context(), "Authentication failed", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next(w, r, owner)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
