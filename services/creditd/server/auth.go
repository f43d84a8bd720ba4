package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"creditguild/crypto"
)

type callerContextKey struct{}

// Authenticator validates bearer JWTs on governance routes. Tokens must be
// HMAC-signed with the shared service secret and carry the caller's bech32
// address as the subject claim; authorization itself is decided by the
// engine's role view against that address.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator around a shared HMAC secret.
func NewAuthenticator(secret string) *Authenticator {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil
	}
	return &Authenticator{secret: []byte(trimmed)}
}

// Middleware rejects requests without a valid token and stores the caller
// address in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil || len(a.secret) == 0 {
			http.Error(w, "governance endpoints disabled: no auth secret configured", http.StatusForbidden)
			return
		}
		caller, err := a.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (crypto.Address, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return crypto.Address{}, errMissingBearer
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))

	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return crypto.Address{}, errInvalidToken
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return crypto.Address{}, errInvalidToken
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(subject))
	if err != nil {
		return crypto.Address{}, errInvalidToken
	}
	return addr, nil
}

func withCaller(ctx context.Context, addr crypto.Address) context.Context {
	return context.WithValue(ctx, callerContextKey{}, addr)
}

func callerFromContext(ctx context.Context) (crypto.Address, bool) {
	addr, ok := ctx.Value(callerContextKey{}).(crypto.Address)
	return addr, ok
}
