// Package apikey authenticates callers with bearer API keys and authorizes
// them per scope. Every gateway route except the webhook receiver and the
// well-known keyset sits behind this middleware.
package apikey

import (
	"context"
	"net/http"
	"strings"

	"github.com/SettldHQ/gateway/internal/errors"
)

// Scope gates groups of routes.
type Scope string

const (
	// ScopeGate covers the gate lifecycle API and the proxy.
	ScopeGate Scope = "gate"
	// ScopeOps covers operational endpoints: maintenance runs, wallet
	// credits, reconciliation reports.
	ScopeOps Scope = "ops"
)

// Key is one configured API key.
type Key struct {
	// Name identifies the key in logs without exposing the secret.
	Name   string
	Scopes []Scope
}

// Config maps API key secrets to their grants. Disabled means every request
// passes with all scopes; development only.
type Config struct {
	Enabled bool
	Keys    map[string]Key
}

type contextKey string

const keyContextKey contextKey = "api_key"

// Middleware authenticates the Authorization bearer token. Unknown or
// missing keys fail closed with 401.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				ctx := context.WithValue(r.Context(), keyContextKey, Key{Name: "dev", Scopes: []Scope{ScopeGate, ScopeOps}})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			secret := bearerToken(r)
			if secret == "" {
				errors.Write(w, errors.E(errors.CodeAPIKeyUnauthorized, "authorization bearer API key required"))
				return
			}
			key, ok := cfg.Keys[secret]
			if !ok {
				errors.Write(w, errors.E(errors.CodeAPIKeyUnauthorized, "API key not recognized"))
				return
			}
			ctx := context.WithValue(r.Context(), keyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope authorizes the authenticated key for one scope.
func RequireScope(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := FromRequest(r)
			if !ok {
				errors.Write(w, errors.E(errors.CodeAPIKeyUnauthorized, "no authenticated API key"))
				return
			}
			for _, s := range key.Scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			errors.Write(w, errors.E(errors.CodeScopeUnauthorized,
				"key %q lacks the %q scope", key.Name, scope))
		})
	}
}

// FromRequest returns the authenticated key, if any.
func FromRequest(r *http.Request) (Key, bool) {
	key, ok := r.Context().Value(keyContextKey).(Key)
	return key, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
