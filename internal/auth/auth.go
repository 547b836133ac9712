// Package auth provides the two HTTP authentication middlewares the
// gateway exposes: a user API-key check for the Anthropic-style inbound
// surface, and a constant-time admin-key check for the admin façade.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiro-gateway/gateway/internal/apikeys"
)

type contextKey string

const keyInfoCtx contextKey = "keyInfo"

// KeyInfo is attached to the request context after a successful user-key
// authentication.
type KeyInfo struct {
	ID                 string
	Label              string
	ReadOnly           bool
	AllowedModels      []string
	BoundCredentialIDs []string
}

// Middleware validates inbound tokens against the admin key and the
// API-key store.
type Middleware struct {
	adminKey string
	keys     *apikeys.Store
}

func NewMiddleware(adminKey string, keys *apikeys.Store) *Middleware {
	return &Middleware{adminKey: adminKey, keys: keys}
}

// Authenticate is the HTTP middleware for user-facing endpoints
// (/v1/messages, /v1/models, /usage, /connectivity/test). The admin key
// also satisfies it, so operators can exercise the user surface directly.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}

		if m.isAdminKey(token) {
			ctx := context.WithValue(r.Context(), keyInfoCtx, &KeyInfo{ID: "admin", Label: "admin"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		info, ok := m.keys.Authenticate(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), keyInfoCtx, &KeyInfo{
			ID:                 info.ID,
			Label:              info.Label,
			ReadOnly:           info.ReadOnly,
			AllowedModels:      info.AllowedModels,
			BoundCredentialIDs: info.BoundCredentialIDs,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly is the HTTP middleware for the admin façade: only the admin
// key is accepted.
func (m *Middleware) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || !m.isAdminKey(token) {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) isAdminKey(token string) bool {
	if m.adminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.adminKey)) == 1
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(keyInfoCtx).(*KeyInfo)
	return v
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
