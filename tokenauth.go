package cfw

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// DefaultTokenHeader is the default HTTP header carrying an admin token.
const DefaultTokenHeader = "X-CFW-Token"

// TokenAuth guards the admin API with pre-shared tokens. Clients present
// a token in the configured header or as an Authorization bearer token.
// Tokens are compared in constant time to prevent timing side-channels.
//
// Usage:
//
//	auth := cfw.NewTokenAuth()
//	auth.AddToken("ops-token-abc123")
//	admin.Auth = auth
//
// Clients then set the header:
//
//	curl -H "X-CFW-Token: ops-token-abc123" https://cfw:9091/api/status
type TokenAuth struct {
	// Header is the HTTP header name that carries the token. Defaults
	// to DefaultTokenHeader. Authorization bearer tokens are always
	// accepted as well.
	Header string

	// Logger for rejected requests. If nil, rejections are silent.
	Logger *slog.Logger

	mu     sync.RWMutex
	tokens map[string]bool
}

// NewTokenAuth creates a TokenAuth with no registered tokens. Until a
// token is added, every request is rejected.
func NewTokenAuth() *TokenAuth {
	return &TokenAuth{
		Header: DefaultTokenHeader,
		tokens: make(map[string]bool),
	}
}

// AddToken registers a token. Duplicates are ignored.
// Safe for concurrent use.
func (t *TokenAuth) AddToken(token string) {
	t.mu.Lock()
	t.tokens[token] = true
	t.mu.Unlock()
}

// RemoveToken revokes a previously registered token.
// Safe for concurrent use.
func (t *TokenAuth) RemoveToken(token string) {
	t.mu.Lock()
	delete(t.tokens, token)
	t.mu.Unlock()
}

// RevokeAll removes all registered tokens.
// Safe for concurrent use.
func (t *TokenAuth) RevokeAll() {
	t.mu.Lock()
	t.tokens = make(map[string]bool)
	t.mu.Unlock()
}

// TokenCount returns the number of registered tokens.
func (t *TokenAuth) TokenCount() int {
	t.mu.RLock()
	n := len(t.tokens)
	t.mu.RUnlock()
	return n
}

// GenerateToken creates a cryptographically random 32-byte hex token,
// registers it, and returns it.
func (t *TokenAuth) GenerateToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf[:])
	t.AddToken(token)
	return token, nil
}

// Authorized reports whether the request carries a valid token.
func (t *TokenAuth) Authorized(req *http.Request) bool {
	header := t.Header
	if header == "" {
		header = DefaultTokenHeader
	}

	if token := req.Header.Get(header); token != "" && t.matchToken(token) {
		return true
	}
	if auth := req.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && t.matchToken(token) {
			return true
		}
	}
	return false
}

// Middleware rejects unauthorized requests with a 401 JSON body and
// passes authorized ones through.
func (t *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Authorized(r) {
			if t.Logger != nil {
				t.Logger.Warn("unauthorized admin request",
					"method", r.Method,
					"path", r.URL.Path,
					"remote", r.RemoteAddr,
				)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matchToken checks the candidate against every registered token in
// constant time.
func (t *TokenAuth) matchToken(candidate string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for token := range t.tokens {
		if len(token) == len(candidate) && subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}
