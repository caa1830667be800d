package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// AuthError is the JSON error written for a rejected dashboard request.
type AuthError struct {
	StatusCode int
	ErrorType  string
	ErrorCode  string
	Message    string
}

func (e *AuthError) Error() string {
	return e.Message
}

var (
	ErrMissingCredentials = &AuthError{
		StatusCode: http.StatusUnauthorized,
		ErrorType:  "unauthorized",
		ErrorCode:  "MISSING_CREDENTIALS",
		Message:    "Missing authentication credentials",
	}
	ErrInvalidCredentials = &AuthError{
		StatusCode: http.StatusUnauthorized,
		ErrorType:  "unauthorized",
		ErrorCode:  "INVALID_CREDENTIALS",
		Message:    "Invalid authentication credentials",
	}
)

// Middleware guards dashboard routes with a bearer token. A middleware with
// an empty verifier lets everything through.
type Middleware struct {
	verifier  *TokenVerifier
	skipPaths map[string]bool
}

// NewMiddleware creates the guard. /healthz is always skipped.
func NewMiddleware(verifier *TokenVerifier, skipPaths ...string) *Middleware {
	skip := map[string]bool{"/healthz": true}
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &Middleware{verifier: verifier, skipPaths: skip}
}

// Handler wraps next with the token check.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.verifier.Empty() || m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, ErrMissingCredentials)
			return
		}
		if _, ok := m.verifier.Verify(token); !ok {
			writeError(w, ErrInvalidCredentials)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipPaths[path] {
		return true
	}
	for skipPath := range m.skipPaths {
		if strings.HasPrefix(path, skipPath) && (len(path) == len(skipPath) || path[len(skipPath)] == '/') {
			return true
		}
	}
	return false
}

// extractToken accepts the Authorization header or, for browsers opening a
// WebSocket, a token query parameter.
func extractToken(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	return r.URL.Query().Get("token")
}

func writeError(w http.ResponseWriter, authErr *AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.StatusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error_type":    authErr.ErrorType,
		"error_code":    authErr.ErrorCode,
		"error_message": authErr.Message,
		"retryable":     false,
	})
}
