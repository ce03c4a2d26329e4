// Package apikey guards the HTTP API with static API keys. Keys are hashed
// with SHA-256 on load and compared in constant time.
package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rhuss/authcore/pkg/transport"
)

// Header carries the API key. A bearer token in the Authorization header
// is accepted as well.
const Header = "api-key"

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Authenticator validates API keys against a static key set.
type Authenticator struct {
	hashes [][32]byte
}

// New creates an authenticator for the given raw keys. Plaintext keys are
// not retained. An authenticator without keys accepts every request.
func New(keys []string) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		a.hashes = append(a.hashes, sha256.Sum256([]byte(k)))
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *Authenticator) Enabled() bool { return len(a.hashes) > 0 }

// Valid reports whether key matches one of the configured keys.
func (a *Authenticator) Valid(key string) bool {
	if key == "" {
		return false
	}
	h := sha256.Sum256([]byte(key))
	ok := 0
	for _, stored := range a.hashes {
		ok |= subtle.ConstantTimeCompare(h[:], stored[:])
	}
	return ok == 1
}

// Middleware rejects requests without a valid key with 401. Paths in
// bypass are served without a key.
func (a *Authenticator) Middleware(bypass ...string) transport.Middleware {
	skip := make(map[string]bool, len(bypass))
	for _, p := range bypass {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		if !a.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || a.Valid(keyFrom(r)) {
				next.ServeHTTP(w, r)
				return
			}
			slog.Warn("authentication failed",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"request_id", transport.RequestIDFromContext(r.Context()),
			)
			transport.WriteJSON(w, http.StatusUnauthorized, transport.StatusBody{Status: "UNAUTHORISED", Error: "invalid API key"})
		})
	}
}

func keyFrom(r *http.Request) string {
	if k := r.Header.Get(Header); k != "" {
		return k
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}
