package apikey

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	key1 = "sk-test-key-1-aaaaaaaaaaaa"
	key2 = "sk-test-key-2-bbbbbbbbbbbb"
)

func serve(t *testing.T, a *Authenticator, path string, header, value string) int {
	t.Helper()
	h := a.Middleware(DefaultBypassEndpoints...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestValidKey(t *testing.T) {
	a := New([]string{key1, key2})

	if !a.Valid(key2) {
		t.Error("Valid(key2) = false, want true")
	}
	if a.Valid("sk-wrong-key") {
		t.Error("Valid(wrong) = true, want false")
	}
	if a.Valid("") {
		t.Error("Valid(\"\") = true, want false")
	}
}

func TestMiddleware(t *testing.T) {
	a := New([]string{key1, key2})

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		want   int
	}{
		{"api-key header", "/recipe/totp/verify", Header, key1, http.StatusOK},
		{"bearer token", "/recipe/totp/verify", "Authorization", "Bearer " + key2, http.StatusOK},
		{"wrong key", "/recipe/totp/verify", Header, "sk-wrong-key", http.StatusUnauthorized},
		{"no header", "/recipe/totp/verify", "", "", http.StatusUnauthorized},
		{"basic auth", "/recipe/totp/verify", "Authorization", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"bypass", "/healthz", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serve(t, a, tt.path, tt.header, tt.value); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMiddleware_NoKeysConfigured(t *testing.T) {
	a := New(nil)

	if a.Enabled() {
		t.Fatal("Enabled() = true, want false")
	}
	if got := serve(t, a, "/recipe/totp/verify", "", ""); got != http.StatusOK {
		t.Errorf("status = %d, want 200", got)
	}
}
