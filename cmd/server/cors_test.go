package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blueberrycongee/sicc/internal/config"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddleware_RejectsDisallowedOrigin(t *testing.T) {
	corsCfg := config.CORSConfig{
		Enabled:          true,
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowOrigins:     []string{"https://app.example"},
	}

	called := false
	handler := corsMiddleware(corsCfg, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "http://localhost/sicc/memories", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	if called {
		t.Fatal("expected handler not to be called for disallowed origin")
	}
}

func TestCORSMiddleware_PreflightAllowed(t *testing.T) {
	corsCfg := config.CORSConfig{
		Enabled:          true,
		AllowCredentials: true,
		AllowMethods:     []string{"POST"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		MaxAge:           10 * time.Second,
		AllowOrigins:     []string{"https://app.example"},
	}

	called := false
	handler := corsMiddleware(corsCfg, okHandler(&called))

	req := httptest.NewRequest(http.MethodOptions, "http://localhost/sicc/memories/search", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow-origin = %q, want %q", got, "https://app.example")
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("allow-credentials = %q, want %q", got, "true")
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "POST" {
		t.Fatalf("allow-methods = %q, want %q", got, "POST")
	}
	if got := rr.Header().Get("Access-Control-Max-Age"); got != "10" {
		t.Fatalf("max-age = %q, want %q", got, "10")
	}
	if called {
		t.Fatal("expected preflight to short-circuit")
	}
}

func TestCORSMiddleware_AllowAllWithoutCredentialsUsesWildcard(t *testing.T) {
	corsCfg := config.CORSConfig{
		Enabled:         true,
		AllowAllOrigins: true,
		DenyOrigins:     []string{"https://blocked.example"},
	}

	called := false
	handler := corsMiddleware(corsCfg, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "http://localhost/sicc/patterns", nil)
	req.Header.Set("Origin", "https://any.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want %q", got, "*")
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	req = httptest.NewRequest(http.MethodGet, "http://localhost/sicc/patterns", nil)
	req.Header.Set("Origin", "https://blocked.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("denied origin status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestCORSMiddleware_DisabledPassesThrough(t *testing.T) {
	called := false
	handler := corsMiddleware(config.CORSConfig{}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "http://localhost/sicc/memories", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called || rr.Code != http.StatusOK {
		t.Fatalf("status = %d called = %v, want pass-through", rr.Code, called)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin = %q, want empty", got)
	}
}

func TestCORSMiddleware_PreflightRejectsUnlistedMethod(t *testing.T) {
	corsCfg := config.CORSConfig{
		Enabled:      true,
		AllowMethods: []string{"GET", "POST"},
		AllowOrigins: []string{"https://app.example"},
	}

	called := false
	handler := corsMiddleware(corsCfg, okHandler(&called))

	req := httptest.NewRequest(http.MethodOptions, "http://localhost/sicc/memories/m-1", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "DELETE")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "" {
		t.Fatalf("allow-methods = %q, want empty", got)
	}
	if called {
		t.Fatal("expected preflight to short-circuit")
	}
}

func TestCORSMiddleware_ExposesRequestID(t *testing.T) {
	corsCfg := config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"https://app.example"},
		AllowHeaders: []string{"Authorization"},
	}

	called := false
	handler := corsMiddleware(corsCfg, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "http://localhost/sicc/agents/a-1/metrics", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called {
		t.Fatal("expected handler to be called")
	}
	if got := rr.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-ID" {
		t.Fatalf("expose-headers = %q, want %q", got, "X-Request-ID")
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "" {
		t.Fatalf("allow-headers on simple request = %q, want empty", got)
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("vary = %q, want %q", got, "Origin")
	}
}
