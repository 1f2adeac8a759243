package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/splatview/splatview-agent/internal/history"
	"github.com/splatview/splatview-agent/internal/logging"
)

func TestIsAllowedOrigin(t *testing.T) {
	allowed := []string{
		"http://localhost:3000",
		"http://localhost:8788",
		"http://localhost",
		"https://localhost:8443",
		"http://127.0.0.1:3000",
		"http://127.0.0.1",
		"http://[::1]:5173",
	}
	for _, origin := range allowed {
		if !isAllowedOrigin(origin) {
			t.Errorf("isAllowedOrigin(%q) = false, want true", origin)
		}
	}

	denied := []string{
		"https://evil.com",
		"http://localhost.evil.com",
		"http://192.168.1.1:3000",
		"",
		"ftp://localhost:3000",
		"http://localhost:not-a-port",
		"http://localhost:3000/path",
		"http://localhost:",
		"http://user@localhost:3000",
	}
	for _, origin := range denied {
		if isAllowedOrigin(origin) {
			t.Errorf("isAllowedOrigin(%q) = true, want false", origin)
		}
	}
}

func TestIsLoopbackRemoteAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:12345", true},
		{"[::1]:12345", true},
		{"::1", true},
		{"[::1]", true},
		{"127.0.0.1", true},
		{"8.8.8.8:12345", false},
		{"192.168.1.1:8080", false},
		{"not-an-ip:1234", false},
		{"", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := isLoopbackRemoteAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackRemoteAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func splitTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsHeader(headerVal, target string) bool {
	for _, part := range splitTrim(headerVal) {
		if part == target {
			return true
		}
	}
	return false
}

func TestCORSAllowlist_AllowedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()

	CORSAllowlist()(okHandler()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
	if !containsHeader(rr.Header().Get("Access-Control-Expose-Headers"), "X-Point-Count") {
		t.Errorf("expose headers = %q", rr.Header().Get("Access-Control-Expose-Headers"))
	}
}

func TestCORSAllowlist_DeniedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.com")
	rr := httptest.NewRecorder()

	CORSAllowlist()(okHandler()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}

	preflight := httptest.NewRequest(http.MethodOptions, "/session/start", nil)
	preflight.Header.Set("Origin", "https://evil.com")
	rr = httptest.NewRecorder()
	CORSAllowlist()(okHandler()).ServeHTTP(rr, preflight)
	if rr.Code != http.StatusForbidden {
		t.Errorf("preflight status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestCORSAllowlist_Preflight(t *testing.T) {
	handler := CORSAllowlist()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/artifacts/abc/point_cloud.ply", nil)
	req.Header.Set("Origin", "http://127.0.0.1:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "range,authorization")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	for _, h := range []string{"Range", "Authorization", "Content-Type"} {
		if !containsHeader(rr.Header().Get("Access-Control-Allow-Headers"), h) {
			t.Errorf("Access-Control-Allow-Headers missing %q", h)
		}
	}
	for _, m := range []string{"GET", "HEAD", "POST", "OPTIONS"} {
		if !containsHeader(rr.Header().Get("Access-Control-Allow-Methods"), m) {
			t.Errorf("Access-Control-Allow-Methods missing %q", m)
		}
	}
}

func TestCORSAllowlist_VaryIsAdditive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	rr.Header().Set("Vary", "Accept-Encoding")

	CORSAllowlist()(okHandler()).ServeHTTP(rr, req)

	vary := rr.Header().Values("Vary")
	if len(vary) != 2 || vary[0] != "Accept-Encoding" || vary[1] != "Origin" {
		t.Errorf("Vary = %v, want [Accept-Encoding Origin]", vary)
	}
}

func TestLoopbackGuard(t *testing.T) {
	for _, tc := range []struct {
		addr string
		want int
	}{
		{"8.8.8.8:12345", http.StatusForbidden},
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, "/artifacts/a/b.ply", nil)
		req.RemoteAddr = tc.addr
		rr := httptest.NewRecorder()

		LoopbackGuard()(okHandler()).ServeHTTP(rr, req)

		if rr.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.addr, rr.Code, tc.want)
		}
		if tc.want == http.StatusForbidden {
			var body ErrorResponse
			json.NewDecoder(rr.Body).Decode(&body)
			if body.Code != CodeForbidden {
				t.Errorf("error code = %q, want %s", body.Code, CodeForbidden)
			}
		}
	}
}

type tokenRepo struct {
	history.Repository
	token string
}

func (r *tokenRepo) GetConfig(ctx context.Context, key string) (string, error) {
	if key == history.ConfigAuthToken {
		return r.token, nil
	}
	return "", nil
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		header string
		want   int
	}{
		{"missing header", "secret-token", "", http.StatusUnauthorized},
		{"wrong scheme", "secret-token", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"wrong token", "secret-token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "secret-token", "Bearer secret-token", http.StatusOK},
		{"no token configured", "", "Bearer anything", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := AuthMiddleware(&tokenRepo{token: tt.stored}, logging.Discard())
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			mw(okHandler()).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RequestIDMiddleware()(RecoveryMiddleware(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
	if len(rr.Header().Get("X-Request-ID")) != 8 {
		t.Errorf("X-Request-ID = %q", rr.Header().Get("X-Request-ID"))
	}
}
