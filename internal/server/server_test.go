package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediaflow/internal/api"
	"mediaflow/internal/auth"
	"mediaflow/internal/models"
	"mediaflow/internal/observability/metrics"
	"mediaflow/internal/storage"
)

func newTestHandler(t *testing.T) (*api.Handler, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	handler := api.NewHandler(store, auth.NewKeyManager())
	handler.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	handler.Metrics = metrics.New()
	handler.WebhookSecret = "test-webhook-secret"
	return handler, store
}

func newTestServer(t *testing.T, handler *api.Handler, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = handler.Metrics
	}
	srv := New(handler, cfg)
	t.Cleanup(func() { srv.limiter.Close() })
	return srv
}

func issueTestToken(t *testing.T, handler *api.Handler, store *storage.Storage) (string, models.Account) {
	t.Helper()
	account, err := store.CreateAccount(storage.CreateAccountParams{
		DisplayName: "Operator",
		Email:       "operator@example.com",
		Password:    "correct horse battery",
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	token, _, err := handler.Keys.Issue(account.ID, "server-test")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token, account
}

func TestAuthExemptPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path   string
		exempt bool
	}{
		{path: "/healthz", exempt: true},
		{path: "/metrics", exempt: true},
		{path: "/api/transcode/webhook", exempt: true},
		{path: "/api/auth/keys", exempt: true},
		{path: "/api/jobs", exempt: false},
		{path: "/api/keys", exempt: false},
		{path: "/api/jobs/job-1/dispatch", exempt: false},
		{path: "/favicon.ico", exempt: true},
	}
	for _, tc := range cases {
		if got := authExempt(tc.path); got != tc.exempt {
			t.Errorf("authExempt(%q) = %v, want %v", tc.path, got, tc.exempt)
		}
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("expected error message in response")
	}
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	handler, store := newTestHandler(t)
	token, _ := issueTestToken(t, handler, store)
	srv := newTestServer(t, handler, Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthMiddlewareRejectsRevokedToken(t *testing.T) {
	handler, store := newTestHandler(t)
	token, _ := issueTestToken(t, handler, store)
	if err := handler.Keys.Revoke(token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	srv := newTestServer(t, handler, Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthzServedWithoutAuth(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if id := rec.Header().Get("X-Request-Id"); id == "" {
		t.Fatal("expected request id header on response")
	}
}

func TestMetricsEndpointServedWithoutAuth(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{})

	// Generate one observed request so the exposition is non-empty.
	warm := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), warm)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mediaflow_http_requests_total") {
		t.Fatalf("expected request counter in exposition, got %q", rec.Body.String())
	}
}

func TestWebhookExemptFromBearerAuth(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{})

	// No Authorization header; the handler rejects on the missing HMAC
	// signature rather than the auth middleware on the missing token.
	req := httptest.NewRequest(http.MethodPost, "/api/transcode/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(strings.ToLower(body["error"]), "signature") {
		t.Fatalf("expected signature error from webhook handler, got %q", body["error"])
	}
}

func TestGlobalRateLimit(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request throttled, got %d", second.Code)
	}
}

func TestWebhookRateLimitPerIP(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{
		RateLimit: RateLimitConfig{WebhookLimit: 1, WebhookWindow: time.Minute},
	})

	send := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/transcode/webhook", strings.NewReader(`{}`))
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("198.51.100.1:1000"); code == http.StatusTooManyRequests {
		t.Fatalf("first delivery should not be throttled, got %d", code)
	}
	if code := send("198.51.100.1:1001"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second delivery from same IP throttled, got %d", code)
	}
	if code := send("203.0.113.9:2000"); code == http.StatusTooManyRequests {
		t.Fatalf("different IP should have its own budget, got %d", code)
	}
}

func TestWebhookRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := newTestServer(t, handler, Config{
		RateLimit: RateLimitConfig{WebhookLimit: 1, WebhookWindow: time.Minute},
	})

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/transcode/webhook", strings.NewReader(`{}`))
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	// extractClientIP trusts the forwarded header, so rotating it rotates
	// the budget key; both deliveries pass.
	if code := send("203.0.113.1"); code == http.StatusTooManyRequests {
		t.Fatalf("unexpected throttle on first delivery: %d", code)
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected repeat forwarded IP throttled, got %d", code)
	}
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		realIP     string
		want       string
	}{
		{name: "remote addr only", remoteAddr: "198.51.100.10:1234", want: "198.51.100.10"},
		{name: "forwarded wins", remoteAddr: "10.0.0.1:1", forwarded: "203.0.113.5, 10.0.0.1", want: "203.0.113.5"},
		{name: "real ip fallback", remoteAddr: "10.0.0.1:1", realIP: "203.0.113.6", want: "203.0.113.6"},
		{name: "unparseable remote addr", remoteAddr: "not-an-addr", want: "not-an-addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-Ip", tc.realIP)
			}
			if got := extractClientIP(req); got != tc.want {
				t.Fatalf("extractClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRequestMetricsRecorded(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := metrics.New()
	srv := newTestServer(t, handler, Config{Metrics: recorder})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	var exposition strings.Builder
	recorder.Write(&exposition)
	if !strings.Contains(exposition.String(), `mediaflow_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz observation, got %q", exposition.String())
	}
}
