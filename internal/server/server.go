package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"mediaflow/internal/api"
	"mediaflow/internal/observability/logging"
	"mediaflow/internal/observability/metrics"
	"mediaflow/internal/serverutil"
)

// Config carries the HTTP server wiring. Zero values fall back to sane
// defaults so tests can construct servers with only the fields they care
// about.
type Config struct {
	Addr      string
	TLS       *tls.Config
	RateLimit RateLimitConfig
	Security  SecurityConfig
	CORS      CORSConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Server wraps net/http.Server with the mediaflow middleware chain.
type Server struct {
	httpServer *http.Server
	handler    *api.Handler
	limiter    *rateLimiter
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// New builds a Server routing the job, webhook and operational endpoints
// through the shared middleware chain.
func New(handler *api.Handler, cfg Config) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.Config{})
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	srv := &Server{
		handler: handler,
		limiter: newRateLimiter(cfg.RateLimit, logger),
		logger:  logger,
		metrics: recorder,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/jobs", handler.Jobs)
	mux.HandleFunc("/api/jobs/", handler.JobByID)
	mux.HandleFunc("/api/transcode/webhook", handler.TranscodeWebhook)
	mux.HandleFunc("/api/auth/keys", handler.IssueAPIKey)
	mux.HandleFunc("/api/keys", handler.APIKeys)
	mux.HandleFunc("/api/keys/", handler.APIKeyByHash)

	chain := srv.authMiddleware(mux)
	chain = srv.rateLimitMiddleware(chain)
	chain = srv.metricsMiddleware(chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = corsMiddleware(cfg.CORS, chain)
	chain = srv.loggingMiddleware(chain)
	chain = requestIDMiddleware(chain)

	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           chain,
		TLSConfig:         cfg.TLS,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler exposes the fully wrapped handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves requests until ctx is cancelled, then drains in-flight work
// and releases limiter resources. TLS certificate paths are optional; when
// both are set the listener terminates TLS itself.
func (s *Server) Run(ctx context.Context, certFile, keyFile string) error {
	defer s.limiter.Close()
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "tls", certFile != "")
	err := serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS:    serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and releases limiter resources. Most
// callers should cancel the Run context instead.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

// authExempt reports whether the path is served without bearer
// authentication. The webhook authenticates with its own HMAC signature and
// /api/auth/ endpoints authenticate with account credentials.
func authExempt(path string) bool {
	switch path {
	case "/healthz", "/metrics", "/api/transcode/webhook":
		return true
	}
	if strings.HasPrefix(path, "/api/auth/") {
		return true
	}
	return !strings.HasPrefix(path, "/api/")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		account, err := s.handler.AuthenticateRequest(r)
		if err != nil {
			api.WriteRequestError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(api.ContextWithAccount(r.Context(), account)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/transcode/webhook" {
			ip := extractClientIP(r)
			if !s.limiter.AllowWebhook(r.Context(), ip) {
				writeMiddlewareError(w, http.StatusTooManyRequests, "webhook rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	instrumented := metrics.HTTPMiddleware(s.metrics, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The scrape endpoint itself is not counted.
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		instrumented.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		logger := loggerWithRequestContext(s.logger, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		)
	})
}

// extractClientIP prefers the leftmost X-Forwarded-For entry, then
// X-Real-Ip, then the socket address.
func extractClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
