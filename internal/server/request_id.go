package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"mediaflow/internal/observability/logging"
)

const (
	requestIDHeader = "X-Request-Id"
	jobIDHeader     = "X-Job-Id"
)

// requestIDMiddleware assigns every request an identifier, propagates it on
// the response, and annotates the context so downstream log lines carry it.
// Callers may supply their own identifiers via the request headers; values
// with unexpected characters are replaced rather than echoed back.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := sanitizeIdentifier(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = newRequestID()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if jobID := sanitizeIdentifier(r.Header.Get(jobIDHeader)); jobID != "" {
			ctx = logging.ContextWithJobID(ctx, jobID)
			w.Header().Set(jobIDHeader, jobID)
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggerWithRequestContext attaches the request and job identifiers from
// the request context to the logger.
func loggerWithRequestContext(logger *slog.Logger, r *http.Request) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		return logger
	}
	if requestID, ok := logging.RequestIDFromContext(r.Context()); ok && requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	if jobID, ok := logging.JobIDFromContext(r.Context()); ok && jobID != "" {
		logger = logger.With("job_id", jobID)
	}
	return logger
}

func newRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "req-unavailable"
	}
	return hex.EncodeToString(buf)
}

// sanitizeIdentifier keeps identifiers log safe. Anything outside a small
// alphanumeric set is rejected so header values cannot inject log fields.
func sanitizeIdentifier(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 128 {
		return ""
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return ""
		}
	}
	return value
}
