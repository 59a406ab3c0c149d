package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"mediaflow/internal/auth"
	"mediaflow/internal/storage"
	"mediaflow/internal/testsupport"
)

func healthPayload(t *testing.T, handler *Handler) (string, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var payload struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	return payload.Status, payload.Services
}

func TestHealthReportsOK(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	handler := NewHandler(store, auth.NewKeyManager())

	status, services := healthPayload(t, handler)
	if status != "ok" {
		t.Fatalf("status = %q, want ok", status)
	}
	if services["keys"] != "ok" {
		t.Fatalf("keys service = %q, want ok", services["keys"])
	}
}

func TestHealthDegradedWhenKeyStoreUnreachable(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	keyStore := testsupport.NewKeyStoreStub()
	keyStore.FailPing(errors.New("connection refused"))
	handler := NewHandler(store, auth.NewKeyManager(auth.WithStore(keyStore)))

	status, services := healthPayload(t, handler)
	if status != "degraded" {
		t.Fatalf("status = %q, want degraded", status)
	}
	if services["keys"] != "connection refused" {
		t.Fatalf("keys service = %q, want ping error", services["keys"])
	}
}
