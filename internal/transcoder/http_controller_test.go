package transcoder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		Token:         "provider-token",
		WebhookURL:    "https://orchestrator.example.com/api/transcode/webhook",
		WebhookSecret: "webhook-secret",
	}
}

func TestSubmitJob(t *testing.T) {
	var captured submitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer provider-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(submitResponse{ID: "ext-123", Status: "IN_QUEUE"})
	}))
	t.Cleanup(server.Close)

	controller, err := NewHTTPController(testConfig(server.URL))
	if err != nil {
		t.Fatalf("NewHTTPController: %v", err)
	}

	submission, err := controller.SubmitJob(context.Background(), JobRequest{
		JobID:         "job-1",
		OwnerID:       "owner-1",
		MediaKind:     "video",
		InputLocation: "uploads/owner-1/source.mp4",
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if submission.ExternalJobID != "ext-123" {
		t.Fatalf("expected ext-123, got %s", submission.ExternalJobID)
	}
	if captured.Input.MediaID != "job-1" || captured.Input.InputKey != "uploads/owner-1/source.mp4" {
		t.Fatalf("unexpected submission payload: %+v", captured.Input)
	}
	if captured.Input.WebhookSecret != "webhook-secret" {
		t.Fatalf("webhook secret not forwarded: %+v", captured.Input)
	}
}

func TestSubmitJobProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker capacity exceeded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	controller, err := NewHTTPController(testConfig(server.URL))
	if err != nil {
		t.Fatalf("NewHTTPController: %v", err)
	}

	_, err = controller.SubmitJob(context.Background(), JobRequest{
		JobID:         "job-1",
		InputLocation: "uploads/source.mp4",
	})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "worker capacity exceeded") {
		t.Fatalf("expected provider message in error, got %v", err)
	}
}

func TestSubmitJobMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{Status: "IN_QUEUE"})
	}))
	t.Cleanup(server.Close)

	controller, err := NewHTTPController(testConfig(server.URL))
	if err != nil {
		t.Fatalf("NewHTTPController: %v", err)
	}
	if _, err := controller.SubmitJob(context.Background(), JobRequest{JobID: "job-1", InputLocation: "k"}); err == nil {
		t.Fatal("expected error when provider omits job id")
	}
}

func TestCancelJob(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	controller, err := NewHTTPController(testConfig(server.URL))
	if err != nil {
		t.Fatalf("NewHTTPController: %v", err)
	}
	if err := controller.CancelJob(context.Background(), "ext-9"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if path != "/cancel/ext-9" {
		t.Fatalf("unexpected cancel path %s", path)
	}
}

func TestSubmitJobPerRequestWebhookOverride(t *testing.T) {
	var captured submitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(submitResponse{ID: "ext-456", Status: "IN_QUEUE"})
	}))
	t.Cleanup(server.Close)

	controller, err := NewHTTPController(testConfig(server.URL))
	if err != nil {
		t.Fatalf("NewHTTPController: %v", err)
	}

	if _, err := controller.SubmitJob(context.Background(), JobRequest{
		JobID:         "job-2",
		OwnerID:       "owner-1",
		MediaKind:     "audio",
		InputLocation: "uploads/owner-1/voice.wav",
		WebhookURL:    "https://staging.example.com/api/transcode/webhook",
		WebhookSecret: "staging-secret",
	}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if captured.Input.WebhookURL != "https://staging.example.com/api/transcode/webhook" {
		t.Fatalf("per-request webhook url not used: %+v", captured.Input)
	}
	if captured.Input.WebhookSecret != "staging-secret" {
		t.Fatalf("per-request webhook secret not used: %+v", captured.Input)
	}

	// Empty fields keep the configured callback.
	if _, err := controller.SubmitJob(context.Background(), JobRequest{
		JobID:         "job-3",
		OwnerID:       "owner-1",
		MediaKind:     "audio",
		InputLocation: "uploads/owner-1/voice2.wav",
	}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if captured.Input.WebhookURL != "https://orchestrator.example.com/api/transcode/webhook" {
		t.Fatalf("configured webhook url not used: %+v", captured.Input)
	}
	if captured.Input.WebhookSecret != "webhook-secret" {
		t.Fatalf("configured webhook secret not used: %+v", captured.Input)
	}
}
