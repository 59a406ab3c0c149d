package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mediaflow/internal/models"
)

func TestDispatchJobSubmitsAndRecords(t *testing.T) {
	handler, controller := newTestHandler(t)
	account := createTestAccount(t, handler, "creator@example.com")
	job := createTestJob(t, handler, account.ID)

	sub := handler.Relay.Subscribe()
	defer sub.Close()

	dispatched, err := handler.DispatchJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("DispatchJob: %v", err)
	}
	if dispatched.Status != models.JobStatusDispatched {
		t.Fatalf("expected dispatched status, got %s", dispatched.Status)
	}
	if dispatched.ExternalJobID != "ext-"+job.ID {
		t.Fatalf("expected external job id recorded, got %q", dispatched.ExternalJobID)
	}

	requests := controller.submissions()
	if len(requests) != 1 {
		t.Fatalf("expected one provider submission, got %d", len(requests))
	}
	if requests[0].JobID != job.ID || requests[0].InputLocation != job.InputLocation {
		t.Fatalf("unexpected submission payload: %+v", requests[0])
	}

	select {
	case event := <-sub.Events():
		if event.Type != "job.dispatched" || event.JobID != job.ID {
			t.Fatalf("unexpected relay event: %+v", event)
		}
	default:
		t.Fatalf("expected a relay event for the dispatch")
	}
}

func TestDispatchJobWrongStatus(t *testing.T) {
	handler, _ := newTestHandler(t)
	account := createTestAccount(t, handler, "creator@example.com")
	job := createTestJob(t, handler, account.ID)

	if _, err := handler.DispatchJob(context.Background(), job.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	_, err := handler.DispatchJob(context.Background(), job.ID)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != CodeInvalidState || reqErr.Status != http.StatusConflict {
		t.Fatalf("expected invalid-state conflict, got %+v", reqErr)
	}
}

func TestDispatchJobUnknown(t *testing.T) {
	handler, _ := newTestHandler(t)

	_, err := handler.DispatchJob(context.Background(), "missing")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != CodeNotFound {
		t.Fatalf("expected not-found, got %s", reqErr.Code)
	}
}

func TestDispatchJobProviderFailureReleasesClaim(t *testing.T) {
	handler, controller := newTestHandler(t)
	controller.submitErr = errors.New("503 Service Unavailable: worker pool exhausted")
	account := createTestAccount(t, handler, "creator@example.com")
	job := createTestJob(t, handler, account.ID)

	_, err := handler.DispatchJob(context.Background(), job.ID)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != CodeUpstreamUnavailable || reqErr.Status != http.StatusBadGateway {
		t.Fatalf("expected upstream-unavailable 502, got %+v", reqErr)
	}

	reverted, ok := handler.Store.GetJob(job.ID)
	if !ok {
		t.Fatalf("job disappeared")
	}
	if reverted.Status != models.JobStatusUploaded {
		t.Fatalf("expected job released back to uploaded, got %s", reverted.Status)
	}
	if reverted.ExternalJobID != "" {
		t.Fatalf("expected no external job id after failed dispatch, got %q", reverted.ExternalJobID)
	}

	// The job stays eligible: a later dispatch succeeds once the provider recovers.
	controller.submitErr = nil
	if _, err := handler.DispatchJob(context.Background(), job.ID); err != nil {
		t.Fatalf("redispatch after provider recovery: %v", err)
	}
}

func TestDispatchRouteConcurrentSingleWinner(t *testing.T) {
	handler, controller := newTestHandler(t)
	account := createTestAccount(t, handler, "creator@example.com")
	job := createTestJob(t, handler, account.ID)

	const racers = 8
	results := make(chan int, racers)
	for i := 0; i < racers; i++ {
		go func() {
			req := authedRequest(http.MethodPost, "/api/jobs/"+job.ID+"/dispatch", "", account)
			rec := httptest.NewRecorder()
			handler.JobByID(rec, req)
			results <- rec.Code
		}()
	}

	winners := 0
	conflicts := 0
	for i := 0; i < racers; i++ {
		switch code := <-results; code {
		case http.StatusOK:
			winners++
		case http.StatusConflict:
			conflicts++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning dispatch, got %d", winners)
	}
	if conflicts != racers-1 {
		t.Fatalf("expected %d conflicts, got %d", racers-1, conflicts)
	}
	if got := len(controller.submissions()); got != 1 {
		t.Fatalf("expected one provider submission, got %d", got)
	}
}
