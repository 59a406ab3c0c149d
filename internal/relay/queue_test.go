package relay

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	event := Event{
		Type:       EventTypeReady,
		JobID:      "job-1",
		OwnerID:    "owner-1",
		MediaKind:  "video",
		Status:     "ready",
		OccurredAt: time.Now().UTC(),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.JobID != "job-1" || got.Type != EventTypeReady {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryQueuePublishRequiresType(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	for i := 0; i < 3; i++ {
		if err := queue.Publish(context.Background(), Event{Type: EventTypeDispatched, JobID: "job"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	// Buffer holds one event; the rest were dropped rather than blocking.
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected at least one delivered event")
	}
	select {
	case evt := <-sub.Events():
		t.Fatalf("expected overflow events to be dropped, got %+v", evt)
	default:
	}
}
