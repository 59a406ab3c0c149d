package api

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/models"
	"mediaflow/internal/observability/metrics"
	"mediaflow/internal/relay"
	"mediaflow/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newReaperFixture(t *testing.T) (*StalledJobReaper, storage.Repository, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	reaper := NewStalledJobReaper(StalledJobReaperConfig{
		Store:    store,
		Relay:    relay.NewMemoryQueue(8),
		Metrics:  metrics.New(),
		Interval: time.Minute,
		Deadline: 30 * time.Minute,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    clock.Now,
	})
	return reaper, store, clock
}

func stallJob(t *testing.T, store storage.Repository, ownerID string) models.MediaJob {
	t.Helper()
	job, err := store.CreateJob(storage.CreateJobParams{
		OwnerID:       ownerID,
		MediaKind:     models.MediaKindAudio,
		InputLocation: "uploads/podcast.wav",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.ClaimForDispatch(job.ID); err != nil {
		t.Fatalf("ClaimForDispatch: %v", err)
	}
	dispatched, err := store.RecordDispatch(job.ID, "ext-"+job.ID)
	if err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	return dispatched
}

func TestSweepFailsStalledJobs(t *testing.T) {
	reaper, store, clock := newReaperFixture(t)
	job := stallJob(t, store, "owner-1")

	clock.Advance(45 * time.Minute)

	if reaped := reaper.Sweep(); reaped != 1 {
		t.Fatalf("expected one reaped job, got %d", reaped)
	}

	failed, _ := store.GetJob(job.ID)
	if failed.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.LastError != StalledJobMessage {
		t.Fatalf("expected %q, got %q", StalledJobMessage, failed.LastError)
	}
	if failed.CompletedAt == nil {
		t.Fatalf("expected completedAt set")
	}
}

func TestSweepLeavesFreshJobsAlone(t *testing.T) {
	reaper, store, clock := newReaperFixture(t)
	job := stallJob(t, store, "owner-1")

	clock.Advance(10 * time.Minute)

	if reaped := reaper.Sweep(); reaped != 0 {
		t.Fatalf("expected no reaped jobs, got %d", reaped)
	}
	fresh, _ := store.GetJob(job.ID)
	if fresh.Status != models.JobStatusDispatched {
		t.Fatalf("fresh job must stay dispatched, got %s", fresh.Status)
	}
}

func TestSweepLosesRaceToTerminalWebhook(t *testing.T) {
	reaper, store, clock := newReaperFixture(t)
	job := stallJob(t, store, "owner-1")

	clock.Advance(45 * time.Minute)

	// A completion webhook lands before the sweep's conditional update.
	if _, _, err := store.CompleteJob(storage.JobRef{ExternalJobID: job.ExternalJobID}, models.JobOutputs{PrimaryPlaylistKey: "out/master.m3u8"}, models.JobMetrics{}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	if reaped := reaper.Sweep(); reaped != 0 {
		t.Fatalf("terminal job must win the race, got %d reaped", reaped)
	}
	final, _ := store.GetJob(job.ID)
	if final.Status != models.JobStatusReady {
		t.Fatalf("expected ready, got %s", final.Status)
	}
}

func TestReaperStartAndShutdown(t *testing.T) {
	reaper, _, _ := newReaperFixture(t)
	reaper.Start()
	reaper.Start() // second Start is a no-op

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reaper.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
