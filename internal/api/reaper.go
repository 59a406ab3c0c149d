package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mediaflow/internal/models"
	"mediaflow/internal/observability/metrics"
	"mediaflow/internal/relay"
	"mediaflow/internal/storage"
)

// StalledJobReaperConfig configures the background worker that fails jobs the
// provider stopped reporting on.
type StalledJobReaperConfig struct {
	Store    storage.Repository
	Relay    relay.Queue
	Metrics  *metrics.Recorder
	Interval time.Duration
	Deadline time.Duration
	Logger   *slog.Logger
	Clock    func() time.Time
}

// StalledJobReaper periodically scans for jobs stuck in dispatched or
// processing past the deadline and fails them. Every failure is a conditional
// update, so a webhook that lands mid-scan wins and the reaper backs off.
type StalledJobReaper struct {
	store    storage.Repository
	relay    relay.Queue
	metrics  *metrics.Recorder
	interval time.Duration
	deadline time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

const (
	defaultReaperInterval = time.Minute
	defaultReaperDeadline = 30 * time.Minute
)

// StalledJobMessage is recorded as the lastError of reaped jobs.
const StalledJobMessage = "provider timeout"

func NewStalledJobReaper(cfg StalledJobReaperConfig) *StalledJobReaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = defaultReaperDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StalledJobReaper{
		store:    cfg.Store,
		relay:    cfg.Relay,
		metrics:  cfg.Metrics,
		interval: interval,
		deadline: deadline,
		logger:   logger,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *StalledJobReaper) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()
}

func (r *StalledJobReaper) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *StalledJobReaper) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep fails every job stuck past the deadline. It is exported so tests and
// operational tooling can trigger a scan without waiting for the ticker.
func (r *StalledJobReaper) Sweep() int {
	if r.store == nil {
		return 0
	}
	cutoff := r.clock().Add(-r.deadline)
	stalled := r.store.ListStalledJobs(cutoff)
	reaped := 0
	for _, candidate := range stalled {
		select {
		case <-r.ctx.Done():
			return reaped
		default:
		}
		job, changed, err := r.store.FailStalledJob(candidate.ID, StalledJobMessage)
		if err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				continue
			}
			r.logger.Error("failed to reap stalled job", "job_id", candidate.ID, "error", err)
			continue
		}
		if !changed {
			// A webhook finished the job between the scan and the update.
			continue
		}
		reaped++
		r.recorder().JobFailed(job.MediaKind)
		r.publish(job)
		r.logger.Warn("stalled job failed",
			"job_id", job.ID,
			"external_job_id", job.ExternalJobID,
			"stalled_since", candidate.UpdatedAt,
		)
	}
	return reaped
}

func (r *StalledJobReaper) recorder() *metrics.Recorder {
	if r.metrics != nil {
		return r.metrics
	}
	return metrics.Default()
}

func (r *StalledJobReaper) publish(job models.MediaJob) {
	if r.relay == nil {
		return
	}
	event := relay.Event{
		Type:          relay.EventTypeFailed,
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		MediaKind:     job.MediaKind,
		Status:        job.Status,
		ExternalJobID: job.ExternalJobID,
		Error:         job.LastError,
		OccurredAt:    job.UpdatedAt,
	}
	if err := r.relay.Publish(r.ctx, event); err != nil {
		r.recorder().ObserveRelay("failed")
		r.logger.Warn("relay publish failed", "job_id", job.ID, "event", string(event.Type), "error", err)
		return
	}
	r.recorder().ObserveRelay("published")
}
