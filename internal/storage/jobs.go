package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"mediaflow/internal/models"
)

// CreateJobParams carries the caller-supplied fields for a new media job.
type CreateJobParams struct {
	OwnerID       string
	MediaKind     string
	InputLocation string
}

func (p CreateJobParams) validate() error {
	if strings.TrimSpace(p.OwnerID) == "" {
		return fmt.Errorf("ownerId is required")
	}
	if !models.ValidMediaKind(p.MediaKind) {
		return fmt.Errorf("mediaKind must be %q or %q", models.MediaKindVideo, models.MediaKindAudio)
	}
	if strings.TrimSpace(p.InputLocation) == "" {
		return fmt.Errorf("inputLocation is required")
	}
	return nil
}

// CreateJob records a new job in the uploaded state.
func (s *Storage) CreateJob(params CreateJobParams) (models.MediaJob, error) {
	if err := params.validate(); err != nil {
		return models.MediaJob{}, err
	}

	id, err := generateID()
	if err != nil {
		return models.MediaJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := models.MediaJob{
		ID:            id,
		OwnerID:       strings.TrimSpace(params.OwnerID),
		MediaKind:     params.MediaKind,
		InputLocation: strings.TrimSpace(params.InputLocation),
		Status:        models.JobStatusUploaded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		delete(s.data.Jobs, id)
		return models.MediaJob{}, err
	}

	return cloneJob(job), nil
}

func (s *Storage) GetJob(id string) (models.MediaJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return models.MediaJob{}, false
	}
	return cloneJob(job), true
}

func (s *Storage) GetJobByExternalID(externalID string) (models.MediaJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.data.Jobs {
		if job.ExternalJobID != "" && job.ExternalJobID == externalID {
			return cloneJob(job), true
		}
	}
	return models.MediaJob{}, false
}

// ListJobs returns jobs sorted newest-first. An empty ownerID lists all jobs.
func (s *Storage) ListJobs(ownerID string) []models.MediaJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]models.MediaJob, 0, len(s.data.Jobs))
	for _, job := range s.data.Jobs {
		if ownerID != "" && job.OwnerID != ownerID {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// ClaimForDispatch moves a job from uploaded to dispatched. The transition is
// conditional on the current status, so exactly one of any number of
// concurrent callers succeeds; the rest receive ErrWrongStatus.
func (s *Storage) ClaimForDispatch(id string) (models.MediaJob, error) {
	return s.transitionJob(id, func(job *models.MediaJob) error {
		if job.Status != models.JobStatusUploaded {
			return fmt.Errorf("%w: have %s, want %s", ErrWrongStatus, job.Status, models.JobStatusUploaded)
		}
		job.Status = models.JobStatusDispatched
		return nil
	})
}

// RecordDispatch stores the provider's job id after a successful submission.
func (s *Storage) RecordDispatch(id, externalJobID string) (models.MediaJob, error) {
	trimmed := strings.TrimSpace(externalJobID)
	if trimmed == "" {
		return models.MediaJob{}, fmt.Errorf("externalJobId is required")
	}
	return s.transitionJob(id, func(job *models.MediaJob) error {
		if job.Status != models.JobStatusDispatched {
			return fmt.Errorf("%w: have %s, want %s", ErrWrongStatus, job.Status, models.JobStatusDispatched)
		}
		job.ExternalJobID = trimmed
		return nil
	})
}

// ReleaseDispatch reverts a dispatched job to uploaded after the provider
// submission failed, leaving it eligible for another dispatch attempt.
func (s *Storage) ReleaseDispatch(id string) (models.MediaJob, error) {
	return s.transitionJob(id, func(job *models.MediaJob) error {
		if job.Status != models.JobStatusDispatched {
			return fmt.Errorf("%w: have %s, want %s", ErrWrongStatus, job.Status, models.JobStatusDispatched)
		}
		job.Status = models.JobStatusUploaded
		job.ExternalJobID = ""
		return nil
	})
}

// JobRef identifies the job a provider notification refers to. The external
// job id is the primary key. ID names the job record directly and is
// consulted only when no record carries the external id, which happens when
// a notification lands between the dispatch claim and RecordDispatch. A
// record already bound to a different external id never matches through ID.
type JobRef struct {
	ExternalJobID string
	ID            string
}

// MarkProcessing records a provider progress notification. Jobs that have
// already advanced past dispatched are left untouched; the returned bool
// reports whether the record changed.
func (s *Storage) MarkProcessing(ref JobRef) (models.MediaJob, bool, error) {
	return s.reconcileJob(ref, func(job *models.MediaJob) (bool, error) {
		if job.Status != models.JobStatusDispatched {
			return false, nil
		}
		job.Status = models.JobStatusProcessing
		return true, nil
	})
}

// CompleteJob applies a successful transcode outcome in a single update:
// status, every output key, the reported metrics, and a cleared error. A job
// already in a terminal state is left untouched so replayed notifications are
// harmless.
func (s *Storage) CompleteJob(ref JobRef, outputs models.JobOutputs, metrics models.JobMetrics) (models.MediaJob, bool, error) {
	return s.reconcileJob(ref, func(job *models.MediaJob) (bool, error) {
		if models.TerminalJobStatus(job.Status) {
			return false, nil
		}
		now := s.now()
		job.Status = models.JobStatusReady
		job.Outputs = outputs
		if outputs.ReadyVariants != nil {
			job.Outputs.ReadyVariants = append([]string(nil), outputs.ReadyVariants...)
		}
		job.Metrics = metrics
		job.LastError = ""
		job.CompletedAt = &now
		return true, nil
	})
}

// FailJob applies a failed transcode outcome. The attempt count is not
// modified here; it tracks dispatches, not failures.
func (s *Storage) FailJob(ref JobRef, message string) (models.MediaJob, bool, error) {
	return s.reconcileJob(ref, func(job *models.MediaJob) (bool, error) {
		if models.TerminalJobStatus(job.Status) {
			return false, nil
		}
		now := s.now()
		job.Status = models.JobStatusFailed
		job.LastError = TruncateJobError(message)
		job.CompletedAt = &now
		return true, nil
	})
}

// ResetForRetry atomically moves a failed job back to uploaded, consuming one
// retry attempt and clearing the previous failure context. The reset succeeds
// at most MaxJobAttempts times over the job's lifetime.
func (s *Storage) ResetForRetry(id string) (models.MediaJob, error) {
	return s.transitionJob(id, func(job *models.MediaJob) error {
		if job.Status != models.JobStatusFailed {
			return fmt.Errorf("%w: have %s, want %s", ErrWrongStatus, job.Status, models.JobStatusFailed)
		}
		if job.AttemptCount >= models.MaxJobAttempts {
			return ErrRetryExhausted
		}
		job.Status = models.JobStatusUploaded
		job.AttemptCount++
		job.LastError = ""
		job.ExternalJobID = ""
		job.CompletedAt = nil
		return nil
	})
}

// FailStalledJob fails a job that has been sitting in dispatched or
// processing past its deadline. A job that reached a terminal state in the
// meantime wins the race and is left untouched.
func (s *Storage) FailStalledJob(id, message string) (models.MediaJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return models.MediaJob{}, false, ErrJobNotFound
	}
	if job.Status != models.JobStatusDispatched && job.Status != models.JobStatusProcessing {
		return cloneJob(job), false, nil
	}

	previous := job
	now := s.now()
	job.Status = models.JobStatusFailed
	job.LastError = TruncateJobError(message)
	job.CompletedAt = &now
	job.UpdatedAt = now

	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		s.data.Jobs[id] = previous
		return models.MediaJob{}, false, err
	}
	return cloneJob(job), true, nil
}

// ListStalledJobs returns jobs stuck in dispatched or processing whose last
// update is older than the cutoff.
func (s *Storage) ListStalledJobs(cutoff time.Time) []models.MediaJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stalled []models.MediaJob
	for _, job := range s.data.Jobs {
		if job.Status != models.JobStatusDispatched && job.Status != models.JobStatusProcessing {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, cloneJob(job))
		}
	}
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].UpdatedAt.Before(stalled[j].UpdatedAt)
	})
	return stalled
}

func (s *Storage) transitionJob(id string, mutate func(*models.MediaJob) error) (models.MediaJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return models.MediaJob{}, ErrJobNotFound
	}

	previous := job
	if err := mutate(&job); err != nil {
		return models.MediaJob{}, err
	}
	job.UpdatedAt = s.now()

	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		s.data.Jobs[id] = previous
		return models.MediaJob{}, err
	}
	return cloneJob(job), nil
}

func (s *Storage) reconcileJob(ref JobRef, mutate func(*models.MediaJob) (bool, error)) (models.MediaJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		job   models.MediaJob
		found bool
	)
	for _, candidate := range s.data.Jobs {
		if candidate.ExternalJobID != "" && candidate.ExternalJobID == ref.ExternalJobID {
			job = candidate
			found = true
			break
		}
	}
	if !found && ref.ID != "" {
		if candidate, ok := s.data.Jobs[ref.ID]; ok && candidate.ExternalJobID == "" {
			job = candidate
			found = true
		}
	}
	if !found {
		return models.MediaJob{}, false, ErrJobNotFound
	}

	previous := job
	changed, err := mutate(&job)
	if err != nil {
		return models.MediaJob{}, false, err
	}
	if !changed {
		return cloneJob(job), false, nil
	}
	job.UpdatedAt = s.now()

	s.data.Jobs[job.ID] = job
	if err := s.persist(); err != nil {
		s.data.Jobs[job.ID] = previous
		return models.MediaJob{}, false, err
	}
	return cloneJob(job), true, nil
}
