package storage

import (
	"time"

	"mediaflow/internal/models"
)

// Repository abstracts the datastore backing the orchestration service. The
// JSON-backed Storage serves development and tests; the Postgres repository
// serves production. Methods that change job status are conditional updates:
// they succeed only when the job is in the expected current status, so
// concurrent callers race safely without locks.
type Repository interface {
	CreateAccount(params CreateAccountParams) (models.Account, error)
	GetAccount(id string) (models.Account, bool)
	FindAccountByEmail(email string) (models.Account, bool)
	ListAccounts() []models.Account
	AuthenticateAccount(email, password string) (models.Account, error)
	SetAccountPassword(id, password string) (models.Account, error)

	CreateJob(params CreateJobParams) (models.MediaJob, error)
	GetJob(id string) (models.MediaJob, bool)
	GetJobByExternalID(externalID string) (models.MediaJob, bool)
	ListJobs(ownerID string) []models.MediaJob
	ClaimForDispatch(id string) (models.MediaJob, error)
	RecordDispatch(id, externalJobID string) (models.MediaJob, error)
	ReleaseDispatch(id string) (models.MediaJob, error)
	MarkProcessing(ref JobRef) (models.MediaJob, bool, error)
	CompleteJob(ref JobRef, outputs models.JobOutputs, metrics models.JobMetrics) (models.MediaJob, bool, error)
	FailJob(ref JobRef, message string) (models.MediaJob, bool, error)
	ResetForRetry(id string) (models.MediaJob, error)
	FailStalledJob(id, message string) (models.MediaJob, bool, error)
	ListStalledJobs(cutoff time.Time) []models.MediaJob
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)
