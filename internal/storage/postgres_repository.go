package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediaflow/internal/models"
)

const jobColumns = `id, owner_id, media_kind, input_location, status, external_job_id,
attempt_count, last_error, primary_playlist_key, preview_playlist_key, thumbnail_key,
waveform_key, waveform_image_key, mezzanine_key, ready_variants, duration_seconds,
width, height, loudness_integrated, loudness_true_peak, loudness_range,
created_at, updated_at, completed_at`

// postgresRepository persists jobs and accounts to Postgres so multiple
// service replicas can share state. Status transitions are single conditional
// UPDATE statements; the WHERE clause carries the expected current status so
// the database arbitrates races.
type postgresRepository struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewPostgresRepository opens a pgx connection pool against the provided DSN
// and ensures the schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, clock: cfg.Clock}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	roles TEXT[] NOT NULL DEFAULT '{}',
	password_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS media_jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	media_kind TEXT NOT NULL,
	input_location TEXT NOT NULL,
	status TEXT NOT NULL,
	external_job_id TEXT NOT NULL DEFAULT '',
	attempt_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	primary_playlist_key TEXT NOT NULL DEFAULT '',
	preview_playlist_key TEXT NOT NULL DEFAULT '',
	thumbnail_key TEXT NOT NULL DEFAULT '',
	waveform_key TEXT NOT NULL DEFAULT '',
	waveform_image_key TEXT NOT NULL DEFAULT '',
	mezzanine_key TEXT NOT NULL DEFAULT '',
	ready_variants TEXT[] NOT NULL DEFAULT '{}',
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	width INT NOT NULL DEFAULT 0,
	height INT NOT NULL DEFAULT 0,
	loudness_integrated DOUBLE PRECISION NOT NULL DEFAULT 0,
	loudness_true_peak DOUBLE PRECISION NOT NULL DEFAULT 0,
	loudness_range DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS media_jobs_external_job_id_idx ON media_jobs (external_job_id) WHERE external_job_id <> ''`,
		`CREATE INDEX IF NOT EXISTS media_jobs_owner_id_idx ON media_jobs (owner_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool, respecting the context deadline.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now().UTC()
}

func scanJob(row pgx.Row) (models.MediaJob, error) {
	var job models.MediaJob
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.MediaKind, &job.InputLocation, &job.Status,
		&job.ExternalJobID, &job.AttemptCount, &job.LastError,
		&job.Outputs.PrimaryPlaylistKey, &job.Outputs.PreviewPlaylistKey,
		&job.Outputs.ThumbnailKey, &job.Outputs.WaveformKey,
		&job.Outputs.WaveformImageKey, &job.Outputs.MezzanineKey,
		&job.Outputs.ReadyVariants,
		&job.Metrics.DurationSeconds, &job.Metrics.Width, &job.Metrics.Height,
		&job.Metrics.LoudnessIntegrated, &job.Metrics.LoudnessTruePeak,
		&job.Metrics.LoudnessRange,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return models.MediaJob{}, err
	}
	if len(job.Outputs.ReadyVariants) == 0 {
		job.Outputs.ReadyVariants = nil
	}
	return job, nil
}

func (r *postgresRepository) CreateJob(params CreateJobParams) (models.MediaJob, error) {
	if err := params.validate(); err != nil {
		return models.MediaJob{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.MediaJob{}, err
	}
	now := r.now()
	row := r.pool.QueryRow(context.Background(), `
INSERT INTO media_jobs (id, owner_id, media_kind, input_location, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
RETURNING `+jobColumns, id, strings.TrimSpace(params.OwnerID), params.MediaKind,
		strings.TrimSpace(params.InputLocation), models.JobStatusUploaded, now)
	return scanJob(row)
}

func (r *postgresRepository) GetJob(id string) (models.MediaJob, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT `+jobColumns+` FROM media_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.MediaJob{}, false
	}
	return job, true
}

func (r *postgresRepository) GetJobByExternalID(externalID string) (models.MediaJob, bool) {
	if strings.TrimSpace(externalID) == "" {
		return models.MediaJob{}, false
	}
	row := r.pool.QueryRow(context.Background(), `
SELECT `+jobColumns+` FROM media_jobs WHERE external_job_id = $1`, externalID)
	job, err := scanJob(row)
	if err != nil {
		return models.MediaJob{}, false
	}
	return job, true
}

func (r *postgresRepository) ListJobs(ownerID string) []models.MediaJob {
	query := `SELECT ` + jobColumns + ` FROM media_jobs ORDER BY created_at DESC, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + jobColumns + ` FROM media_jobs WHERE owner_id = $1 ORDER BY created_at DESC, id`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(context.Background(), query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var jobs []models.MediaJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (r *postgresRepository) ClaimForDispatch(id string) (models.MediaJob, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET status = $2, updated_at = $3
WHERE id = $1 AND status = $4
RETURNING `+jobColumns, id, models.JobStatusDispatched, r.now(), models.JobStatusUploaded)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return models.MediaJob{}, r.classifyJobConflict(id, models.JobStatusUploaded)
		}
		return models.MediaJob{}, err
	}
	return job, nil
}

func (r *postgresRepository) RecordDispatch(id, externalJobID string) (models.MediaJob, error) {
	trimmed := strings.TrimSpace(externalJobID)
	if trimmed == "" {
		return models.MediaJob{}, fmt.Errorf("externalJobId is required")
	}
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET external_job_id = $2, updated_at = $3
WHERE id = $1 AND status = $4
RETURNING `+jobColumns, id, trimmed, r.now(), models.JobStatusDispatched)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return models.MediaJob{}, r.classifyJobConflict(id, models.JobStatusDispatched)
		}
		return models.MediaJob{}, err
	}
	return job, nil
}

func (r *postgresRepository) ReleaseDispatch(id string) (models.MediaJob, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET status = $2, external_job_id = '', updated_at = $3
WHERE id = $1 AND status = $4
RETURNING `+jobColumns, id, models.JobStatusUploaded, r.now(), models.JobStatusDispatched)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return models.MediaJob{}, r.classifyJobConflict(id, models.JobStatusDispatched)
		}
		return models.MediaJob{}, err
	}
	return job, nil
}

func (r *postgresRepository) MarkProcessing(ref JobRef) (models.MediaJob, bool, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET status = $2, updated_at = $3
WHERE (external_job_id = $1 OR (id = $5 AND external_job_id = '')) AND status = $4
RETURNING `+jobColumns, ref.ExternalJobID, models.JobStatusProcessing, r.now(),
		models.JobStatusDispatched, ref.ID)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return r.unchangedJob(ref)
		}
		return models.MediaJob{}, false, err
	}
	return job, true, nil
}

func (r *postgresRepository) CompleteJob(ref JobRef, outputs models.JobOutputs, metrics models.JobMetrics) (models.MediaJob, bool, error) {
	variants := outputs.ReadyVariants
	if variants == nil {
		variants = []string{}
	}
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET status = $2,
	primary_playlist_key = $3, preview_playlist_key = $4, thumbnail_key = $5,
	waveform_key = $6, waveform_image_key = $7, mezzanine_key = $8,
	ready_variants = $9, duration_seconds = $10, width = $11, height = $12,
	loudness_integrated = $13, loudness_true_peak = $14, loudness_range = $15,
	last_error = '', completed_at = $16, updated_at = $16
WHERE (external_job_id = $1 OR (id = $19 AND external_job_id = ''))
	AND status NOT IN ($17, $18)
RETURNING `+jobColumns,
		ref.ExternalJobID, models.JobStatusReady,
		outputs.PrimaryPlaylistKey, outputs.PreviewPlaylistKey, outputs.ThumbnailKey,
		outputs.WaveformKey, outputs.WaveformImageKey, outputs.MezzanineKey,
		variants, metrics.DurationSeconds, metrics.Width, metrics.Height,
		metrics.LoudnessIntegrated, metrics.LoudnessTruePeak, metrics.LoudnessRange,
		r.now(), models.JobStatusReady, models.JobStatusFailed, ref.ID)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return r.unchangedJob(ref)
		}
		return models.MediaJob{}, false, err
	}
	return job, true, nil
}

func (r *postgresRepository) FailJob(ref JobRef, message string) (models.MediaJob, bool, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET status = $2, last_error = $3, completed_at = $4, updated_at = $4
WHERE (external_job_id = $1 OR (id = $7 AND external_job_id = ''))
	AND status NOT IN ($5, $6)
RETURNING `+jobColumns,
		ref.ExternalJobID, models.JobStatusFailed, TruncateJobError(message), r.now(),
		models.JobStatusReady, models.JobStatusFailed, ref.ID)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return r.unchangedJob(ref)
		}
		return models.MediaJob{}, false, err
	}
	return job, true, nil
}

func (r *postgresRepository) ResetForRetry(id string) (models.MediaJob, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET status = $2, attempt_count = attempt_count + 1, last_error = '',
	external_job_id = '', completed_at = NULL, updated_at = $3
WHERE id = $1 AND status = $4 AND attempt_count < $5
RETURNING `+jobColumns,
		id, models.JobStatusUploaded, r.now(), models.JobStatusFailed, models.MaxJobAttempts)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !isNoRows(err) {
		return models.MediaJob{}, err
	}

	existing, ok := r.GetJob(id)
	if !ok {
		return models.MediaJob{}, ErrJobNotFound
	}
	if existing.Status != models.JobStatusFailed {
		return models.MediaJob{}, fmt.Errorf("%w: have %s, want %s", ErrWrongStatus, existing.Status, models.JobStatusFailed)
	}
	return models.MediaJob{}, ErrRetryExhausted
}

func (r *postgresRepository) FailStalledJob(id, message string) (models.MediaJob, bool, error) {
	row := r.pool.QueryRow(context.Background(), `
UPDATE media_jobs
SET status = $2, last_error = $3, completed_at = $4, updated_at = $4
WHERE id = $1 AND status IN ($5, $6)
RETURNING `+jobColumns,
		id, models.JobStatusFailed, TruncateJobError(message), r.now(),
		models.JobStatusDispatched, models.JobStatusProcessing)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !isNoRows(err) {
		return models.MediaJob{}, false, err
	}
	existing, ok := r.GetJob(id)
	if !ok {
		return models.MediaJob{}, false, ErrJobNotFound
	}
	return existing, false, nil
}

func (r *postgresRepository) ListStalledJobs(cutoff time.Time) []models.MediaJob {
	rows, err := r.pool.Query(context.Background(), `
SELECT `+jobColumns+`
FROM media_jobs
WHERE status IN ($1, $2) AND updated_at < $3
ORDER BY updated_at`, models.JobStatusDispatched, models.JobStatusProcessing, cutoff)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var stalled []models.MediaJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil
		}
		stalled = append(stalled, job)
	}
	return stalled
}

// classifyJobConflict distinguishes a missing job from one in the wrong
// status after a conditional update matched zero rows.
func (r *postgresRepository) classifyJobConflict(id, want string) error {
	existing, ok := r.GetJob(id)
	if !ok {
		return ErrJobNotFound
	}
	return fmt.Errorf("%w: have %s, want %s", ErrWrongStatus, existing.Status, want)
}

func (r *postgresRepository) unchangedJob(ref JobRef) (models.MediaJob, bool, error) {
	existing, ok := r.GetJobByExternalID(ref.ExternalJobID)
	if !ok && ref.ID != "" {
		if candidate, found := r.GetJob(ref.ID); found && candidate.ExternalJobID == "" {
			existing, ok = candidate, true
		}
	}
	if !ok {
		return models.MediaJob{}, false, ErrJobNotFound
	}
	return existing, false, nil
}

func (r *postgresRepository) CreateAccount(params CreateAccountParams) (models.Account, error) {
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.Account{}, fmt.Errorf("displayName is required")
	}
	normalizedEmail := strings.ToLower(strings.TrimSpace(params.Email))
	if normalizedEmail == "" {
		return models.Account{}, fmt.Errorf("email is required")
	}
	var passwordHash string
	if params.Password != "" {
		if len(params.Password) < 8 {
			return models.Account{}, fmt.Errorf("password must be at least 8 characters")
		}
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.Account{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = hashed
	}
	roles := make([]string, 0, len(params.Roles))
	for _, role := range params.Roles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}
	now := r.now()
	row := r.pool.QueryRow(context.Background(), `
INSERT INTO accounts (id, display_name, email, roles, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (email) DO NOTHING
RETURNING id, display_name, email, roles, password_hash, created_at`,
		id, displayName, normalizedEmail, roles, passwordHash, now)
	account, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return models.Account{}, ErrEmailInUse
		}
		return models.Account{}, err
	}
	return account, nil
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.DisplayName, &account.Email, &account.Roles,
		&account.PasswordHash, &account.CreatedAt)
	if err != nil {
		return models.Account{}, err
	}
	if len(account.Roles) == 0 {
		account.Roles = nil
	}
	return account, nil
}

func (r *postgresRepository) GetAccount(id string) (models.Account, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT id, display_name, email, roles, password_hash, created_at
FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		return models.Account{}, false
	}
	return account, true
}

func (r *postgresRepository) FindAccountByEmail(email string) (models.Account, bool) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	row := r.pool.QueryRow(context.Background(), `
SELECT id, display_name, email, roles, password_hash, created_at
FROM accounts WHERE email = $1`, normalized)
	account, err := scanAccount(row)
	if err != nil {
		return models.Account{}, false
	}
	return account, true
}

func (r *postgresRepository) ListAccounts() []models.Account {
	rows, err := r.pool.Query(context.Background(), `
SELECT id, display_name, email, roles, password_hash, created_at
FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil
		}
		accounts = append(accounts, account)
	}
	return accounts
}

func (r *postgresRepository) AuthenticateAccount(email, password string) (models.Account, error) {
	if password == "" {
		return models.Account{}, errors.New("password is required")
	}
	account, ok := r.FindAccountByEmail(email)
	if !ok {
		return models.Account{}, ErrInvalidCredentials
	}
	if account.PasswordHash == "" {
		return models.Account{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(account.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	return account, nil
}

func (r *postgresRepository) SetAccountPassword(id, password string) (models.Account, error) {
	if len(password) < 8 {
		return models.Account{}, errors.New("password must be at least 8 characters")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}
	row := r.pool.QueryRow(context.Background(), `
UPDATE accounts SET password_hash = $2 WHERE id = $1
RETURNING id, display_name, email, roles, password_hash, created_at`, id, hashed)
	account, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return models.Account{}, ErrAccountNotFound
		}
		return models.Account{}, err
	}
	return account, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
