package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mediaflow/internal/models"
)

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool unavailable")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := r.importSnapshotAccounts(ctx, tx, snapshot.Accounts); err != nil {
		return err
	}
	if err := r.importSnapshotJobs(ctx, tx, snapshot.Jobs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot import: %w", err)
	}
	return nil
}

func (r *postgresRepository) importSnapshotAccounts(ctx context.Context, tx pgx.Tx, accounts map[string]models.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		account := accounts[key]
		id := strings.TrimSpace(account.ID)
		if id == "" {
			id = key
		}
		createdAt := account.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		roles := append([]string(nil), account.Roles...)
		if roles == nil {
			roles = []string{}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO accounts (id, display_name, email, roles, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`,
			id, strings.TrimSpace(account.DisplayName),
			strings.ToLower(strings.TrimSpace(account.Email)), roles,
			account.PasswordHash, createdAt)
		if err != nil {
			return fmt.Errorf("insert account %s: %w", id, err)
		}
	}
	return nil
}

func (r *postgresRepository) importSnapshotJobs(ctx context.Context, tx pgx.Tx, jobs map[string]models.MediaJob) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		job := jobs[key]
		id := strings.TrimSpace(job.ID)
		if id == "" {
			id = key
		}
		createdAt := job.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		updatedAt := job.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		} else {
			updatedAt = updatedAt.UTC()
		}
		var completedAt *time.Time
		if job.CompletedAt != nil {
			utc := job.CompletedAt.UTC()
			completedAt = &utc
		}
		variants := append([]string(nil), job.Outputs.ReadyVariants...)
		if variants == nil {
			variants = []string{}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO media_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
	$17, $18, $19, $20, $21, $22, $23, $24)
ON CONFLICT (id) DO NOTHING`,
			id, strings.TrimSpace(job.OwnerID), job.MediaKind,
			strings.TrimSpace(job.InputLocation), job.Status, job.ExternalJobID,
			job.AttemptCount, job.LastError,
			job.Outputs.PrimaryPlaylistKey, job.Outputs.PreviewPlaylistKey,
			job.Outputs.ThumbnailKey, job.Outputs.WaveformKey,
			job.Outputs.WaveformImageKey, job.Outputs.MezzanineKey, variants,
			job.Metrics.DurationSeconds, job.Metrics.Width, job.Metrics.Height,
			job.Metrics.LoudnessIntegrated, job.Metrics.LoudnessTruePeak,
			job.Metrics.LoudnessRange, createdAt, updatedAt, completedAt)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", id, err)
		}
	}
	return nil
}
