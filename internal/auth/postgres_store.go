package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKeyStore persists API keys to a Postgres table, allowing multiple
// service replicas to share authentication state.
type PostgresKeyStore struct {
	pool *pgxpool.Pool
}

// NewPostgresKeyStore opens a Postgres-backed key store using the provided DSN.
func NewPostgresKeyStore(dsn string) (*PostgresKeyStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres key store dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres key store config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres key store pool: %w", err)
	}
	store := &PostgresKeyStore{pool: pool}
	if err := store.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresKeyStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS api_keys (
	token_hash TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ
)`)
	if err != nil {
		return fmt.Errorf("ensure api_keys schema: %w", err)
	}
	return nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresKeyStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Save stores or updates the API key record.
func (s *PostgresKeyStore) Save(record KeyRecord) error {
	if s.pool == nil {
		return fmt.Errorf("postgres key store pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO api_keys (token_hash, account_id, label, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token_hash) DO UPDATE SET account_id = EXCLUDED.account_id, label = EXCLUDED.label
`, record.TokenHash, record.AccountID, record.Label, record.CreatedAt.UTC())
	return err
}

// Get fetches the key record for the provided token hash.
func (s *PostgresKeyStore) Get(tokenHash string) (KeyRecord, bool, error) {
	if s.pool == nil {
		return KeyRecord{}, false, fmt.Errorf("postgres key store pool not configured")
	}
	row := s.pool.QueryRow(context.Background(), `
SELECT account_id, label, created_at, COALESCE(last_used_at, 'epoch'::timestamptz)
FROM api_keys
WHERE token_hash = $1
`, tokenHash)
	var record KeyRecord
	record.TokenHash = tokenHash
	if err := row.Scan(&record.AccountID, &record.Label, &record.CreatedAt, &record.LastUsedAt); err != nil {
		if isNoRows(err) {
			return KeyRecord{}, false, nil
		}
		return KeyRecord{}, false, err
	}
	return record, true, nil
}

// Delete removes the API key.
func (s *PostgresKeyStore) Delete(tokenHash string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres key store pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM api_keys WHERE token_hash = $1`, tokenHash)
	return err
}

// ListByAccount returns the keys issued to the account.
func (s *PostgresKeyStore) ListByAccount(accountID string) ([]KeyRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres key store pool not configured")
	}
	rows, err := s.pool.Query(context.Background(), `
SELECT token_hash, account_id, label, created_at, COALESCE(last_used_at, 'epoch'::timestamptz)
FROM api_keys
WHERE account_id = $1
ORDER BY created_at
`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []KeyRecord
	for rows.Next() {
		var record KeyRecord
		if err := rows.Scan(&record.TokenHash, &record.AccountID, &record.Label, &record.CreatedAt, &record.LastUsedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Touch refreshes the key's last-used timestamp.
func (s *PostgresKeyStore) Touch(tokenHash string, when time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres key store pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
UPDATE api_keys SET last_used_at = $2 WHERE token_hash = $1
`, tokenHash, when.UTC())
	return err
}

// Ping verifies the pool can reach the database.
func (s *PostgresKeyStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres key store pool not configured")
	}
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
