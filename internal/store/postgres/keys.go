package postgres

import (
	"context"
	"time"

	"containerops/internal/apperrors"
	"containerops/internal/job"
)

// GetKey retrieves an idempotency key entry by (key, scope).
func (s *Store) GetKey(ctx context.Context, key, scope string) (*job.KeyEntry, error) {
	var entry job.KeyEntry
	err := s.pool.QueryRow(ctx, `
		SELECT key, scope, request_hash, job_id, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND scope = $2`,
		key, scope,
	).Scan(&entry.Key, &entry.Scope, &entry.RequestHash, &entry.JobID, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NotFound("idempotencyKey", key)
		}
		return nil, persistence("getKey", err)
	}
	return &entry, nil
}

// DeleteKey removes an idempotency key entry if present.
func (s *Store) DeleteKey(ctx context.Context, key, scope string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND scope = $2`,
		key, scope,
	)
	if err != nil {
		return persistence("deleteKey", err)
	}
	return nil
}

// DeleteExpiredKeys removes entries whose expiresAt is at or before now.
func (s *Store) DeleteExpiredKeys(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, persistence("deleteExpiredKeys", err)
	}
	return int(tag.RowsAffected()), nil
}
