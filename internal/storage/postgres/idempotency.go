package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

const (
	// checkAndBeginSQL claims a key in one statement. A conflicting row is
	// always updated so that it is locked and returned; the CASE expressions
	// take it over only when it expired or failed, otherwise every column
	// keeps its value and the caller sees the live record.
	checkAndBeginSQL = `INSERT INTO idempotency_records AS r
			(tenant_id, id, operation_type, key_hash, fingerprint, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', now() + $6::interval)
		ON CONFLICT (tenant_id, operation_type, key_hash) DO UPDATE SET
			id = CASE WHEN r.expires_at <= now() OR r.status = 'failed' THEN EXCLUDED.id ELSE r.id END,
			fingerprint = CASE WHEN r.expires_at <= now() OR r.status = 'failed' THEN EXCLUDED.fingerprint ELSE r.fingerprint END,
			status = CASE WHEN r.expires_at <= now() OR r.status = 'failed' THEN 'pending' ELSE r.status END,
			result = CASE WHEN r.expires_at <= now() OR r.status = 'failed' THEN NULL ELSE r.result END,
			expires_at = CASE WHEN r.expires_at <= now() OR r.status = 'failed' THEN EXCLUDED.expires_at ELSE r.expires_at END,
			created_at = CASE WHEN r.expires_at <= now() OR r.status = 'failed' THEN now() ELSE r.created_at END
		RETURNING id, operation_type, key_hash, fingerprint, status, result, expires_at, created_at`

	markCompletedSQL = `UPDATE idempotency_records SET status = 'completed', result = $3
		WHERE tenant_id = $1 AND id = $2`

	markFailedSQL = `UPDATE idempotency_records SET status = 'failed'
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`

	removeIdempotencySQL = `DELETE FROM idempotency_records WHERE tenant_id = $1 AND id = $2`

	cleanupIdempotencySQL = `DELETE FROM idempotency_records WHERE tenant_id = $1 AND expires_at < $2`
)

var _ idempotency.Store = (*IdempotencyRepository)(nil)

// IdempotencyRepository implements idempotency.Store within a tenant
// transaction.
type IdempotencyRepository struct {
	tx       pgx.Tx
	tenantID tenant.ID
}

// CheckAndBegin claims (operationType, keyHash) or returns the live record
// that holds it.
func (r *IdempotencyRepository) CheckAndBegin(ctx context.Context, operationType, keyHash, fingerprint string, ttl time.Duration) (*idempotency.Record, error) {
	id := uuid.NewString()
	rows, err := r.tx.Query(ctx, checkAndBeginSQL,
		r.tenantID.String(), id, operationType, keyHash, fingerprint, ttl,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}

	rec, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (idempotency.Record, error) {
		var (
			rec    idempotency.Record
			status string
		)
		err := row.Scan(&rec.ID, &rec.OperationType, &rec.KeyHash, &rec.Fingerprint,
			&status, &rec.Result, &rec.ExpiresAt, &rec.CreatedAt)
		rec.Status = idempotency.Status(status)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}
	rec.Owned = rec.ID == id
	return &rec, nil
}

// MarkCompleted stores the result snapshot for replay.
func (r *IdempotencyRepository) MarkCompleted(ctx context.Context, id string, result []byte) error {
	return r.exec(ctx, "completing", markCompletedSQL, id, result)
}

// MarkFailed releases a pending record so that the key can be retried.
func (r *IdempotencyRepository) MarkFailed(ctx context.Context, id string) error {
	return r.exec(ctx, "failing", markFailedSQL, id)
}

// Remove deletes the record.
func (r *IdempotencyRepository) Remove(ctx context.Context, id string) error {
	return r.exec(ctx, "removing", removeIdempotencySQL, id)
}

// Cleanup deletes records that expired before the given instant.
func (r *IdempotencyRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.tx.Exec(ctx, cleanupIdempotencySQL, r.tenantID.String(), before)
	if err != nil {
		return 0, fmt.Errorf("cleaning up idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *IdempotencyRepository) exec(ctx context.Context, verb, sql, id string, args ...any) error {
	tag, err := r.tx.Exec(ctx, sql, append([]any{r.tenantID.String(), id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s idempotency record %s: %w", verb, id, err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrNotFound
	}
	return nil
}
