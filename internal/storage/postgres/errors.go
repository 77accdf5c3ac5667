package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xenking/omnicart/internal/domain/tenant"
)

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
)

// classify marks transient database failures with tenant.ErrConflict or
// tenant.ErrUnavailable. Other errors are returned unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, tenant.ErrConflict) || errors.Is(err, tenant.ErrUnavailable) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeQueryCanceled, codeDeadlockDetected, codeSerializationFailure:
			return fmt.Errorf("%w: %w", tenant.ErrConflict, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", tenant.ErrConflict, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", tenant.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}
