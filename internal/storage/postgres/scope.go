package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/omnicart/internal/domain/checkout"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

const (
	// The third argument of set_config makes each setting local to the
	// transaction, so nothing survives on the pooled connection.
	bindTenantSQL = `SELECT set_config('app.tenant_id', $1, true),
		set_config('lock_timeout', $2, true),
		set_config('statement_timeout', $3, true)`

	clearTenantSQL = `SELECT set_config('app.tenant_id', '', true)`

	listActiveTenantsSQL = `SELECT id FROM tenants WHERE is_active ORDER BY id`

	registerTenantSQL = `INSERT INTO tenants (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_active = TRUE`
)

var (
	_ checkout.Transactor   = (*Scope)(nil)
	_ checkout.TenantLister = (*Scope)(nil)
)

// ScopeConfig bounds how long a transaction may wait.
type ScopeConfig struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// Scope opens tenant-bound transactions on a pool.
type Scope struct {
	pool *pgxpool.Pool
	cfg  ScopeConfig
	lg   *zap.Logger
}

// NewScope returns a Scope on pool.
func NewScope(pool *pgxpool.Pool, cfg ScopeConfig, lg *zap.Logger) *Scope {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 15 * time.Second
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Scope{pool: pool, cfg: cfg, lg: lg}
}

// InTenant runs fn in a READ COMMITTED transaction bound to the tenant in ctx.
// The tenant marker and timeouts are set with transaction scope on every call;
// commit or rollback returns the connection to the pool.
func (s *Scope) InTenant(ctx context.Context, fn func(ctx context.Context, st checkout.Store) error) error {
	id, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, bindTenantSQL, id.String(), millis(s.cfg.LockTimeout), millis(s.cfg.StatementTimeout)); err != nil {
			return fmt.Errorf("binding tenant: %w", err)
		}
		return fn(ctx, newTx(tx, id, tenant.ActorFrom(ctx)))
	})
}

// inSystem runs fn in a transaction with the tenant marker explicitly
// cleared. Tenant tables are invisible to it.
func (s *Scope) inSystem(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, clearTenantSQL); err != nil {
			return fmt.Errorf("clearing tenant: %w", err)
		}
		return fn(tx)
	})
}

func (s *Scope) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		if ctx.Err() != nil {
			return classify(err)
		}
		return fmt.Errorf("%w: begin: %w", tenant.ErrUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			s.rollback(ctx, tx)
			panic(p)
		}
		if err != nil {
			s.rollback(ctx, tx)
		}
	}()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Scope) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.lg.Warn("Rollback failed", zap.Error(err))
	}
}

// Ping checks connectivity through a tenant-less transaction.
func (s *Scope) Ping(ctx context.Context) error {
	return s.inSystem(ctx, func(tx pgx.Tx) error {
		var one int
		return tx.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
}

// ActiveTenants lists the ids of active tenants.
func (s *Scope) ActiveTenants(ctx context.Context) ([]tenant.ID, error) {
	var ids []tenant.ID
	err := s.inSystem(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, listActiveTenantsSQL)
		if err != nil {
			return fmt.Errorf("listing tenants: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[tenant.ID])
		if err != nil {
			return fmt.Errorf("listing tenants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RegisterTenant creates or reactivates a tenant.
func (s *Scope) RegisterTenant(ctx context.Context, id tenant.ID, name string) error {
	if !id.Valid() {
		return errors.Errorf("invalid tenant id %q", id)
	}
	return s.inSystem(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, registerTenantSQL, id.String(), name); err != nil {
			return fmt.Errorf("registering tenant %q: %w", id, err)
		}
		return nil
	})
}

func millis(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
