package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/omnicart/internal/domain/tenant"
)

// Sweeper periodically deletes expired idempotency records of every tenant.
type Sweeper struct {
	tx        Transactor
	tenants   TenantLister
	lg        *zap.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewSweeper creates a Sweeper. Records are removed once they have been
// expired for longer than retention.
func NewSweeper(tx Transactor, tenants TenantLister, interval, retention time.Duration, lg *zap.Logger) *Sweeper {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Sweeper{
		tx:        tx,
		tenants:   tenants,
		lg:        lg,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.Sweep(ctx); err != nil {
			s.lg.Warn("Idempotency sweep incomplete", zap.Int64("removed", n), zap.Error(err))
		} else if n > 0 {
			s.lg.Info("Idempotency records removed", zap.Int64("removed", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one cleanup pass over all tenants. A failing tenant does not
// stop the pass; the first error is returned after all tenants were tried.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	ids, err := s.tenants.ActiveTenants(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list tenants")
	}

	before := s.now().Add(-s.retention)
	var (
		total    int64
		firstErr error
	)
	for _, id := range ids {
		err := s.tx.InTenant(tenant.WithID(ctx, id), func(ctx context.Context, st Store) error {
			n, err := st.Idempotency().Cleanup(ctx, before)
			total += n
			return err
		})
		if err != nil {
			s.lg.Warn("Sweep tenant", zap.String("tenant_id", id.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "sweep tenant %s", id)
			}
		}
	}
	return total, firstErr
}
