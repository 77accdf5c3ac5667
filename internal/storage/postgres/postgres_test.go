//go:build integration

package postgres

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/omnicart/internal/domain/checkout"
	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/order"
	"github.com/xenking/omnicart/internal/domain/product"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

// --- Helpers ---

func newTestScope() *Scope {
	return NewScope(appPool, ScopeConfig{}, nil)
}

// newTenant registers a fresh tenant and returns a context bound to it.
func newTenant(t *testing.T, s *Scope) context.Context {
	t.Helper()
	id := tenant.ID("t-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	require.NoError(t, s.RegisterTenant(context.Background(), id, t.Name()))
	return tenant.WithID(context.Background(), id)
}

func seedProduct(t *testing.T, ctx context.Context, s *Scope, id, price string, stock int) {
	t.Helper()
	require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		p := product.Product{ID: id, Name: id, Price: decimal.RequireFromString(price), IsActive: true}
		if err := st.Products().Upsert(ctx, p); err != nil {
			return err
		}
		if err := st.Inventory().Init(ctx, id, 0); err != nil {
			return err
		}
		if stock > 0 {
			_, err := st.Inventory().Adjust(ctx, id, stock, inventory.ReasonCount)
			return err
		}
		return nil
	}))
}

func getRecord(t *testing.T, ctx context.Context, s *Scope, id string) *inventory.Record {
	t.Helper()
	var rec *inventory.Record
	require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		var err error
		rec, err = st.Inventory().Get(ctx, id)
		return err
	}))
	return rec
}

func newCoordinator(t *testing.T, s *Scope) *checkout.Coordinator {
	t.Helper()
	c, err := checkout.NewCoordinator(s, checkout.Options{})
	require.NoError(t, err)
	return c
}

// --- Scope ---

func TestScope_RequiresTenant(t *testing.T) {
	s := newTestScope()
	called := false
	err := s.InTenant(context.Background(), func(context.Context, checkout.Store) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, tenant.ErrForbidden)
	assert.False(t, called)
}

func TestScope_TenantIsolation(t *testing.T) {
	s := newTestScope()
	a := newTenant(t, s)
	b := newTenant(t, s)
	seedProduct(t, a, s, "shared-id", "1.00", 5)

	require.NoError(t, s.InTenant(b, func(ctx context.Context, st checkout.Store) error {
		products, err := st.Products().GetByIDs(ctx, []string{"shared-id"})
		require.NoError(t, err)
		assert.Empty(t, products)

		locked, err := st.Inventory().LockForUpdate(ctx, []string{"shared-id"})
		require.NoError(t, err)
		assert.Empty(t, locked)

		_, err = st.Inventory().Reserve(ctx, "shared-id", 1)
		assert.ErrorIs(t, err, inventory.ErrNotFound)
		return nil
	}))
	assert.Equal(t, 5, getRecord(t, a, s, "shared-id").CurrentStock)
}

func TestScope_RowSecurityWithoutFilter(t *testing.T) {
	s := newTestScope()
	a := newTenant(t, s)
	b := newTenant(t, s)
	seedProduct(t, a, s, "p1", "1.00", 1)

	// The policy hides other tenants' rows even from a statement that does
	// not filter on tenant_id.
	require.NoError(t, s.InTenant(b, func(ctx context.Context, st checkout.Store) error {
		var n int
		err := st.(*Tx).products.tx.QueryRow(ctx, `SELECT count(*) FROM products`).Scan(&n)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestScope_MarkerDoesNotLeakAcrossTransactions(t *testing.T) {
	s := newTestScope()
	a := newTenant(t, s)
	seedProduct(t, a, s, "p1", "1.00", 1)

	// Saturate the pool with tenant transactions, then read the marker from
	// whichever connections come back.
	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			return s.InTenant(a, func(ctx context.Context, st checkout.Store) error {
				_, err := st.Inventory().Get(ctx, "p1")
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	for range 20 {
		var marker *string
		require.NoError(t, appPool.QueryRow(context.Background(),
			`SELECT current_setting('app.tenant_id', true)`).Scan(&marker))
		if marker != nil {
			assert.Empty(t, *marker)
		}
		var n int
		require.NoError(t, appPool.QueryRow(context.Background(), `SELECT count(*) FROM inventory`).Scan(&n))
		assert.Zero(t, n, "no tenant rows visible outside a tenant transaction")
	}
}

func TestScope_RollbackOnError(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "p1", "1.00", 5)

	boom := errors.New("boom")
	err := s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		_, err := st.Inventory().Adjust(ctx, "p1", -5, inventory.ReasonAdjustment)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 5, getRecord(t, ctx, s, "p1").CurrentStock)
}

func TestScope_RollbackOnPanic(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "p1", "1.00", 5)

	assert.Panics(t, func() {
		_ = s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
			_, err := st.Inventory().Adjust(ctx, "p1", -5, inventory.ReasonAdjustment)
			require.NoError(t, err)
			panic("boom")
		})
	})
	assert.Equal(t, 5, getRecord(t, ctx, s, "p1").CurrentStock)
}

func TestScope_LockTimeoutIsConflict(t *testing.T) {
	s := NewScope(appPool, ScopeConfig{LockTimeout: 200 * time.Millisecond}, nil)
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "p1", "1.00", 5)

	locked := make(chan struct{})
	release := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		return s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
			if _, err := st.Inventory().LockForUpdate(ctx, []string{"p1"}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	})

	<-locked
	err := s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		_, err := st.Inventory().LockForUpdate(ctx, []string{"p1"})
		return err
	})
	close(release)
	require.NoError(t, g.Wait())

	require.ErrorIs(t, err, tenant.ErrConflict)
	assert.True(t, checkout.Retryable(err))
}

func TestScope_ActiveTenantsAndPing(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	id, _ := tenant.FromContext(ctx)

	require.NoError(t, s.Ping(context.Background()))
	ids, err := s.ActiveTenants(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, id)
	require.Error(t, s.RegisterTenant(context.Background(), " padded ", ""))
}

// --- Inventory ---

func TestInventory_ReserveReleaseAdjust(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "p1", "1.00", 5)

	require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		inv := st.Inventory()

		avail, err := inv.Reserve(ctx, "p1", 3)
		require.NoError(t, err)
		assert.Equal(t, 2, avail)

		_, err = inv.Reserve(ctx, "p1", 3)
		var ise *inventory.InsufficientStockError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, 2, ise.Available)

		require.NoError(t, inv.Release(ctx, "p1", 10))
		rec, err := inv.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 0, rec.ReservedStock)

		_, err = inv.Adjust(ctx, "p1", -6, inventory.ReasonAdjustment)
		require.ErrorIs(t, err, inventory.ErrInvalidAdjustment)

		rec, err = inv.Adjust(ctx, "p1", 2, inventory.ReasonReturn)
		require.NoError(t, err)
		assert.Equal(t, 7, rec.CurrentStock)
		assert.True(t, rec.ProductActive)

		_, err = inv.Adjust(ctx, "missing", 1, inventory.ReasonCount)
		require.ErrorIs(t, err, inventory.ErrNotFound)
		return nil
	}))
}

func TestInventory_ReserveLastUnitRace(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "p1", "1.00", 1)
	stock := checkout.NewStock(s, nil)

	var (
		mu  sync.Mutex
		won int
	)
	var g errgroup.Group
	for range 10 {
		g.Go(func() error {
			_, err := stock.Reserve(ctx, "p1", 1)
			var ise *inventory.InsufficientStockError
			if errors.As(err, &ise) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			won++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, won)

	rec := getRecord(t, ctx, s, "p1")
	assert.Equal(t, 1, rec.ReservedStock)
	assert.Equal(t, 0, rec.Available())
}

// --- Idempotency ---

func TestIdempotency_ConcurrentCheckAndBegin(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)

	const callers = 10
	records := make([]*idempotency.Record, callers)
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			return s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
				var err error
				records[i], err = st.Idempotency().CheckAndBegin(ctx, "op", "hash", "fp", time.Hour)
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	owned := 0
	for _, rec := range records {
		assert.Equal(t, records[0].ID, rec.ID)
		assert.Equal(t, idempotency.StatusPending, rec.Status)
		if rec.Owned {
			owned++
		}
	}
	assert.Equal(t, 1, owned)
}

func TestIdempotency_Lifecycle(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)

	claim := func(ttl time.Duration) *idempotency.Record {
		var rec *idempotency.Record
		require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
			var err error
			rec, err = st.Idempotency().CheckAndBegin(ctx, "op", "k", "fp", ttl)
			return err
		}))
		return rec
	}
	run := func(fn func(ctx context.Context, st idempotency.Store) error) error {
		return s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
			return fn(ctx, st.Idempotency())
		})
	}

	first := claim(time.Hour)
	require.True(t, first.Owned)

	require.NoError(t, run(func(ctx context.Context, st idempotency.Store) error {
		return st.MarkCompleted(ctx, first.ID, []byte(`{"id":"o1"}`))
	}))
	replay := claim(time.Hour)
	assert.False(t, replay.Owned)
	assert.Equal(t, idempotency.StatusCompleted, replay.Status)
	assert.JSONEq(t, `{"id":"o1"}`, string(replay.Result))

	require.NoError(t, run(func(ctx context.Context, st idempotency.Store) error {
		return st.Remove(ctx, first.ID)
	}))
	second := claim(time.Hour)
	require.True(t, second.Owned)
	require.NoError(t, run(func(ctx context.Context, st idempotency.Store) error {
		return st.MarkFailed(ctx, second.ID)
	}))
	third := claim(time.Millisecond)
	require.True(t, third.Owned, "failed records are taken over")
	assert.NotEqual(t, second.ID, third.ID)
	assert.Nil(t, third.Result)

	time.Sleep(10 * time.Millisecond)
	fourth := claim(time.Hour)
	require.True(t, fourth.Owned, "expired records are taken over")

	var removed int64
	require.NoError(t, run(func(ctx context.Context, st idempotency.Store) error {
		var err error
		removed, err = st.Cleanup(ctx, time.Now().Add(2*time.Hour))
		return err
	}))
	assert.Equal(t, int64(1), removed)
	require.ErrorIs(t, run(func(ctx context.Context, st idempotency.Store) error {
		return st.MarkCompleted(ctx, fourth.ID, nil)
	}), idempotency.ErrNotFound)
}

// --- Orders ---

func newTestOrder(number string) *order.Order {
	return &order.Order{
		ID: uuid.NewString(), Number: number, Status: order.StatusConfirmed, Channel: order.ChannelWeb,
		Subtotal: decimal.NewFromInt(1), TotalAmount: decimal.NewFromInt(1),
		Items:     []order.LineItem{{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(1), Subtotal: decimal.NewFromInt(1)}},
		CreatedAt: time.Now().UTC(),
		Delivery:  &order.Delivery{Recipient: "Ana", Address: "Rua 1"},
	}
}

// uniqueNumber returns an order number no other test uses.
func uniqueNumber() string {
	return "ORD-20240101-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func TestOrder_DuplicateNumberKeepsTransaction(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	taken, fresh := uniqueNumber(), uniqueNumber()

	require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		require.NoError(t, st.Orders().Create(ctx, newTestOrder(taken)))
		err := st.Orders().Create(ctx, newTestOrder(taken))
		require.ErrorIs(t, err, order.ErrDuplicateNumber)

		exists, err := st.Orders().NumberExists(ctx, taken)
		require.NoError(t, err)
		assert.True(t, exists)
		return st.Orders().Create(ctx, newTestOrder(fresh))
	}))
}

func TestOrder_NumberIsUniqueAcrossTenants(t *testing.T) {
	s := newTestScope()
	x, y := newTenant(t, s), newTenant(t, s)
	number := uniqueNumber()

	require.NoError(t, s.InTenant(x, func(ctx context.Context, st checkout.Store) error {
		return st.Orders().Create(ctx, newTestOrder(number))
	}))

	require.NoError(t, s.InTenant(y, func(ctx context.Context, st checkout.Store) error {
		exists, err := st.Orders().NumberExists(ctx, number)
		require.NoError(t, err)
		assert.False(t, exists, "other tenants' orders stay invisible")

		err = st.Orders().Create(ctx, newTestOrder(number))
		require.ErrorIs(t, err, order.ErrDuplicateNumber)
		return st.Orders().Create(ctx, newTestOrder(uniqueNumber()))
	}))
}

// --- Checkout end to end ---

func TestPlaceOrder_Scenario(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "A", "10.50", 20)
	seedProduct(t, ctx, s, "B", "20.00", 10)
	require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		return st.Coupons().Upsert(ctx, coupon.Coupon{
			Code: "save10", DiscountType: coupon.DiscountFixed, Value: decimal.RequireFromString("10.00"), IsActive: true,
		})
	}))
	c := newCoordinator(t, s)

	res, err := c.PlaceOrder(ctx, checkout.PlaceOrderRequest{
		Channel:        order.ChannelWeb,
		CouponCode:     "SAVE10",
		Shipping:       decimal.RequireFromString("5.00"),
		IdempotencyKey: "scenario",
		Lines: []checkout.Line{
			{ProductID: "A", Quantity: 5, UnitPrice: decimal.RequireFromString("10.50")},
			{ProductID: "B", Quantity: 3, UnitPrice: decimal.RequireFromString("20.00")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "107.50", res.Order.TotalAmount.StringFixed(2))
	assert.Equal(t, 15, getRecord(t, ctx, s, "A").CurrentStock)
	assert.Equal(t, 7, getRecord(t, ctx, s, "B").CurrentStock)

	replay, err := c.PlaceOrder(ctx, checkout.PlaceOrderRequest{
		Channel:        order.ChannelWeb,
		CouponCode:     "SAVE10",
		Shipping:       decimal.RequireFromString("5.00"),
		IdempotencyKey: "scenario",
		Lines: []checkout.Line{
			{ProductID: "A", Quantity: 5, UnitPrice: decimal.RequireFromString("10.50")},
			{ProductID: "B", Quantity: 3, UnitPrice: decimal.RequireFromString("20.00")},
		},
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Order.Number, replay.Order.Number)
	assert.Equal(t, 15, getRecord(t, ctx, s, "A").CurrentStock)
}

func TestPlaceOrder_NoOversell(t *testing.T) {
	const (
		stock    = 10
		qty      = 3
		attempts = 12
	)
	s := newTestScope()
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "A", "1.00", stock)
	seedProduct(t, ctx, s, "B", "1.00", 100)
	c := newCoordinator(t, s)

	var (
		mu        sync.Mutex
		successes int
	)
	var g errgroup.Group
	for i := range attempts {
		g.Go(func() error {
			// Alternate line order so that unsorted locking would deadlock.
			lines := []checkout.Line{
				{ProductID: "A", Quantity: qty, UnitPrice: decimal.NewFromInt(1)},
				{ProductID: "B", Quantity: 1, UnitPrice: decimal.NewFromInt(1)},
			}
			if i%2 == 1 {
				lines[0], lines[1] = lines[1], lines[0]
			}
			_, err := c.PlaceOrder(ctx, checkout.PlaceOrderRequest{Channel: order.ChannelWeb, Lines: lines})
			var ise *inventory.InsufficientStockError
			switch {
			case err == nil:
				mu.Lock()
				successes++
				mu.Unlock()
				return nil
			case errors.As(err, &ise):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, stock/qty, successes)
	assert.Equal(t, stock-qty*successes, getRecord(t, ctx, s, "A").CurrentStock)
	assert.Equal(t, 100-successes, getRecord(t, ctx, s, "B").CurrentStock)
}

func TestPlaceOrder_CouponRace(t *testing.T) {
	s := newTestScope()
	ctx := newTenant(t, s)
	seedProduct(t, ctx, s, "A", "10.00", 10)
	limit := 1
	require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		return st.Coupons().Upsert(ctx, coupon.Coupon{
			Code: "ONCE", DiscountType: coupon.DiscountFixed, Value: decimal.NewFromInt(1),
			IsActive: true, UsageLimit: &limit,
		})
	}))
	c := newCoordinator(t, s)

	errs := make([]error, 2)
	var g errgroup.Group
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = c.PlaceOrder(ctx, checkout.PlaceOrderRequest{
				Channel:    order.ChannelWeb,
				CouponCode: "ONCE",
				Lines:      []checkout.Line{{ProductID: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(10)}},
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		// The loser either read the coupon before the winner committed and
		// lost the guarded redemption, or read it afterwards and failed
		// validation.
		var ice *coupon.InvalidCouponError
		if !errors.Is(err, coupon.ErrCouponExhausted) {
			require.ErrorAs(t, err, &ice)
			assert.Equal(t, coupon.ReasonUsageExhausted, ice.Reason)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 8, getRecord(t, ctx, s, "A").CurrentStock)

	require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		cp, err := st.Coupons().FindActive(ctx, "once")
		require.NoError(t, err)
		assert.Equal(t, 1, cp.UsedCount)
		return nil
	}))
}

func TestSweeper_CleansEveryTenant(t *testing.T) {
	s := newTestScope()
	a := newTenant(t, s)
	b := newTenant(t, s)
	for _, ctx := range []context.Context{a, b} {
		require.NoError(t, s.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
			_, err := st.Idempotency().CheckAndBegin(ctx, "op", "k", "fp", time.Millisecond)
			return err
		}))
	}
	time.Sleep(10 * time.Millisecond)

	sw := checkout.NewSweeper(s, s, time.Hour, 0, nil)
	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))
}
