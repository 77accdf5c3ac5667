package checkout

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/order"
	"github.com/xenking/omnicart/internal/domain/product"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

// --- In-memory Transactor ---
//
// memDB serializes transactions with one mutex, which stands in for the row
// locks of the real store, and restores a tenant snapshot on rollback.

type memMovement struct {
	productID string
	delta     int
	reason    string
}

type memTenant struct {
	products  map[string]product.Product
	inventory map[string]inventory.Record
	movements []memMovement
	coupons   map[string]coupon.Coupon
	idem      map[string]idempotency.Record
	orders    map[string]order.Order
}

func newMemTenant() *memTenant {
	return &memTenant{
		products:  map[string]product.Product{},
		inventory: map[string]inventory.Record{},
		coupons:   map[string]coupon.Coupon{},
		idem:      map[string]idempotency.Record{},
		orders:    map[string]order.Order{},
	}
}

func (t *memTenant) clone() *memTenant {
	return &memTenant{
		products:  maps.Clone(t.products),
		inventory: maps.Clone(t.inventory),
		movements: slices.Clone(t.movements),
		coupons:   maps.Clone(t.coupons),
		idem:      maps.Clone(t.idem),
		orders:    maps.Clone(t.orders),
	}
}

type memDB struct {
	mu      sync.Mutex
	tenants map[tenant.ID]*memTenant
	txCount atomic.Int64
	now     func() time.Time

	// staleCoupons makes FindActive ignore redemptions, as a read taken
	// before a concurrent redemption committed would.
	staleCoupons bool
	// idemErr fails every idempotency call.
	idemErr error
	// duplicateNumbers makes the next n order inserts hit a number collision.
	duplicateNumbers int
}

func newMemDB() *memDB {
	return &memDB{
		tenants: map[tenant.ID]*memTenant{},
		now:     func() time.Time { return testNow },
	}
}

func (db *memDB) InTenant(ctx context.Context, fn func(ctx context.Context, s Store) error) (err error) {
	id, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.txCount.Add(1)

	t := db.tenant(id)
	snapshot := t.clone()
	defer func() {
		if r := recover(); r != nil {
			db.tenants[id] = snapshot
			panic(r)
		}
		if err != nil {
			db.tenants[id] = snapshot
		}
	}()
	return fn(ctx, &memTx{db: db, t: t})
}

func (db *memDB) ActiveTenants(context.Context) ([]tenant.ID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids := slices.Collect(maps.Keys(db.tenants))
	slices.Sort(ids)
	return ids, nil
}

// tenant returns the tenant state; callers hold mu or run before any
// concurrent access.
func (db *memDB) tenant(id tenant.ID) *memTenant {
	t, ok := db.tenants[id]
	if !ok {
		t = newMemTenant()
		db.tenants[id] = t
	}
	return t
}

func (db *memDB) read(id tenant.ID) *memTenant {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tenant(id).clone()
}

func (db *memDB) addProduct(id tenant.ID, productID string, price string, stock int) {
	t := db.tenant(id)
	t.products[productID] = product.Product{ID: productID, Name: productID, Price: dec(price), IsActive: true}
	t.inventory[productID] = inventory.Record{ProductID: productID, CurrentStock: stock}
}

func (db *memDB) addCoupon(id tenant.ID, c coupon.Coupon) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	db.tenant(id).coupons[c.ID] = c
}

type memTx struct {
	db *memDB
	t  *memTenant
}

func (x *memTx) Products() product.Repository   { return memProducts{x} }
func (x *memTx) Inventory() inventory.Ledger    { return memInventory{x} }
func (x *memTx) Coupons() coupon.Ledger         { return memCoupons{x} }
func (x *memTx) Idempotency() idempotency.Store { return memIdempotency{x} }
func (x *memTx) Orders() order.Repository       { return memOrders{x} }

type memProducts struct{ *memTx }

func (r memProducts) Upsert(_ context.Context, p product.Product) error {
	r.t.products[p.ID] = p
	return nil
}

func (r memProducts) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	for _, id := range ids {
		if p, ok := r.t.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type memInventory struct{ *memTx }

func (r memInventory) record(productID string) (inventory.Record, error) {
	rec, ok := r.t.inventory[productID]
	if !ok {
		return rec, &inventory.NotFoundError{ProductID: productID}
	}
	rec.ProductActive = r.t.products[productID].IsActive
	return rec, nil
}

func (r memInventory) Init(_ context.Context, productID string, minStock int) error {
	if _, ok := r.t.inventory[productID]; !ok {
		r.t.inventory[productID] = inventory.Record{ProductID: productID, MinStock: minStock}
	}
	return nil
}

func (r memInventory) Get(_ context.Context, productID string) (*inventory.Record, error) {
	rec, err := r.record(productID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r memInventory) Reserve(_ context.Context, productID string, qty int) (int, error) {
	rec, err := r.record(productID)
	if err != nil {
		return 0, err
	}
	if rec.Available() < qty {
		return 0, &inventory.InsufficientStockError{ProductID: productID, Requested: qty, Available: rec.Available()}
	}
	rec.ReservedStock += qty
	r.t.inventory[productID] = rec
	return rec.Available(), nil
}

func (r memInventory) Release(_ context.Context, productID string, qty int) error {
	rec, err := r.record(productID)
	if err != nil {
		return err
	}
	rec.ReservedStock = max(rec.ReservedStock-qty, 0)
	r.t.inventory[productID] = rec
	return nil
}

func (r memInventory) CommitSale(_ context.Context, productID string, qty int) error {
	rec, err := r.record(productID)
	if err != nil {
		return err
	}
	rec.CurrentStock -= qty
	rec.ReservedStock = max(rec.ReservedStock-qty, 0)
	r.t.inventory[productID] = rec
	r.t.movements = append(r.t.movements, memMovement{productID, -qty, inventory.ReasonSale})
	return nil
}

func (r memInventory) Adjust(_ context.Context, productID string, delta int, reason string) (*inventory.Record, error) {
	rec, err := r.record(productID)
	if err != nil {
		return nil, err
	}
	if rec.CurrentStock+delta < 0 {
		return nil, inventory.ErrInvalidAdjustment
	}
	rec.CurrentStock += delta
	r.t.inventory[productID] = rec
	r.t.movements = append(r.t.movements, memMovement{productID, delta, reason})
	return &rec, nil
}

func (r memInventory) LockForUpdate(_ context.Context, productIDs []string) ([]inventory.Record, error) {
	var out []inventory.Record
	for _, id := range inventory.SortedIDs(productIDs) {
		if rec, err := r.record(id); err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

type memCoupons struct{ *memTx }

func (r memCoupons) FindActive(_ context.Context, code string) (*coupon.Coupon, error) {
	for _, c := range r.t.coupons {
		if c.Code == code && c.IsActive {
			if r.db.staleCoupons {
				c.UsedCount = 0
			}
			return &c, nil
		}
	}
	return nil, coupon.ErrInvalidCoupon
}

func (r memCoupons) Redeem(_ context.Context, couponID string) error {
	c, ok := r.t.coupons[couponID]
	if !ok || !c.IsActive || (c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit) {
		return coupon.ErrCouponExhausted
	}
	c.UsedCount++
	r.t.coupons[couponID] = c
	return nil
}

func (r memCoupons) Upsert(_ context.Context, c coupon.Coupon) error {
	r.t.coupons[c.ID] = c
	return nil
}

type memIdempotency struct{ *memTx }

func (r memIdempotency) CheckAndBegin(_ context.Context, op, keyHash, fingerprint string, ttl time.Duration) (*idempotency.Record, error) {
	if r.db.idemErr != nil {
		return nil, r.db.idemErr
	}
	now := r.db.now()
	key := op + "|" + keyHash
	rec, ok := r.t.idem[key]
	if ok && rec.ExpiresAt.After(now) && rec.Status != idempotency.StatusFailed {
		rec.Owned = false
		return &rec, nil
	}
	rec = idempotency.Record{
		ID:            uuid.NewString(),
		OperationType: op,
		KeyHash:       keyHash,
		Fingerprint:   fingerprint,
		Status:        idempotency.StatusPending,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	r.t.idem[key] = rec
	rec.Owned = true
	return &rec, nil
}

func (r memIdempotency) update(id string, fn func(*idempotency.Record)) error {
	if r.db.idemErr != nil {
		return r.db.idemErr
	}
	for k, rec := range r.t.idem {
		if rec.ID == id {
			fn(&rec)
			r.t.idem[k] = rec
			return nil
		}
	}
	return idempotency.ErrNotFound
}

func (r memIdempotency) MarkCompleted(_ context.Context, id string, result []byte) error {
	return r.update(id, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusCompleted
		rec.Result = result
	})
}

func (r memIdempotency) MarkFailed(_ context.Context, id string) error {
	return r.update(id, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusFailed
	})
}

func (r memIdempotency) Remove(_ context.Context, id string) error {
	for k, rec := range r.t.idem {
		if rec.ID == id {
			delete(r.t.idem, k)
			return nil
		}
	}
	return idempotency.ErrNotFound
}

func (r memIdempotency) Cleanup(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for k, rec := range r.t.idem {
		if rec.ExpiresAt.Before(before) {
			delete(r.t.idem, k)
			n++
		}
	}
	return n, nil
}

type memOrders struct{ *memTx }

func (r memOrders) Create(_ context.Context, o *order.Order) error {
	if r.db.duplicateNumbers > 0 {
		r.db.duplicateNumbers--
		return order.ErrDuplicateNumber
	}
	// Numbers are unique across tenants, like the orders_order_no_key index.
	for _, t := range r.db.tenants {
		if _, ok := t.orders[o.Number]; ok {
			return order.ErrDuplicateNumber
		}
	}
	r.t.orders[o.Number] = *o
	return nil
}

func (r memOrders) NumberExists(_ context.Context, number string) (bool, error) {
	_, ok := r.t.orders[number]
	return ok, nil
}
