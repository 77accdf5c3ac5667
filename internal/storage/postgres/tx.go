package postgres

import (
	"github.com/jackc/pgx/v5"

	"github.com/xenking/omnicart/internal/domain/checkout"
	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/order"
	"github.com/xenking/omnicart/internal/domain/product"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

var _ checkout.Store = (*Tx)(nil)

// Tx is the Store of one tenant transaction.
type Tx struct {
	products    *ProductRepository
	inventory   *InventoryRepository
	coupons     *CouponRepository
	idempotency *IdempotencyRepository
	orders      *OrderRepository
}

func newTx(tx pgx.Tx, id tenant.ID, actor string) *Tx {
	return &Tx{
		products:    &ProductRepository{tx: tx, tenantID: id},
		inventory:   &InventoryRepository{tx: tx, tenantID: id, actor: actor},
		coupons:     &CouponRepository{tx: tx, tenantID: id},
		idempotency: &IdempotencyRepository{tx: tx, tenantID: id},
		orders:      &OrderRepository{tx: tx, tenantID: id},
	}
}

func (t *Tx) Products() product.Repository   { return t.products }
func (t *Tx) Inventory() inventory.Ledger    { return t.inventory }
func (t *Tx) Coupons() coupon.Ledger         { return t.coupons }
func (t *Tx) Idempotency() idempotency.Store { return t.idempotency }
func (t *Tx) Orders() order.Repository       { return t.orders }
