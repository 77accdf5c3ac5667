package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/omnicart/internal/domain/order"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

const (
	orderNumberConstraint = "orders_order_no_key"

	createOrderSQL = `INSERT INTO orders (tenant_id, id, order_no, status, channel, subtotal,
		discount_amount, shipping_amount, total_amount, coupon_code, actor, customer_ref, delivery, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	orderNumberExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE tenant_id = $1 AND order_no = $2)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository within a tenant transaction.
type OrderRepository struct {
	tx       pgx.Tx
	tenantID tenant.ID
}

// Create inserts the order and its line items. The insert runs in a
// savepoint, so a taken order number leaves the outer transaction usable and
// surfaces as order.ErrDuplicateNumber.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	var delivery []byte
	if o.Delivery != nil {
		var err error
		if delivery, err = json.Marshal(o.Delivery); err != nil {
			return fmt.Errorf("marshaling delivery: %w", err)
		}
	}

	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creating order savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(context.WithoutCancel(ctx)) }()

	_, err = sp.Exec(ctx, createOrderSQL,
		r.tenantID.String(), o.ID, o.Number, string(o.Status), string(o.Channel), o.Subtotal,
		o.DiscountAmount, o.ShippingAmount, o.TotalAmount, o.CouponCode, o.Actor, o.CustomerRef,
		delivery, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, orderNumberConstraint) {
			return order.ErrDuplicateNumber
		}
		return fmt.Errorf("creating order %q: %w", o.Number, err)
	}

	batch := &pgx.Batch{}
	for i, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (tenant_id, order_id, line_no, product_id, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.tenantID.String(), o.ID, i+1, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal,
		)
	}
	if err := sp.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("creating items of order %q: %w", o.Number, err)
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("releasing order savepoint: %w", err)
	}
	return nil
}

// NumberExists reports whether the tenant already has an order with the number.
func (r *OrderRepository) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	if err := r.tx.QueryRow(ctx, orderNumberExistsSQL, r.tenantID.String(), number).Scan(&exists); err != nil {
		return false, fmt.Errorf("probing order number %q: %w", number, err)
	}
	return exists, nil
}
