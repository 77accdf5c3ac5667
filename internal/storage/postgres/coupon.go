package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

const (
	findActiveCouponSQL = `SELECT id, code, discount_type, value, min_purchase, max_discount,
		usage_limit, used_count, is_active, valid_from, valid_until, description
		FROM coupons WHERE tenant_id = $1 AND code = $2 AND is_active`

	redeemCouponSQL = `UPDATE coupons SET used_count = used_count + 1
		WHERE tenant_id = $1 AND id = $2 AND is_active
		AND (usage_limit IS NULL OR used_count < usage_limit)`

	upsertCouponSQL = `INSERT INTO coupons (tenant_id, id, code, discount_type, value, min_purchase,
		max_discount, usage_limit, is_active, valid_from, valid_until, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			min_purchase = EXCLUDED.min_purchase,
			max_discount = EXCLUDED.max_discount,
			usage_limit = EXCLUDED.usage_limit,
			is_active = EXCLUDED.is_active,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			description = EXCLUDED.description`
)

var _ coupon.Ledger = (*CouponRepository)(nil)

// CouponRepository implements coupon.Ledger within a tenant transaction.
type CouponRepository struct {
	tx       pgx.Tx
	tenantID tenant.ID
}

// FindActive looks up an active coupon by its normalized code.
// Returns coupon.ErrInvalidCoupon when no matching active coupon exists.
func (r *CouponRepository) FindActive(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.tx.Query(ctx, findActiveCouponSQL, r.tenantID.String(), coupon.Normalize(code))
	if err != nil {
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrInvalidCoupon
		}
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}
	return &c, nil
}

// Redeem increments used_count with the usage guard evaluated on the locked
// row. A concurrent redemption of the last use leaves zero rows affected.
func (r *CouponRepository) Redeem(ctx context.Context, couponID string) error {
	tag, err := r.tx.Exec(ctx, redeemCouponSQL, r.tenantID.String(), couponID)
	if err != nil {
		return fmt.Errorf("redeeming coupon %s: %w", couponID, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrCouponExhausted
	}
	return nil
}

// Upsert creates the coupon or replaces the definition of an existing code.
// The usage counter of an existing coupon is kept.
func (r *CouponRepository) Upsert(ctx context.Context, c coupon.Coupon) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.tx.Exec(ctx, upsertCouponSQL,
		r.tenantID.String(), c.ID, coupon.Normalize(c.Code), string(c.DiscountType), c.Value,
		c.MinPurchase, c.MaxDiscount, c.UsageLimit, c.IsActive, c.ValidFrom, c.ValidUntil, c.Description,
	)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
	)
	err := row.Scan(
		&c.ID, &c.Code, &discountType, &c.Value, &c.MinPurchase, &c.MaxDiscount,
		&c.UsageLimit, &c.UsedCount, &c.IsActive, &c.ValidFrom, &c.ValidUntil, &c.Description,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	return c, err
}
