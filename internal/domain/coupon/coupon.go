package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage of the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary amount.
	DiscountFixed DiscountType = "fixed"
)

var (
	// ErrInvalidCoupon is returned when a coupon code is unknown or fails
	// validation before any redemption is attempted.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponExhausted is returned when the guarded redemption affected no
	// rows: a concurrent order consumed the last use first.
	ErrCouponExhausted = errors.New("coupon usage limit reached")
)

// Coupon is a tenant-owned discount code.
type Coupon struct {
	ID           string
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	// MinPurchase is the minimum subtotal, when set.
	MinPurchase decimal.NullDecimal
	// MaxDiscount caps the computed discount, when set.
	MaxDiscount decimal.NullDecimal
	// UsageLimit caps redemptions, when set. UsedCount never exceeds it.
	UsageLimit  *int
	UsedCount   int
	IsActive    bool
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Description string
}

// InvalidCouponError carries the validation failure reason and unwraps to
// ErrInvalidCoupon.
type InvalidCouponError struct {
	Code   string
	Reason Reason
}

func (e *InvalidCouponError) Error() string {
	return fmt.Sprintf("invalid coupon %q: %s", e.Code, e.Reason)
}

func (e *InvalidCouponError) Unwrap() error { return ErrInvalidCoupon }

// Ledger provides coupon lookup and redemption within a tenant transaction.
type Ledger interface {
	// FindActive looks up an active coupon by its normalized code. Returns
	// ErrInvalidCoupon when none exists.
	FindActive(ctx context.Context, code string) (*Coupon, error)
	// Redeem increments the usage counter only while the coupon is active and
	// under its limit. Returns ErrCouponExhausted when the guard fails.
	Redeem(ctx context.Context, couponID string) error
	// Upsert creates or replaces a coupon definition, keyed by code.
	Upsert(ctx context.Context, c Coupon) error
}

// Normalize canonicalizes a user-entered code: whitespace removed, upper case.
func Normalize(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}
