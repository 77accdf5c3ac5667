package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason explains why a coupon was rejected.
type Reason string

const (
	ReasonInactive        Reason = "coupon is not active"
	ReasonNotStarted      Reason = "coupon is not valid yet"
	ReasonExpired         Reason = "coupon has expired"
	ReasonUsageExhausted  Reason = "coupon usage limit reached"
	ReasonMinPurchase     Reason = "minimum purchase amount not met"
	ReasonNoDiscount      Reason = "coupon yields no discount"
	ReasonUnsupportedType Reason = "unsupported discount type"
)

var hundred = decimal.NewFromInt(100)

// Result is the outcome of validating a coupon against a subtotal.
type Result struct {
	Valid    bool
	Discount decimal.Decimal
	Reason   Reason
}

// Err returns nil for a valid result and an *InvalidCouponError otherwise.
func (r Result) Err(code string) error {
	if r.Valid {
		return nil
	}
	return &InvalidCouponError{Code: code, Reason: r.Reason}
}

// Validate checks the coupon against the subtotal at the given instant and
// computes the discount. It has no side effects: calling it for a preview and
// again inside the order transaction yields the same result for the same
// inputs.
//
// The discount is clamped to [0, min(subtotal, MaxDiscount)] and rounded to
// two decimal places.
func Validate(c *Coupon, subtotal decimal.Decimal, now time.Time) Result {
	if !c.IsActive {
		return reject(ReasonInactive)
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return reject(ReasonNotStarted)
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return reject(ReasonExpired)
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return reject(ReasonUsageExhausted)
	}
	if c.MinPurchase.Valid && subtotal.LessThan(c.MinPurchase.Decimal) {
		return reject(ReasonMinPurchase)
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(c.Value).Div(hundred)
	case DiscountFixed:
		amount = c.Value
	default:
		return reject(ReasonUnsupportedType)
	}

	ceiling := subtotal
	if c.MaxDiscount.Valid && c.MaxDiscount.Decimal.LessThan(ceiling) {
		ceiling = c.MaxDiscount.Decimal
	}
	amount = decimal.Min(amount, ceiling)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	amount = amount.Round(2)

	if !amount.IsPositive() {
		return reject(ReasonNoDiscount)
	}
	return Result{Valid: true, Discount: amount}
}

func reject(reason Reason) Result {
	return Result{Valid: false, Discount: decimal.Zero, Reason: reason}
}
