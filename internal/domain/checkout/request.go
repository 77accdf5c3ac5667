package checkout

import (
	"reflect"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/order"
)

// PlaceOrderRequest is the resolved inbound cart. The tenant comes from the
// request context.
type PlaceOrderRequest struct {
	Lines          []Line          `validate:"required,min=1,max=200,dive"`
	Channel        order.Channel   `validate:"required,max=32"`
	CouponCode     string          `validate:"omitempty,max=64"`
	IdempotencyKey string          `validate:"omitempty,max=128"`
	Shipping       decimal.Decimal `validate:"gte=0"`
	CustomerRef    string          `validate:"omitempty,max=128"`
	Delivery       *order.Delivery
}

// Line is one cart line. UnitPrice is the price quoted to the customer and is
// used as-is.
type Line struct {
	ProductID string          `validate:"required,max=64"`
	Quantity  int             `validate:"min=1,max=100000"`
	UnitPrice decimal.Decimal `validate:"gte=0"`
}

// PlaceOrderResult is a committed order. Replayed is true when the order was
// returned from a completed idempotency record instead of being placed again.
type PlaceOrderResult struct {
	Order    *order.Order
	Replayed bool
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// subtotal returns sum(unit_price * quantity).
func (r *PlaceOrderRequest) subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range r.Lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

// quantities aggregates quantities per product; a product may appear on
// several lines.
func (r *PlaceOrderRequest) quantities() (map[string]int, []string) {
	qty := make(map[string]int, len(r.Lines))
	ids := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		if _, ok := qty[l.ProductID]; !ok {
			ids = append(ids, l.ProductID)
		}
		qty[l.ProductID] += l.Quantity
	}
	return qty, ids
}

func (r *PlaceOrderRequest) lineItems() []order.LineItem {
	items := make([]order.LineItem, len(r.Lines))
	for i, l := range r.Lines {
		items[i] = order.LineItem{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Subtotal:  l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))),
		}
	}
	return items
}

// fingerprint identifies the payload behind an idempotency key.
func (r *PlaceOrderRequest) fingerprint() string {
	parts := []string{
		string(r.Channel),
		coupon.Normalize(r.CouponCode),
		r.Shipping.String(),
		r.CustomerRef,
	}
	if d := r.Delivery; d != nil {
		parts = append(parts, d.Recipient, d.Phone, d.Address, d.Notes)
	}
	for _, l := range r.Lines {
		parts = append(parts, l.ProductID+"|"+strconv.Itoa(l.Quantity)+"|"+l.UnitPrice.String())
	}
	return idempotency.Fingerprint(parts...)
}
