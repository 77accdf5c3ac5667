package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrDuplicateNumber is returned by Repository.Create when the order number is
// already taken. Callers regenerate the number and retry.
var ErrDuplicateNumber = errors.New("order number already exists")

// Order is a placed order with its computed totals.
//
// TotalAmount = Subtotal - DiscountAmount + ShippingAmount.
type Order struct {
	ID             string
	Number         string
	Status         Status
	Channel        Channel
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	ShippingAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	CouponCode     string
	Actor          string
	CustomerRef    string
	Delivery       *Delivery
	Items          []LineItem
	CreatedAt      time.Time
}

// LineItem is one cart line as sold. Subtotal = UnitPrice * Quantity.
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// Delivery holds optional shipping details captured with the order.
type Delivery struct {
	Recipient string `json:"recipient,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Repository persists orders of the tenant bound to the current transaction.
type Repository interface {
	// Create inserts the order and its line items.
	Create(ctx context.Context, o *Order) error
	// NumberExists reports whether the tenant already has an order with the number.
	NumberExists(ctx context.Context, number string) (bool, error)
}
