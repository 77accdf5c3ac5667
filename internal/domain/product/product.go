package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist for the tenant.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item owned by one tenant. Every product has exactly one
// inventory record, created alongside it with zero stock.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	IsActive bool
}

// Repository defines catalog operations within a tenant transaction.
type Repository interface {
	// Upsert creates or updates the product. Its inventory record is created
	// separately with inventory.Ledger.Init.
	Upsert(ctx context.Context, p Product) error
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
