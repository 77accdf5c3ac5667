package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/product"
)

// Stock manages inventory outside of checkout: reservations for open carts,
// manual adjustments and catalog registration.
type Stock struct {
	tx Transactor
	lg *zap.Logger
}

// NewStock creates a Stock service.
func NewStock(tx Transactor, lg *zap.Logger) *Stock {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Stock{tx: tx, lg: lg}
}

// Register upserts the product and makes sure it has an inventory record.
func (s *Stock) Register(ctx context.Context, p product.Product, minStock int) error {
	if p.ID == "" {
		return &ValidationError{Field: "product.ID", Rule: "required"}
	}
	if minStock < 0 {
		return &ValidationError{Field: "minStock", Rule: "gte"}
	}
	return s.tx.InTenant(ctx, func(ctx context.Context, st Store) error {
		if err := st.Products().Upsert(ctx, p); err != nil {
			return errors.Wrap(err, "upsert product")
		}
		return st.Inventory().Init(ctx, p.ID, minStock)
	})
}

// Reserve holds qty units of the product and returns what is still available.
func (s *Stock) Reserve(ctx context.Context, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, inventory.ErrInvalidQuantity
	}
	var available int
	err := s.tx.InTenant(ctx, func(ctx context.Context, st Store) error {
		var err error
		available, err = st.Inventory().Reserve(ctx, productID, qty)
		return err
	})
	if err != nil {
		return 0, err
	}
	return available, nil
}

// Release returns qty reserved units of the product.
func (s *Stock) Release(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return inventory.ErrInvalidQuantity
	}
	return s.tx.InTenant(ctx, func(ctx context.Context, st Store) error {
		return st.Inventory().Release(ctx, productID, qty)
	})
}

// Adjust corrects the on-hand stock by delta and records the reason.
func (s *Stock) Adjust(ctx context.Context, productID string, delta int, reason string) (*inventory.Record, error) {
	if !inventory.ValidReason(reason) || reason == inventory.ReasonSale {
		return nil, inventory.ErrInvalidReason
	}
	if delta == 0 {
		return nil, inventory.ErrInvalidAdjustment
	}
	var rec *inventory.Record
	err := s.tx.InTenant(ctx, func(ctx context.Context, st Store) error {
		var err error
		rec, err = st.Inventory().Adjust(ctx, productID, delta, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.LowStock() {
		s.lg.Info("Stock at reorder level",
			zap.String("product_id", productID),
			zap.Int("available", rec.Available()),
			zap.Int("min_stock", rec.MinStock),
		)
	}
	return rec, nil
}

// Get returns the current stock of the product.
func (s *Stock) Get(ctx context.Context, productID string) (*inventory.Record, error) {
	var rec *inventory.Record
	err := s.tx.InTenant(ctx, func(ctx context.Context, st Store) error {
		var err error
		rec, err = st.Inventory().Get(ctx, productID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
