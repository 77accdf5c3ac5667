package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/omnicart/internal/domain/product"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

const (
	upsertProductSQL = `INSERT INTO products (tenant_id, id, name, price, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, is_active = EXCLUDED.is_active, updated_at = now()`

	getProductsByIDsSQL = `SELECT id, name, price, is_active
		FROM products WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository within a tenant transaction.
type ProductRepository struct {
	tx       pgx.Tx
	tenantID tenant.ID
}

// Upsert creates or replaces the product.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	_, err := r.tx.Exec(ctx, upsertProductSQL, r.tenantID.String(), p.ID, p.Name, p.Price, p.IsActive)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// GetByIDs fetches the products with the given ids. Unknown ids are skipped.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.tx.Query(ctx, getProductsByIDsSQL, r.tenantID.String(), ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}

	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (product.Product, error) {
		var p product.Product
		err := row.Scan(&p.ID, &p.Name, &p.Price, &p.IsActive)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return products, nil
}
