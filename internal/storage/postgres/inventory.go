package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

const (
	initInventorySQL = `INSERT INTO inventory (tenant_id, product_id, min_stock)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, product_id) DO NOTHING`

	getInventorySQL = `SELECT i.product_id, i.current_stock, i.reserved_stock, i.min_stock, p.is_active
		FROM inventory i
		JOIN products p ON p.tenant_id = i.tenant_id AND p.id = i.product_id
		WHERE i.tenant_id = $1 AND i.product_id = $2`

	// Rows are locked in the same byte-wise order as inventory.SortedIDs.
	lockInventorySQL = `SELECT i.product_id, i.current_stock, i.reserved_stock, i.min_stock, p.is_active
		FROM inventory i
		JOIN products p ON p.tenant_id = i.tenant_id AND p.id = i.product_id
		WHERE i.tenant_id = $1 AND i.product_id = ANY($2)
		ORDER BY i.product_id COLLATE "C"
		FOR UPDATE OF i`

	reserveSQL = `UPDATE inventory SET reserved_stock = reserved_stock + $3, updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2 AND current_stock - reserved_stock >= $3
		RETURNING current_stock - reserved_stock`

	releaseSQL = `UPDATE inventory SET reserved_stock = GREATEST(reserved_stock - $3, 0), updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2`

	commitSaleSQL = `UPDATE inventory
		SET current_stock = current_stock - $3,
			reserved_stock = GREATEST(reserved_stock - $3, 0),
			updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2 AND current_stock >= $3`

	adjustSQL = `UPDATE inventory SET current_stock = current_stock + $3, updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2 AND current_stock + $3 >= 0`

	insertMovementSQL = `INSERT INTO inventory_movements (tenant_id, product_id, delta, reason, actor)
		VALUES ($1, $2, $3, $4, $5)`
)

var _ inventory.Ledger = (*InventoryRepository)(nil)

// InventoryRepository implements inventory.Ledger within a tenant transaction.
type InventoryRepository struct {
	tx       pgx.Tx
	tenantID tenant.ID
	actor    string
}

// Init creates a zero-stock record for the product if it does not exist.
func (r *InventoryRepository) Init(ctx context.Context, productID string, minStock int) error {
	if _, err := r.tx.Exec(ctx, initInventorySQL, r.tenantID.String(), productID, minStock); err != nil {
		return fmt.Errorf("initializing inventory for %q: %w", productID, err)
	}
	return nil
}

// Get reads the record of the product without locking it.
func (r *InventoryRepository) Get(ctx context.Context, productID string) (*inventory.Record, error) {
	rows, err := r.tx.Query(ctx, getInventorySQL, r.tenantID.String(), productID)
	if err != nil {
		return nil, fmt.Errorf("getting inventory for %q: %w", productID, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &inventory.NotFoundError{ProductID: productID}
		}
		return nil, fmt.Errorf("getting inventory for %q: %w", productID, err)
	}
	return &rec, nil
}

// Reserve increments reserved_stock only while enough stock is available. The
// predicate is re-evaluated on the locked row, so two reservations racing for
// the last unit cannot both succeed.
func (r *InventoryRepository) Reserve(ctx context.Context, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, inventory.ErrInvalidQuantity
	}
	var available int
	err := r.tx.QueryRow(ctx, reserveSQL, r.tenantID.String(), productID, qty).Scan(&available)
	if err == nil {
		return available, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("reserving %d of %q: %w", qty, productID, err)
	}

	rec, err := r.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return 0, &inventory.InsufficientStockError{
		ProductID: productID,
		Requested: qty,
		Available: rec.Available(),
	}
}

// Release returns reserved units, never dropping reserved_stock below zero.
func (r *InventoryRepository) Release(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return inventory.ErrInvalidQuantity
	}
	tag, err := r.tx.Exec(ctx, releaseSQL, r.tenantID.String(), productID, qty)
	if err != nil {
		return fmt.Errorf("releasing %d of %q: %w", qty, productID, err)
	}
	if tag.RowsAffected() == 0 {
		return &inventory.NotFoundError{ProductID: productID}
	}
	return nil
}

// CommitSale decrements both counters and records the sale movement.
func (r *InventoryRepository) CommitSale(ctx context.Context, productID string, qty int) error {
	tag, err := r.tx.Exec(ctx, commitSaleSQL, r.tenantID.String(), productID, qty)
	if err != nil {
		return fmt.Errorf("committing sale of %q: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		rec, err := r.Get(ctx, productID)
		if err != nil {
			return err
		}
		return &inventory.InsufficientStockError{ProductID: productID, Requested: qty, Available: rec.Available()}
	}
	return r.recordMovement(ctx, productID, -qty, inventory.ReasonSale)
}

// Adjust applies delta to current_stock and records the movement.
func (r *InventoryRepository) Adjust(ctx context.Context, productID string, delta int, reason string) (*inventory.Record, error) {
	if !inventory.ValidReason(reason) {
		return nil, inventory.ErrInvalidReason
	}
	tag, err := r.tx.Exec(ctx, adjustSQL, r.tenantID.String(), productID, delta)
	if err != nil {
		return nil, fmt.Errorf("adjusting %q: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, productID); err != nil {
			return nil, err
		}
		return nil, inventory.ErrInvalidAdjustment
	}
	if err := r.recordMovement(ctx, productID, delta, reason); err != nil {
		return nil, err
	}
	return r.Get(ctx, productID)
}

// LockForUpdate locks the inventory rows of the products in sorted order.
func (r *InventoryRepository) LockForUpdate(ctx context.Context, productIDs []string) ([]inventory.Record, error) {
	ids := inventory.SortedIDs(productIDs)
	rows, err := r.tx.Query(ctx, lockInventorySQL, r.tenantID.String(), ids)
	if err != nil {
		return nil, fmt.Errorf("locking inventory: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("locking inventory: %w", err)
	}
	return records, nil
}

func (r *InventoryRepository) recordMovement(ctx context.Context, productID string, delta int, reason string) error {
	_, err := r.tx.Exec(ctx, insertMovementSQL, r.tenantID.String(), productID, delta, reason, r.actor)
	if err != nil {
		return fmt.Errorf("recording %s movement of %q: %w", reason, productID, err)
	}
	return nil
}

func scanRecord(row pgx.CollectableRow) (inventory.Record, error) {
	var rec inventory.Record
	err := row.Scan(&rec.ProductID, &rec.CurrentStock, &rec.ReservedStock, &rec.MinStock, &rec.ProductActive)
	return rec, err
}
