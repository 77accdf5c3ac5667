// Package inventory defines the per-tenant stock ledger.
//
// Each product has one Record with two counters. CurrentStock is what is
// physically on hand; ReservedStock is held for carts that have not checked
// out yet. Both counters are never negative and the available quantity is
// their difference.
package inventory

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
)

// Movement reasons recorded for every stock change.
const (
	ReasonSale       = "sale"
	ReasonAdjustment = "adjustment"
	ReasonReturn     = "return"
	ReasonCount      = "count"
)

var (
	// ErrNotFound is returned when the product has no inventory record for the
	// tenant, or the product is not active.
	ErrNotFound = errors.New("inventory record not found")
	// ErrInvalidAdjustment is returned when an adjustment would drive the
	// on-hand stock below zero.
	ErrInvalidAdjustment = errors.New("adjustment would make stock negative")
	// ErrInvalidQuantity is returned for non-positive reservation quantities.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	// ErrInvalidReason is returned for an unknown movement reason.
	ErrInvalidReason = errors.New("unknown stock movement reason")
)

// Record is the stock state of one product.
type Record struct {
	ProductID     string
	CurrentStock  int
	ReservedStock int
	MinStock      int
	// ProductActive reports whether the owning product can be sold. Only
	// populated by LockForUpdate and Get.
	ProductActive bool
}

// Available returns CurrentStock - ReservedStock, never below zero.
func (r Record) Available() int {
	return max(r.CurrentStock-r.ReservedStock, 0)
}

// LowStock reports whether availability has reached the reorder threshold.
func (r Record) LowStock() bool {
	return r.Available() <= r.MinStock
}

// InsufficientStockError names the product and the shortfall.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d (short %d)",
		e.ProductID, e.Requested, e.Available, e.Shortfall())
}

// Shortfall returns how many units are missing.
func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

// NotFoundError wraps ErrNotFound with the offending product.
type NotFoundError struct {
	ProductID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("product %s not found or inactive", e.ProductID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Ledger operates on the inventory of the tenant bound to the current
// transaction.
type Ledger interface {
	// Init creates a zero-stock record for the product if it does not exist.
	Init(ctx context.Context, productID string, minStock int) error
	// Get reads the record without locking.
	Get(ctx context.Context, productID string) (*Record, error)
	// Reserve holds qty units with a single conditional write and returns the
	// remaining availability.
	Reserve(ctx context.Context, productID string, qty int) (int, error)
	// Release returns qty reserved units, never dropping reservations below zero.
	Release(ctx context.Context, productID string, qty int) error
	// CommitSale decrements both counters by qty. The caller must already hold
	// the row lock from LockForUpdate.
	CommitSale(ctx context.Context, productID string, qty int) error
	// Adjust applies a manual correction to the on-hand stock.
	Adjust(ctx context.Context, productID string, delta int, reason string) (*Record, error)
	// LockForUpdate takes exclusive row locks for the given products, in the
	// order of SortedIDs, and returns the locked records. Missing products are
	// absent from the result.
	LockForUpdate(ctx context.Context, productIDs []string) ([]Record, error)
}

// SortedIDs returns the distinct ids in byte-wise ascending order. Every
// multi-row lock must be acquired in this order so that overlapping carts
// cannot deadlock each other.
func SortedIDs(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// ValidReason reports whether reason is a known movement reason.
func ValidReason(reason string) bool {
	switch reason {
	case ReasonSale, ReasonAdjustment, ReasonReturn, ReasonCount:
		return true
	default:
		return false
	}
}
