// Package checkout places orders against the shared inventory.
//
// Every storage access goes through a Transactor, which opens a transaction
// bound to the tenant carried by the request context and hands out a Store
// whose repositories only see that tenant's rows.
package checkout

import (
	"context"
	"time"

	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/order"
	"github.com/xenking/omnicart/internal/domain/product"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

// Store exposes the repositories of one tenant transaction. A Store must not
// be used after the function it was passed to returns.
type Store interface {
	Products() product.Repository
	Inventory() inventory.Ledger
	Coupons() coupon.Ledger
	Idempotency() idempotency.Store
	Orders() order.Repository
}

// Transactor runs functions inside tenant-bound transactions.
type Transactor interface {
	// InTenant opens a transaction bound to the tenant in ctx, runs fn, and
	// commits when fn returns nil. Any error or panic rolls back. Fails with
	// tenant.ErrForbidden when ctx carries no tenant.
	InTenant(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}

// TenantLister lists tenants for maintenance jobs.
type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]tenant.ID, error)
}

// AuditEntry records a change to a tenant entity.
type AuditEntry struct {
	TenantID tenant.ID
	Actor    string
	Entity   string
	EntityID string
	Action   string
	Before   []byte
	After    []byte
	At       time.Time
}

// AuditSink receives audit entries after commit. Failures are tolerated.
type AuditSink interface {
	Record(ctx context.Context, e AuditEntry) error
}

// Notification tells a customer about an order transition.
type Notification struct {
	TenantID    tenant.ID
	OrderID     string
	OrderNumber string
	CustomerRef string
	Channel     order.Channel
	Transition  string
	Status      order.Status
	Total       string
}

// Notifier delivers customer notifications after commit. Failures are tolerated.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Replay is a cached completed result for an idempotency key.
type Replay struct {
	Fingerprint string
	Result      []byte
}

// ReplayCache fronts the idempotency store for completed results.
type ReplayCache interface {
	Get(ctx context.Context, tenantID tenant.ID, operation, keyHash string) (Replay, bool, error)
	Put(ctx context.Context, tenantID tenant.ID, operation, keyHash string, r Replay, ttl time.Duration) error
}
