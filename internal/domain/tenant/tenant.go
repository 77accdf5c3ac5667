// Package tenant carries the resolved tenant identity through a request.
//
// The identity travels in the request context and nowhere else: there is no
// package-level "current tenant". Storage scopes read it when opening a
// transaction and bind it for that transaction only.
package tenant

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

// ID identifies an isolated customer organization.
type ID string

func (id ID) String() string { return string(id) }

// Valid reports whether the identifier is usable as a tenant marker.
func (id ID) Valid() bool {
	s := string(id)
	return s != "" && len(s) <= 64 && strings.TrimSpace(s) == s
}

var (
	// ErrForbidden is returned when an operation that touches tenant data runs
	// without a bound tenant.
	ErrForbidden = errors.New("tenant context required")
	// ErrConflict marks a retryable concurrency failure: lock wait timeout,
	// statement timeout, deadlock or serialization failure.
	ErrConflict = errors.New("concurrent update conflict, retry")
	// ErrUnavailable marks a retryable infrastructure failure such as a lost
	// or unobtainable database connection.
	ErrUnavailable = errors.New("storage unavailable")
)

type idKey struct{}

type actorKey struct{}

// WithID returns a copy of ctx bound to the given tenant.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// FromContext returns the tenant bound to ctx. The second result is false when
// no valid tenant is bound.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(idKey{}).(ID)
	if !ok || !id.Valid() {
		return "", false
	}
	return id, true
}

// Require returns the bound tenant or ErrForbidden.
func Require(ctx context.Context) (ID, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", ErrForbidden
	}
	return id, nil
}

// WithActor records who is acting on behalf of the tenant (staff user, bot,
// storefront session). Used for audit entries only.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor bound to ctx or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}
