package checkout

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

// ValidationError rejects a malformed request before any lock is taken.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s failed %q", e.Field, e.Rule)
}

func asValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Namespace(), Rule: fe.Tag()}
	}
	return &ValidationError{Field: "request", Rule: err.Error()}
}

// Retryable reports whether the failure is transient, so that the caller may
// retry with the same idempotency key.
func Retryable(err error) bool {
	return errors.Is(err, tenant.ErrConflict) || errors.Is(err, tenant.ErrUnavailable)
}

// errorKind labels a failure for metrics.
func errorKind(err error) string {
	var (
		verr *ValidationError
		ise  *inventory.InsufficientStockError
	)
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, tenant.ErrForbidden):
		return "forbidden"
	case errors.Is(err, inventory.ErrNotFound):
		return "not_found"
	case errors.As(err, &ise):
		return "insufficient_stock"
	case errors.Is(err, coupon.ErrCouponExhausted):
		return "coupon_exhausted"
	case errors.Is(err, coupon.ErrInvalidCoupon):
		return "invalid_coupon"
	case errors.Is(err, idempotency.ErrInProgress), errors.Is(err, idempotency.ErrKeyReused):
		return "idempotency_conflict"
	case Retryable(err):
		return "conflict"
	default:
		return "infrastructure"
	}
}
