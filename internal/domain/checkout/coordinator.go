package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/idempotency"
	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/order"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

// OperationPlaceOrder is the idempotency operation type of PlaceOrder.
const OperationPlaceOrder = "order.place"

// numberAttempts bounds how many times an order insert is retried after the
// number turned out to be taken by a concurrent order.
const numberAttempts = 3

// Options configures a Coordinator. Zero values disable the optional
// collaborators.
type Options struct {
	Logger         *zap.Logger
	Audit          AuditSink
	Notifier       Notifier
	Cache          ReplayCache
	IdempotencyTTL time.Duration
	// PostCommitTimeout bounds the best-effort work after commit.
	PostCommitTimeout time.Duration
	TracerProvider    trace.TracerProvider
	MeterProvider     metric.MeterProvider
}

// Coordinator places orders: it validates the cart, checks the coupon, locks
// and decrements inventory, writes the order and redeems the coupon in one
// tenant transaction.
type Coordinator struct {
	tx       Transactor
	numbers  *order.Generator
	validate *validator.Validate
	lg       *zap.Logger
	audit    AuditSink
	notifier Notifier
	cache    ReplayCache

	ttl               time.Duration
	postCommitTimeout time.Duration
	now               func() time.Time

	tracer   trace.Tracer
	placed   metric.Int64Counter
	rejected metric.Int64Counter
}

// NewCoordinator creates a Coordinator on top of tx.
func NewCoordinator(tx Transactor, opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.PostCommitTimeout <= 0 {
		opts.PostCommitTimeout = 5 * time.Second
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}

	meter := opts.MeterProvider.Meter("omnicart/checkout")
	placed, err := meter.Int64Counter("omnicart.orders.placed",
		metric.WithDescription("Orders committed"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders placed counter")
	}
	rejected, err := meter.Int64Counter("omnicart.orders.rejected",
		metric.WithDescription("Order placements that failed, by kind"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders rejected counter")
	}

	return &Coordinator{
		tx:                tx,
		numbers:           order.NewGenerator(),
		validate:          newValidator(),
		lg:                opts.Logger,
		audit:             opts.Audit,
		notifier:          opts.Notifier,
		cache:             opts.Cache,
		ttl:               opts.IdempotencyTTL,
		postCommitTimeout: opts.PostCommitTimeout,
		now:               time.Now,
		tracer:            opts.TracerProvider.Tracer("omnicart/checkout"),
		placed:            placed,
		rejected:          rejected,
	}, nil
}

// PlaceOrder places the order described by req for the tenant in ctx.
//
// Either the order exists, every product's stock was decremented and the
// coupon was redeemed, or nothing changed. A request carrying the idempotency
// key of a completed order returns that order with Replayed set.
func (c *Coordinator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := c.tracer.Start(ctx, "checkout.PlaceOrder",
		trace.WithAttributes(
			attribute.String("order.channel", string(req.Channel)),
			attribute.Int("order.lines", len(req.Lines)),
		),
	)
	defer span.End()

	res, err := c.placeOrder(ctx, req)
	if err != nil {
		kind := errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		c.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order.number", res.Order.Number),
		attribute.Bool("order.replayed", res.Replayed),
	)
	if !res.Replayed {
		c.placed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", string(res.Order.Channel))))
	}
	return res, nil
}

// guard is the idempotency claim held by one PlaceOrder call.
type guard struct {
	keyHash     string
	fingerprint string
	// record is nil when the key could not be persisted; the order then
	// proceeds unguarded.
	record *idempotency.Record
}

func (c *Coordinator) placeOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, asValidationError(err)
	}

	var g *guard
	if req.IdempotencyKey != "" {
		keyHash, err := idempotency.HashKey(req.IdempotencyKey)
		if err != nil {
			return nil, &ValidationError{Field: "PlaceOrderRequest.IdempotencyKey", Rule: "max"}
		}
		g = &guard{keyHash: keyHash, fingerprint: req.fingerprint()}

		replay, err := c.cachedReplay(ctx, tenantID, g)
		if err != nil || replay != nil {
			return replay, err
		}
		replay, err = c.begin(ctx, g)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	o, err := c.commit(ctx, req)
	if err != nil {
		c.fail(ctx, g)
		return nil, err
	}

	c.afterCommit(ctx, tenantID, o, g)
	return &PlaceOrderResult{Order: o}, nil
}

// cachedReplay serves completed results from the replay cache without
// touching the database.
func (c *Coordinator) cachedReplay(ctx context.Context, tenantID tenant.ID, g *guard) (*PlaceOrderResult, error) {
	if c.cache == nil {
		return nil, nil
	}
	r, ok, err := c.cache.Get(ctx, tenantID, OperationPlaceOrder, g.keyHash)
	if err != nil {
		c.lg.Warn("Replay cache lookup failed", zap.Error(err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	if r.Fingerprint != g.fingerprint {
		return nil, idempotency.ErrKeyReused
	}
	o, err := order.DecodeSnapshot(r.Result)
	if err != nil {
		c.lg.Warn("Discarding unreadable cached order", zap.Error(err))
		return nil, nil
	}
	return &PlaceOrderResult{Order: o, Replayed: true}, nil
}

// begin claims the idempotency key in its own short transaction, so that the
// claim is visible to concurrent requests while the order is being placed.
func (c *Coordinator) begin(ctx context.Context, g *guard) (*PlaceOrderResult, error) {
	var rec *idempotency.Record
	err := c.tx.InTenant(ctx, func(ctx context.Context, s Store) error {
		var err error
		rec, err = s.Idempotency().CheckAndBegin(ctx, OperationPlaceOrder, g.keyHash, g.fingerprint, c.ttl)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.lg.Warn("Idempotency key not recorded, placing order unguarded", zap.Error(err))
		return nil, nil
	}

	if rec.Owned {
		g.record = rec
		return nil, nil
	}
	if rec.Fingerprint != g.fingerprint {
		return nil, idempotency.ErrKeyReused
	}
	switch rec.Status {
	case idempotency.StatusCompleted:
		o, err := order.DecodeSnapshot(rec.Result)
		if err != nil {
			return nil, errors.Wrap(err, "replay stored order")
		}
		return &PlaceOrderResult{Order: o, Replayed: true}, nil
	default:
		return nil, idempotency.ErrInProgress
	}
}

// commit runs the order transaction.
func (c *Coordinator) commit(ctx context.Context, req PlaceOrderRequest) (*order.Order, error) {
	subtotal := req.subtotal()
	shipping := req.Shipping
	code := coupon.Normalize(req.CouponCode)
	qty, ids := req.quantities()
	ids = inventory.SortedIDs(ids)

	var placed *order.Order
	err := c.tx.InTenant(ctx, func(ctx context.Context, s Store) error {
		discount := decimal.Zero
		var applied *coupon.Coupon
		if code != "" {
			cp, err := s.Coupons().FindActive(ctx, code)
			if err != nil {
				return errors.Wrap(err, "find coupon")
			}
			res := coupon.Validate(cp, subtotal, c.now())
			if err := res.Err(code); err != nil {
				return err
			}
			discount = res.Discount
			applied = cp
		}

		locked, err := s.Inventory().LockForUpdate(ctx, ids)
		if err != nil {
			return errors.Wrap(err, "lock inventory")
		}
		byID := make(map[string]inventory.Record, len(locked))
		for _, r := range locked {
			byID[r.ProductID] = r
		}
		for _, id := range ids {
			r, ok := byID[id]
			if !ok || !r.ProductActive {
				return &inventory.NotFoundError{ProductID: id}
			}
			if avail := r.Available(); avail < qty[id] {
				return &inventory.InsufficientStockError{
					ProductID: id,
					Requested: qty[id],
					Available: avail,
				}
			}
		}
		for _, id := range ids {
			if err := s.Inventory().CommitSale(ctx, id, qty[id]); err != nil {
				return errors.Wrapf(err, "commit sale of %s", id)
			}
		}

		o := &order.Order{
			ID:             uuid.NewString(),
			Status:         order.InitialStatus(req.Channel),
			Channel:        req.Channel,
			Subtotal:       subtotal.Round(2),
			DiscountAmount: discount,
			ShippingAmount: shipping.Round(2),
			TotalAmount:    subtotal.Sub(discount).Add(shipping).Round(2),
			CouponCode:     code,
			Actor:          tenant.ActorFrom(ctx),
			CustomerRef:    req.CustomerRef,
			Delivery:       req.Delivery,
			Items:          req.lineItems(),
			CreatedAt:      c.now().UTC(),
		}
		if err := c.insertOrder(ctx, s.Orders(), o); err != nil {
			return err
		}

		if applied != nil {
			if err := s.Coupons().Redeem(ctx, applied.ID); err != nil {
				return err
			}
		}
		placed = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// insertOrder allocates a number and inserts the order, regenerating the
// number when a concurrent order took it between probe and insert.
func (c *Coordinator) insertOrder(ctx context.Context, orders order.Repository, o *order.Order) error {
	for attempt := range numberAttempts {
		if attempt == numberAttempts-1 {
			o.Number = c.numbers.Fallback()
		} else {
			number, err := c.numbers.Next(ctx, orders.NumberExists)
			if err != nil {
				return errors.Wrap(err, "order number")
			}
			o.Number = number
		}

		err := orders.Create(ctx, o)
		if errors.Is(err, order.ErrDuplicateNumber) {
			c.lg.Debug("Order number taken, regenerating", zap.String("number", o.Number))
			continue
		}
		if err != nil {
			return errors.Wrap(err, "create order")
		}
		return nil
	}
	return errors.Wrap(order.ErrDuplicateNumber, "allocate order number")
}

// fail releases the idempotency claim so that the caller may retry.
func (c *Coordinator) fail(ctx context.Context, g *guard) {
	if g == nil || g.record == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.postCommitTimeout)
	defer cancel()

	if err := c.tx.InTenant(ctx, func(ctx context.Context, s Store) error {
		return s.Idempotency().MarkFailed(ctx, g.record.ID)
	}); err != nil {
		c.lg.Warn("Mark idempotency record failed", zap.String("record_id", g.record.ID), zap.Error(err))
	}
}

// afterCommit finishes the idempotency record and fans out audit and
// notification. None of it can undo the order.
func (c *Coordinator) afterCommit(ctx context.Context, tenantID tenant.ID, o *order.Order, g *guard) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.postCommitTimeout)
	defer cancel()

	lg := c.lg.With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("order_number", o.Number),
	)
	snapshot := order.EncodeSnapshot(o)

	var eg errgroup.Group
	if g != nil && g.record != nil {
		eg.Go(func() error {
			if err := c.tx.InTenant(ctx, func(ctx context.Context, s Store) error {
				return s.Idempotency().MarkCompleted(ctx, g.record.ID, snapshot)
			}); err != nil {
				lg.Warn("Complete idempotency record", zap.Error(err))
			}
			// The cached replay must not outlive the record it mirrors.
			if ttl := g.record.ExpiresAt.Sub(c.now()); c.cache != nil && ttl > 0 {
				r := Replay{Fingerprint: g.fingerprint, Result: snapshot}
				if err := c.cache.Put(ctx, tenantID, OperationPlaceOrder, g.keyHash, r, ttl); err != nil {
					lg.Warn("Cache order replay", zap.Error(err))
				}
			}
			return nil
		})
	}
	if c.audit != nil {
		eg.Go(func() error {
			if err := c.audit.Record(ctx, AuditEntry{
				TenantID: tenantID,
				Actor:    o.Actor,
				Entity:   "order",
				EntityID: o.ID,
				Action:   "create",
				After:    snapshot,
				At:       o.CreatedAt,
			}); err != nil {
				lg.Warn("Audit entry dropped", zap.Error(err))
			}
			return nil
		})
	}
	if c.notifier != nil && o.Channel == order.ChannelChat {
		eg.Go(func() error {
			if err := c.notifier.Notify(ctx, Notification{
				TenantID:    tenantID,
				OrderID:     o.ID,
				OrderNumber: o.Number,
				CustomerRef: o.CustomerRef,
				Channel:     o.Channel,
				Transition:  "created",
				Status:      o.Status,
				Total:       o.TotalAmount.StringFixed(2),
			}); err != nil {
				lg.Warn("Customer notification dropped", zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	lg.Info("Order placed",
		zap.String("channel", string(o.Channel)),
		zap.String("total", o.TotalAmount.StringFixed(2)),
	)
}

// PreviewCoupon validates a coupon against a subtotal without redeeming it.
func (c *Coordinator) PreviewCoupon(ctx context.Context, code string, subtotal decimal.Decimal) (coupon.Result, error) {
	code = coupon.Normalize(code)
	if code == "" {
		return coupon.Result{}, &ValidationError{Field: "code", Rule: "required"}
	}
	if subtotal.IsNegative() {
		return coupon.Result{}, &ValidationError{Field: "subtotal", Rule: "gte"}
	}

	var res coupon.Result
	err := c.tx.InTenant(ctx, func(ctx context.Context, s Store) error {
		cp, err := s.Coupons().FindActive(ctx, code)
		if err != nil {
			return err
		}
		res = coupon.Validate(cp, subtotal, c.now())
		return nil
	})
	if err != nil {
		return coupon.Result{}, err
	}
	return res, nil
}
