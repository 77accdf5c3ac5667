package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/omnicart/internal/domain/checkout"
	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/inventory"
	"github.com/xenking/omnicart/internal/domain/order"
	"github.com/xenking/omnicart/internal/domain/product"
	"github.com/xenking/omnicart/internal/domain/tenant"
	"github.com/xenking/omnicart/internal/storage/postgres"
)

type catalogJSON struct {
	Products []productJSON `json:"products"`
	Coupons  []couponJSON  `json:"coupons"`
}

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	MinStock int             `json:"min_stock"`
}

type couponJSON struct {
	Code         string              `json:"code"`
	DiscountType coupon.DiscountType `json:"discount_type"`
	Value        decimal.Decimal     `json:"value"`
	MinPurchase  decimal.NullDecimal `json:"min_purchase"`
	MaxDiscount  decimal.NullDecimal `json:"max_discount"`
	UsageLimit   *int                `json:"usage_limit"`
	Description  string              `json:"description"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
		tenantID    string
		tenantName  string
		demoOrder   bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&tenantID, "tenant", "demo", "tenant to seed")
	flag.StringVar(&tenantName, "tenant-name", "Demo Store", "display name of the tenant")
	flag.BoolVar(&demoOrder, "demo-order", true, "place one in-person order against the seeded stock")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	id := tenant.ID(tenantID)
	if !id.Valid() {
		slog.Error("invalid tenant id", slog.String("tenant", tenantID))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, id, tenantName, demoOrder); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string, id tenant.ID, name string, demoOrder bool) error {
	catalog, err := readCatalog(catalogFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	scope := postgres.NewScope(pool, postgres.ScopeConfig{}, nil)
	if err := scope.RegisterTenant(ctx, id, name); err != nil {
		return errors.Wrap(err, "register tenant")
	}
	slog.Info("registered tenant", slog.String("tenant", id.String()), slog.String("name", name))

	ctx = tenant.WithActor(tenant.WithID(ctx, id), "seed-db")

	if err := seedProducts(ctx, checkout.NewStock(scope, nil), catalog.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, scope, catalog.Coupons); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if demoOrder && len(catalog.Products) > 0 {
		if err := placeDemoOrder(ctx, scope, catalog.Products[0]); err != nil {
			return errors.Wrap(err, "place demo order")
		}
	}

	return nil
}

func readCatalog(path string) (*catalogJSON, error) {
	slog.Info("reading catalog file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog file")
	}

	var catalog catalogJSON
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return &catalog, nil
}

// seedProducts registers every product and counts its stock up to the
// catalog level, so rerunning the seed does not double the stock.
func seedProducts(ctx context.Context, stock *checkout.Stock, products []productJSON) error {
	slog.Info("registering products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := stock.Register(ctx, product.Product{
			ID:       p.ID,
			Name:     p.Name,
			Price:    p.Price,
			IsActive: true,
		}, p.MinStock); err != nil {
			return errors.Wrapf(err, "register product %s", p.ID)
		}

		rec, err := stock.Get(ctx, p.ID)
		if err != nil {
			return errors.Wrapf(err, "get inventory %s", p.ID)
		}
		if delta := p.Stock - rec.CurrentStock; delta != 0 {
			if _, err := stock.Adjust(ctx, p.ID, delta, inventory.ReasonCount); err != nil {
				return errors.Wrapf(err, "count stock %s", p.ID)
			}
		}

		slog.Info("registered product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("stock", p.Stock),
		)
	}

	return nil
}

func seedCoupons(ctx context.Context, scope *postgres.Scope, coupons []couponJSON) error {
	slog.Info("seeding coupons", slog.Int("count", len(coupons)))

	return scope.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		for _, c := range coupons {
			if err := st.Coupons().Upsert(ctx, coupon.Coupon{
				Code:         coupon.Normalize(c.Code),
				DiscountType: c.DiscountType,
				Value:        c.Value,
				MinPurchase:  c.MinPurchase,
				MaxDiscount:  c.MaxDiscount,
				UsageLimit:   c.UsageLimit,
				IsActive:     true,
				Description:  c.Description,
			}); err != nil {
				return errors.Wrapf(err, "upsert coupon %s", c.Code)
			}

			slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
		}
		return nil
	})
}

// placeDemoOrder sells one unit of p at the counter. The fixed idempotency
// key makes reruns replay the first order instead of selling again.
func placeDemoOrder(ctx context.Context, scope *postgres.Scope, p productJSON) error {
	coordinator, err := checkout.NewCoordinator(scope, checkout.Options{Logger: zap.NewNop()})
	if err != nil {
		return err
	}

	res, err := coordinator.PlaceOrder(ctx, checkout.PlaceOrderRequest{
		Lines:          []checkout.Line{{ProductID: p.ID, Quantity: 1, UnitPrice: p.Price}},
		Channel:        order.ChannelInPerson,
		IdempotencyKey: "seed-db-demo-order",
	})
	if err != nil {
		return err
	}

	slog.Info("placed demo order",
		slog.String("number", res.Order.Number),
		slog.String("status", string(res.Order.Status)),
		slog.String("total", res.Order.TotalAmount.StringFixed(2)),
		slog.Bool("replayed", res.Replayed),
	)
	return nil
}
