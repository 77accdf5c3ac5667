package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/omnicart/internal/domain/checkout"
	"github.com/xenking/omnicart/internal/domain/coupon"
	"github.com/xenking/omnicart/internal/domain/tenant"
	"github.com/xenking/omnicart/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	minCodeLen    = 4
	maxCodeLen    = 64
	batchSize     = 500
)

// rule is the discount definition applied to every imported code.
type rule struct {
	discountType coupon.DiscountType
	value        decimal.Decimal
	usageLimit   *int
	description  string
}

func main() {
	var (
		dataDir      string
		pattern      string
		databaseURL  string
		tenantID     string
		expected     uint
		discountType string
		value        string
		usageLimit   int
		description  string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing gzipped code lists")
	flag.StringVar(&pattern, "pattern", "*.gz", "glob of code list files inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&tenantID, "tenant", "", "tenant that owns the imported codes")
	flag.UintVar(&expected, "expected", 10_000_000, "expected number of distinct codes, sizes the Bloom filter")
	flag.StringVar(&discountType, "discount-type", string(coupon.DiscountPercentage), "percentage or fixed")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.IntVar(&usageLimit, "usage-limit", 1, "redemptions per code, 0 for unlimited")
	flag.StringVar(&description, "description", "Imported promo code", "coupon description")
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
		slog.Error("tenant is required: set --tenant")
		os.Exit(1)
	}

	r, err := parseRule(discountType, value, usageLimit, description)
	if err != nil {
		slog.Error("invalid discount rule", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, filepath.Join(dataDir, pattern), databaseURL, id, expected, r); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func parseRule(discountType, value string, usageLimit int, description string) (rule, error) {
	r := rule{discountType: coupon.DiscountType(discountType), description: description}
	switch r.discountType {
	case coupon.DiscountPercentage, coupon.DiscountFixed:
	default:
		return rule{}, errors.Errorf("unknown discount type %q", discountType)
	}

	v, err := decimal.NewFromString(value)
	if err != nil {
		return rule{}, errors.Wrap(err, "parse value")
	}
	if !v.IsPositive() {
		return rule{}, errors.Errorf("value must be positive, got %s", v)
	}
	r.value = v

	if usageLimit < 0 {
		return rule{}, errors.Errorf("usage limit must not be negative, got %d", usageLimit)
	}
	if usageLimit > 0 {
		r.usageLimit = &usageLimit
	}
	return r, nil
}

func run(ctx context.Context, glob, databaseURL string, id tenant.ID, expected uint, r rule) error {
	files, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrap(err, "match files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", glob)
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	scope := postgres.NewScope(pool, postgres.ScopeConfig{}, nil)
	ctx = tenant.WithActor(tenant.WithID(ctx, id), "coupon-import")

	slog.Info("importing codes", slog.Int("files", len(files)))

	var written int
	st, err := collectCodes(ctx, files, expected, func(batch []string) error {
		if err := writeCoupons(ctx, scope, batch, r); err != nil {
			return err
		}
		written += len(batch)
		slog.Info("write progress", slog.Int("written", written))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "import codes")
	}

	slog.Info("codes imported",
		slog.Uint64("new", st.fresh),
		slog.Uint64("rechecked", st.rechecked),
		slog.Uint64("skipped", st.skipped),
	)
	return nil
}

type collectStats struct {
	// fresh codes missed the Bloom filter and were written right away.
	fresh uint64
	// rechecked codes hit the filter and were written once at the end; the
	// upsert resolves whether they were duplicates or false positives.
	rechecked uint64
	// skipped lines were repeated hits of a code already queued for recheck.
	skipped uint64
}

// collectCodes streams every file concurrently and hands normalized codes to
// emit in batches of at most batchSize.
//
// Only the Bloom filter grows with the input. A miss proves the code is new,
// so it is emitted without being remembered. A hit may be a duplicate or a
// false positive; hits are kept in an exact set and emitted once after the
// scan, and the upsert on the coupon code makes a repeated write harmless.
// Memory is bounded by the filter plus the number of distinct hits.
func collectCodes(ctx context.Context, files []string, expected uint, emit func(batch []string) error) (collectStats, error) {
	lines := make(chan string, 4096)

	g, gctx := errgroup.WithContext(ctx)
	producers, pctx := errgroup.WithContext(gctx)
	for i, f := range files {
		producers.Go(func() error {
			var count uint64
			err := streamGzFile(pctx, f, func(code string) error {
				count++
				if count%progressEvery == 0 {
					slog.Info("scan progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
				select {
				case lines <- code:
					return nil
				case <-pctx.Done():
					return pctx.Err()
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan file %d", i+1)
			}
			slog.Info("scan complete", slog.Int("file", i+1), slog.Uint64("total_codes", count))
			return nil
		})
	}
	g.Go(func() error {
		defer close(lines)
		return producers.Wait()
	})

	var st collectStats
	g.Go(func() error {
		filter := bloom.NewWithEstimates(max(expected, 1), bloomFPR)
		maybe := make(map[string]struct{})
		batch := make([]string, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := emit(batch); err != nil {
				return err
			}
			batch = make([]string, 0, batchSize)
			return nil
		}

		for raw := range lines {
			code := coupon.Normalize(raw)
			if len(code) < minCodeLen || len(code) > maxCodeLen {
				continue
			}
			if filter.TestOrAddString(code) {
				if _, ok := maybe[code]; ok {
					st.skipped++
				} else {
					maybe[code] = struct{}{}
				}
				continue
			}
			st.fresh++
			if batch = append(batch, code); len(batch) == batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := gctx.Err(); err != nil {
			return err
		}

		rechecked := make([]string, 0, len(maybe))
		for code := range maybe {
			rechecked = append(rechecked, code)
		}
		sort.Strings(rechecked)
		for _, code := range rechecked {
			st.rechecked++
			if batch = append(batch, code); len(batch) == batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		return collectStats{}, err
	}
	return st, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(code string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// writeCoupons upserts codes in one tenant transaction. Existing codes keep
// their usage counters.
func writeCoupons(ctx context.Context, tx checkout.Transactor, codes []string, r rule) error {
	return tx.InTenant(ctx, func(ctx context.Context, st checkout.Store) error {
		for _, code := range codes {
			if err := st.Coupons().Upsert(ctx, coupon.Coupon{
				Code:         code,
				DiscountType: r.discountType,
				Value:        r.value,
				UsageLimit:   r.usageLimit,
				IsActive:     true,
				Description:  r.description,
			}); err != nil {
				return errors.Wrapf(err, "upsert coupon %s", code)
			}
		}
		return nil
	})
}
