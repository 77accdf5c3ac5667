// Package app wires the commerce service together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/omnicart/internal/domain/checkout"
	"github.com/xenking/omnicart/internal/events"
	"github.com/xenking/omnicart/internal/storage/postgres"
	"github.com/xenking/omnicart/internal/storage/redis"
	"github.com/xenking/omnicart/pkg/health"
)

// Service holds the checkout components built from a Config. An inbound API
// layer places orders through Orders and manages cart reservations and stock
// corrections through Stock.
type Service struct {
	Orders  *checkout.Coordinator
	Stock   *checkout.Stock
	Sweeper *checkout.Sweeper
	Scope   *postgres.Scope

	health  *health.Health
	closers []func() error
	lg      *zap.Logger
}

// New creates all dependencies: the pool with migrations applied, the tenant
// scope, the optional replay cache and event publisher, and the checkout
// components on top of them.
func New(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) (_ *Service, err error) {
	s := &Service{lg: lg, health: health.New(lg.Named("health"))}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	s.closers = append(s.closers, closePool(pool))

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}

	s.Scope = postgres.NewScope(pool, postgres.ScopeConfig{
		LockTimeout:      cfg.Tx.LockTimeout,
		StatementTimeout: cfg.Tx.StatementTimeout,
	}, lg.Named("postgres"))
	s.health.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck(s.Scope))
	s.health.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))

	opts := checkout.Options{
		Logger:            lg.Named("checkout"),
		IdempotencyTTL:    cfg.Idempotency.TTL,
		PostCommitTimeout: cfg.PostCommitTimeout,
		TracerProvider:    m.TracerProvider(),
		MeterProvider:     m.MeterProvider(),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Timeout:  cfg.Redis.Timeout,
		})
		s.closers = append(s.closers, rdb.Close)
		// The cache is optional: losing Redis slows replays, it does not stop
		// orders, so it is not part of any probe.
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn("Replay cache unreachable, continuing without it until it recovers", zap.Error(err))
		}
		opts.Cache = redis.NewReplayCache(rdb)
		lg.Info("Replay cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kcfg := events.KafkaConfig{
			Brokers:           cfg.Kafka.Brokers,
			AuditTopic:        cfg.Kafka.AuditTopic,
			NotificationTopic: cfg.Kafka.NotificationTopic,
			WriteTimeout:      cfg.Kafka.WriteTimeout,
		}
		pub := events.NewPublisher(events.NewWriter(kcfg), kcfg, lg.Named("events"))
		s.closers = append(s.closers, pub.Close)
		opts.Audit, opts.Notifier = pub, pub
		lg.Info("Publishing events to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		sink := events.NewLogSink(lg.Named("events"))
		opts.Audit, opts.Notifier = sink, sink
	}

	s.Orders, err = checkout.NewCoordinator(s.Scope, opts)
	if err != nil {
		return nil, errors.Wrap(err, "create coordinator")
	}
	s.Stock = checkout.NewStock(s.Scope, lg.Named("stock"))
	s.Sweeper = checkout.NewSweeper(s.Scope, s.Scope,
		cfg.Idempotency.SweepInterval, cfg.Idempotency.Retention, lg.Named("sweeper"))

	return s, nil
}

// Close releases connections in reverse order of creation.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.lg.Warn("Close failed", zap.Error(err))
		}
	}
	s.closers = nil
}

// Run creates the service, starts the idempotency sweeper and the ops server,
// and handles graceful shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	s, err := New(ctx, lg, m, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	s.health.Start(ctx, 10*time.Second)
	defer s.health.Stop()
	s.health.SetReady(true)

	server := newOpsServer(cfg.Addr, s.health, lg, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Ops server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "ops server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down ops server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "ops server shutdown")
		}
		return nil
	})
	return g.Wait()
}

func closePool(pool *pgxpool.Pool) func() error {
	return func() error {
		pool.Close()
		return nil
	}
}
