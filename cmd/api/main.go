package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-points-marketplace/internal/config"
	"github.com/ariefcatur/go-points-marketplace/internal/httpx"
	kafkax "github.com/ariefcatur/go-points-marketplace/internal/kafka"
	"github.com/ariefcatur/go-points-marketplace/internal/listing"
	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/ariefcatur/go-points-marketplace/internal/natsx"
	"github.com/ariefcatur/go-points-marketplace/internal/postgres"
	"github.com/ariefcatur/go-points-marketplace/internal/redisx"
	"github.com/ariefcatur/go-points-marketplace/internal/sqlite"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Event fan-out: Kafka always, NATS when configured
	prodCtx, cancelProd := context.WithCancel(context.Background())
	defer cancelProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(prodCtx)
	events := marketplace.Publishers{prod}
	if cfg.NatsURL != "" {
		nc, err := natsx.Connect(cfg.NatsURL, cfg.ServiceName)
		if err != nil {
			return err
		}
		defer nc.Close()
		events = append(events, nc)
	}

	engine := &marketplace.Engine{
		Store:       store,
		Events:      events,
		Producer:    cfg.ServiceName,
		MaxAttempts: cfg.BidMaxAttempts,
		Log:         logger,
	}
	cache := &listing.Cache{Redis: rdb, Source: engine, TTL: cfg.ListingCacheTTL, Log: logger}

	router := httpx.NewRouter()
	ih := &httpx.ItemsHandler{
		Engine:   engine,
		Listings: cache,
		Cache:    cache,
		Idem:     &redisx.Idempotency{R: rdb},
		Log:      logger,
	}
	ih.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweep(gctx, engine, cache, cfg.SweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	err = g.Wait()
	prod.Close() // close inbox -> flush & close writer
	cancelProd()
	prod.WaitClosed()
	return err
}

func openStore(ctx context.Context, cfg config.Config) (marketplace.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresConns)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return &postgres.Store{DB: db}, db.Close, nil
	}
}

// sweep closes auctions past their end time until ctx is done.
func sweep(ctx context.Context, engine *marketplace.Engine, cache *listing.Cache, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		logger.Info("auction sweeper disabled")
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		closed, err := engine.CloseExpiredAuctions(ctx)
		if err != nil {
			logger.Warn("auction sweep", "error", err)
		}
		if len(closed) == 0 {
			continue
		}
		logger.Info("auctions closed", "count", len(closed))
		if err := cache.Invalidate(ctx); err != nil {
			logger.Warn("listing cache invalidation failed", "error", err)
		}
	}
}
