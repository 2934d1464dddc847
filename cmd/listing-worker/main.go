package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-points-marketplace/internal/config"
	kafkax "github.com/ariefcatur/go-points-marketplace/internal/kafka"
	"github.com/ariefcatur/go-points-marketplace/internal/listing"
	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/ariefcatur/go-points-marketplace/internal/redisx"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// The worker never fills the cache itself; API replicas do on read.
	svc := &listing.Service{
		Redis:       rdb,
		Cache:       &listing.Cache{Redis: rdb, TTL: cfg.ListingCacheTTL, Log: logger},
		ServiceName: cfg.ServiceName + "-listing",
		Log:         logger,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ListingGroup, marketplace.Topics, cfg.ListingWorkers, logger)
	logger.Info("listing consumer started", "group", cfg.ListingGroup, "topics", marketplace.Topics, "workers", cfg.ListingWorkers)
	if err := cons.Start(ctx, svc.HandleMarketplaceEvent); err != nil {
		logger.Error("consumer exit", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down consumer")
	time.Sleep(500 * time.Millisecond)
}
