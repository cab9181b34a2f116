package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/app"
	"github.com/vendhub/vend-api/internal/config"
	"github.com/vendhub/vend-api/internal/domain/funding"
	"github.com/vendhub/vend-api/internal/domain/idempotency"
	"github.com/vendhub/vend-api/internal/pkg/database"
	"github.com/vendhub/vend-api/internal/pkg/logger"
	"github.com/vendhub/vend-api/internal/pkg/wakeup"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		LogFile:     cfg.LogFile,
		Environment: cfg.Env,
		Service:     "worker",
	})

	log.Info().Msg("Starting fulfillment worker")

	db, err := database.NewPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	a, err := app.Build(cfg, db, rdb, "worker")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build services")
	}
	log.Info().Str("owner", string(a.Owner)).Msg("Worker identity")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// Redis wake-ups only shorten the wait; polling still runs.
	wake := make(chan struct{}, 1)
	go wakeup.Subscribe(ctx, rdb, wake)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("job", name).Msg("Job started")
			fn()
		}()
	}

	scheduler := a.Scheduler(cfg)
	run("scheduler", func() { scheduler.Start(ctx, wake) })
	run("recovery", func() { a.Recovery.Start(ctx) })
	run("funding-expiry", func() {
		funding.NewExpiryJob(a.Funding).Start(ctx, cfg.FundingSweepInterval)
	})
	run("idempotency-cleanup", func() {
		idempotency.NewCleanupJob(a.Idempotency, a.Clock).Start(ctx, cfg.IdempotencyCleanup)
	})

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info().Msg("Worker stopped")
}
