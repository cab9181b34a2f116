package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/app"
	"github.com/vendhub/vend-api/internal/config"
	"github.com/vendhub/vend-api/internal/domain/fulfillment"
	"github.com/vendhub/vend-api/internal/domain/funding"
	"github.com/vendhub/vend-api/internal/domain/order"
	"github.com/vendhub/vend-api/internal/domain/wallet"
	"github.com/vendhub/vend-api/internal/middleware"
	"github.com/vendhub/vend-api/internal/pkg/database"
	"github.com/vendhub/vend-api/internal/pkg/jwt"
	"github.com/vendhub/vend-api/internal/pkg/logger"
	"github.com/vendhub/vend-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		LogFile:     cfg.LogFile,
		Environment: cfg.Env,
		Service:     "api",
	})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting vend API")

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

	a, err := app.Build(cfg, db, rdb, "api")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build services")
	}

	router := newRouter(cfg, routes{
		jwt:         jwt.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAccessTTL),
		wallet:      wallet.NewHandler(a.Wallets),
		order:       order.NewHandler(a.OrderSvc),
		fulfillment: fulfillment.NewHandler(a.Gateway, a.OrderSvc, a.Audit, a.Recovery),
		funding:     funding.NewHandler(a.Funding),
		health:      healthHandler(db),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

type routes struct {
	jwt         *jwt.Service
	wallet      *wallet.Handler
	order       *order.Handler
	fulfillment *fulfillment.Handler
	funding     *funding.Handler
	health      http.HandlerFunc
}

func newRouter(cfg *config.Config, h routes) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	authMiddleware := middleware.Auth(h.jwt)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware)

		r.Mount("/wallet", h.wallet.Routes())
		r.Mount("/orders", h.order.Routes())

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireOperator())

			r.Mount("/wallets", h.wallet.AdminRoutes())
			r.Mount("/orders", h.order.AdminRoutes())
			r.Mount("/items", h.fulfillment.Routes())
			r.Mount("/funding", h.funding.Routes())
			r.Post("/recovery/run", h.fulfillment.RunRecovery)
		})
	})

	return r
}

func healthHandler(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "database unreachable", "safe")
			return
		}
		response.OK(w, map[string]string{"status": "ok"})
	}
}
