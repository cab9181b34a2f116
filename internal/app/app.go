// Package app wires the domain services shared by the API and the worker.
package app

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/config"
	"github.com/vendhub/vend-api/internal/domain/audit"
	"github.com/vendhub/vend-api/internal/domain/fulfillment"
	"github.com/vendhub/vend-api/internal/domain/funding"
	"github.com/vendhub/vend-api/internal/domain/idempotency"
	"github.com/vendhub/vend-api/internal/domain/lock"
	"github.com/vendhub/vend-api/internal/domain/order"
	"github.com/vendhub/vend-api/internal/domain/wallet"
	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/database"
	"github.com/vendhub/vend-api/internal/pkg/notify"
	"github.com/vendhub/vend-api/internal/pkg/pricing"
	"github.com/vendhub/vend-api/internal/pkg/provider"
	"github.com/vendhub/vend-api/internal/pkg/storage"
	"github.com/vendhub/vend-api/internal/pkg/wakeup"
)

type App struct {
	Clock clock.Clock
	Owner lock.Owner

	Orders      order.Repository
	Idempotency idempotency.Store

	Wallets   *wallet.Service
	OrderSvc  *order.Service
	Funding   *funding.Service
	Audit     *audit.Logger
	Providers *provider.Registry
	Gateway   *fulfillment.Gateway
	Recovery  *fulfillment.Recovery
}

// Build constructs every service. role names the process in lock ownership
// ("api" or "worker"); rdb may be nil.
func Build(cfg *config.Config, db *sqlx.DB, rdb *redis.Client, role string) (*App, error) {
	clk := clock.RealClock{}
	owner := lock.NewOwner(role)
	tx := database.NewTransactor(db, cfg.DBTxMaxRetries)
	notifier := notify.New(cfg.NotifySink, rdb, cfg.NotifyChannel)

	archiver, err := storage.New(storage.Config{
		Backend:     cfg.ArchiveBackend,
		LocalPath:   cfg.ArchiveLocalPath,
		S3Endpoint:  cfg.S3Endpoint,
		S3Region:    cfg.S3Region,
		S3Bucket:    cfg.S3Bucket,
		S3AccessKey: cfg.S3AccessKey,
		S3SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("archive storage: %w", err)
	}

	registry, err := newRegistry(cfg, clk)
	if err != nil {
		return nil, err
	}

	orderRepo := order.NewRepository(db)
	idemStore := idempotency.NewRepository(db)

	wallets := wallet.NewService(wallet.NewRepository(db, cfg.WalletDailyLimit), tx, clk, cfg.Location())
	locks := lock.NewManager(lock.NewItemStore(db), clk, lock.Config{
		TTL:      cfg.LockTTL,
		Attempts: cfg.LockAttempts,
		Interval: cfg.LockInterval,
	})

	guard := idempotency.NewGuard(idemStore, clk, idempotency.Config{
		LockTimeout: cfg.IdempotencyLockTimeout,
		Retention:   cfg.IdempotencyRetention,
	})

	orders := order.NewService(order.Deps{
		Repo:           orderRepo,
		Tx:             tx,
		Wallet:         wallets,
		Prices:         pricing.NewStaticResolver(cfg.RoleDiscountsBps, cfg.CommissionBps, nil),
		Guard:          guard,
		Locks:          locks,
		Owner:          owner,
		Notifier:       notifier,
		Wakeup:         wakeup.NewPublisher(rdb),
		Clock:          clk,
		KeyBucket:      cfg.IdempotencyKeyBucket,
		InlineDispatch: cfg.InlineDispatch,
	})

	auditLog := audit.NewLogger(audit.NewRepository(db), archiver, clk)
	backoff := fulfillment.Backoff{
		Base:       cfg.BackoffBase,
		Multiplier: cfg.BackoffMultiplier,
		Cap:        cfg.BackoffCap,
	}
	gateway := fulfillment.NewGateway(orders, locks, owner, registry, auditLog, clk, fulfillment.Config{
		MaxRetries:      cfg.MaxRetries,
		ProviderTimeout: cfg.ProviderTimeout,
		Backoff:         backoff,
		FloatCheck:      cfg.FloatCheck,
	})
	orders.SetDispatcher(gateway)

	recovery := fulfillment.NewRecovery(orderRepo, gateway, clk, fulfillment.RecoveryConfig{
		Grace:    cfg.RecoveryGrace,
		Interval: cfg.RecoveryInterval,
	})

	return &App{
		Clock:       clk,
		Owner:       owner,
		Orders:      orderRepo,
		Idempotency: idemStore,
		Wallets:     wallets,
		OrderSvc:    orders,
		Funding:     funding.NewService(funding.NewRepository(db), tx, wallets, notifier, clk, cfg.FundingTTL),
		Audit:       auditLog,
		Providers:   registry,
		Gateway:     gateway,
		Recovery:    recovery,
	}, nil
}

// Scheduler builds the retry scheduler over the order repository.
func (a *App) Scheduler(cfg *config.Config) *fulfillment.Scheduler {
	return fulfillment.NewScheduler(a.Orders, a.Gateway, a.Clock, fulfillment.SchedulerConfig{
		Interval:  cfg.SchedulerInterval,
		BatchSize: cfg.SchedulerBatch,
		Workers:   cfg.SchedulerWorkers,
	})
}

func newRegistry(cfg *config.Config, clk clock.Clock) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	var p provider.Provider
	switch cfg.ProviderMode {
	case "sandbox":
		p = provider.NewSandbox(cfg.ProviderName, cfg.SandboxFloat, clk)
	case "http":
		if cfg.ProviderBaseURL == "" {
			return nil, fmt.Errorf("PROVIDER_BASE_URL is required in http mode")
		}
		p = provider.NewHTTPClient(provider.HTTPConfig{
			Name:    cfg.ProviderName,
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
			Timeout: cfg.ProviderTimeout + 5*time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.ProviderMode)
	}

	reg.Register(provider.Instrument(p), cfg.ProviderNetworks...)
	if len(cfg.ProviderNetworks) == 0 {
		reg.SetFallback(p.Name())
	}

	log.Info().
		Str("provider", p.Name()).
		Str("mode", cfg.ProviderMode).
		Strs("networks", cfg.ProviderNetworks).
		Msg("Provider registered")
	return reg, nil
}
