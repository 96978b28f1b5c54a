package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redisstore"
)

// stockStore — леджер остатков, который одновременно служит каталогом
// (цена, название и варианты живут рядом с остатком).
type stockStore interface {
	domain.StockLedger
	domain.Catalog
}

// Dependencies содержит хранилища приложения для выбранных драйверов.
type Dependencies struct {
	Orders      domain.OrderRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository
	Stock       domain.StockLedger
	Catalog     domain.Catalog
	Points      domain.PointLedger
	Vouchers    domain.VoucherTracker
	Logger      *log.Entry

	catalogAdmin catalogAdmin
	voucherAdmin voucherAdmin
	checks       map[string]healthcheck.Checker
	closers      []func() error
}

// NewDependencies открывает хранилища согласно cfg. При ошибке уже открытые
// подключения закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps = &Dependencies{Logger: logger, checks: make(map[string]healthcheck.Checker)}
	defer func() {
		if err != nil {
			deps.Close()
			deps = nil
		}
	}()

	var store *postgres.Store
	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		store, err = initPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store.Close)
		deps.checks["postgres"] = healthcheck.NewSimpleChecker("postgres", store.Ping)

		deps.Orders = postgres.NewOrderRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Idempotency = postgres.NewIdempotencyRepository(store)
		points := postgres.NewPointLedger(store, cfg.PointPolicy)
		vouchers := postgres.NewVoucherTracker(store)
		deps.Points, deps.Vouchers, deps.voucherAdmin = points, vouchers, vouchers
	default:
		deps.Orders = memory.NewOrderRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Idempotency = memory.NewIdempotencyRepository()
		vouchers := memory.NewVoucherTracker()
		deps.Points = memory.NewPointLedger(cfg.PointPolicy)
		deps.Vouchers, deps.voucherAdmin = vouchers, memoryVouchers{vouchers}
	}

	var stock stockStore
	switch cfg.EffectiveStockBackend() {
	case StockBackendPostgres:
		ledger := postgres.NewStockLedger(store)
		stock, deps.catalogAdmin = ledger, ledger
	case StockBackendRedis:
		rdb, err := redisstore.Open(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, rdb.Close)
		deps.checks["redis"] = healthcheck.NewSimpleChecker("redis", func(ctx context.Context) error {
			return pingRedis(ctx, rdb)
		})
		ledger := redisstore.NewStockLedger(rdb)
		stock, deps.catalogAdmin = ledger, ledger
	default:
		ledger := memory.NewStockLedger()
		stock, deps.catalogAdmin = ledger, memoryCatalog{ledger}
	}
	deps.Stock, deps.Catalog = stock, stock

	logger.WithFields(log.Fields{
		"storage": cfg.StorageDriver,
		"stock":   cfg.EffectiveStockBackend(),
	}).Info("storage initialized")
	return deps, nil
}

func initPostgres(ctx context.Context, cfg Config, logger *log.Entry) (*postgres.Store, error) {
	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}
	return store, nil
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}

// Seed заводит каталог и ваучеры из файла.
func (d *Dependencies) Seed(ctx context.Context, seed Seed) error {
	return ApplySeed(ctx, seed, d.catalogAdmin, d.voucherAdmin, d.Logger)
}

// RegisterHealthChecks добавляет проверки хранилищ в health handler.
func (d *Dependencies) RegisterHealthChecks(h *healthcheck.Handler) {
	for name, checker := range d.checks {
		h.RegisterChecker(name, checker)
	}
}

// Close закрывает подключения в обратном порядке.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}
