package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/demogorgon1860/smmpanel/internal/domain"
	healthcheck "github.com/demogorgon1860/smmpanel/internal/health"
	"github.com/demogorgon1860/smmpanel/internal/storage/memory"
	"github.com/demogorgon1860/smmpanel/internal/storage/postgres"
)

// runtimeDependencies содержит хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	orders      domain.OrderRepository
	users       domain.UserRepository
	deposits    domain.DepositRepository
	outboxRepo  domain.OutboxRepository
	ledgerStore domain.LedgerStore
	txns        domain.TransactionRepository

	storageChecker healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies инициализирует хранилища по выбранному драйверу.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		ledgerRepo := memory.NewLedger()
		deps := runtimeDependencies{
			orders:      memory.NewOrderRepository(),
			users:       ledgerRepo,
			deposits:    memory.NewDepositRepository(),
			outboxRepo:  memory.NewOutboxRepository(),
			ledgerStore: ledgerRepo,
			txns:        ledgerRepo,
			storageChecker: healthcheck.NewSimpleChecker("storage", func() error {
				return nil
			}),
		}
		logger.Info("используем in-memory хранилище")
		return deps, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return runtimeDependencies{}, fmt.Errorf("postgres storage driver requires PostgresDSN")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("init postgres storage: %w", err)
		}

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres миграции применены")
		}

		ledgerRepo := postgres.NewLedger(store)
		deps := runtimeDependencies{
			orders:      postgres.NewOrderRepository(store),
			users:       ledgerRepo,
			deposits:    postgres.NewDepositRepository(store),
			outboxRepo:  postgres.NewOutboxRepository(store),
			ledgerStore: ledgerRepo,
			txns:        ledgerRepo,
			storageChecker: healthcheck.NewSimpleChecker("storage", func() error {
				return store.Ping(context.Background())
			}),
			closeFn: store.Close,
		}
		logger.Info("используем postgres хранилище")
		return deps, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
}
