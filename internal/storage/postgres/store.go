package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	connectTimeout = 5 * time.Second

	// Пул рассчитан на пять консьюмеров, outbox relay и SLA-монитор,
	// работающих с базой одновременно.
	poolMaxOpen     = 25
	poolMaxIdle     = 25
	poolMaxLifetime = 30 * time.Minute
	poolMaxIdleTime = 5 * time.Minute
)

// Store владеет пулом соединений с PostgreSQL; репозитории заказов,
// пополнений, журнала и outbox делят один Store.
type Store struct {
	db *sql.DB
}

// Open подключается к базе панели и проверяет её доступность.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(poolMaxOpen)
	db.SetMaxIdleConns(poolMaxIdle)
	db.SetConnMaxLifetime(poolMaxLifetime)
	db.SetConnMaxIdleTime(poolMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// DB отдаёт пул для запросов вне репозиториев, например сидинга в тестах.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность базы; используется health-проверкой storage.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema доводит схему до актуальной версии при старте сервиса.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает пул соединений.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
