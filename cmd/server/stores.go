package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradepost/cmd/server/config"
	purchasesdb "tradepost/internal/db/purchases"
	"tradepost/internal/purchase"
)

var openSagaDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// catalogStore is what both catalog backends provide.
type catalogStore interface {
	purchase.Catalog
	purchase.CatalogWriter
}

// buildStores wires the saga and catalog stores. Without a database URL both
// live in memory; a configured database that cannot be initialized is an
// error, never a silent switch to memory.
func buildStores(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (purchase.Store, catalogStore, func(), error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, saga state is kept in memory")
		return purchase.NewMemoryStore(), purchase.NewMemoryCatalog(), func() {}, nil
	}

	sqlDB, err := openSagaDB("pgx", cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns != nil {
		sqlDB.SetMaxOpenConns(*cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != nil {
		sqlDB.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sagas, err := purchasesdb.NewSagaStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, nil, fmt.Errorf("init saga store: %w", err)
	}
	items, err := purchasesdb.NewCatalogStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, nil, fmt.Errorf("init catalog store: %w", err)
	}

	logger.Info("postgres saga store enabled")
	return sagas, items, func() {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("close postgres", zap.Error(err))
		}
	}, nil
}

// buildRedisClient connects to Redis and checks it answers.
func buildRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
