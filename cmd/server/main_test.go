package main

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradepost/cmd/server/config"
	purchasesdb "tradepost/internal/db/purchases"
	"tradepost/internal/purchase"
	"tradepost/internal/transport"
)

func withSagaDB(t *testing.T, open func(driver, dsn string) (*sql.DB, error)) {
	t.Helper()
	prev := openSagaDB
	openSagaDB = open
	t.Cleanup(func() { openSagaDB = prev })
}

func TestBuildStoresWithoutDatabaseUsesMemory(t *testing.T) {
	store, catalog, cleanup, err := buildStores(context.Background(), config.PostgresConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	if _, ok := store.(*purchase.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if _, ok := catalog.(*purchase.MemoryCatalog); !ok {
		t.Fatalf("expected memory catalog, got %T", catalog)
	}
}

func TestBuildStoresFailsWhenOpenFails(t *testing.T) {
	withSagaDB(t, func(string, string) (*sql.DB, error) {
		return nil, errors.New("driver missing")
	})

	store, _, _, err := buildStores(context.Background(), config.PostgresConfig{URL: "postgres://x"}, zap.NewNop())
	if err == nil {
		t.Fatalf("expected error, got store %T", store)
	}
}

func TestBuildStoresFailsWhenSchemaFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	withSagaDB(t, func(string, string) (*sql.DB, error) { return db, nil })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchase_sagas").WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	if _, _, _, err := buildStores(context.Background(), config.PostgresConfig{URL: "postgres://x"}, zap.NewNop()); err == nil {
		t.Fatalf("expected schema error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildStoresUsesPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	withSagaDB(t, func(string, string) (*sql.DB, error) { return db, nil })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchase_sagas").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS purchase_sagas_idle_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchase_saga_steps").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS catalog_items").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	maxOpen := 4
	store, catalog, cleanup, err := buildStores(context.Background(), config.PostgresConfig{URL: "postgres://x", MaxOpenConns: &maxOpen}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*purchasesdb.SagaStore); !ok {
		t.Fatalf("expected postgres saga store, got %T", store)
	}
	if _, ok := catalog.(*purchasesdb.CatalogStore); !ok {
		t.Fatalf("expected postgres catalog, got %T", catalog)
	}
	cleanup()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildRedisClientPings(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := buildRedisClient(context.Background(), config.RedisConfig{
		URL:                "redis://" + srv.Addr() + "/0",
		HealthcheckTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = client.Close()
}

func TestBuildRedisClientRejectsBadURL(t *testing.T) {
	if _, err := buildRedisClient(context.Background(), config.RedisConfig{URL: "not-a-url"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBuildConsumerAppliesCatalogUpdates(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	catalog := purchase.NewMemoryCatalog()
	routing := config.RoutingConfig{
		EventStreams:  []string{"purchase_events"},
		CatalogStream: "catalog_events",
		Group:         "trading",
		Consumer:      "worker-1",
		Partitions:    2,
	}
	consumer := buildConsumer(client, routing, nil, catalog, zap.NewNop())
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}

	err := client.XAdd(ctx, &redis.XAddArgs{Stream: "catalog_events", Values: map[string]any{
		"type":    transport.CatalogItemUpdatedType,
		"payload": `{"itemId":"item42","name":"Potion","price":100}`,
	}}).Err()
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := consumer.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	price, err := catalog.UnitPrice(ctx, "item42")
	if err != nil || price != 100 {
		t.Fatalf("expected catalog price 100, got %v (%v)", price, err)
	}
}

func TestNewLoggerModes(t *testing.T) {
	for _, mode := range []string{"production", "development", ""} {
		logger, err := newLogger(mode)
		if err != nil {
			t.Fatalf("newLogger(%q): %v", mode, err)
		}
		_ = logger.Sync()
	}
}
