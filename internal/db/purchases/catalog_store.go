package purchasesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradepost/internal/purchase"
)

// CatalogStore is the local copy of catalog prices kept in Postgres.
type CatalogStore struct {
	db *sql.DB
}

func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// NewCatalogStoreWithSchema initializes the schema then returns the store.
func NewCatalogStoreWithSchema(ctx context.Context, db *sql.DB) (*CatalogStore, error) {
	store := NewCatalogStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (c *CatalogStore) InitSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_items (
			item_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (c *CatalogStore) UnitPrice(ctx context.Context, itemID string) (float64, error) {
	var price float64
	err := c.db.QueryRowContext(ctx, `SELECT price FROM catalog_items WHERE item_id = $1`, itemID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, purchase.ErrUnknownItem
	}
	if err != nil {
		return 0, err
	}
	return price, nil
}

func (c *CatalogStore) Upsert(ctx context.Context, item purchase.CatalogItem) error {
	if item.ID == "" {
		return fmt.Errorf("item id required")
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO catalog_items (item_id, name, price)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, updated_at = NOW()`,
		item.ID, item.Name, item.Price,
	)
	return err
}

// Delete removes an item. Deleting an unknown item is not an error.
func (c *CatalogStore) Delete(ctx context.Context, itemID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM catalog_items WHERE item_id = $1`, itemID)
	return err
}
