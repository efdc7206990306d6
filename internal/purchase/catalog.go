package purchase

import (
	"context"
	"sync"
)

// CatalogItem is the local copy of a catalog entry used for pricing.
type CatalogItem struct {
	ID    string
	Name  string
	Price float64
}

// Catalog resolves unit prices. UnitPrice returns ErrUnknownItem for items
// the catalog has never seen or has deleted.
type Catalog interface {
	UnitPrice(ctx context.Context, itemID string) (float64, error)
}

// CatalogWriter applies catalog service updates to the local copy.
type CatalogWriter interface {
	Upsert(ctx context.Context, item CatalogItem) error
	Delete(ctx context.Context, itemID string) error
}

// MemoryCatalog is an in-memory Catalog and CatalogWriter.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]CatalogItem
}

func NewMemoryCatalog(items ...CatalogItem) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]CatalogItem, len(items))}
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

func (c *MemoryCatalog) UnitPrice(_ context.Context, itemID string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	if !ok {
		return 0, ErrUnknownItem
	}
	return item.Price, nil
}

func (c *MemoryCatalog) Upsert(_ context.Context, item CatalogItem) error {
	c.mu.Lock()
	c.items[item.ID] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryCatalog) Delete(_ context.Context, itemID string) error {
	c.mu.Lock()
	delete(c.items, itemID)
	c.mu.Unlock()
	return nil
}
