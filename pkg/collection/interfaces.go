package collection

import (
	"context"
)

// Store defines the interface for the underlying database.
// Implementations own the schema, the search index triggers and transaction boundaries.
type Store interface {
	// Lifecycle
	Close() error
	// Path returns the physical location of the store (useful for backup).
	Path() string
	Ping(ctx context.Context) error

	// Cards
	CreateCard(ctx context.Context, card *Card) error
	GetCard(ctx context.Context, id int64) (*Card, error)
	GetCardByUUID(ctx context.Context, uuid string) (*Card, error)
	UpdateCard(ctx context.Context, card *Card) error
	DeleteCard(ctx context.Context, id int64) error
	// UpsertCards inserts or refreshes cards keyed by uuid in a single transaction.
	UpsertCards(ctx context.Context, cards []*Card) (int, error)
	CountCards(ctx context.Context) (int64, error)

	// Search
	SearchCards(ctx context.Context, query *SearchQuery) ([]*SearchResult, error)
	RebuildSearchIndex(ctx context.Context) error
	VerifySearchIndex(ctx context.Context) error
	OptimizeSearchIndex(ctx context.Context) error

	// Collection items
	CreateItem(ctx context.Context, item *CollectionItem) error
	GetItem(ctx context.Context, id int64) (*CollectionItem, error)
	ListItemsForCard(ctx context.Context, cardID int64) ([]*CollectionItem, error)
	DeleteItem(ctx context.Context, id int64) error
	// AdjustItem applies quantity deltas, flooring at zero. The row is removed when
	// both quantities reach zero, in which case the returned item is nil.
	AdjustItem(ctx context.Context, key ItemKey, deltaNonfoil, deltaFoil int, now int64) (*CollectionItem, error)
	// SetItem sets absolute quantities, removing the row when both are zero.
	SetItem(ctx context.Context, key ItemKey, nonfoil, foil int, now int64) (*CollectionItem, error)
	ListCollection(ctx context.Context, query *PageQuery) (*CollectionPage, error)
	Summary(ctx context.Context) (*Summary, error)

	// Prices
	UpsertLatestPrice(ctx context.Context, price *PriceLatest) error
	GetLatestPrice(ctx context.Context, cardID int64) (*PriceLatest, error)
	AppendPricePoint(ctx context.Context, point *PricePoint) error
	// RecordPrice refreshes the latest snapshot and appends a history point atomically.
	RecordPrice(ctx context.Context, price *PriceLatest) error
	PriceHistory(ctx context.Context, cardID int64, limit int) ([]*PricePoint, error)

	// Maintenance
	Checkpoint(ctx context.Context) error
	// Backup writes a consistent snapshot of the database to destPath.
	Backup(ctx context.Context, destPath string) error
}
