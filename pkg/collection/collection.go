package collection

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const defaultCurrency = "USD"

// Collection is the domain entry point: it validates input, stamps timestamps and
// caches card reads on top of a Store.
type Collection struct {
	Store  Store
	opts   Options
	cards  *expirable.LRU[int64, Card]
	logger *zap.Logger

	// gen counts card writes. A read only fills the cache if no write finished while it
	// was in flight.
	mu  sync.Mutex
	gen uint64
}

// NewCollection wraps store. A nil logger disables logging.
func NewCollection(store Store, opts Options, logger *zap.Logger) (*Collection, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	defaults := DefaultOptions()
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaults.CacheTTL
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = defaults.SearchLimit
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collection{
		Store:  store,
		opts:   opts,
		cards:  expirable.NewLRU[int64, Card](opts.CacheSize, nil, opts.CacheTTL),
		logger: logger,
	}, nil
}

func (c *Collection) Close() error {
	c.cards.Purge()
	return c.Store.Close()
}

// CreateCard validates and inserts a card. card.ID is set on success.
func (c *Collection) CreateCard(ctx context.Context, card *Card) error {
	if err := normalizeCard(card); err != nil {
		return err
	}
	return c.Store.CreateCard(ctx, card)
}

// GetCard returns a card, served from cache when possible.
func (c *Collection) GetCard(ctx context.Context, id int64) (*Card, error) {
	if cached, ok := c.cards.Get(id); ok {
		return &cached, nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	card, err := c.Store.GetCard(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.cards.Add(id, *card)
	}
	c.mu.Unlock()
	return card, nil
}

func (c *Collection) GetCardByUUID(ctx context.Context, id string) (*Card, error) {
	return c.Store.GetCardByUUID(ctx, NormalizeUUID(id))
}

func (c *Collection) UpdateCard(ctx context.Context, card *Card) error {
	if err := normalizeCard(card); err != nil {
		return err
	}
	defer c.invalidate(card.ID)
	return c.Store.UpdateCard(ctx, card)
}

// DeleteCard removes a card together with its items, prices and index postings.
func (c *Collection) DeleteCard(ctx context.Context, id int64) error {
	defer c.invalidate(id)
	return c.Store.DeleteCard(ctx, id)
}

// ImportCards upserts a batch of cards by uuid.
func (c *Collection) ImportCards(ctx context.Context, cards []*Card) (int, error) {
	for _, card := range cards {
		if err := normalizeCard(card); err != nil {
			return 0, err
		}
	}
	defer c.invalidateAll()
	n, err := c.Store.UpsertCards(ctx, cards)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("imported cards", zap.Int("count", n))
	return n, nil
}

func (c *Collection) Search(ctx context.Context, query *SearchQuery) ([]*SearchResult, error) {
	q := *query
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = c.opts.SearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return c.Store.SearchCards(ctx, &q)
}

// CreateItem inserts a new collection row. Quantities must not be negative.
func (c *Collection) CreateItem(ctx context.Context, item *CollectionItem) error {
	if item.QtyNonfoil < 0 || item.QtyFoil < 0 {
		return fmt.Errorf("%w: quantities must be >= 0 (nonfoil=%d foil=%d)",
			ErrInvalidQuantity, item.QtyNonfoil, item.QtyFoil)
	}
	if item.UpdatedAt == 0 {
		item.UpdatedAt = c.now()
	}
	return c.Store.CreateItem(ctx, item)
}

// AddToCollection increments the quantities for key, creating the row when needed.
// Negative deltas decrement; results floor at zero.
func (c *Collection) AddToCollection(ctx context.Context, key ItemKey, nonfoil, foil int) (*CollectionItem, error) {
	return c.Store.AdjustItem(ctx, key, nonfoil, foil, c.now())
}

// RemoveFromCollection decrements the quantities for key by the absolute values given.
func (c *Collection) RemoveFromCollection(ctx context.Context, key ItemKey, nonfoil, foil int) (*CollectionItem, error) {
	return c.Store.AdjustItem(ctx, key, -abs(nonfoil), -abs(foil), c.now())
}

// SetQuantities overwrites the quantities for key; negative values are treated as zero.
func (c *Collection) SetQuantities(ctx context.Context, key ItemKey, nonfoil, foil int) (*CollectionItem, error) {
	return c.Store.SetItem(ctx, key, max(0, nonfoil), max(0, foil), c.now())
}

func (c *Collection) ListCollection(ctx context.Context, query *PageQuery) (*CollectionPage, error) {
	q := *query
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Sort == "" {
		q.Sort = SortByName
	}
	return c.Store.ListCollection(ctx, &q)
}

func (c *Collection) Summary(ctx context.Context) (*Summary, error) {
	return c.Store.Summary(ctx)
}

// RecordPrice stores a new observation as both latest snapshot and history point.
func (c *Collection) RecordPrice(ctx context.Context, price *PriceLatest) error {
	if price.PriceCents < 0 {
		return fmt.Errorf("price must be >= 0, got %d", price.PriceCents)
	}
	if price.Currency == "" {
		price.Currency = defaultCurrency
	}
	if price.AsOf == 0 {
		price.AsOf = c.now()
	}
	return c.Store.RecordPrice(ctx, price)
}

func (c *Collection) LatestPrice(ctx context.Context, cardID int64) (*PriceLatest, error) {
	return c.Store.GetLatestPrice(ctx, cardID)
}

func (c *Collection) PriceHistory(ctx context.Context, cardID int64, limit int) ([]*PricePoint, error) {
	if limit <= 0 {
		limit = 30
	}
	return c.Store.PriceHistory(ctx, cardID, limit)
}

// invalidate drops id from the cache once a write has returned, whether or not it
// succeeded, and fences off reads that started before it.
func (c *Collection) invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cards.Remove(id)
}

func (c *Collection) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cards.Purge()
}

func (c *Collection) now() int64 {
	return c.opts.Now().Unix()
}

// NormalizeUUID trims id and, when it parses as an RFC 4122 UUID, returns the
// canonical lowercase form. Any other external identifier is kept as given.
func NormalizeUUID(id string) string {
	id = strings.TrimSpace(id)
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return id
}

func normalizeCard(card *Card) error {
	if card == nil {
		return fmt.Errorf("%w: nil card", ErrInvalidCard)
	}
	card.Name = strings.TrimSpace(card.Name)
	if card.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCard)
	}
	card.UUID = NormalizeUUID(card.UUID)
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
