package collection

// Card is a canonical catalog entry. Optional text fields are stored as NULL when empty.
type Card struct {
	ID          int64
	UUID        string
	Name        string
	SetCode     string
	CollectorNo string
	TypeLine    string
	OracleText  string
	ImageSmall  string
	ImageLarge  string
}

// CollectionItem records owned copies of one card in one condition and location.
type CollectionItem struct {
	ID          int64
	CardID      int64
	QtyNonfoil  int
	QtyFoil     int
	Condition   string
	LocationTag string
	UpdatedAt   int64 // unix seconds
}

// Key returns the identity used by quantity adjustments.
func (i *CollectionItem) Key() ItemKey {
	return ItemKey{CardID: i.CardID, Condition: i.Condition, LocationTag: i.LocationTag}
}

// ItemKey addresses the collection row for a card in a given condition and location.
// Empty Condition and LocationTag match NULL columns.
type ItemKey struct {
	CardID      int64
	Condition   string
	LocationTag string
}

// PriceLatest is the single current price snapshot for a card.
type PriceLatest struct {
	CardID     int64
	PriceCents int64
	Currency   string
	AsOf       int64
}

// PricePoint is one immutable historical price observation.
type PricePoint struct {
	ID         int64
	CardID     int64
	PriceCents int64
	AsOf       int64
}

// SearchQuery describes a card search.
type SearchQuery struct {
	Text   string
	Limit  int
	Offset int
	// FullTextOnly disables the LIKE fallback, so results come from the index alone.
	FullTextOnly bool
}

// SearchResult is a search hit. Score is the bm25 rank (lower is better) and is zero
// for LIKE fallback hits.
type SearchResult struct {
	Card     *Card
	Score    float64
	FullText bool
}

// SortField selects the ordering of a collection page.
type SortField string

const (
	SortByName    SortField = "name"
	SortBySet     SortField = "set"
	SortByUpdated SortField = "updated"
	SortByPrice   SortField = "price"
)

// PageQuery selects a page of the collection.
type PageQuery struct {
	Limit      int
	Offset     int
	Sort       SortField
	Descending bool
	NameFilter string
}

// CollectionRow is a collection item joined with its card and latest price.
type CollectionRow struct {
	ItemID      int64
	CardID      int64
	Name        string
	SetCode     string
	CollectorNo string
	QtyNonfoil  int
	QtyFoil     int
	Condition   string
	LocationTag string
	UpdatedAt   int64
	PriceCents  int64
	Currency    string
	AsOf        int64
}

// CollectionPage is one page of collection rows plus the unpaged total.
type CollectionPage struct {
	Rows   []*CollectionRow
	Total  int64
	Limit  int
	Offset int
}

// Summary aggregates the whole collection.
type Summary struct {
	UniqueCards     int64
	TotalCopies     int64
	TotalValueCents int64
}
