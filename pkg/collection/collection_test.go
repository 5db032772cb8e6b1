package collection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accretional/cardvault/pkg/collection"
)

func TestNewCollection_RequiresStore(t *testing.T) {
	_, err := collection.NewCollection(nil, collection.Options{}, nil)
	require.Error(t, err)
}

func TestCreateCard_Normalizes(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	card := &collection.Card{
		UUID: "  6D5537DA-112E-4A3C-9D0F-3D5C8A9E1F00 ",
		Name: "  Lightning Bolt ",
	}
	require.NoError(t, coll.CreateCard(ctx, card))
	assert.Equal(t, "6d5537da-112e-4a3c-9d0f-3d5c8a9e1f00", card.UUID)
	assert.Equal(t, "Lightning Bolt", card.Name)

	got, err := coll.GetCardByUUID(ctx, "6D5537DA-112E-4A3C-9D0F-3D5C8A9E1F00")
	require.NoError(t, err)
	assert.Equal(t, card.ID, got.ID)
}

func TestCreateCard_Invalid(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	assert.ErrorIs(t, coll.CreateCard(ctx, &collection.Card{Name: "  "}), collection.ErrInvalidCard)
	assert.ErrorIs(t, coll.CreateCard(ctx, nil), collection.ErrInvalidCard)
}

func TestGetCard_CacheInvalidatedOnWrite(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	card := &collection.Card{Name: "Bolt", TypeLine: "Instant"}
	require.NoError(t, coll.CreateCard(ctx, card))

	got, err := coll.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bolt", got.Name)

	card.Name = "Lightning Bolt"
	require.NoError(t, coll.UpdateCard(ctx, card))

	got, err = coll.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lightning Bolt", got.Name)

	require.NoError(t, coll.DeleteCard(ctx, card.ID))
	_, err = coll.GetCard(ctx, card.ID)
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestGetCard_ServesFromCache(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	card := &collection.Card{Name: "Opt"}
	require.NoError(t, coll.CreateCard(ctx, card))
	_, err := coll.GetCard(ctx, card.ID)
	require.NoError(t, err)

	// Bypass the facade so the cache is not told.
	require.NoError(t, coll.Store.DeleteCard(ctx, card.ID))

	got, err := coll.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Opt", got.Name)
}

func TestImportCardsAndSearch(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	n, err := coll.ImportCards(ctx, []*collection.Card{
		{UUID: "11111111-1111-4111-8111-111111111111", Name: "Counterspell", TypeLine: "Instant"},
		{UUID: "22222222-2222-4222-8222-222222222222", Name: "Mana Leak", TypeLine: "Instant"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := coll.Search(ctx, &collection.SearchQuery{Text: "  counter  "})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Counterspell", hits[0].Card.Name)

	hits, err = coll.Search(ctx, &collection.SearchQuery{Text: "instant", Offset: -3})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = coll.ImportCards(ctx, []*collection.Card{{Name: ""}})
	assert.ErrorIs(t, err, collection.ErrInvalidCard)
}

func TestCreateItem_RejectsNegative(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	card := &collection.Card{Name: "Island"}
	require.NoError(t, coll.CreateCard(ctx, card))

	err := coll.CreateItem(ctx, &collection.CollectionItem{CardID: card.ID, QtyNonfoil: -1})
	require.ErrorIs(t, err, collection.ErrInvalidQuantity)

	item := &collection.CollectionItem{CardID: card.ID, QtyFoil: 2}
	require.NoError(t, coll.CreateItem(ctx, item))
	assert.Equal(t, fixedNow.Unix(), item.UpdatedAt)
}

func TestAddRemoveSet(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	card := &collection.Card{Name: "Forest"}
	require.NoError(t, coll.CreateCard(ctx, card))
	key := collection.ItemKey{CardID: card.ID, LocationTag: "box-1"}

	item, err := coll.AddToCollection(ctx, key, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, item.QtyNonfoil)
	assert.Equal(t, fixedNow.Unix(), item.UpdatedAt)

	// Sign of the argument does not matter for removal.
	item, err = coll.RemoveFromCollection(ctx, key, -1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, item.QtyNonfoil)

	item, err = coll.SetQuantities(ctx, key, -4, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, item.QtyNonfoil)
	assert.Equal(t, 5, item.QtyFoil)

	item, err = coll.RemoveFromCollection(ctx, key, 0, 99)
	require.NoError(t, err)
	assert.Nil(t, item)

	sum, err := coll.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.TotalCopies)
}

func TestRecordPriceDefaults(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	card := &collection.Card{Name: "Black Lotus"}
	require.NoError(t, coll.CreateCard(ctx, card))

	require.NoError(t, coll.RecordPrice(ctx, &collection.PriceLatest{CardID: card.ID, PriceCents: 1_000_000}))

	latest, err := coll.LatestPrice(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "USD", latest.Currency)
	assert.Equal(t, fixedNow.Unix(), latest.AsOf)

	history, err := coll.PriceHistory(ctx, card.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	err = coll.RecordPrice(ctx, &collection.PriceLatest{CardID: card.ID, PriceCents: -1})
	assert.Error(t, err)
}

func TestListCollectionDefaults(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	for _, name := range []string{"Zombie", "Angel", "Merfolk"} {
		card := &collection.Card{Name: name}
		require.NoError(t, coll.CreateCard(ctx, card))
		_, err := coll.AddToCollection(ctx, collection.ItemKey{CardID: card.ID}, 1, 0)
		require.NoError(t, err)
	}

	page, err := coll.ListCollection(ctx, &collection.PageQuery{Offset: -1})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit)
	assert.Equal(t, 0, page.Offset)
	require.Len(t, page.Rows, 3)
	assert.Equal(t, "Angel", page.Rows[0].Name)
	assert.Equal(t, "Zombie", page.Rows[2].Name)
}

func TestNormalizeUUID(t *testing.T) {
	assert.Empty(t, collection.NormalizeUUID("  "))
	assert.Equal(t, "6d5537da-112e-4a3c-9d0f-3d5c8a9e1f00",
		collection.NormalizeUUID("{6D5537DA-112E-4A3C-9D0F-3D5C8A9E1F00}"))
	// Identifiers that are not RFC 4122 UUIDs are opaque and kept verbatim.
	assert.Equal(t, "Scryfall:ABC", collection.NormalizeUUID(" Scryfall:ABC "))
	assert.Equal(t, "a", collection.NormalizeUUID("a"))
}

func TestCreateCard_OpaqueUUIDLifecycle(t *testing.T) {
	coll := setupTestCollection(t)
	ctx := context.Background()

	require.NoError(t, coll.CreateCard(ctx, &collection.Card{ID: 1, UUID: "a", Name: "Bolt", TypeLine: "Instant"}))

	got, err := coll.GetCardByUUID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	hits, err := coll.Search(ctx, &collection.SearchQuery{Text: "Bolt", FullTextOnly: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].Card.ID)

	err = coll.CreateCard(ctx, &collection.Card{UUID: "a", Name: "Shock"})
	assert.ErrorIs(t, err, collection.ErrUniqueViolation)
	err = coll.CreateCard(ctx, &collection.Card{ID: 1, UUID: "b", Name: "Shock"})
	assert.ErrorIs(t, err, collection.ErrPrimaryKeyViolation)

	require.NoError(t, coll.UpdateCard(ctx, &collection.Card{ID: 1, UUID: "a", Name: "Lightning Helix", TypeLine: "Instant"}))
	hits, err = coll.Search(ctx, &collection.SearchQuery{Text: "Bolt", FullTextOnly: true})
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = coll.Search(ctx, &collection.SearchQuery{Text: "Helix", FullTextOnly: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, coll.DeleteCard(ctx, 1))
	hits, err = coll.Search(ctx, &collection.SearchQuery{Text: "Helix", FullTextOnly: true})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// readDuringWriteStore reads through the facade while a card write is in progress, as
// a concurrent caller would.
type readDuringWriteStore struct {
	collection.Store
	coll     *collection.Collection
	writeErr error
}

func (s *readDuringWriteStore) readBack(ctx context.Context, id int64) {
	_, _ = s.coll.GetCard(ctx, id)
}

func (s *readDuringWriteStore) UpdateCard(ctx context.Context, card *collection.Card) error {
	s.readBack(ctx, card.ID)
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.Store.UpdateCard(ctx, card)
}

func (s *readDuringWriteStore) DeleteCard(ctx context.Context, id int64) error {
	s.readBack(ctx, id)
	return s.Store.DeleteCard(ctx, id)
}

func (s *readDuringWriteStore) UpsertCards(ctx context.Context, cards []*collection.Card) (int, error) {
	for _, c := range cards {
		if c.ID != 0 {
			s.readBack(ctx, c.ID)
		}
	}
	return s.Store.UpsertCards(ctx, cards)
}

func TestCache_ReadDuringWriteIsNotServedStale(t *testing.T) {
	ctx := context.Background()
	base := setupTestCollection(t)
	wrapped := &readDuringWriteStore{Store: base.Store}
	coll, err := collection.NewCollection(wrapped, collection.Options{}, nil)
	require.NoError(t, err)
	wrapped.coll = coll

	card := &collection.Card{UUID: "bolt-lea", Name: "Bolt"}
	require.NoError(t, coll.CreateCard(ctx, card))

	// Update.
	require.NoError(t, coll.UpdateCard(ctx, &collection.Card{ID: card.ID, UUID: "bolt-lea", Name: "Lightning Helix"}))
	got, err := coll.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lightning Helix", got.Name)

	// A failed write still drops whatever was cached meanwhile.
	wrapped.writeErr = errors.New("disk I/O error")
	require.Error(t, coll.UpdateCard(ctx, &collection.Card{ID: card.ID, Name: "Shock"}))
	wrapped.writeErr = nil
	require.NoError(t, base.Store.UpdateCard(ctx, &collection.Card{ID: card.ID, UUID: "bolt-lea", Name: "Fireblast"}))
	got, err = coll.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fireblast", got.Name)

	// Import.
	_, err = coll.ImportCards(ctx, []*collection.Card{{ID: card.ID, UUID: "bolt-lea", Name: "Chain Lightning"}})
	require.NoError(t, err)
	got, err = coll.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Chain Lightning", got.Name)

	// Delete.
	require.NoError(t, coll.DeleteCard(ctx, card.ID))
	_, err = coll.GetCard(ctx, card.ID)
	assert.ErrorIs(t, err, collection.ErrNotFound)
}
