package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accretional/cardvault/pkg/collection"
)

func TestUpsertLatestPrice_IgnoresStale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cardID := createCard(t, s, "Force of Will", "ALL")

	require.NoError(t, s.UpsertLatestPrice(ctx, &collection.PriceLatest{CardID: cardID, PriceCents: 9000, Currency: "USD", AsOf: 200}))
	require.NoError(t, s.UpsertLatestPrice(ctx, &collection.PriceLatest{CardID: cardID, PriceCents: 100, Currency: "USD", AsOf: 100}))

	got, err := s.GetLatestPrice(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), got.PriceCents)
	assert.Equal(t, int64(200), got.AsOf)

	require.NoError(t, s.UpsertLatestPrice(ctx, &collection.PriceLatest{CardID: cardID, PriceCents: 9500, Currency: "EUR", AsOf: 300}))
	got, err = s.GetLatestPrice(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, int64(9500), got.PriceCents)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, 1, countRows(t, s, "card_price_latest"))
}

func TestGetLatestPrice_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLatestPrice(context.Background(), 1)
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestRecordPriceAndHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cardID := createCard(t, s, "Mana Crypt", "EMA")

	for i, cents := range []int64{100, 300, 200} {
		require.NoError(t, s.RecordPrice(ctx, &collection.PriceLatest{
			CardID: cardID, PriceCents: cents, Currency: "USD", AsOf: int64(i+1) * 10,
		}))
	}

	history, err := s.PriceHistory(ctx, cardID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(30), history[0].AsOf)
	assert.Equal(t, int64(200), history[0].PriceCents)
	assert.Equal(t, int64(20), history[1].AsOf)

	latest, err := s.GetLatestPrice(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), latest.PriceCents)
}

func TestAppendPricePoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cardID := createCard(t, s, "Ancestral Recall", "LEA")

	point := &collection.PricePoint{CardID: cardID, PriceCents: 1, AsOf: 1}
	require.NoError(t, s.AppendPricePoint(ctx, point))
	assert.NotZero(t, point.ID)

	err := s.AppendPricePoint(ctx, &collection.PricePoint{CardID: 777, PriceCents: 1, AsOf: 1})
	assert.ErrorIs(t, err, collection.ErrReferentialIntegrity)
}

func TestRecordPrice_MissingCardWritesNothing(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordPrice(context.Background(), &collection.PriceLatest{CardID: 777, PriceCents: 1, Currency: "USD", AsOf: 1})
	require.ErrorIs(t, err, collection.ErrReferentialIntegrity)
	assert.Equal(t, 0, countRows(t, s, "card_price_latest"))
	assert.Equal(t, 0, countRows(t, s, "price_points"))
}
