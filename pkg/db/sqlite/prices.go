package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/accretional/cardvault/pkg/collection"
)

const defaultHistoryLimit = 30

// upsertLatest keeps the newest snapshot: an incoming price older than the stored one
// is ignored.
const upsertLatest = `
	INSERT INTO card_price_latest (card_id, price_cents, currency, as_of)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(card_id) DO UPDATE SET
	    price_cents = excluded.price_cents,
	    currency = excluded.currency,
	    as_of = excluded.as_of
	WHERE excluded.as_of >= card_price_latest.as_of`

const insertPoint = `INSERT INTO price_points (card_id, price_cents, as_of) VALUES (?, ?, ?)`

func (s *SqliteStore) UpsertLatestPrice(ctx context.Context, price *collection.PriceLatest) error {
	return s.run(ctx, "upsert_latest_price", func() error {
		_, err := s.db.ExecContext(ctx, upsertLatest,
			price.CardID, price.PriceCents, price.Currency, price.AsOf)
		return err
	})
}

func (s *SqliteStore) GetLatestPrice(ctx context.Context, cardID int64) (*collection.PriceLatest, error) {
	var p collection.PriceLatest
	err := s.run(ctx, "get_latest_price", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT card_id, price_cents, currency, as_of
			FROM card_price_latest WHERE card_id = ?`, cardID).
			Scan(&p.CardID, &p.PriceCents, &p.Currency, &p.AsOf)
	})
	if err != nil {
		return nil, fmt.Errorf("price for card %d: %w", cardID, err)
	}
	return &p, nil
}

func (s *SqliteStore) AppendPricePoint(ctx context.Context, point *collection.PricePoint) error {
	return s.run(ctx, "append_price_point", func() error {
		res, err := s.db.ExecContext(ctx, insertPoint, point.CardID, point.PriceCents, point.AsOf)
		if err != nil {
			return err
		}
		point.ID, err = res.LastInsertId()
		return err
	})
}

func (s *SqliteStore) RecordPrice(ctx context.Context, price *collection.PriceLatest) error {
	return s.inTx(ctx, "record_price", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertLatest,
			price.CardID, price.PriceCents, price.Currency, price.AsOf); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insertPoint, price.CardID, price.PriceCents, price.AsOf)
		return err
	})
}

// PriceHistory returns up to limit points for a card, newest first.
func (s *SqliteStore) PriceHistory(ctx context.Context, cardID int64, limit int) ([]*collection.PricePoint, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var points []*collection.PricePoint
	err := s.run(ctx, "price_history", func() error {
		points = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, card_id, price_cents, as_of
			FROM price_points
			WHERE card_id = ?
			ORDER BY as_of DESC, id DESC
			LIMIT ?`, cardID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p collection.PricePoint
			if err := rows.Scan(&p.ID, &p.CardID, &p.PriceCents, &p.AsOf); err != nil {
				return err
			}
			points = append(points, &p)
		}
		return rows.Err()
	})
	return points, err
}
