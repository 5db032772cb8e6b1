package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/accretional/cardvault/pkg/collection"
)

const itemColumns = `id, card_id, qty_nonfoil, qty_foil, condition, location_tag, updated_at`

var sortColumns = map[collection.SortField]string{
	collection.SortByName:    "c.name",
	collection.SortBySet:     "c.set_code",
	collection.SortByUpdated: "i.updated_at",
	collection.SortByPrice:   "p.price_cents",
}

func scanItem(row rowScanner) (*collection.CollectionItem, error) {
	var (
		item                collection.CollectionItem
		condition, location sql.NullString
		updatedAt           sql.NullInt64
	)
	if err := row.Scan(&item.ID, &item.CardID, &item.QtyNonfoil, &item.QtyFoil,
		&condition, &location, &updatedAt); err != nil {
		return nil, err
	}
	item.Condition = condition.String
	item.LocationTag = location.String
	item.UpdatedAt = updatedAt.Int64
	return &item, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertItem(ctx context.Context, q execQuerier, item *collection.CollectionItem) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO collection_items (card_id, qty_nonfoil, qty_foil, condition, location_tag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.CardID,
		item.QtyNonfoil,
		item.QtyFoil,
		nullString(item.Condition),
		nullString(item.LocationTag),
		item.UpdatedAt,
	)
	if err != nil {
		return err
	}
	item.ID, err = res.LastInsertId()
	return err
}

// CreateItem inserts a collection row. A missing card fails with ErrReferentialIntegrity.
func (s *SqliteStore) CreateItem(ctx context.Context, item *collection.CollectionItem) error {
	return s.run(ctx, "create_item", func() error {
		return insertItem(ctx, s.db, item)
	})
}

func (s *SqliteStore) GetItem(ctx context.Context, id int64) (*collection.CollectionItem, error) {
	var item *collection.CollectionItem
	err := s.run(ctx, "get_item", func() error {
		var err error
		item, err = scanItem(s.db.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM collection_items WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", id, err)
	}
	return item, nil
}

func (s *SqliteStore) ListItemsForCard(ctx context.Context, cardID int64) ([]*collection.CollectionItem, error) {
	var items []*collection.CollectionItem
	err := s.run(ctx, "list_items_for_card", func() error {
		items = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM collection_items WHERE card_id = ? ORDER BY id`, cardID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	return items, err
}

func (s *SqliteStore) DeleteItem(ctx context.Context, id int64) error {
	return s.run(ctx, "delete_item", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM collection_items WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return rowsAffected(res, "item", id)
	})
}

// findItem returns the row for key, or nil when there is none. NULL-safe on the
// optional condition and location columns.
func findItem(ctx context.Context, tx *sql.Tx, key collection.ItemKey) (*collection.CollectionItem, error) {
	item, err := scanItem(tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM collection_items
		WHERE card_id = ? AND condition IS ? AND location_tag IS ?
		ORDER BY id
		LIMIT 1`,
		key.CardID, nullString(key.Condition), nullString(key.LocationTag)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// writeQuantities stores nonfoil/foil for key inside tx, deleting the row when both are
// zero. It returns the stored row, or nil when no row remains.
func writeQuantities(ctx context.Context, tx *sql.Tx, existing *collection.CollectionItem, key collection.ItemKey, nonfoil, foil int, now int64) (*collection.CollectionItem, error) {
	if nonfoil == 0 && foil == 0 {
		if existing != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM collection_items WHERE id = ?`, existing.ID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if existing == nil {
		item := &collection.CollectionItem{
			CardID:      key.CardID,
			QtyNonfoil:  nonfoil,
			QtyFoil:     foil,
			Condition:   key.Condition,
			LocationTag: key.LocationTag,
			UpdatedAt:   now,
		}
		if err := insertItem(ctx, tx, item); err != nil {
			return nil, err
		}
		return item, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE collection_items SET qty_nonfoil = ?, qty_foil = ?, updated_at = ?
		WHERE id = ?`, nonfoil, foil, now, existing.ID); err != nil {
		return nil, err
	}
	existing.QtyNonfoil = nonfoil
	existing.QtyFoil = foil
	existing.UpdatedAt = now
	return existing, nil
}

func (s *SqliteStore) AdjustItem(ctx context.Context, key collection.ItemKey, deltaNonfoil, deltaFoil int, now int64) (*collection.CollectionItem, error) {
	var result *collection.CollectionItem
	err := s.inTx(ctx, "adjust_item", func(tx *sql.Tx) error {
		existing, err := findItem(ctx, tx, key)
		if err != nil {
			return err
		}
		nonfoil, foil := deltaNonfoil, deltaFoil
		if existing != nil {
			nonfoil += existing.QtyNonfoil
			foil += existing.QtyFoil
		}
		result, err = writeQuantities(ctx, tx, existing, key, max(0, nonfoil), max(0, foil), now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SqliteStore) SetItem(ctx context.Context, key collection.ItemKey, nonfoil, foil int, now int64) (*collection.CollectionItem, error) {
	if nonfoil < 0 || foil < 0 {
		return nil, fmt.Errorf("%w: nonfoil=%d foil=%d", collection.ErrInvalidQuantity, nonfoil, foil)
	}
	var result *collection.CollectionItem
	err := s.inTx(ctx, "set_item", func(tx *sql.Tx) error {
		existing, err := findItem(ctx, tx, key)
		if err != nil {
			return err
		}
		result, err = writeQuantities(ctx, tx, existing, key, nonfoil, foil, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListCollection returns one page of items joined with card and latest price, and the
// total number of matching items. Both reads share a transaction.
func (s *SqliteStore) ListCollection(ctx context.Context, query *collection.PageQuery) (*collection.CollectionPage, error) {
	orderCol, ok := sortColumns[query.Sort]
	if !ok {
		orderCol = sortColumns[collection.SortByName]
	}
	direction := "ASC"
	if query.Descending {
		direction = "DESC"
	}

	var (
		where string
		args  []any
	)
	if query.NameFilter != "" {
		where = `WHERE c.name LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(query.NameFilter)+"%")
	}

	page := &collection.CollectionPage{Limit: query.Limit, Offset: query.Offset}
	err := s.inTx(ctx, "list_collection", func(tx *sql.Tx) error {
		page.Rows = nil
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT i.id, c.id, c.name, c.set_code, c.collector_no,
			       i.qty_nonfoil, i.qty_foil, i.condition, i.location_tag, i.updated_at,
			       COALESCE(p.price_cents, 0), p.currency, p.as_of
			FROM collection_items i
			JOIN cards c ON c.id = i.card_id
			LEFT JOIN card_price_latest p ON p.card_id = i.card_id
			%s
			ORDER BY %s %s, c.name ASC, i.id ASC
			LIMIT ? OFFSET ?`, where, orderCol, direction),
			append(args, query.Limit, query.Offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r                                     collection.CollectionRow
				setCode, collectorNo, cond, loc, curr sql.NullString
				updatedAt, asOf                       sql.NullInt64
			)
			if err := rows.Scan(&r.ItemID, &r.CardID, &r.Name, &setCode, &collectorNo,
				&r.QtyNonfoil, &r.QtyFoil, &cond, &loc, &updatedAt,
				&r.PriceCents, &curr, &asOf); err != nil {
				return fmt.Errorf("failed to scan row: %w", err)
			}
			r.SetCode = setCode.String
			r.CollectorNo = collectorNo.String
			r.Condition = cond.String
			r.LocationTag = loc.String
			r.UpdatedAt = updatedAt.Int64
			r.Currency = curr.String
			r.AsOf = asOf.Int64
			page.Rows = append(page.Rows, &r)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		return tx.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM collection_items i
			JOIN cards c ON c.id = i.card_id
			`+where, args...).Scan(&page.Total)
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *SqliteStore) Summary(ctx context.Context) (*collection.Summary, error) {
	var sum collection.Summary
	err := s.run(ctx, "summary", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(DISTINCT i.card_id),
			       COALESCE(SUM(i.qty_nonfoil + i.qty_foil), 0),
			       COALESCE(SUM((i.qty_nonfoil + i.qty_foil) * COALESCE(p.price_cents, 0)), 0)
			FROM collection_items i
			LEFT JOIN card_price_latest p ON p.card_id = i.card_id`).
			Scan(&sum.UniqueCards, &sum.TotalCopies, &sum.TotalValueCents)
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}
