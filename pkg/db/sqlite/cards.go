package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/accretional/cardvault/pkg/collection"
)

const cardColumns = `id, uuid, name, set_code, collector_no, type_line, oracle_text, image_small, image_large`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*collection.Card, error) {
	var (
		c                                    collection.Card
		uuid, setCode, collectorNo, typeLine sql.NullString
		oracleText, imageSmall, imageLarge   sql.NullString
	)
	if err := row.Scan(&c.ID, &uuid, &c.Name, &setCode, &collectorNo, &typeLine,
		&oracleText, &imageSmall, &imageLarge); err != nil {
		return nil, err
	}
	c.UUID = uuid.String
	c.SetCode = setCode.String
	c.CollectorNo = collectorNo.String
	c.TypeLine = typeLine.String
	c.OracleText = oracleText.String
	c.ImageSmall = imageSmall.String
	c.ImageLarge = imageLarge.String
	return &c, nil
}

// CreateCard inserts card. A zero ID lets SQLite assign one; card.ID is set either way.
// The cards_ai trigger adds the search postings in the same statement.
func (s *SqliteStore) CreateCard(ctx context.Context, card *collection.Card) error {
	return s.run(ctx, "create_card", func() error {
		var id any
		if card.ID != 0 {
			id = card.ID
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO cards (id, uuid, name, set_code, collector_no, type_line, oracle_text, image_small, image_large)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id,
			nullString(card.UUID),
			card.Name,
			nullString(card.SetCode),
			nullString(card.CollectorNo),
			nullString(card.TypeLine),
			nullString(card.OracleText),
			nullString(card.ImageSmall),
			nullString(card.ImageLarge),
		)
		if err != nil {
			return err
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		card.ID = newID
		return nil
	})
}

func (s *SqliteStore) GetCard(ctx context.Context, id int64) (*collection.Card, error) {
	var card *collection.Card
	err := s.run(ctx, "get_card", func() error {
		var err error
		card, err = scanCard(s.db.QueryRowContext(ctx,
			`SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("card %d: %w", id, err)
	}
	return card, nil
}

func (s *SqliteStore) GetCardByUUID(ctx context.Context, uuid string) (*collection.Card, error) {
	var card *collection.Card
	err := s.run(ctx, "get_card_by_uuid", func() error {
		var err error
		card, err = scanCard(s.db.QueryRowContext(ctx,
			`SELECT `+cardColumns+` FROM cards WHERE uuid = ?`, uuid))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("card %q: %w", uuid, err)
	}
	return card, nil
}

// UpdateCard rewrites every column of an existing card. The cards_au trigger retracts
// the old postings and adds the new ones.
func (s *SqliteStore) UpdateCard(ctx context.Context, card *collection.Card) error {
	return s.run(ctx, "update_card", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE cards SET uuid = ?, name = ?, set_code = ?, collector_no = ?, type_line = ?,
			       oracle_text = ?, image_small = ?, image_large = ?
			WHERE id = ?`,
			nullString(card.UUID),
			card.Name,
			nullString(card.SetCode),
			nullString(card.CollectorNo),
			nullString(card.TypeLine),
			nullString(card.OracleText),
			nullString(card.ImageSmall),
			nullString(card.ImageLarge),
			card.ID,
		)
		if err != nil {
			return err
		}
		return rowsAffected(res, "card", card.ID)
	})
}

// DeleteCard removes the card; items and prices go with it through ON DELETE CASCADE
// and cards_ad removes its postings.
func (s *SqliteStore) DeleteCard(ctx context.Context, id int64) error {
	return s.run(ctx, "delete_card", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return rowsAffected(res, "card", id)
	})
}

// UpsertCards inserts cards, refreshing existing rows that share a uuid. Cards without
// a uuid are always inserted. card.ID is set for every card.
func (s *SqliteStore) UpsertCards(ctx context.Context, cards []*collection.Card) (int, error) {
	if len(cards) == 0 {
		return 0, nil
	}
	err := s.inTx(ctx, "upsert_cards", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cards (uuid, name, set_code, collector_no, type_line, oracle_text, image_small, image_large)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
			    name = excluded.name,
			    set_code = excluded.set_code,
			    collector_no = excluded.collector_no,
			    type_line = excluded.type_line,
			    oracle_text = excluded.oracle_text,
			    image_small = excluded.image_small,
			    image_large = excluded.image_large
			RETURNING id`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, card := range cards {
			if err := stmt.QueryRowContext(ctx,
				nullString(card.UUID),
				card.Name,
				nullString(card.SetCode),
				nullString(card.CollectorNo),
				nullString(card.TypeLine),
				nullString(card.OracleText),
				nullString(card.ImageSmall),
				nullString(card.ImageLarge),
			).Scan(&card.ID); err != nil {
				return fmt.Errorf("upsert %q: %w", card.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(cards), nil
}

func (s *SqliteStore) CountCards(ctx context.Context) (int64, error) {
	var n int64
	err := s.run(ctx, "count_cards", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards`).Scan(&n)
	})
	return n, err
}
