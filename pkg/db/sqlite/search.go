package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/accretional/cardvault/pkg/collection"
)

const defaultSearchLimit = 50

// SearchCards queries the full-text index with prefix matching on every token, ranked
// by bm25. Short queries, and FTS queries without any hit, fall back to a LIKE scan on
// name unless query.FullTextOnly is set. The mode is the same for every page of a query.
func (s *SqliteStore) SearchCards(ctx context.Context, query *collection.SearchQuery) ([]*collection.SearchResult, error) {
	text := strings.TrimSpace(query.Text)
	limit := query.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	offset := max(0, query.Offset)

	match := MatchExpression(text)
	useFTS := match != "" && (query.FullTextOnly || utf8.RuneCountInString(text) >= s.options.MinFullTextLen)

	var results []*collection.SearchResult
	err := s.run(ctx, "search_cards", func() error {
		results = nil
		if useFTS {
			hits, err := s.searchFullText(ctx, match, limit, offset)
			if err != nil {
				return err
			}
			if len(hits) > 0 || query.FullTextOnly {
				results = hits
				return nil
			}
			// Past the last index hit: stay on the index so pages never mix modes.
			if offset > 0 {
				first, err := s.searchFullText(ctx, match, 1, 0)
				if err != nil {
					return err
				}
				if len(first) > 0 {
					return nil
				}
			}
		}
		if query.FullTextOnly {
			return nil
		}
		hits, err := s.searchLike(ctx, text, limit, offset)
		results = hits
		return err
	})
	return results, err
}

// MatchExpression turns free text into an FTS5 query: each token becomes a quoted
// prefix term, so operators and quotes in user input are treated as text.
func MatchExpression(text string) string {
	var terms []string
	for _, tok := range strings.Fields(text) {
		if !strings.ContainsFunc(tok, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " ")
}

func (s *SqliteStore) searchFullText(ctx context.Context, match string, limit, offset int) ([]*collection.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.uuid, c.name, c.set_code, c.collector_no, c.type_line,
		       c.oracle_text, c.image_small, c.image_large, bm25(cards_fts) AS score
		FROM cards_fts
		JOIN cards c ON c.id = cards_fts.rowid
		WHERE cards_fts MATCH ?
		ORDER BY score ASC, c.name ASC
		LIMIT ? OFFSET ?`, match, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*collection.SearchResult
	for rows.Next() {
		var score float64
		card, err := scanCard(scoreScanner{rows: rows, score: &score})
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, &collection.SearchResult{Card: card, Score: score, FullText: true})
	}
	return results, rows.Err()
}

func (s *SqliteStore) searchLike(ctx context.Context, text string, limit, offset int) ([]*collection.SearchResult, error) {
	pattern := "%" + escapeLike(text) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE name LIKE ? ESCAPE '\'
		ORDER BY name ASC
		LIMIT ? OFFSET ?`, pattern, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*collection.SearchResult
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, &collection.SearchResult{Card: card})
	}
	return results, rows.Err()
}

// scoreScanner appends the trailing score column to a card scan.
type scoreScanner struct {
	rows  rowScanner
	score *float64
}

func (s scoreScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.score)...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// RebuildSearchIndex discards all postings and re-reads them from cards.
func (s *SqliteStore) RebuildSearchIndex(ctx context.Context) error {
	return s.run(ctx, "rebuild_search_index", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO cards_fts(cards_fts) VALUES ('rebuild')`)
		return err
	})
}

// VerifySearchIndex checks the index against the cards table.
func (s *SqliteStore) VerifySearchIndex(ctx context.Context) error {
	err := s.run(ctx, "verify_search_index", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO cards_fts(cards_fts, rank) VALUES ('integrity-check', 1)`)
		return err
	})
	if err != nil && isCorrupt(err) {
		return fmt.Errorf("%w: %w", collection.ErrSearchIndexCorrupt, err)
	}
	return err
}

// OptimizeSearchIndex merges index segments.
func (s *SqliteStore) OptimizeSearchIndex(ctx context.Context) error {
	return s.run(ctx, "optimize_search_index", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO cards_fts(cards_fts) VALUES ('optimize')`)
		return err
	})
}

func isCorrupt(err error) bool {
	var sqlErr *msqlite.Error
	if errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqlite3.SQLITE_CORRUPT {
		return true
	}
	return strings.Contains(err.Error(), "malformed")
}
