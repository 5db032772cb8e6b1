// Package importer loads catalog and price CSV exports into a collection.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accretional/cardvault/pkg/collection"
	"github.com/accretional/cardvault/pkg/metrics"
)

const (
	kindCard  = "card"
	kindPrice = "price"

	resultImported = "imported"
	resultSkipped  = "skipped"

	defaultBatchSize = 500
)

// ErrMissingColumn is returned when a CSV header lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// Catalog is the part of the collection the importer writes through.
type Catalog interface {
	ImportCards(ctx context.Context, cards []*collection.Card) (int, error)
	GetCardByUUID(ctx context.Context, uuid string) (*collection.Card, error)
	RecordPrice(ctx context.Context, price *collection.PriceLatest) error
}

type Options struct {
	// BatchSize is the number of cards upserted per transaction.
	BatchSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Result counts the data rows of one import.
type Result struct {
	Read     int
	Imported int
	Skipped  int
}

type Importer struct {
	catalog   Catalog
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func New(catalog Catalog, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Importer{
		catalog:   catalog,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// ImportCards reads a catalog CSV with at least uuid and name columns and upserts the
// rows by uuid. Rows without a name or a uuid are skipped.
func (im *Importer) ImportCards(ctx context.Context, r io.Reader) (*Result, error) {
	rows, err := newTable(r, "uuid", "name")
	if err != nil {
		return nil, err
	}

	res := &Result{}
	batch := make([]*collection.Card, 0, im.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.catalog.ImportCards(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to import batch ending at line %d: %w", rows.line, err)
		}
		res.Imported += n
		for i := 0; i < n; i++ {
			im.metrics.RecordImportRow(kindCard, resultImported)
		}
		batch = batch[:0]
		return nil
	}

	for {
		ok, err := rows.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		res.Read++

		card, reason := rows.card()
		if reason != "" {
			im.skip(res, kindCard, rows.line, reason)
			continue
		}
		batch = append(batch, card)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	im.logger.Info("card import finished",
		zap.Int("read", res.Read),
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// ImportPrices reads a CSV with uuid and price_cents columns, and optional currency and
// as_of, recording each row as the card's latest price and a history point. Rows for
// unknown cards are skipped.
func (im *Importer) ImportPrices(ctx context.Context, r io.Reader) (*Result, error) {
	rows, err := newTable(r, "uuid", "price_cents")
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for {
		ok, err := rows.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		res.Read++

		price, id, reason := rows.price()
		if reason != "" {
			im.skip(res, kindPrice, rows.line, reason)
			continue
		}

		card, err := im.catalog.GetCardByUUID(ctx, id)
		if errors.Is(err, collection.ErrNotFound) {
			im.skip(res, kindPrice, rows.line, "unknown card "+id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", rows.line, err)
		}

		price.CardID = card.ID
		if err := im.catalog.RecordPrice(ctx, price); err != nil {
			return nil, fmt.Errorf("line %d: %w", rows.line, err)
		}
		res.Imported++
		im.metrics.RecordImportRow(kindPrice, resultImported)
	}

	im.logger.Info("price import finished",
		zap.Int("read", res.Read),
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (im *Importer) skip(res *Result, kind string, line int, reason string) {
	res.Skipped++
	im.metrics.RecordImportRow(kind, resultSkipped)
	im.logger.Warn("skipping row",
		zap.String("kind", kind),
		zap.Int("line", line),
		zap.String("reason", reason),
	)
}

// table reads CSV records addressed by header name.
type table struct {
	r      *csv.Reader
	cols   map[string]int
	record []string
	line   int
}

func newTable(r io.Reader, required ...string) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty input", ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	return &table{r: cr, cols: cols, line: 1}, nil
}

func (t *table) next() (bool, error) {
	record, err := t.r.Read()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read csv: %w", err)
	}
	t.record = record
	t.line, _ = t.r.FieldPos(0)
	return true, nil
}

func (t *table) get(name string) string {
	i, ok := t.cols[name]
	if !ok || i >= len(t.record) {
		return ""
	}
	return strings.TrimSpace(t.record[i])
}

// card builds a card from the current record, or returns why the row is skipped.
func (t *table) card() (*collection.Card, string) {
	name := t.get("name")
	if name == "" {
		return nil, "missing name"
	}
	id := collection.NormalizeUUID(t.get("uuid"))
	if id == "" {
		return nil, "missing uuid"
	}
	return &collection.Card{
		UUID:        id,
		Name:        name,
		SetCode:     t.get("set_code"),
		CollectorNo: t.get("collector_no"),
		TypeLine:    t.get("type_line"),
		OracleText:  t.get("oracle_text"),
		ImageSmall:  t.get("image_small"),
		ImageLarge:  t.get("image_large"),
	}, ""
}

func (t *table) price() (*collection.PriceLatest, string, string) {
	id := collection.NormalizeUUID(t.get("uuid"))
	if id == "" {
		return nil, "", "missing uuid"
	}

	cents, err := strconv.ParseInt(t.get("price_cents"), 10, 64)
	if err != nil || cents < 0 {
		return nil, "", fmt.Sprintf("invalid price_cents %q", t.get("price_cents"))
	}

	asOf, err := parseAsOf(t.get("as_of"))
	if err != nil {
		return nil, "", err.Error()
	}

	return &collection.PriceLatest{
		PriceCents: cents,
		Currency:   strings.ToUpper(t.get("currency")),
		AsOf:       asOf,
	}, id, ""
}

// parseAsOf accepts unix seconds, RFC 3339 or a plain date. Empty means now, which the
// collection fills in.
func parseAsOf(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.Unix(), nil
		}
	}
	return 0, fmt.Errorf("invalid as_of %q", v)
}
