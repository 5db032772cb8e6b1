package importer_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accretional/cardvault/pkg/collection"
	"github.com/accretional/cardvault/pkg/db/sqlite"
	"github.com/accretional/cardvault/pkg/importer"
	"github.com/accretional/cardvault/pkg/metrics"
)

const (
	boltUUID  = "4a4a6a3c-6f0d-4b5a-9c2e-000000000001"
	helixUUID = "4a4a6a3c-6f0d-4b5a-9c2e-000000000002"
	opalUUID  = "4a4a6a3c-6f0d-4b5a-9c2e-000000000003"
)

func setup(t *testing.T) (*collection.Collection, *metrics.Metrics) {
	t.Helper()
	store, err := sqlite.NewSqliteStore(filepath.Join(t.TempDir(), "import.db"), sqlite.Options{})
	require.NoError(t, err)

	coll, err := collection.NewCollection(store, collection.Options{
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { coll.Close() })

	return coll, metrics.NewMetrics(prometheus.NewRegistry())
}

var catalogCSV = "\ufeffname,uuid,set_code,type_line,extra\n" +
	"Lightning Bolt," + boltUUID + ",LEA,Instant,x\n" +
	"Lightning Helix," + strings.ToUpper(helixUUID) + ",RAV,Instant,y\n" +
	"," + opalUUID + ",LEA,Artifact,z\n" +
	"No Id,,LEA,Sorcery,z\n" +
	"Black Lotus,lea-232,LEA,Artifact,z\n" +
	"Mox Opal," + opalUUID + ",SOM,Legendary Artifact\n"

func TestImportCards(t *testing.T) {
	ctx := context.Background()
	coll, m := setup(t)
	im := importer.New(coll, importer.Options{BatchSize: 2, Metrics: m})

	res, err := im.ImportCards(ctx, strings.NewReader(catalogCSV))
	require.NoError(t, err)
	assert.Equal(t, importer.Result{Read: 6, Imported: 4, Skipped: 2}, *res)

	n, err := coll.Store.CountCards(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	lotus, err := coll.GetCardByUUID(ctx, "lea-232")
	require.NoError(t, err)
	assert.Equal(t, "Black Lotus", lotus.Name)

	helix, err := coll.GetCardByUUID(ctx, helixUUID)
	require.NoError(t, err)
	assert.Equal(t, "RAV", helix.SetCode)

	hits, err := coll.Search(ctx, &collection.SearchQuery{Text: "legendary"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Mox Opal", hits[0].Card.Name)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.ImportRowsTotal.WithLabelValues("card", "imported")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImportRowsTotal.WithLabelValues("card", "skipped")))
}

func TestImportCards_Reimport(t *testing.T) {
	ctx := context.Background()
	coll, _ := setup(t)
	im := importer.New(coll, importer.Options{})

	_, err := im.ImportCards(ctx, strings.NewReader(catalogCSV))
	require.NoError(t, err)

	updated := "uuid,name,set_code\n" + boltUUID + ",Lightning Bolt,M10\n"
	res, err := im.ImportCards(ctx, strings.NewReader(updated))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	n, err := coll.Store.CountCards(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	bolt, err := coll.GetCardByUUID(ctx, boltUUID)
	require.NoError(t, err)
	assert.Equal(t, "M10", bolt.SetCode)
}

func TestImportCards_MissingColumn(t *testing.T) {
	coll, _ := setup(t)
	im := importer.New(coll, importer.Options{})

	_, err := im.ImportCards(context.Background(), strings.NewReader("name,set_code\nBolt,LEA\n"))
	assert.ErrorIs(t, err, importer.ErrMissingColumn)

	_, err = im.ImportCards(context.Background(), strings.NewReader(""))
	assert.ErrorIs(t, err, importer.ErrMissingColumn)
}

func TestImportPrices(t *testing.T) {
	ctx := context.Background()
	coll, m := setup(t)
	im := importer.New(coll, importer.Options{Metrics: m})

	_, err := im.ImportCards(ctx, strings.NewReader(catalogCSV))
	require.NoError(t, err)

	prices := "uuid,price_cents,currency,as_of\n" +
		boltUUID + ",250,usd,1700000100\n" +
		boltUUID + ",300,usd,2023-11-15T00:00:00Z\n" +
		helixUUID + ",75,,\n" +
		"99999999-9999-4999-8999-999999999999,10,usd,1\n" +
		opalUUID + ",abc,usd,1\n" +
		opalUUID + ",-5,usd,1\n" +
		opalUUID + ",5,usd,yesterday\n"

	res, err := im.ImportPrices(ctx, strings.NewReader(prices))
	require.NoError(t, err)
	assert.Equal(t, importer.Result{Read: 7, Imported: 3, Skipped: 4}, *res)

	bolt, err := coll.GetCardByUUID(ctx, boltUUID)
	require.NoError(t, err)
	history, err := coll.PriceHistory(ctx, bolt.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	latest, err := coll.LatestPrice(ctx, bolt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), latest.PriceCents)
	assert.Equal(t, "USD", latest.Currency)

	helix, err := coll.GetCardByUUID(ctx, helixUUID)
	require.NoError(t, err)
	latest, err = coll.LatestPrice(ctx, helix.ID)
	require.NoError(t, err)
	assert.Equal(t, "USD", latest.Currency)
	assert.Equal(t, int64(1_700_000_000), latest.AsOf)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.ImportRowsTotal.WithLabelValues("price", "skipped")))
}
