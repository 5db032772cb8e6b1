package collection_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/accretional/cardvault/pkg/collection"
	"github.com/accretional/cardvault/pkg/db/sqlite"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// setupTestCollection creates a REAL SQLite-backed collection for integration testing.
func setupTestCollection(t *testing.T) *collection.Collection {
	t.Helper()

	store, err := sqlite.NewSqliteStore(filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	coll, err := collection.NewCollection(store, collection.Options{
		Now: func() time.Time { return fixedNow },
	}, nil)
	if err != nil {
		store.Close()
		t.Fatalf("failed to create collection: %v", err)
	}
	t.Cleanup(func() { coll.Close() })

	return coll
}
