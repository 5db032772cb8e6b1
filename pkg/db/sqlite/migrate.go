package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accretional/cardvault/pkg/collection"
	"github.com/accretional/cardvault/pkg/metrics"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	// ErrChecksumMismatch is returned when an applied migration file has since changed.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
	// ErrFTS5Unavailable is returned when the SQLite build lacks FTS5.
	ErrFTS5Unavailable = errors.New("sqlite build does not support fts5")
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    checksum TEXT NOT NULL,
    applied_at TEXT NOT NULL
);
`

// Migrations returns the migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err) // embedded path is fixed at compile time
	}
	return sub
}

// Migration is one *.sql file.
type Migration struct {
	ID       string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of the schema_migrations ledger.
type AppliedMigration struct {
	ID        string
	Checksum  string
	AppliedAt string
}

// Migrator applies *.sql files in lexicographic order, one transaction per file.
type Migrator struct {
	db      *sql.DB
	fsys    fs.FS
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMigrator creates a migrator reading migrations from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS, logger *zap.Logger, m *metrics.Metrics) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, fsys: fsys, logger: logger, metrics: m, now: time.Now}
}

// Checksum returns the hex SHA-256 of a migration body.
func Checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

// Load reads all migrations, sorted by file name.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			continue
		}
		body, err := fs.ReadFile(m.fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		migrations = append(migrations, Migration{
			ID:       e.Name(),
			SQL:      string(body),
			Checksum: Checksum(string(body)),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}

// Applied returns the ledger keyed by migration id.
func (m *Migrator) Applied(ctx context.Context) (map[string]AppliedMigration, error) {
	if _, err := m.db.ExecContext(ctx, ledgerSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT id, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]AppliedMigration)
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.ID, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema_migrations: %w", err)
		}
		applied[a.ID] = a
	}
	return applied, rows.Err()
}

// Pending returns migrations not yet applied. A changed file that was already applied
// is an error.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	all, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range all {
		prev, ok := applied[mig.ID]
		if !ok {
			pending = append(pending, mig)
			continue
		}
		if prev.Checksum != mig.Checksum {
			return nil, fmt.Errorf("%w: %s applied=%s file=%s",
				ErrChecksumMismatch, mig.ID, prev.Checksum, mig.Checksum)
		}
		m.logger.Debug("migration already applied", zap.String("id", mig.ID))
	}
	return pending, nil
}

// MigrationStatus describes one known migration. AppliedAt is empty while pending.
type MigrationStatus struct {
	ID        string
	Checksum  string
	AppliedAt string
	Applied   bool
	// Modified is set when the file no longer matches the applied checksum.
	Modified bool
}

// Status lists every migration file together with its ledger state, in apply order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	all, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(all))
	for _, mig := range all {
		st := MigrationStatus{ID: mig.ID, Checksum: mig.Checksum}
		if prev, ok := applied[mig.ID]; ok {
			st.Applied = true
			st.AppliedAt = prev.AppliedAt
			st.Modified = prev.Checksum != mig.Checksum
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Migrate applies pending migrations and returns them. With dryRun nothing is written
// beyond the ledger table itself.
func (m *Migrator) Migrate(ctx context.Context, dryRun bool) ([]Migration, error) {
	if err := checkFTS5(ctx, m.db); err != nil {
		return nil, err
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		m.logger.Info("no pending migrations, database is up to date")
		return nil, nil
	}
	if dryRun {
		for _, mig := range pending {
			m.logger.Info("pending migration", zap.String("id", mig.ID))
		}
		return pending, nil
	}

	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return nil, err
		}
		m.metrics.RecordMigration()
		m.logger.Info("applied migration", zap.String("id", mig.ID), zap.String("checksum", mig.Checksum))
	}
	return pending, nil
}

// apply runs the migration body and its ledger row in one transaction.
func (m *Migrator) apply(ctx context.Context, mig Migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %w", collection.ErrSchemaInit, mig.ID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("%w: %s: %w", collection.ErrSchemaInit, mig.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (id, checksum, applied_at) VALUES (?, ?, ?)`,
		mig.ID, mig.Checksum, m.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: %s: record: %w", collection.ErrSchemaInit, mig.ID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s: commit: %w", collection.ErrSchemaInit, mig.ID, err)
	}
	return nil
}

// checkFTS5 probes on a single connection because temp tables are per connection.
func checkFTS5(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS temp.__fts5_probe USING fts5(x)`); err != nil {
		return fmt.Errorf("%w: %w", ErrFTS5Unavailable, err)
	}
	if _, err := conn.ExecContext(ctx, `DROP TABLE temp.__fts5_probe`); err != nil {
		return fmt.Errorf("failed to drop fts5 probe: %w", err)
	}
	return nil
}
