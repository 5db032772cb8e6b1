package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/accretional/cardvault/pkg/collection"
	"github.com/accretional/cardvault/pkg/metrics"

	_ "modernc.org/sqlite" // Using modernc.org/sqlite (cgo-free)
)

const memoryPath = ":memory:"

// Options configures a SqliteStore.
type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
	// SkipMigrations leaves the schema untouched on open (used by the migrate command).
	SkipMigrations bool
	// MinFullTextLen is the shortest query sent to the FTS index; shorter ones use LIKE.
	MinFullTextLen int
	// RetryMaxElapsed bounds retries of operations that hit SQLITE_BUSY.
	RetryMaxElapsed time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:     5 * time.Second,
		MaxOpenConns:    4,
		MinFullTextLen:  3,
		RetryMaxElapsed: 2 * time.Second,
	}
}

// SqliteStore implements collection.Store on a single SQLite file.
type SqliteStore struct {
	db      *sql.DB
	path    string
	options Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ collection.Store = (*SqliteStore)(nil)

// DSN builds a modernc connection string. Pragmas are passed as _pragma parameters so
// every pooled connection gets them, foreign_keys in particular.
func DSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "temp_store(MEMORY)")
	if path == memoryPath {
		return "file::memory:?" + q.Encode()
	}
	return FileURI(path) + "?" + q.Encode()
}

// FileURI returns a file: URI for path. Characters with URI meaning, such as '?', '#'
// and '%', are percent-encoded; SQLite decodes them again when opening.
func FileURI(path string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath()
}

// NewSqliteStore opens the database, verifies foreign key enforcement and applies
// pending migrations.
func NewSqliteStore(path string, opts Options) (*SqliteStore, error) {
	ctx := context.Background()
	opts = withDefaults(opts)

	db, err := sql.Open("sqlite", DSN(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if path == memoryPath {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read foreign_keys pragma: %w", err)
	}
	if fk != 1 {
		db.Close()
		return nil, fmt.Errorf("foreign key enforcement is not active")
	}

	s := &SqliteStore{
		db:      db,
		path:    path,
		options: opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}

	if !opts.SkipMigrations {
		if _, err := s.Migrator().Migrate(ctx, false); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = d.BusyTimeout
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = d.MaxOpenConns
	}
	if opts.MinFullTextLen <= 0 {
		opts.MinFullTextLen = d.MinFullTextLen
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = d.RetryMaxElapsed
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

func (s *SqliteStore) Close() error { return s.db.Close() }
func (s *SqliteStore) Path() string { return s.path }

// DB exposes the underlying handle for maintenance tooling and tests.
func (s *SqliteStore) DB() *sql.DB { return s.db }

// Migrator returns a migrator over the embedded migrations.
func (s *SqliteStore) Migrator() *Migrator {
	return NewMigrator(s.db, Migrations(), s.logger, s.metrics)
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.run(ctx, "ping", func() error {
		return s.db.PingContext(ctx)
	})
}

func (s *SqliteStore) Checkpoint(ctx context.Context) error {
	return s.run(ctx, "checkpoint", func() error {
		_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		return err
	})
}

// Backup uses VACUUM INTO for a consistent snapshot without blocking readers.
// destPath must not exist.
func (s *SqliteStore) Backup(ctx context.Context, destPath string) error {
	return s.run(ctx, "backup", func() error {
		_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
		return err
	})
}

// run executes fn with busy retries, classifies its error and records metrics.
func (s *SqliteStore) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := classify(s.retry(ctx, op, fn))
	s.metrics.ObserveStoreOperation(op, start, err)
	if err != nil && !errors.Is(err, collection.ErrNotFound) {
		s.logger.Debug("store operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// inTx runs fn inside one transaction; the whole transaction is retried on SQLITE_BUSY.
func (s *SqliteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.run(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *SqliteStore) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = s.options.RetryMaxElapsed

	operation := func() error {
		err := fn()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.RecordRetry(op)
		s.logger.Warn("database busy, retrying",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

// nullString stores empty optional text as NULL.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// rowsAffected turns a zero-row write into ErrNotFound.
func rowsAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, collection.ErrNotFound)
	}
	return nil
}
