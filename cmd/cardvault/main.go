package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/accretional/cardvault/pkg/backup"
	"github.com/accretional/cardvault/pkg/collection"
	"github.com/accretional/cardvault/pkg/config"
	"github.com/accretional/cardvault/pkg/db/sqlite"
	"github.com/accretional/cardvault/pkg/importer"
	"github.com/accretional/cardvault/pkg/logger"
	"github.com/accretional/cardvault/pkg/metrics"
)

const usage = `usage: cardvault [-config file] [-env dir] <command> [flags]

commands:
  migrate [-dry-run] [-status]   apply schema migrations
  import -csv cards.csv          upsert catalog cards by uuid
  prices -csv prices.csv         record price observations
  search [-limit n] <query>      search cards by name and text
  reindex                        rebuild the full-text index from cards
  verify                         check the full-text index against cards
  backup                         snapshot the database to the backup destinations
  serve                          run scheduled maintenance, health and metrics endpoints
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cardvault:", err)
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	out      io.Writer
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("cardvault", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configFile := fs.String("config", "", "path to config file (default: config.yaml in . or config/)")
	envPath := fs.String("env", "", "directory holding .env files (default: config/)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags:      map[string]string{"service": "cardvault"},
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Flush(2 * time.Second)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{cfg: cfg, log: log, registry: reg, metrics: metrics.NewMetrics(reg), out: out}

	ctx := context.Background()
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "migrate":
		return a.migrate(ctx, cmdArgs)
	case "import":
		return a.importCSV(ctx, cmdArgs, false)
	case "prices":
		return a.importCSV(ctx, cmdArgs, true)
	case "search":
		return a.search(ctx, cmdArgs)
	case "reindex":
		return a.withStore(func(store *sqlite.SqliteStore) error {
			if err := store.RebuildSearchIndex(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "search index rebuilt")
			return nil
		})
	case "verify":
		return a.withStore(func(store *sqlite.SqliteStore) error {
			if err := store.VerifySearchIndex(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "search index ok")
			return nil
		})
	case "backup":
		return a.withStore(func(store *sqlite.SqliteStore) error {
			mgr, err := a.backupManager(ctx, store)
			if err != nil {
				return err
			}
			res, err := mgr.Run(ctx)
			if res != nil {
				fmt.Fprintf(a.out, "%s (%d bytes) -> %s\n", res.Name, res.Size, strings.Join(res.Uploaded, ", "))
			}
			return err
		})
	case "serve":
		return a.serve(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) openStore(skipMigrations bool) (*sqlite.SqliteStore, error) {
	path := a.cfg.Database.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.NewSqliteStore(path, sqlite.Options{
		BusyTimeout:    a.cfg.Database.BusyTimeout,
		MaxOpenConns:   a.cfg.Database.MaxOpenConns,
		SkipMigrations: skipMigrations || a.cfg.Database.SkipMigrations,
		MinFullTextLen: a.cfg.Search.MinFullTextLen,
		Logger:         a.log.Named("store"),
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return store, nil
}

func (a *app) withStore(fn func(store *sqlite.SqliteStore) error) error {
	store, err := a.openStore(false)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (a *app) openCollection() (*collection.Collection, error) {
	store, err := a.openStore(false)
	if err != nil {
		return nil, err
	}
	coll, err := collection.NewCollection(store, collection.Options{
		CacheSize:   a.cfg.Cache.Size,
		CacheTTL:    a.cfg.Cache.TTL,
		SearchLimit: a.cfg.Search.DefaultLimit,
	}, a.log.Named("collection"))
	if err != nil {
		store.Close()
		return nil, err
	}
	return coll, nil
}

func (a *app) migrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "list pending migrations without applying them")
	status := fs.Bool("status", false, "list applied and pending migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore(true)
	if err != nil {
		return err
	}
	defer store.Close()

	if *status {
		statuses, err := store.Migrator().Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tAPPLIED AT")
		for _, st := range statuses {
			state := "pending"
			switch {
			case st.Modified:
				state = "modified"
			case st.Applied:
				state = "applied"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", st.ID, state, st.AppliedAt)
		}
		return w.Flush()
	}

	migrations, err := store.Migrator().Migrate(ctx, *dryRun)
	if err != nil {
		return err
	}
	verb := "applied"
	if *dryRun {
		verb = "pending"
	}
	for _, m := range migrations {
		fmt.Fprintf(a.out, "%s %s\n", verb, m.ID)
	}
	if len(migrations) == 0 {
		fmt.Fprintln(a.out, "database is up to date")
	}
	return nil
}

func (a *app) importCSV(ctx context.Context, args []string, prices bool) error {
	name := "import"
	if prices {
		name = "prices"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("csv", "", "CSV file to read")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("-csv is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		return fmt.Errorf("failed to open csv: %w", err)
	}
	defer f.Close()

	coll, err := a.openCollection()
	if err != nil {
		return err
	}
	defer coll.Close()

	im := importer.New(coll, importer.Options{
		BatchSize: a.cfg.Import.BatchSize,
		Logger:    a.log.Named("importer"),
		Metrics:   a.metrics,
	})

	var res *importer.Result
	if prices {
		res, err = im.ImportPrices(ctx, f)
	} else {
		res, err = im.ImportCards(ctx, f)
	}
	if err != nil {
		return err
	}
	a.log.Info("import finished",
		zap.String("file", *path),
		zap.Int("read", res.Read),
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped))
	fmt.Fprintf(a.out, "read %d, imported %d, skipped %d\n", res.Read, res.Imported, res.Skipped)
	return nil
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum number of results (default: search.default_limit)")
	offset := fs.Int("offset", 0, "number of results to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("search query is required")
	}

	coll, err := a.openCollection()
	if err != nil {
		return err
	}
	defer coll.Close()

	results, err := coll.Search(ctx, &collection.SearchQuery{Text: text, Limit: *limit, Offset: *offset})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSET\tTYPE")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Card.ID, r.Card.Name, r.Card.SetCode, r.Card.TypeLine)
	}
	return w.Flush()
}

// backupManager builds a manager over the configured destinations.
func (a *app) backupManager(ctx context.Context, store *sqlite.SqliteStore) (*backup.Manager, error) {
	var dests []backup.Destination
	if a.cfg.Backup.Dir != "" {
		dest, err := backup.NewLocalDestination(a.cfg.Backup.Dir)
		if err != nil {
			return nil, err
		}
		dests = append(dests, dest)
	}
	if s3cfg := a.cfg.Backup.S3; s3cfg.Bucket != "" {
		client, err := backup.NewS3Client(ctx, backup.S3Config{
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			AccessKey:    s3cfg.AccessKey,
			SecretKey:    s3cfg.SecretKey,
			UsePathStyle: s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		dest, err := backup.NewS3Destination(client, s3cfg.Bucket, s3cfg.Prefix)
		if err != nil {
			return nil, err
		}
		dests = append(dests, dest)
	}

	return backup.NewManager(store, dests, backup.Options{
		Keep:    a.cfg.Backup.Keep,
		Logger:  a.log.Named("backup"),
		Metrics: a.metrics,
	})
}
