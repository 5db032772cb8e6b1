// Package backup takes consistent database snapshots and ships them to one or more
// destinations, keeping a bounded number of snapshots in each.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accretional/cardvault/pkg/metrics"

	_ "modernc.org/sqlite"
)

const (
	snapshotPrefix = "cardvault-"
	snapshotSuffix = ".db"
	timeLayout     = "20060102T150405Z"
)

// ErrVerifyFailed is returned when a fresh snapshot fails its integrity check.
var ErrVerifyFailed = errors.New("snapshot integrity check failed")

// Snapshotter writes a consistent copy of the database to a path that must not exist.
type Snapshotter interface {
	Backup(ctx context.Context, destPath string) error
}

// Object is a stored snapshot.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Destination is a place snapshots are uploaded to.
type Destination interface {
	Name() string
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

type Options struct {
	// Keep is the number of snapshots retained per destination; 0 keeps all.
	Keep int
	// TempDir holds the snapshot while it is uploaded. Defaults to os.TempDir().
	TempDir string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Result describes one backup run.
type Result struct {
	Name     string
	Size     int64
	Uploaded []string
	Pruned   int
}

// Manager runs backups. Runs are serialized.
type Manager struct {
	store   Snapshotter
	dests   []Destination
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	mu      sync.Mutex
}

func NewManager(store Snapshotter, dests []Destination, opts Options) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if len(dests) == 0 {
		return nil, fmt.Errorf("at least one backup destination is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Keep < 0 {
		opts.Keep = 0
	}
	return &Manager{
		store:   store,
		dests:   dests,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// SnapshotName builds the object name for a snapshot taken at t. Names sort by time.
func SnapshotName(t time.Time, id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return snapshotPrefix + t.UTC().Format(timeLayout) + "-" + short + snapshotSuffix
}

// Run snapshots the database, verifies the copy, uploads it to every destination and
// prunes old snapshots. A failing destination does not stop the others; their errors
// are joined. Result is returned even when some destinations failed.
func (m *Manager) Run(ctx context.Context) (res *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	res = &Result{Name: SnapshotName(m.opts.Now(), uuid.NewString())}
	defer func() {
		m.metrics.RecordBackup(res.Size, err)
	}()

	dir, err := os.MkdirTemp(m.opts.TempDir, "cardvault-backup-")
	if err != nil {
		return res, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, res.Name)
	if err := m.store.Backup(ctx, path); err != nil {
		return res, fmt.Errorf("failed to snapshot database: %w", err)
	}
	if err := Verify(ctx, path); err != nil {
		return res, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	res.Size = info.Size()

	var errs []error
	for _, dest := range m.dests {
		if err := m.upload(ctx, dest, path, res); err != nil {
			m.logger.Error("backup upload failed",
				zap.String("destination", dest.Name()),
				zap.String("snapshot", res.Name),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", dest.Name(), err))
			continue
		}
		res.Uploaded = append(res.Uploaded, dest.Name())

		pruned, err := m.prune(ctx, dest)
		res.Pruned += pruned
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: prune: %w", dest.Name(), err))
		}
	}
	err = errors.Join(errs...)

	m.logger.Info("backup finished",
		zap.String("snapshot", res.Name),
		zap.Int64("size_bytes", res.Size),
		zap.Strings("destinations", res.Uploaded),
		zap.Int("pruned", res.Pruned),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	return res, err
}

func (m *Manager) upload(ctx context.Context, dest Destination, path string, res *Result) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dest.Put(ctx, res.Name, f, res.Size)
}

// prune deletes all but the newest Keep snapshots in dest.
func (m *Manager) prune(ctx context.Context, dest Destination) (int, error) {
	if m.opts.Keep == 0 {
		return 0, nil
	}
	objects, err := dest.List(ctx, snapshotPrefix)
	if err != nil {
		return 0, err
	}

	var snaps []Object
	for _, o := range objects {
		if strings.HasSuffix(o.Key, snapshotSuffix) {
			snaps = append(snaps, o)
		}
	}
	if len(snaps) <= m.opts.Keep {
		return 0, nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key > snaps[j].Key })

	deleted := 0
	for _, o := range snaps[m.opts.Keep:] {
		if err := dest.Delete(ctx, o.Key); err != nil {
			return deleted, err
		}
		deleted++
		m.logger.Debug("pruned snapshot", zap.String("destination", dest.Name()), zap.String("key", o.Key))
	}
	return deleted, nil
}

// Verify opens a snapshot read-only and runs PRAGMA integrity_check.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+(&url.URL{Path: path}).EscapedPath()+"?mode=ro")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerifyFailed, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %w", ErrVerifyFailed, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrVerifyFailed, result)
	}
	return nil
}
