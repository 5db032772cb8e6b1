package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/accretional/cardvault/pkg/backup"
)

// Job names, also used as log fields.
const (
	JobCheckpoint = "checkpoint"
	JobOptimize   = "optimize"
	JobBackup     = "backup"
	JobHealth     = "health"
)

// Store is the database surface the scheduled jobs need.
type Store interface {
	Pinger
	Checkpoint(ctx context.Context) error
	OptimizeSearchIndex(ctx context.Context) error
}

// BackupRunner takes a snapshot and ships it to its destinations.
type BackupRunner interface {
	Run(ctx context.Context) (*backup.Result, error)
}

// Options holds the cron schedules. An empty schedule leaves the job out.
type Options struct {
	CheckpointSchedule string
	OptimizeSchedule   string
	BackupSchedule     string
	HealthSchedule     string
	// JobTimeout bounds a single job run. Defaults to 10 minutes.
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// Scheduler runs periodic database upkeep on a cron.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]func(ctx context.Context) error
	timeout time.Duration
	logger  *zap.Logger
}

// New registers the jobs whose schedule is set. backups and health may be nil, in which
// case their jobs are skipped.
func New(store Store, backups BackupRunner, health *HealthReporter, opts Options) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		jobs:    make(map[string]func(ctx context.Context) error),
		timeout: opts.JobTimeout,
		logger:  opts.Logger,
	}

	add := func(name, schedule string, fn func(ctx context.Context) error) error {
		if schedule == "" {
			return nil
		}
		s.jobs[name] = fn
		if _, err := s.cron.AddFunc(schedule, func() { _ = s.RunJob(context.Background(), name) }); err != nil {
			return fmt.Errorf("failed to schedule %s job %q: %w", name, schedule, err)
		}
		s.logger.Info("scheduled maintenance job", zap.String("job", name), zap.String("schedule", schedule))
		return nil
	}

	if err := add(JobCheckpoint, opts.CheckpointSchedule, store.Checkpoint); err != nil {
		return nil, err
	}
	if err := add(JobOptimize, opts.OptimizeSchedule, store.OptimizeSearchIndex); err != nil {
		return nil, err
	}
	if backups != nil {
		err := add(JobBackup, opts.BackupSchedule, func(ctx context.Context) error {
			res, err := backups.Run(ctx)
			if res != nil {
				s.logger.Info("backup finished",
					zap.String("name", res.Name),
					zap.Int64("size", res.Size),
					zap.Strings("uploaded", res.Uploaded),
					zap.Int("pruned", res.Pruned))
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if health != nil {
		if err := add(JobHealth, opts.HealthSchedule, health.Check); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs a registered job once, outside its schedule.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	fn, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown maintenance job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		s.logger.Error("maintenance job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return err
	}
	s.logger.Debug("maintenance job completed", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
