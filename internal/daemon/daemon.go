package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/cashpoint/posync/internal/catalog"
)

// Runner is a component that works until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Coordinator is the sync loop the daemon drives.
type Coordinator interface {
	Runner
	Trigger()
}

// Importer loads a catalog seed file.
type Importer interface {
	ImportFile(ctx context.Context, path string) (catalog.Result, error)
}

// Options configures a Daemon.
type Options struct {
	Coordinator Coordinator

	// Monitor publishes connectivity. Optional.
	Monitor Runner

	// Services run next to the sync loop, e.g. the dashboard.
	Services []Runner

	// SyncInterval is the period of the background sync nudge.
	SyncInterval time.Duration

	// SeedDir is watched for catalog seed files when set. Importer is
	// required then.
	SeedDir  string
	Importer Importer

	// DebounceInterval is how long a seed file must stay quiet before it
	// is imported. Editors write files in several steps.
	DebounceInterval time.Duration

	Logger *slog.Logger
}

// Daemon supervises the background components.
type Daemon struct {
	opts Options
	log  *slog.Logger

	scheduler *gocron.Scheduler
	jobMu     sync.Mutex
	job       *gocron.Job
	interval  time.Duration

	seeds *seedWatcher
}

// New validates opts and creates a Daemon. Nothing runs before Run.
func New(opts Options) (*Daemon, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("daemon: coordinator is required")
	}
	if opts.SyncInterval <= 0 {
		return nil, fmt.Errorf("daemon: sync interval must be > 0 (got %s)", opts.SyncInterval)
	}
	if opts.SeedDir != "" && opts.Importer == nil {
		return nil, errors.New("daemon: seed dir needs an importer")
	}
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Daemon{
		opts:      opts,
		log:       opts.Logger.With("component", "daemon"),
		scheduler: gocron.NewScheduler(time.UTC),
		interval:  opts.SyncInterval,
	}
	d.scheduler.SingletonModeAll()
	return d, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. A clean shutdown returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("starting daemon", slog.Duration("sync_interval", d.interval))

	if d.opts.SeedDir != "" {
		w, err := newSeedWatcher(d.opts.SeedDir, d.opts.Importer, d.opts.DebounceInterval, d.log)
		if err != nil {
			return err
		}
		d.seeds = w
		defer w.close()

		// files dropped while the daemon was down
		w.importAll(ctx)
	}

	if err := d.schedule(d.interval); err != nil {
		return err
	}
	d.scheduler.StartAsync()
	defer d.scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if d.opts.Monitor != nil {
		g.Go(func() error { return d.opts.Monitor.Run(ctx) })
	}
	g.Go(func() error { return d.opts.Coordinator.Run(ctx) })
	if d.seeds != nil {
		g.Go(func() error { return d.seeds.run(ctx) })
	}
	for _, svc := range d.opts.Services {
		g.Go(func() error { return svc.Run(ctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Error("daemon stopped", slog.String("error", err.Error()))
		return err
	}
	d.log.Info("daemon stopped")
	return nil
}

// SyncInterval returns the current nudge period.
func (d *Daemon) SyncInterval() time.Duration {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()
	return d.interval
}

// SetSyncInterval reschedules the periodic nudge, typically after a
// configuration reload.
func (d *Daemon) SetSyncInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sync interval must be > 0 (got %s)", interval)
	}
	if interval == d.SyncInterval() {
		return nil
	}
	if err := d.schedule(interval); err != nil {
		return err
	}
	d.log.Info("sync interval changed", slog.Duration("sync_interval", interval))
	return nil
}

// schedule replaces the nudge job.
func (d *Daemon) schedule(interval time.Duration) error {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	if d.job != nil {
		d.scheduler.RemoveByReference(d.job)
		d.job = nil
	}
	job, err := d.scheduler.Every(interval).WaitForSchedule().Do(d.opts.Coordinator.Trigger)
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	d.job = job
	d.interval = interval
	return nil
}
