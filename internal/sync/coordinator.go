package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/cashpoint/posync/internal/remote"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
)

// Options configures a Coordinator.
type Options struct {
	Store  *db.DB
	Outbox *outbox.Outbox
	Remote Remote

	// Connectivity gates passes. Nil means always online.
	Connectivity Connectivity

	// StoreID scopes order pulls. Orders are not pulled when empty.
	StoreID string

	// BatchSize caps the delivery attempts per entity type and pass.
	BatchSize int

	// MaxRetries is the retry ceiling past which an entry is reported as
	// exhausted and no longer attempted automatically.
	MaxRetries int

	Backoff BackoffConfig
	Metrics *Metrics
	Logger  *slog.Logger

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Coordinator is the sole drainer of the outbox.
type Coordinator struct {
	store      *db.DB
	outbox     *outbox.Outbox
	remote     Remote
	conn       Connectivity
	storeID    string
	batchSize  int
	maxRetries int
	backoff    *typeBackoff
	metrics    *Metrics
	log        *slog.Logger
	now        func() time.Time

	running atomic.Bool
	trigger chan struct{}

	mu        gosync.RWMutex
	status    Status
	proceeded bool
	observers []func(Status)
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Outbox == nil {
		return nil, errors.New("sync: store and outbox are required")
	}
	if opts.Remote == nil {
		return nil, errors.New("sync: remote is required")
	}
	if opts.Connectivity == nil {
		opts.Connectivity = alwaysOnline{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		store:      opts.Store,
		outbox:     opts.Outbox,
		remote:     opts.Remote,
		conn:       opts.Connectivity,
		storeID:    opts.StoreID,
		batchSize:  opts.BatchSize,
		maxRetries: opts.MaxRetries,
		backoff:    newTypeBackoff(opts.Backoff),
		metrics:    opts.Metrics,
		log:        opts.Logger.With("component", "sync"),
		now:        opts.Now,
		trigger:    make(chan struct{}, 1),
	}, nil
}

// MaxRetries returns the retry ceiling.
func (c *Coordinator) MaxRetries() int {
	return c.maxRetries
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Status {
	s := c.status
	s.Online = c.conn.Online()
	s.Blocking = !s.IsSyncComplete && !c.proceeded
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		s.LastSyncAt = &t
	}
	return s
}

// Observe registers fn to receive every status change. fn runs on the
// goroutine that changed the status and must not block.
func (c *Coordinator) Observe(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Coordinator) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	snap := c.snapshotLocked()
	observers := append([]func(Status){}, c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// Trigger asks the background loop for a pass. Calls coalesce while a pass
// is pending.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Proceed dismisses the blocking initial-sync overlay so the terminal works
// with the data it already has.
func (c *Coordinator) Proceed() {
	c.mu.Lock()
	c.proceeded = true
	c.mu.Unlock()
	c.update(func(*Status) {})
}

// Run drives background passes until ctx is cancelled: once at start, on
// every Trigger and whenever connectivity comes back. Work interrupted by
// shutdown stays in the outbox for the next launch.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("background sync started")
	regained := c.conn.Subscribe()
	c.Trigger()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("background sync stopped")
			return nil

		case <-c.trigger:
			c.background(ctx)

		case online, ok := <-regained:
			if !ok {
				regained = nil
				continue
			}
			c.update(func(*Status) {})
			if online {
				c.log.Info("connectivity regained, syncing")
				c.background(ctx)
			}
		}
	}
}

func (c *Coordinator) background(ctx context.Context) {
	res, err := c.SyncOnce(ctx)
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress):
		c.log.Debug("sync pass skipped", slog.String("reason", err.Error()))
	case err != nil && ctx.Err() == nil:
		c.log.Warn("sync pass finished with errors",
			slog.String("error", err.Error()),
			slog.Int("pushed", res.Pushed),
			slog.Int("failed", res.Failed),
		)
	}
}

// SyncOnce runs one push and pull pass. It returns ErrOffline without doing
// anything while offline and ErrSyncInProgress when a pass is running.
func (c *Coordinator) SyncOnce(ctx context.Context) (Result, error) {
	if !c.conn.Online() {
		c.update(func(*Status) {})
		return Result{}, ErrOffline
	}
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer c.running.Store(false)

	start := c.now()
	c.update(func(s *Status) { s.IsSyncing = true })

	var res Result
	pushErr := c.push(ctx, &res)
	var pullErr error
	if !isStorage(pushErr) {
		pullErr = c.pull(ctx, &res)
	}
	err := errors.Join(pushErr, pullErr)

	exhausted, qerr := c.refreshQueue(ctx)
	if qerr != nil {
		err = errors.Join(err, qerr)
	}
	res.Exhausted = exhausted
	if exhausted > 0 {
		err = errors.Join(err, fmt.Errorf("%d entries: %w", exhausted, ErrRetriesExhausted))
	}

	finished := c.now()
	c.metrics.observePass(finished.Sub(start))
	c.update(func(s *Status) {
		s.IsSyncing = false
		s.Error = describe(err)
		if pushErr == nil && pullErr == nil {
			s.LastSyncAt = &finished
		}
	})

	c.log.Debug("sync pass done",
		slog.Int("pushed", res.Pushed),
		slog.Int("failed", res.Failed),
		slog.Int("deferred", res.Deferred),
		slog.Int("pulled", res.Pulled),
		slog.Int("conflicts", res.Conflicts),
		slog.Duration("took", finished.Sub(start)),
	)
	return res, err
}

// RefreshQueue recomputes the pending and exhausted counters from the
// outbox.
func (c *Coordinator) RefreshQueue(ctx context.Context) error {
	_, err := c.refreshQueue(ctx)
	return err
}

func (c *Coordinator) refreshQueue(ctx context.Context) (int, error) {
	stats, err := c.outbox.Stats(ctx)
	if err != nil {
		return 0, storageError{err}
	}
	exhausted, err := c.outbox.Exhausted(ctx, c.maxRetries)
	if err != nil {
		return 0, storageError{err}
	}
	c.metrics.observeQueue(stats.Total, len(exhausted))
	c.update(func(s *Status) {
		s.Pending = stats.Total
		s.Exhausted = len(exhausted)
	})
	return len(exhausted), nil
}

// InitialSync pulls the reference data the terminal needs before it can
// take orders, reporting progress. On failure the status carries the error
// and IsSyncComplete stays false; the caller may RetrySync or Proceed.
func (c *Coordinator) InitialSync(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer c.running.Store(false)

	c.update(func(s *Status) {
		s.IsSyncing = true
		s.IsSyncComplete = false
		s.Error = nil
		s.Progress = Progress{Message: "Connecting", Percent: 0}
	})

	fail := func(err error) error {
		c.log.Warn("initial sync failed", slog.String("error", err.Error()))
		c.update(func(s *Status) {
			s.IsSyncing = false
			s.Error = describe(err)
			s.Progress.Message = "Sync failed"
		})
		return err
	}

	if !c.conn.Online() {
		return fail(ErrOffline)
	}

	steps := c.referenceSteps()
	for i, step := range steps {
		c.update(func(s *Status) {
			s.Progress = Progress{Message: "Loading " + step.label, Percent: i * 100 / len(steps)}
		})
		n, err := step.pull(ctx)
		if err != nil {
			return fail(err)
		}
		c.log.Info("reference data loaded", slog.String("entity_type", string(step.entity)), slog.Int("records", n))
	}

	if _, err := c.refreshQueue(ctx); err != nil {
		return fail(err)
	}

	done := c.now()
	c.update(func(s *Status) {
		s.IsSyncing = false
		s.IsSyncComplete = true
		s.Error = nil
		s.Progress = Progress{Message: "Ready", Percent: 100}
		s.LastSyncAt = &done
	})
	return nil
}

// RetrySync reruns the initial sync if it has not completed, otherwise runs
// a background pass.
func (c *Coordinator) RetrySync(ctx context.Context) error {
	if !c.Status().IsSyncComplete {
		return c.InitialSync(ctx)
	}
	_, err := c.SyncOnce(ctx)
	return err
}

// RetryExhausted resets every exhausted entry, clears type backoff and asks
// for a pass. It returns the number of entries reset.
func (c *Coordinator) RetryExhausted(ctx context.Context) (int64, error) {
	n, err := c.outbox.ResetExhausted(ctx, c.maxRetries)
	if err != nil {
		return 0, err
	}
	c.backoff.clear()
	if _, err := c.refreshQueue(ctx); err != nil {
		return n, err
	}
	c.log.Info("exhausted entries reset", slog.Int64("count", n))
	c.Trigger()
	return n, nil
}

// storageError marks failures of the local store, which abort a pass.
type storageError struct{ err error }

func (e storageError) Error() string { return "local store: " + e.err.Error() }
func (e storageError) Unwrap() error { return e.err }

func isStorage(err error) bool {
	var se storageError
	return errors.As(err, &se)
}

// rejectedError marks a payload the backend will never accept as is.
type rejectedError struct{ err error }

func (e rejectedError) Error() string { return e.err.Error() }
func (e rejectedError) Unwrap() error { return e.err }

func kindOf(err error) ErrorKind {
	var rej rejectedError
	switch {
	case isStorage(err):
		return ErrorStorage
	case errors.As(err, &rej):
		return ErrorRejected
	case remote.Retryable(err):
		return ErrorNetwork
	}
	return ErrorRejected
}

// describe turns a pass error into the user-facing status error. Exhausted
// entries take precedence because they need an operator.
func describe(err error) *SyncError {
	if err == nil {
		return nil
	}
	kind := kindOf(err)
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		kind = ErrorExhausted
	case isStorage(err):
		kind = ErrorStorage
	case errors.Is(err, ErrOffline):
		kind = ErrorNetwork
	}
	return &SyncError{Kind: kind, Message: err.Error()}
}
