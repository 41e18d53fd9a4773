// Package tracker implements the polling cycles that keep the search index
// in step with the repository. Each tracker follows one class of change,
// applies it through its own worker pool, and records a floor once the
// index has committed the work.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/config"
	"github.com/zanzrukiav/SearchServices/internal/dictionary"
	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/metrics"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
	"github.com/zanzrukiav/SearchServices/internal/state"
	"github.com/zanzrukiav/SearchServices/internal/workpool"
)

// Sentinel errors for expected conditions.
var (
	ErrShuttingDown = errors.New("tracker is shutting down")
	ErrLockTimeout  = errors.New("tracker cycle lock not acquired")
	ErrFatal        = errors.New("fatal tracker error")
	ErrNoSuchAction = errors.New("unsupported maintenance action")
)

// FatalError wraps a failure that leaves the floor in doubt, such as a
// state store write error. It matches ErrFatal.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() []error { return []error{ErrFatal, e.Err} }

func fatal(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// State is a tracker lifecycle state.
type State string

const (
	StateIdle         State = "IDLE"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// Tracker is one polling unit for a class of change on one core.
type Tracker interface {
	Type() models.TrackerType
	Core() string

	// Track acquires the cycle lock, runs queued maintenance and then Poll.
	Track(ctx context.Context) error
	// Poll applies everything above the floor. The caller holds the cycle lock.
	Poll(ctx context.Context) error
	// InvalidateState forces the next cycle to rescan from the beginning.
	InvalidateState(ctx context.Context) error

	HasMaintenance() bool
	Maintenance(ctx context.Context) error

	State() State
	Status(ctx context.Context) Status
	// Shutdown makes running and future cycles stop at the next checkpoint.
	Shutdown()
	// Close releases the worker pool. Call after the last cycle ended.
	Close()
}

// Status is a point-in-time report of a tracker.
type Status struct {
	Core        string             `json:"core"`
	Type        models.TrackerType `json:"type"`
	State       State              `json:"state"`
	LastOutcome State              `json:"last_outcome,omitempty"`
	Floor       int64              `json:"floor"`
	InFlight    int64              `json:"in_flight"`
	Cycles      int64              `json:"cycles"`
	Skipped     int64              `json:"skipped"`
	LastStart   time.Time          `json:"last_start,omitempty"`
	LastEnd     time.Time          `json:"last_end,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Maintenance int                `json:"maintenance_queued"`
	Deferred    int                `json:"deferred,omitempty"`
	Stuck       int                `json:"stuck,omitempty"`
	Rejected    []string           `json:"rejected_models,omitempty"`
}

// Index is the index view the trackers write to: a store plus the shard
// layout needed to decide node ownership.
type Index interface {
	index.IndexStore
	Owns(dbID int64) bool
	ShardFor(dbID int64) (int, bool)
}

// Options carries what every tracker is built from.
type Options struct {
	Core        string
	Repo        repository.RepositoryClient
	Index       Index
	State       state.TrackerStateStore
	Dictionary  *dictionary.Dictionary
	Settings    config.Tracker
	LockTimeout time.Duration
	// AclDeferral is the retry policy for nodes waiting on an ACL.
	AclDeferral config.Backoff
	Logger      *slog.Logger
	// Now overrides the clock.
	Now         func() time.Time
}

func (o *Options) validate(t models.TrackerType) error {
	switch {
	case o.Core == "":
		return fmt.Errorf("%s tracker: core is required", t)
	case o.Repo == nil:
		return fmt.Errorf("%s tracker: repository client is required", t)
	case o.Index == nil:
		return fmt.Errorf("%s tracker: index is required", t)
	case o.State == nil:
		return fmt.Errorf("%s tracker: state store is required", t)
	}
	return nil
}

// cycler is what the runtime drives through one cycle.
type cycler interface {
	Poll(ctx context.Context) error
	HasMaintenance() bool
	Maintenance(ctx context.Context) error
}

// runtime is the state machine and cycle bookkeeping shared by every tracker.
type runtime struct {
	typ      models.TrackerType
	core     string
	settings config.Tracker
	lock     *CycleLock
	lockWait time.Duration
	pool     *workpool.Pool
	logger   *slog.Logger
	metrics  *metrics.Tracker
	now      func() time.Time
	stopping atomic.Bool

	mu          sync.Mutex
	state       State
	lastOutcome State
	lastStart   time.Time
	lastEnd     time.Time
	lastErr     string
	cycles      int64
	skipped     int64
}

func newRuntime(t models.TrackerType, opts *Options) *runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("core", opts.Core, "tracker", string(t))

	s := opts.Settings
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.UpdateBatchSize <= 0 {
		s.UpdateBatchSize = s.BatchSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &runtime{
		typ:      t,
		core:     opts.Core,
		settings: s,
		lock:     NewCycleLock(),
		lockWait: opts.LockTimeout,
		pool:     workpool.New(opts.Core+"/"+string(t), s.PoolSize, s.QueueSize, logger),
		logger:   logger,
		metrics:  metrics.For(opts.Core, t),
		now:      now,
		state:    StateIdle,
	}
}

func (r *runtime) Type() models.TrackerType { return r.typ }

func (r *runtime) Core() string { return r.core }

func (r *runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runtime) Shutdown() {
	r.stopping.Store(true)
	r.mu.Lock()
	r.state = StateShuttingDown
	r.mu.Unlock()
}

func (r *runtime) Close() {
	r.pool.Close()
}

// withLock runs fn under the cycle lock, outside of a cycle.
func (r *runtime) withLock(ctx context.Context, fn func() error) error {
	if err := r.lock.Acquire(ctx, r.lockWait); err != nil {
		return err
	}
	defer r.lock.Release()
	return fn()
}

// checkpoint is consulted at fetch and batch boundaries.
func (r *runtime) checkpoint() error {
	if r.stopping.Load() {
		return ErrShuttingDown
	}
	return nil
}

// track runs one locked cycle. A lock timeout skips the cycle.
func (r *runtime) track(ctx context.Context, c cycler) error {
	if r.stopping.Load() {
		return ErrShuttingDown
	}
	if err := r.lock.Acquire(ctx, r.lockWait); err != nil {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		r.logger.Debug("cycle skipped", "reason", err)
		return err
	}
	defer r.lock.Release()

	start := r.now()
	r.mu.Lock()
	if r.state != StateShuttingDown {
		r.state = StateRunning
	}
	r.lastStart = start
	r.mu.Unlock()

	var err error
	if c.HasMaintenance() {
		err = c.Maintenance(ctx)
	}
	if err == nil {
		err = c.Poll(ctx)
	}
	r.finish(err, r.now().Sub(start))
	return err
}

func (r *runtime) finish(err error, elapsed time.Duration) {
	outcome := StateCompleted
	switch {
	case errors.Is(err, ErrShuttingDown):
		outcome = StateShuttingDown
	case err != nil:
		outcome = StateFailed
	}

	r.mu.Lock()
	r.cycles++
	r.lastEnd = r.now()
	r.lastOutcome = outcome
	r.lastErr = ""
	if err != nil {
		r.lastErr = err.Error()
	}
	if r.state != StateShuttingDown {
		r.state = StateIdle
	}
	r.mu.Unlock()

	r.metrics.CycleDone(string(outcome), elapsed)
	r.metrics.SetInFlight(r.pool.InFlight())

	switch {
	case errors.Is(err, ErrFatal):
		r.logger.Error("cycle failed", "error", err, "elapsed", elapsed)
	case outcome == StateFailed:
		r.logger.Warn("cycle failed", "error", err, "elapsed", elapsed)
	default:
		r.logger.Debug("cycle finished", "outcome", outcome, "elapsed", elapsed)
	}
}

func (r *runtime) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Core:        r.core,
		Type:        r.typ,
		State:       r.state,
		LastOutcome: r.lastOutcome,
		InFlight:    r.pool.InFlight(),
		Cycles:      r.cycles,
		Skipped:     r.skipped,
		LastStart:   r.lastStart,
		LastEnd:     r.lastEnd,
		LastError:   r.lastErr,
	}
}

// drain waits for the pool and returns the failures, or the first fatal one.
func (r *runtime) drain() (workpool.Result, error) {
	res := r.pool.Drain()
	r.metrics.Applied(res.Succeeded, len(res.Failures))
	for _, f := range res.Failures {
		if errors.Is(f.Err, ErrFatal) {
			return res, f.Err
		}
		r.logger.Warn("item failed", "item", f.Key, "error", f.Err)
	}
	return res, nil
}

// schedule queues a job, draining what was already queued if scheduling fails.
func (r *runtime) schedule(ctx context.Context, key string, job workpool.Job) error {
	if err := r.pool.Schedule(ctx, key, job); err != nil {
		r.pool.Drain()
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

// advance records a committed floor.
func (r *runtime) advance(ctx context.Context, store state.TrackerStateStore, floor int64) error {
	if err := store.SetFloor(ctx, r.core, r.typ, floor); err != nil {
		return fatal("set %s floor to %d: %w", r.typ, floor, err)
	}
	r.metrics.SetFloor(floor)
	return nil
}

// itemsFailed reports per-item failures that held the floor back.
func itemsFailed(res workpool.Result, floor int64) error {
	return fmt.Errorf("%d items failed, floor held at %d", len(res.Failures), floor)
}
