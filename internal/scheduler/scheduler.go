// Package scheduler fires tracker cycles on their cron schedules. A job is
// keyed by core and tracker type; a fire that finds the previous cycle of
// the same job still running is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/tracker"
)

var (
	ErrShutdown   = errors.New("scheduler is shut down")
	ErrUnknownJob = errors.New("no job scheduled for tracker")
	ErrRunning    = errors.New("tracker cycle already running")
)

// FatalHandler receives cycle errors that leave a tracker's floor in doubt.
type FatalHandler func(t tracker.Tracker, err error)

type job struct {
	tracker tracker.Tracker
	expr    string
	handle  Handle
	running atomic.Bool

	mu       sync.Mutex
	lastFire time.Time
	fires    int64
	skipped  int64
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	Core     string             `json:"core"`
	Type     models.TrackerType `json:"type"`
	Cron     string             `json:"cron"`
	Running  bool               `json:"running"`
	LastFire time.Time          `json:"last_fire,omitempty"`
	Fires    int64              `json:"fires"`
	Skipped  int64              `json:"skipped"`
}

// Scheduler owns one trigger entry per tracker instance.
type Scheduler struct {
	trigger PeriodicTrigger
	logger  *slog.Logger
	onFatal FatalHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*job
	inflight sync.WaitGroup
	started  bool
	shutdown bool
	paused   atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFatalHandler sets the handler for fatal cycle errors.
func WithFatalHandler(fn FatalHandler) Option {
	return func(s *Scheduler) { s.onFatal = fn }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler on top of trigger.
func New(trigger PeriodicTrigger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		trigger: trigger,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start starts the trigger.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	if !s.started {
		s.started = true
		s.trigger.Start()
	}
	return nil
}

// Schedule registers t on expr. Scheduling the same instance with the same
// expression again is a no-op; anything else replaces the existing job.
func (s *Scheduler) Schedule(t tracker.Tracker, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}

	key := tracker.Key(t.Core(), t.Type())
	if old, ok := s.jobs[key]; ok {
		if old.tracker == t && old.expr == expr {
			return nil
		}
		s.trigger.Cancel(old.handle)
		delete(s.jobs, key)
	}

	j := &job{tracker: t, expr: expr}
	h, err := s.trigger.Register(expr, func() { s.fire(j) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	j.handle = h
	s.jobs[key] = j
	s.logger.Info("tracker scheduled", "core", t.Core(), "tracker", string(t.Type()), "cron", expr)
	return nil
}

func (s *Scheduler) removeLocked(key string) {
	j := s.jobs[key]
	s.trigger.Cancel(j.handle)
	delete(s.jobs, key)
	s.logger.Info("tracker unscheduled", "core", j.tracker.Core(), "tracker", string(j.tracker.Type()))
}

// DeleteTrackerJob removes the job of one core and tracker type.
func (s *Scheduler) DeleteTrackerJob(core string, t models.TrackerType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tracker.Key(core, t)
	if _, ok := s.jobs[key]; !ok {
		return false
	}
	s.removeLocked(key)
	return true
}

// DeleteTrackerJobs removes the jobs of a tracker type on every core.
func (s *Scheduler) DeleteTrackerJobs(t models.TrackerType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, j := range s.jobs {
		if j.tracker.Type() == t {
			s.removeLocked(key)
			n++
		}
	}
	return n
}

// DeleteJobForTrackerInstance removes the job only if it belongs to this
// exact tracker instance.
func (s *Scheduler) DeleteJobForTrackerInstance(t tracker.Tracker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tracker.Key(t.Core(), t.Type())
	if j, ok := s.jobs[key]; !ok || j.tracker != t {
		return false
	}
	s.removeLocked(key)
	return true
}

// PauseAll makes every fire a no-op until ResumeAll. Running cycles finish.
func (s *Scheduler) PauseAll() {
	if !s.paused.Swap(true) {
		s.logger.Info("scheduling paused")
	}
}

func (s *Scheduler) ResumeAll() {
	if s.paused.Swap(false) {
		s.logger.Info("scheduling resumed")
	}
}

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// RunNow runs one cycle of a scheduled tracker in the calling goroutine,
// whether or not scheduling is paused.
func (s *Scheduler) RunNow(core string, t models.TrackerType) error {
	s.mu.Lock()
	j, ok := s.jobs[tracker.Key(core, t)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, tracker.Key(core, t))
	}
	return s.run(j)
}

func (s *Scheduler) fire(j *job) {
	if s.paused.Load() {
		return
	}
	if err := s.run(j); err != nil && !errors.Is(err, ErrRunning) && !errors.Is(err, ErrShutdown) {
		s.logger.Debug("fire ended with error", "core", j.tracker.Core(), "tracker", string(j.tracker.Type()), "error", err)
	}
}

// run executes a cycle unless the job's previous cycle is still running.
func (s *Scheduler) run(j *job) (err error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	j.mu.Lock()
	j.lastFire = time.Now()
	j.fires++
	j.mu.Unlock()

	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.skipped++
		j.mu.Unlock()
		s.logger.Debug("fire skipped, cycle still running", "core", j.tracker.Core(), "tracker", string(j.tracker.Type()))
		return ErrRunning
	}
	defer j.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tracker cycle panicked", "core", j.tracker.Core(), "tracker", string(j.tracker.Type()), "panic", r)
			err = fmt.Errorf("tracker cycle panicked: %v", r)
		}
	}()

	err = j.tracker.Track(s.ctx)
	if errors.Is(err, tracker.ErrFatal) && s.onFatal != nil {
		s.onFatal(j.tracker, err)
	}
	return err
}

// Shutdown stops scheduling, signals every tracker, and waits for running
// cycles to reach a checkpoint.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	started := s.started
	s.mu.Unlock()

	s.logger.Info("scheduler shutting down", "jobs", len(jobs))
	for _, j := range jobs {
		j.tracker.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	defer s.cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for running cycles: %w", ctx.Err())
	}
	if started {
		select {
		case <-s.trigger.Stop().Done():
		case <-ctx.Done():
			return fmt.Errorf("stopping trigger: %w", ctx.Err())
		}
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Jobs lists the scheduled jobs ordered by core and type.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, JobInfo{
			Core:     j.tracker.Core(),
			Type:     j.tracker.Type(),
			Cron:     j.expr,
			Running:  j.running.Load(),
			LastFire: j.lastFire,
			Fires:    j.fires,
			Skipped:  j.skipped,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Core != out[k].Core {
			return out[i].Core < out[k].Core
		}
		return out[i].Type < out[k].Type
	})
	return out
}
