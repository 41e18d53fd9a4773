// Package engine assembles the trackers of one index core from
// configuration and exposes the controls used by the admin surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/zanzrukiav/SearchServices/internal/config"
	"github.com/zanzrukiav/SearchServices/internal/dictionary"
	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/index/sqlite"
	"github.com/zanzrukiav/SearchServices/internal/index/weaviate"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
	"github.com/zanzrukiav/SearchServices/internal/scheduler"
	"github.com/zanzrukiav/SearchServices/internal/state"
	"github.com/zanzrukiav/SearchServices/internal/tracker"
)

// Options overrides parts of the engine that are normally built from config.
type Options struct {
	// Repo replaces the HTTP repository client.
	Repo repository.RepositoryClient
	// Shards replaces the configured index backend, keyed by shard number.
	Shards map[int]index.IndexStore
	// Trigger replaces the cron trigger.
	Trigger scheduler.PeriodicTrigger
	Logger  *slog.Logger
}

// Engine runs the trackers of one core.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	state     *state.BboltStore
	dict      *dictionary.Dictionary
	repo      repository.RepositoryClient
	index     *index.ShardRouter
	registry  *tracker.Registry
	scheduler *scheduler.Scheduler
	model     *tracker.ModelTracker

	fatal     chan error
	closeOnce sync.Once
	closeErr  error
}

// New builds an engine. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("core", cfg.Core),
		dict:     dictionary.New(),
		registry: tracker.NewRegistry(),
		fatal:    make(chan error, 1),
	}

	st, err := state.NewBboltStore(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	e.state = st

	e.repo = opts.Repo
	if e.repo == nil {
		r := cfg.Repository
		e.repo = repository.NewRetryClient(
			repository.NewHTTPClient(r.URL, r.Token, r.Timeout.Std()),
			&repository.RetryConfig{
				MaxRetries:     r.Retry.MaxAttempts,
				InitialBackoff: r.Retry.InitialBackoff.Std(),
				MaxBackoff:     r.Retry.MaxBackoff.Std(),
				JitterFraction: r.Retry.Jitter,
			})
	}

	if err := e.openIndex(opts.Shards); err != nil {
		st.Close()
		return nil, err
	}

	trigger := opts.Trigger
	if trigger == nil {
		trigger = scheduler.NewCronTrigger(logger)
	}
	e.scheduler = scheduler.New(trigger,
		scheduler.WithLogger(logger),
		scheduler.WithFatalHandler(e.onFatal))

	if err := e.buildTrackers(); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// openIndex opens one store per hosted shard and wraps them in a router.
func (e *Engine) openIndex(injected map[int]index.IndexStore) error {
	sh := e.cfg.Shard
	ranges, err := sh.ParsedRanges()
	if err != nil {
		return err
	}

	shards := injected
	if shards == nil {
		shards = make(map[int]index.IndexStore, len(sh.Instances))
		for _, n := range sh.Instances {
			s, err := e.openShard(n)
			if err != nil {
				for _, opened := range shards {
					opened.Close()
				}
				return fmt.Errorf("open shard %d: %w", n, err)
			}
			shards[n] = s
		}
	}

	router, err := index.NewShardRouter(sh.Method, sh.Count, ranges, shards)
	if err != nil {
		return err
	}
	e.index = router
	e.logger.Info("index opened", "backend", e.cfg.Index.Backend, "method", sh.Method, "shards", router.Hosted())
	return nil
}

func (e *Engine) openShard(n int) (index.IndexStore, error) {
	ic := e.cfg.Index
	switch ic.Backend {
	case config.BackendSQLite:
		name := e.cfg.Core + "-shard-" + strconv.Itoa(n) + ".db"
		return sqlite.New(filepath.Join(ic.SQLiteDir, name))
	case config.BackendWeaviate:
		client, err := weaviate.NewClient(ic.WeaviateURL)
		if err != nil {
			return nil, err
		}
		return weaviate.New(context.Background(), client, ic.WeaviateClass+"Shard"+strconv.Itoa(n))
	default:
		return index.NewMemory(), nil
	}
}

func (e *Engine) buildTrackers() error {
	for _, typ := range models.AllTrackerTypes {
		settings := e.cfg.Trackers.For(typ)
		if !settings.Enabled {
			e.logger.Info("tracker disabled", "tracker", string(typ))
			continue
		}
		opts := tracker.Options{
			Core:        e.cfg.Core,
			Repo:        e.repo,
			Index:       e.index,
			State:       e.state,
			Dictionary:  e.dict,
			Settings:    *settings,
			LockTimeout: e.cfg.LockTimeout.Std(),
			AclDeferral: e.cfg.AclDeferral,
			Logger:      e.logger,
		}

		var t tracker.Tracker
		var err error
		switch typ {
		case models.TrackerMetadata:
			t, err = tracker.NewMetadataTracker(opts)
		case models.TrackerAcl:
			t, err = tracker.NewAclTracker(opts)
		case models.TrackerContent:
			t, err = tracker.NewContentTracker(opts)
		case models.TrackerCascade:
			t, err = tracker.NewCascadeTracker(opts)
		case models.TrackerModel:
			var m *tracker.ModelTracker
			m, err = tracker.NewModelTracker(opts)
			e.model, t = m, m
		}
		if err != nil {
			return err
		}
		if err := e.registry.Register(t); err != nil {
			t.Close()
			return err
		}
	}
	return nil
}

// Start restores accepted models and schedules every enabled tracker.
func (e *Engine) Start(ctx context.Context) error {
	if e.model != nil {
		if err := e.model.Restore(ctx); err != nil {
			return err
		}
	}
	for _, t := range e.registry.ForCore(e.cfg.Core) {
		expr := e.cfg.Trackers.For(t.Type()).Cron
		if err := e.scheduler.Schedule(t, expr); err != nil {
			return err
		}
	}
	if err := e.scheduler.Start(); err != nil {
		return err
	}
	e.logger.Info("engine started", "trackers", e.registry.Len())
	return nil
}

// Fatal delivers the first fatal tracker error. The process should stop
// after receiving it.
func (e *Engine) Fatal() <-chan error { return e.fatal }

func (e *Engine) onFatal(t tracker.Tracker, err error) {
	e.logger.Error("fatal tracker error, pausing all trackers", "tracker", string(t.Type()), "error", err)
	e.scheduler.PauseAll()
	select {
	case e.fatal <- fmt.Errorf("%s tracker: %w", t.Type(), err):
	default:
	}
}

// Shutdown waits for running cycles and closes every store.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.scheduler.Shutdown(ctx)
	if err != nil {
		e.logger.Warn("cycles still running at shutdown", "error", err)
	}
	return errors.Join(err, e.close())
}

func (e *Engine) close() error {
	e.closeOnce.Do(func() {
		for _, t := range e.registry.All() {
			t.Close()
			e.registry.Remove(t)
		}
		var errs []error
		if e.index != nil {
			errs = append(errs, e.index.Close())
		}
		errs = append(errs, e.state.Close())
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// Core returns the core name.
func (e *Engine) Core() string { return e.cfg.Core }

// Registry returns the tracker registry.
func (e *Engine) Registry() *tracker.Registry { return e.registry }

// Scheduler returns the scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }
