package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zanzrukiav/SearchServices/internal/dictionary"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
	"github.com/zanzrukiav/SearchServices/internal/state"
)

// ModelTracker keeps the dictionary in step with the repository's models.
// Only additive model changes are applied; others are reported.
type ModelTracker struct {
	*runtime
	repo  repository.RepositoryClient
	store state.TrackerStateStore
	dict  *dictionary.Dictionary

	mu       sync.Mutex
	rejected map[string]string // model name -> rejected checksum
}

// NewModelTracker creates a model tracker.
func NewModelTracker(opts Options) (*ModelTracker, error) {
	if err := opts.validate(models.TrackerModel); err != nil {
		return nil, err
	}
	if opts.Dictionary == nil {
		return nil, fmt.Errorf("model tracker: dictionary is required")
	}
	return &ModelTracker{
		runtime:  newRuntime(models.TrackerModel, &opts),
		repo:     opts.Repo,
		store:    opts.State,
		dict:     opts.Dictionary,
		rejected: make(map[string]string),
	}, nil
}

// Restore installs the models accepted before the last shutdown.
func (t *ModelTracker) Restore(ctx context.Context) error {
	stored, err := t.store.LoadModels(ctx)
	if err != nil {
		return fatal("load models: %w", err)
	}
	for _, m := range stored {
		if err := t.dict.PutModel(m); err != nil {
			t.logger.Warn("stored model not restored", "model", m.Name, "error", err)
		}
	}
	t.logger.Info("models restored", "count", len(stored))
	return nil
}

// Track runs one locked cycle.
func (t *ModelTracker) Track(ctx context.Context) error { return t.track(ctx, t) }

// Poll asks the repository which models differ from the dictionary and
// applies the differences.
func (t *ModelTracker) Poll(ctx context.Context) error {
	if err := t.checkpoint(); err != nil {
		return err
	}
	diffs, err := t.repo.GetModelsDiff(ctx, t.dict.Checksums())
	if err != nil {
		return fmt.Errorf("fetch model diff: %w", err)
	}

	for _, d := range diffs {
		if d.Kind != models.ModelRemoved && t.alreadyRejected(d.Name, d.Checksum) {
			continue
		}
		if err := t.schedule(ctx, "model/"+d.Name, func(ctx context.Context) error {
			return t.apply(ctx, d)
		}); err != nil {
			return err
		}
	}

	res, err := t.drain()
	if err != nil {
		return err
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d model updates failed", len(res.Failures))
	}
	return nil
}

func (t *ModelTracker) apply(ctx context.Context, d models.ModelDiff) error {
	if d.Kind == models.ModelRemoved {
		t.dict.RemoveModel(d.Name)
		if err := t.store.DeleteModel(ctx, d.Name); err != nil {
			return fatal("delete model %s: %w", d.Name, err)
		}
		t.logger.Info("model removed", "model", d.Name)
		return nil
	}

	m, err := t.repo.GetModel(ctx, d.Name)
	if err != nil {
		return fmt.Errorf("fetch model %s: %w", d.Name, err)
	}
	if err := t.dict.PutModel(m); err != nil {
		if !errors.Is(err, dictionary.ErrIncompatibleModel) {
			return err
		}
		t.reject(d.Name, d.Checksum)
		t.metrics.ModelRejected(d.Name)
		t.logger.Warn("model change rejected", "model", d.Name, "error", err)
		return nil
	}
	if err := t.store.PutModel(ctx, m); err != nil {
		return fatal("store model %s: %w", d.Name, err)
	}
	t.accept(d.Name)
	t.logger.Info("model applied", "model", d.Name, "kind", d.Kind)
	return nil
}

func (t *ModelTracker) alreadyRejected(name, checksum string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum, ok := t.rejected[name]
	return ok && checksum != "" && sum == checksum
}

func (t *ModelTracker) reject(name, checksum string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected[name] = checksum
}

func (t *ModelTracker) accept(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rejected, name)
}

// InvalidateState forgets rejections so every differing model is fetched again.
func (t *ModelTracker) InvalidateState(ctx context.Context) error {
	t.mu.Lock()
	t.rejected = make(map[string]string)
	t.mu.Unlock()
	return nil
}

func (t *ModelTracker) HasMaintenance() bool { return false }

func (t *ModelTracker) Maintenance(ctx context.Context) error { return nil }

// Status reports the models whose latest version was rejected.
func (t *ModelTracker) Status(ctx context.Context) Status {
	s := t.status()
	for name, err := range t.dict.Errors() {
		s.Rejected = append(s.Rejected, name+": "+err.Error())
	}
	sort.Strings(s.Rejected)
	return s
}
