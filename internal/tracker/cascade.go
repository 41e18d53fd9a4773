package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
	"github.com/zanzrukiav/SearchServices/internal/state"
)

// CascadeTracker propagates path changes of container nodes to their
// descendants. The metadata tracker marks a parent document pending when it
// indexes a transaction carrying the cascade marker; this tracker rewrites
// the path fields of every document below it and clears the mark.
type CascadeTracker struct {
	*runtime
	repo  repository.RepositoryClient
	index Index
	store state.TrackerStateStore
}

// NewCascadeTracker creates a cascade tracker.
func NewCascadeTracker(opts Options) (*CascadeTracker, error) {
	if err := opts.validate(models.TrackerCascade); err != nil {
		return nil, err
	}
	return &CascadeTracker{
		runtime: newRuntime(models.TrackerCascade, &opts),
		repo:    opts.Repo,
		index:   opts.Index,
		store:   opts.State,
	}, nil
}

// Track runs one locked cycle.
func (t *CascadeTracker) Track(ctx context.Context) error { return t.track(ctx, t) }

// Poll cascades every pending parent. Parents whose descendants failed stay
// pending and are retried next cycle.
func (t *CascadeTracker) Poll(ctx context.Context) error {
	floor, err := t.store.GetFloor(ctx, t.core, t.typ)
	if err != nil {
		return fatal("read cascade floor: %w", err)
	}
	t.metrics.SetFloor(floor)

	for {
		if err := t.checkpoint(); err != nil {
			return err
		}
		parents, err := t.index.Search(ctx, index.Query{
			Field: index.FieldCascadePending,
			Term:  index.True,
			Limit: t.settings.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("find pending cascades: %w", err)
		}
		if len(parents) == 0 {
			return nil
		}

		var done []int64
		failed, lowestFailed := 0, int64(math.MaxInt64)
		for _, p := range parents {
			if err := t.checkpoint(); err != nil {
				return err
			}
			ok, err := t.cascade(ctx, p)
			if err != nil {
				return err
			}
			c := p.Int(index.FieldCascadeTx)
			if !ok {
				failed++
				lowestFailed = min(lowestFailed, c)
				continue
			}
			done = append(done, c)
		}

		if err := t.index.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		// the floor stays below every parent still pending
		high := floor
		for _, c := range done {
			if c < lowestFailed && c > high {
				high = c
			}
		}
		if high > floor {
			floor = high
			if err := t.advance(ctx, t.store, floor); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d cascades incomplete, floor at %d", failed, floor)
		}
	}
}

// cascade rewrites the descendants of one parent and clears its mark.
// It returns false when some descendant could not be updated.
func (t *CascadeTracker) cascade(ctx context.Context, parent *index.Document) (bool, error) {
	ref := parent.Get(index.FieldNodeRef)
	descendants, err := t.descendants(ctx, ref)
	if err != nil {
		return false, err
	}

	for start := 0; start < len(descendants); start += t.settings.UpdateBatchSize {
		end := min(start+t.settings.UpdateBatchSize, len(descendants))
		paths, err := t.repo.GetNodePaths(ctx, descendants[start:end])
		if err != nil {
			return false, fmt.Errorf("fetch paths below %s: %w", ref, err)
		}
		for _, p := range paths {
			if err := t.schedule(ctx, nodeKey(p.DbID), func(ctx context.Context) error {
				return t.rewritePaths(ctx, p)
			}); err != nil {
				return false, err
			}
		}
		t.metrics.SetInFlight(t.pool.InFlight())

		res, err := t.drain()
		if err != nil {
			return false, err
		}
		if len(res.Failures) > 0 {
			t.logger.Warn("cascade incomplete", "parent", ref, "failed", len(res.Failures))
			return false, nil
		}
	}

	if err := t.index.Patch(ctx, parent.ID, map[string][]string{index.FieldCascadePending: nil}); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("clear cascade mark of %s: %w", ref, err)
	}
	t.logger.Debug("cascade applied", "parent", ref, "descendants", len(descendants))
	return true, nil
}

// descendants lists the db ids of every indexed node below ref, across
// every hosted shard.
func (t *CascadeTracker) descendants(ctx context.Context, ref string) ([]int64, error) {
	var out []int64
	for offset := 0; ; {
		docs, err := t.index.Search(ctx, index.Query{
			Field:  index.FieldAncestors,
			Term:   ref,
			Offset: offset,
			Limit:  t.settings.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("find descendants of %s: %w", ref, err)
		}
		for _, d := range docs {
			if id := d.Int(index.FieldDbID); id > 0 {
				out = append(out, id)
			}
		}
		if len(docs) < t.settings.BatchSize {
			return out, nil
		}
		offset += len(docs)
	}
}

// rewritePaths patches only the path-dependent fields of a descendant.
func (t *CascadeTracker) rewritePaths(ctx context.Context, p models.NodePaths) error {
	err := t.index.Patch(ctx, models.NodeDocumentID(p.DbID), pathFields(p.Paths, p.Ancestors))
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rewrite paths of node %d: %w", p.DbID, err)
	}
	return nil
}

// InvalidateState resets the floor. Pending marks live in the index, so a
// full rescan follows from a metadata reindex.
func (t *CascadeTracker) InvalidateState(ctx context.Context) error {
	return t.withLock(ctx, func() error {
		if err := t.store.ResetFloor(ctx, t.core, t.typ, 0); err != nil {
			return fatal("reset cascade floor: %w", err)
		}
		t.metrics.SetFloor(0)
		return nil
	})
}

func (t *CascadeTracker) HasMaintenance() bool { return false }

func (t *CascadeTracker) Maintenance(ctx context.Context) error { return nil }

func (t *CascadeTracker) Status(ctx context.Context) Status {
	s := t.status()
	s.Floor, _ = t.store.GetFloor(ctx, t.core, t.typ)
	return s
}
