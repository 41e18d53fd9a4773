package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
)

// ContentTracker fills in extracted text for documents whose content is
// unclean. It has no floor: the repository's unclean list drives it.
type ContentTracker struct {
	*runtime
	repo  repository.RepositoryClient
	index Index

	force   atomic.Bool // skip the checksum shortcut once
	docs    atomic.Int64
	elapsed atomic.Int64 // nanoseconds spent in drained groups
}

// NewContentTracker creates a content tracker.
func NewContentTracker(opts Options) (*ContentTracker, error) {
	if err := opts.validate(models.TrackerContent); err != nil {
		return nil, err
	}
	return &ContentTracker{
		runtime: newRuntime(models.TrackerContent, &opts),
		repo:    opts.Repo,
		index:   opts.Index,
	}, nil
}

// Track runs one locked cycle.
func (t *ContentTracker) Track(ctx context.Context) error { return t.track(ctx, t) }

// Poll applies unclean documents in groups of update_batch_size until the
// repository has none left that this cycle has not already tried. Each
// group restarts from the first page, so documents that became clean drop
// out while failed ones are stepped over.
func (t *ContentTracker) Poll(ctx context.Context) error {
	force := t.force.Swap(false)
	processed := make(map[int64]bool)
	failed := 0

	for {
		if err := t.checkpoint(); err != nil {
			return err
		}
		group, err := t.nextGroup(ctx, processed)
		if err != nil {
			return err
		}
		if len(group) == 0 {
			break
		}

		start := t.now()
		for _, n := range group {
			n := n
			if err := t.schedule(ctx, nodeKey(n.DbID), func(ctx context.Context) error {
				return t.applyContent(ctx, n.DbID, force)
			}); err != nil {
				return err
			}
		}
		t.metrics.SetInFlight(t.pool.InFlight())

		res, err := t.drain()
		if err != nil {
			return err
		}
		if err := t.index.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		elapsed := t.now().Sub(start)
		t.docs.Add(int64(res.Succeeded))
		t.elapsed.Add(int64(elapsed))
		t.metrics.ContentGroup(res.Succeeded, elapsed)
		failed += len(res.Failures)
		t.logger.Debug("content group applied", "docs", res.Succeeded, "failed", len(res.Failures), "elapsed", elapsed)
	}

	if failed > 0 {
		return fmt.Errorf("%d content documents failed", failed)
	}
	return nil
}

// nextGroup collects up to update_batch_size documents not yet seen this cycle.
func (t *ContentTracker) nextGroup(ctx context.Context, processed map[int64]bool) ([]models.Node, error) {
	var group []models.Node
	offset := 0
	for {
		page, err := t.repo.GetUncleanContentDocs(ctx, offset, t.settings.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("fetch unclean content at %d: %w", offset, err)
		}
		if len(page) == 0 {
			return group, nil
		}
		for _, n := range page {
			if len(group) == t.settings.UpdateBatchSize {
				return group, nil
			}
			if processed[n.DbID] {
				continue
			}
			processed[n.DbID] = true
			if t.index.Owns(n.DbID) {
				group = append(group, n)
			}
		}
		offset += len(page)
	}
}

// applyContent patches the text fields of a node document.
func (t *ContentTracker) applyContent(ctx context.Context, dbID int64, force bool) error {
	id := models.NodeDocumentID(dbID)
	c, err := t.repo.GetContent(ctx, dbID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch content of node %d: %w", dbID, err)
	}

	if !force && c.Checksum != "" {
		doc, err := t.index.Get(ctx, id)
		if err == nil && doc.Get(index.FieldContentStatus) == index.ContentClean && doc.Get(index.FieldContentSum) == c.Checksum {
			return nil
		}
	}

	patch := map[string][]string{
		index.FieldContent:       {c.Text},
		index.FieldContentStatus: {index.ContentClean},
		index.FieldContentSum:    {c.Checksum},
	}
	if c.MimeType != "" {
		patch[index.FieldContentMime] = []string{c.MimeType}
	}
	err = t.index.Patch(ctx, id, patch)
	if errors.Is(err, index.ErrNotFound) {
		t.logger.Debug("node not indexed yet, content left unclean", "node", dbID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("index content of node %d: %w", dbID, err)
	}
	return nil
}

// InvalidateState makes the next cycle rewrite every unclean document even
// when its indexed checksum matches.
func (t *ContentTracker) InvalidateState(ctx context.Context) error {
	t.force.Store(true)
	t.docs.Store(0)
	t.elapsed.Store(0)
	t.logger.Info("state invalidated, content rewritten on next cycle")
	return nil
}

func (t *ContentTracker) HasMaintenance() bool { return false }

func (t *ContentTracker) Maintenance(ctx context.Context) error { return nil }

// Throughput returns the documents applied and the time spent on them.
func (t *ContentTracker) Throughput() (int64, time.Duration) {
	return t.docs.Load(), time.Duration(t.elapsed.Load())
}

func (t *ContentTracker) Status(ctx context.Context) Status {
	return t.status()
}
