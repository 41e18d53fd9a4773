package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
	"github.com/zanzrukiav/SearchServices/internal/state"
)

// AclTracker indexes one document per ACL, change set by change set.
type AclTracker struct {
	*runtime
	repo  repository.RepositoryClient
	index Index
	store state.TrackerStateStore
	maint queue
}

var _ Maintainer = (*AclTracker)(nil)

// NewAclTracker creates an ACL tracker.
func NewAclTracker(opts Options) (*AclTracker, error) {
	if err := opts.validate(models.TrackerAcl); err != nil {
		return nil, err
	}
	return &AclTracker{
		runtime: newRuntime(models.TrackerAcl, &opts),
		repo:    opts.Repo,
		index:   opts.Index,
		store:   opts.State,
	}, nil
}

func aclKey(aclID int64) string { return "acl/" + strconv.FormatInt(aclID, 10) }

// Track runs one locked cycle.
func (t *AclTracker) Track(ctx context.Context) error { return t.track(ctx, t) }

// Poll applies every change set above the floor.
func (t *AclTracker) Poll(ctx context.Context) error {
	floor, err := t.store.GetFloor(ctx, t.core, t.typ)
	if err != nil {
		return fatal("read acl floor: %w", err)
	}
	t.metrics.SetFloor(floor)

	for {
		if err := t.checkpoint(); err != nil {
			return err
		}
		sets, err := t.repo.GetAclChangeSets(ctx, floor, t.settings.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch acl change sets after %d: %w", floor, err)
		}
		if len(sets) == 0 {
			return nil
		}
		next, err := t.applyChangeSets(ctx, floor, sets)
		if err != nil {
			return err
		}
		floor = next
	}
}

// applyChangeSets applies change sets in groups. When an ACL appears in
// several change sets of a group only the latest version is written.
func (t *AclTracker) applyChangeSets(ctx context.Context, floor int64, sets []models.AclChangeSet) (int64, error) {
	g := newGroup()
	latest := make(map[int64]models.Acl)
	byID := make(map[int64]models.AclChangeSet)

	for i, cs := range sets {
		if err := t.checkpoint(); err != nil {
			return floor, err
		}
		acls, err := t.repo.GetAcls(ctx, cs.ID)
		if err != nil {
			return floor, fmt.Errorf("fetch acls of change set %d: %w", cs.ID, err)
		}

		byID[cs.ID] = cs
		keys := make([]string, 0, len(acls))
		for _, a := range acls {
			a.ChangeSetID = cs.ID
			latest[a.ID] = a
			keys = append(keys, aclKey(a.ID))
		}
		g.add(cs.ID, keys...)

		if g.size >= t.settings.UpdateBatchSize || i == len(sets)-1 {
			next, err := t.flush(ctx, floor, g, latest, byID)
			if err != nil {
				return next, err
			}
			floor = next
			g = newGroup()
			latest = make(map[int64]models.Acl)
			byID = make(map[int64]models.AclChangeSet)
		}
	}
	return floor, nil
}

func (t *AclTracker) flush(ctx context.Context, floor int64, g *group, latest map[int64]models.Acl, byID map[int64]models.AclChangeSet) (int64, error) {
	ids := make([]int64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		a := latest[id]
		if err := t.schedule(ctx, aclKey(id), func(ctx context.Context) error { return t.applyAcl(ctx, a) }); err != nil {
			return floor, err
		}
	}
	t.metrics.SetInFlight(t.pool.InFlight())

	res, err := t.drain()
	if err != nil {
		return floor, err
	}

	done := g.prefix(res.Failed())
	for _, id := range done {
		if err := t.index.Upsert(ctx, changeSetDocument(byID[id])); err != nil {
			return floor, fmt.Errorf("index change set %d: %w", id, err)
		}
	}
	if err := t.index.Commit(ctx); err != nil {
		return floor, fmt.Errorf("commit: %w", err)
	}

	if len(done) > 0 {
		floor = done[len(done)-1]
		if err := t.advance(ctx, t.store, floor); err != nil {
			return floor, err
		}
		if err := t.release(ctx, latest, done); err != nil {
			return floor, err
		}
	}
	if len(res.Failures) > 0 {
		return floor, itemsFailed(res, floor)
	}
	return floor, nil
}

// release makes node updates waiting on the committed ACLs due at once.
func (t *AclTracker) release(ctx context.Context, latest map[int64]models.Acl, done []int64) error {
	committed := make(map[int64]bool, len(done))
	for _, id := range done {
		committed[id] = true
	}
	var aclIDs []int64
	for id, a := range latest {
		if committed[a.ChangeSetID] {
			aclIDs = append(aclIDs, id)
		}
	}
	n, err := t.store.ReleaseDeferred(ctx, t.core, aclIDs)
	if err != nil {
		return fatal("release deferred nodes: %w", err)
	}
	if n > 0 {
		t.logger.Info("released deferred nodes", "count", n)
	}
	return nil
}

// applyAcl writes an ACL document unless a later change set already did.
func (t *AclTracker) applyAcl(ctx context.Context, a models.Acl) error {
	doc, err := t.index.Get(ctx, models.AclDocumentID(a.ID))
	switch {
	case err == nil:
		if doc.Int(index.FieldChangeSetID) > a.ChangeSetID {
			return nil
		}
	case !errors.Is(err, index.ErrNotFound):
		return fmt.Errorf("read acl %d: %w", a.ID, err)
	}
	if err := t.index.Upsert(ctx, aclDocument(a)); err != nil {
		return fmt.Errorf("index acl %d: %w", a.ID, err)
	}
	return nil
}

// InvalidateState resets the floor so every change set is reapplied.
func (t *AclTracker) InvalidateState(ctx context.Context) error {
	return t.withLock(ctx, func() error {
		if err := t.store.ResetFloor(ctx, t.core, t.typ, 0); err != nil {
			return fatal("reset acl floor: %w", err)
		}
		t.metrics.SetFloor(0)
		t.logger.Info("state invalidated, full reindex on next cycle")
		return nil
	})
}

func (t *AclTracker) Supports(a Action) bool { return a == ActionReindexAclChangeSet }

// Enqueue queues a maintenance request for the next cycle.
func (t *AclTracker) Enqueue(r Request) error {
	if !t.Supports(r.Action) {
		return fmt.Errorf("%w: %s on %s tracker", ErrNoSuchAction, r.Action, t.typ)
	}
	if r.ID <= 0 {
		return fmt.Errorf("invalid id %d", r.ID)
	}
	t.maint.push(r)
	return nil
}

func (t *AclTracker) HasMaintenance() bool { return t.maint.len() > 0 }

// Maintenance reapplies queued change sets regardless of the floor.
func (t *AclTracker) Maintenance(ctx context.Context) error {
	reqs := t.maint.take()
	for i, r := range reqs {
		acls, err := t.repo.GetAcls(ctx, r.ID)
		if err != nil {
			t.maint.push(reqs[i:]...)
			return fmt.Errorf("maintenance %s: %w", r, err)
		}
		g := newGroup()
		latest := make(map[int64]models.Acl)
		for _, a := range acls {
			a.ChangeSetID = r.ID
			latest[a.ID] = a
			g.add(r.ID, aclKey(a.ID))
		}
		for _, a := range latest {
			a := a
			if err := t.schedule(ctx, aclKey(a.ID), func(ctx context.Context) error { return t.applyAcl(ctx, a) }); err != nil {
				t.maint.push(reqs[i:]...)
				return err
			}
		}
		res, err := t.drain()
		if err != nil {
			t.maint.push(reqs[i:]...)
			return err
		}
		if err := t.index.Commit(ctx); err != nil {
			t.maint.push(reqs[i:]...)
			return fmt.Errorf("commit: %w", err)
		}
		if len(res.Failures) > 0 {
			t.maint.push(reqs[i:]...)
			return fmt.Errorf("maintenance %s: %d acls failed", r, len(res.Failures))
		}
		if err := t.release(ctx, latest, g.ids); err != nil {
			return err
		}
		t.logger.Info("maintenance applied", "request", r.String(), "acls", len(latest))
	}
	return nil
}

// Status reports the floor and queued maintenance.
func (t *AclTracker) Status(ctx context.Context) Status {
	s := t.status()
	s.Floor, _ = t.store.GetFloor(ctx, t.core, t.typ)
	s.Maintenance = t.maint.len()
	return s
}
