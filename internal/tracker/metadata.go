package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zanzrukiav/SearchServices/internal/config"
	"github.com/zanzrukiav/SearchServices/internal/dictionary"
	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
	"github.com/zanzrukiav/SearchServices/internal/state"
)

const aclCacheSize = 10000

// MetadataTracker applies node changes transaction by transaction.
type MetadataTracker struct {
	*runtime
	repo   repository.RepositoryClient
	index  Index
	store  state.TrackerStateStore
	dict   *dictionary.Dictionary
	policy config.Backoff
	acls   *lru.Cache[int64, struct{}] // ACL ids known to be indexed
	maint  queue
}

var _ Maintainer = (*MetadataTracker)(nil)

// NewMetadataTracker creates a metadata tracker.
func NewMetadataTracker(opts Options) (*MetadataTracker, error) {
	if err := opts.validate(models.TrackerMetadata); err != nil {
		return nil, err
	}
	cache, err := lru.New[int64, struct{}](aclCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create acl cache: %w", err)
	}
	policy := opts.AclDeferral
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 10
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = config.Duration(15 * time.Second)
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &MetadataTracker{
		runtime: newRuntime(models.TrackerMetadata, &opts),
		repo:    opts.Repo,
		index:   opts.Index,
		store:   opts.State,
		dict:    opts.Dictionary,
		policy:  policy,
		acls:    cache,
	}, nil
}

func nodeKey(dbID int64) string { return "node/" + strconv.FormatInt(dbID, 10) }

// Track runs one locked cycle.
func (t *MetadataTracker) Track(ctx context.Context) error { return t.track(ctx, t) }

// Poll retries due deferrals and then applies every transaction above the floor.
func (t *MetadataTracker) Poll(ctx context.Context) error {
	if err := t.retryDeferred(ctx); err != nil {
		return err
	}

	floor, err := t.store.GetFloor(ctx, t.core, t.typ)
	if err != nil {
		return fatal("read metadata floor: %w", err)
	}
	t.metrics.SetFloor(floor)

	for {
		if err := t.checkpoint(); err != nil {
			return err
		}
		txns, err := t.repo.GetTransactions(ctx, floor, t.settings.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch transactions after %d: %w", floor, err)
		}
		if len(txns) == 0 {
			return nil
		}
		next, err := t.applyTransactions(ctx, floor, txns)
		if err != nil {
			return err
		}
		floor = next
	}
}

type nodeWork struct {
	node models.Node
	txn  int64
}

// applyTransactions applies a fetched batch in groups of roughly
// update_batch_size nodes. Within a group each node is applied once, at the
// highest transaction that touched it.
func (t *MetadataTracker) applyTransactions(ctx context.Context, floor int64, txns []models.Transaction) (int64, error) {
	g := newGroup()
	work := make(map[int64]nodeWork)
	byID := make(map[int64]models.Transaction)

	for i, txn := range txns {
		if err := t.checkpoint(); err != nil {
			return floor, err
		}
		nodes, err := t.repo.GetNodes(ctx, txn.ID)
		if err != nil {
			return floor, fmt.Errorf("fetch nodes of transaction %d: %w", txn.ID, err)
		}

		byID[txn.ID] = txn
		keys := make([]string, 0, len(nodes))
		for _, n := range nodes {
			if prev, ok := work[n.DbID]; !ok || prev.txn <= txn.ID {
				work[n.DbID] = nodeWork{node: n, txn: txn.ID}
			}
			keys = append(keys, nodeKey(n.DbID))
		}
		g.add(txn.ID, keys...)

		if g.size >= t.settings.UpdateBatchSize || i == len(txns)-1 {
			next, err := t.flush(ctx, floor, g, work, byID)
			if err != nil {
				return next, err
			}
			floor = next
			g = newGroup()
			work = make(map[int64]nodeWork)
			byID = make(map[int64]models.Transaction)
		}
	}
	return floor, nil
}

// flush applies one group, then commits and records the floor.
func (t *MetadataTracker) flush(ctx context.Context, floor int64, g *group, work map[int64]nodeWork, byID map[int64]models.Transaction) (int64, error) {
	cascadeFloor, err := t.store.GetFloor(ctx, t.core, models.TrackerCascade)
	if err != nil {
		return floor, fatal("read cascade floor: %w", err)
	}

	ids := make([]int64, 0, len(work))
	for id := range work {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		w := work[id]
		err := t.schedule(ctx, nodeKey(id), func(ctx context.Context) error {
			return t.applyNode(ctx, w.node, w.txn, cascadeFloor)
		})
		if err != nil {
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
		if err := t.index.Upsert(ctx, transactionDocument(byID[id])); err != nil {
			return floor, fmt.Errorf("index transaction %d: %w", id, err)
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
	}
	if len(res.Failures) > 0 {
		return floor, itemsFailed(res, floor)
	}
	t.logger.Debug("transactions applied", "through", g.last(), "nodes", res.Succeeded)
	return floor, nil
}

// applyNode brings the document of one node in line with the repository.
func (t *MetadataTracker) applyNode(ctx context.Context, n models.Node, txnID, cascadeFloor int64) error {
	if n.Status.IsDelete() || n.Status == models.NodeNonShardUpdated || !t.index.Owns(n.DbID) {
		return t.removeNode(ctx, n.DbID, txnID)
	}

	md, err := t.repo.GetNodeMetadata(ctx, n.DbID)
	if errors.Is(err, repository.ErrNotFound) {
		return t.removeNode(ctx, n.DbID, txnID)
	}
	if err != nil {
		return fmt.Errorf("fetch metadata of node %d: %w", n.DbID, err)
	}
	if md.Node.TxnID < txnID {
		md.Node.TxnID = txnID
	}

	ok, err := t.aclResolvable(ctx, md.AclID)
	if err != nil {
		return err
	}
	if !ok {
		return t.deferNode(ctx, md)
	}
	return t.indexNode(ctx, md, cascadeFloor)
}

// indexed returns the committed document of a node, or nil when the
// node is not indexed on a hosted shard.
func (t *MetadataTracker) indexed(ctx context.Context, dbID int64) (*index.Document, error) {
	doc, err := t.index.Get(ctx, models.NodeDocumentID(dbID))
	if errors.Is(err, index.ErrNotFound) || errors.Is(err, index.ErrNotHosted) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node %d: %w", dbID, err)
	}
	return doc, nil
}

func (t *MetadataTracker) removeNode(ctx context.Context, dbID, txnID int64) error {
	if txnID > 0 {
		prev, err := t.indexed(ctx, dbID)
		if err != nil {
			return err
		}
		if prev != nil && prev.Int(index.FieldTxnID) > txnID {
			return nil
		}
	}
	if err := t.index.Delete(ctx, models.NodeDocumentID(dbID)); err != nil {
		return fmt.Errorf("delete node %d: %w", dbID, err)
	}
	return nil
}

func (t *MetadataTracker) indexNode(ctx context.Context, md *models.NodeMetadata, cascadeFloor int64) error {
	prev, err := t.indexed(ctx, md.Node.DbID)
	if err != nil {
		return err
	}
	if prev != nil && prev.Int(index.FieldTxnID) > md.Node.TxnID {
		return nil
	}

	doc := nodeDocument(md, md.Node.TxnID, t.dict)
	if shard, ok := t.index.ShardFor(md.Node.DbID); ok {
		doc.SetInt(index.FieldShard, int64(shard))
	}
	if c := md.CascadeTxn(); c > 0 {
		doc.SetInt(index.FieldCascadeTx, c)
		if c == md.Node.TxnID || c > cascadeFloor {
			doc.Set(index.FieldCascadePending, index.True)
		}
	}
	// A cascade that has not reached the descendants yet survives the rewrite,
	// keeping its older cascade txn so the cascade floor stays behind it.
	if prev != nil && prev.Has(index.FieldCascadePending, index.True) {
		doc.Set(index.FieldCascadePending, index.True)
		if pc := prev.Int(index.FieldCascadeTx); pc > 0 && (pc < doc.Int(index.FieldCascadeTx) || doc.Int(index.FieldCascadeTx) == 0) {
			doc.SetInt(index.FieldCascadeTx, pc)
		}
	}
	if err := t.index.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("index node %d: %w", md.Node.DbID, err)
	}
	return nil
}

// aclResolvable reports whether the ACL a node references is indexed.
func (t *MetadataTracker) aclResolvable(ctx context.Context, aclID int64) (bool, error) {
	if aclID <= 0 || t.acls.Contains(aclID) {
		return true, nil
	}
	ok, err := t.index.Exists(ctx, models.AclDocumentID(aclID))
	if err != nil {
		return false, fmt.Errorf("look up acl %d: %w", aclID, err)
	}
	if ok {
		t.acls.Add(aclID, struct{}{})
	}
	return ok, nil
}

// deferNode persists a node whose ACL is not indexed yet, so the floor can
// move past its transaction.
func (t *MetadataTracker) deferNode(ctx context.Context, md *models.NodeMetadata) error {
	now := t.now()
	d, err := t.store.GetDeferred(ctx, t.core, md.Node.DbID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		d = &state.DeferredNode{Core: t.core, DbID: md.Node.DbID, FirstDeferred: now}
	case err != nil:
		return fatal("read deferral of node %d: %w", md.Node.DbID, err)
	}
	if md.Node.TxnID > d.TxnID {
		d.TxnID = md.Node.TxnID
	}
	d.AclID = md.AclID
	t.reschedule(d, now)
	if err := t.store.PutDeferred(ctx, d); err != nil {
		return fatal("defer node %d: %w", md.Node.DbID, err)
	}
	t.logger.Info("node deferred until its acl is indexed", "node", d.DbID, "acl", d.AclID, "attempts", d.Attempts)
	return nil
}

// reschedule counts a failed resolution and computes the next attempt.
// A deferral that used up its attempts is marked stuck.
func (t *MetadataTracker) reschedule(d *state.DeferredNode, now time.Time) {
	d.Attempts++
	d.LastError = fmt.Sprintf("acl %d not indexed", d.AclID)
	if d.Attempts >= t.policy.MaxAttempts {
		if !d.Stuck {
			t.logger.Error("acl never resolved, node stuck",
				"node", d.DbID, "acl", d.AclID, "attempts", d.Attempts, "since", d.FirstDeferred)
		}
		d.Stuck = true
		d.NextAttempt = time.Time{}
		return
	}
	d.NextAttempt = now.Add(repository.Backoff(
		t.policy.InitialBackoff.Std(), t.policy.MaxBackoff.Std(), t.policy.Jitter, d.Attempts-1))
}

// retryDeferred re-applies deferred nodes whose next attempt is due.
func (t *MetadataTracker) retryDeferred(ctx context.Context) error {
	due, err := t.store.DueDeferred(ctx, t.core, t.now(), t.settings.UpdateBatchSize)
	if err != nil {
		return fatal("load due deferrals: %w", err)
	}
	if len(due) == 0 {
		return t.reportDeferred(ctx)
	}
	cascadeFloor, err := t.store.GetFloor(ctx, t.core, models.TrackerCascade)
	if err != nil {
		return fatal("read cascade floor: %w", err)
	}

	var mu sync.Mutex
	var resolved []int64
	for _, d := range due {
		d := d
		err := t.schedule(ctx, nodeKey(d.DbID), func(ctx context.Context) error {
			done, err := t.retryNode(ctx, d, cascadeFloor)
			if done {
				mu.Lock()
				resolved = append(resolved, d.DbID)
				mu.Unlock()
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	if _, err := t.drain(); err != nil {
		return err
	}
	if err := t.index.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, id := range resolved {
		if err := t.store.DeleteDeferred(ctx, t.core, id); err != nil {
			return fatal("clear deferral of node %d: %w", id, err)
		}
	}
	if len(resolved) > 0 {
		t.logger.Info("deferred nodes indexed", "count", len(resolved))
	}
	return t.reportDeferred(ctx)
}

// retryNode returns true once the deferral is settled.
func (t *MetadataTracker) retryNode(ctx context.Context, d *state.DeferredNode, cascadeFloor int64) (bool, error) {
	if !t.index.Owns(d.DbID) {
		if err := t.removeNode(ctx, d.DbID, 0); err != nil {
			return false, err
		}
		return true, nil
	}
	md, err := t.repo.GetNodeMetadata(ctx, d.DbID)
	if errors.Is(err, repository.ErrNotFound) {
		if err := t.removeNode(ctx, d.DbID, d.TxnID); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch metadata of node %d: %w", d.DbID, err)
	}
	if md.Node.TxnID < d.TxnID {
		md.Node.TxnID = d.TxnID
	}

	ok, err := t.aclResolvable(ctx, md.AclID)
	if err != nil {
		return false, err
	}
	if !ok {
		d.AclID = md.AclID
		d.TxnID = md.Node.TxnID
		t.reschedule(d, t.now())
		if err := t.store.PutDeferred(ctx, d); err != nil {
			return false, fatal("defer node %d: %w", d.DbID, err)
		}
		return false, nil
	}
	if err := t.indexNode(ctx, md, cascadeFloor); err != nil {
		return false, err
	}
	return true, nil
}

func (t *MetadataTracker) reportDeferred(ctx context.Context) error {
	pending, stuck, err := t.store.CountDeferred(ctx, t.core)
	if err != nil {
		return fatal("count deferrals: %w", err)
	}
	t.metrics.SetDeferred(pending, stuck)
	return nil
}

// InvalidateState resets the floor and forgets deferrals so the next cycle
// reindexes every transaction.
func (t *MetadataTracker) InvalidateState(ctx context.Context) error {
	return t.withLock(ctx, func() error {
		if err := t.store.ResetFloor(ctx, t.core, t.typ, 0); err != nil {
			return fatal("reset metadata floor: %w", err)
		}
		if err := t.store.ClearDeferred(ctx, t.core); err != nil {
			return fatal("clear deferrals: %w", err)
		}
		t.acls.Purge()
		t.metrics.SetFloor(0)
		t.logger.Info("state invalidated, full reindex on next cycle")
		return nil
	})
}

func (t *MetadataTracker) Supports(a Action) bool {
	return a == ActionReindexTxn || a == ActionReindexNode || a == ActionPurgeNode
}

// Enqueue queues a maintenance request for the next cycle.
func (t *MetadataTracker) Enqueue(r Request) error {
	if !t.Supports(r.Action) {
		return fmt.Errorf("%w: %s on %s tracker", ErrNoSuchAction, r.Action, t.typ)
	}
	if r.ID <= 0 {
		return fmt.Errorf("invalid id %d", r.ID)
	}
	t.maint.push(r)
	return nil
}

func (t *MetadataTracker) HasMaintenance() bool { return t.maint.len() > 0 }

// Maintenance runs queued requests. Requests with a failed item are queued again.
func (t *MetadataTracker) Maintenance(ctx context.Context) error {
	reqs := t.maint.take()
	if len(reqs) == 0 {
		return nil
	}
	cascadeFloor, err := t.store.GetFloor(ctx, t.core, models.TrackerCascade)
	if err != nil {
		t.maint.push(reqs...)
		return fatal("read cascade floor: %w", err)
	}

	owner := make(map[string]Request)
	for i, r := range reqs {
		var nodes []models.Node
		txnID := int64(0)
		switch r.Action {
		case ActionReindexTxn:
			nodes, err = t.repo.GetNodes(ctx, r.ID)
			if err != nil {
				t.pool.Drain()
				t.maint.push(reqs[i:]...)
				return fmt.Errorf("maintenance %s: %w", r, err)
			}
			txnID = r.ID
		case ActionReindexNode:
			nodes = []models.Node{{DbID: r.ID, Status: models.NodeUpdated}}
		case ActionPurgeNode:
			nodes = []models.Node{{DbID: r.ID, Status: models.NodeDeleted}}
		}

		for _, n := range nodes {
			n := n
			key := r.String() + "/" + nodeKey(n.DbID)
			owner[key] = r
			job := func(ctx context.Context) error { return t.applyNode(ctx, n, txnID, cascadeFloor) }
			if r.Action == ActionPurgeNode {
				job = func(ctx context.Context) error { return t.purgeNode(ctx, n.DbID) }
			}
			if err := t.schedule(ctx, key, job); err != nil {
				t.maint.push(reqs[i:]...)
				return err
			}
		}
	}

	res, err := t.drain()
	if err != nil {
		t.maint.push(reqs...)
		return err
	}
	if err := t.index.Commit(ctx); err != nil {
		t.maint.push(reqs...)
		return fmt.Errorf("commit: %w", err)
	}

	seen := make(map[Request]bool)
	for _, f := range res.Failures {
		if r := owner[f.Key]; !seen[r] {
			seen[r] = true
			t.maint.push(r)
		}
	}
	t.logger.Info("maintenance applied", "requests", len(reqs), "failed", len(seen))
	if len(seen) > 0 {
		return fmt.Errorf("%d maintenance requests failed", len(seen))
	}
	return nil
}

func (t *MetadataTracker) purgeNode(ctx context.Context, dbID int64) error {
	if err := t.index.Delete(ctx, models.NodeDocumentID(dbID)); err != nil {
		return fmt.Errorf("purge node %d: %w", dbID, err)
	}
	if err := t.store.DeleteDeferred(ctx, t.core, dbID); err != nil {
		return fatal("clear deferral of node %d: %w", dbID, err)
	}
	return nil
}

// Status reports the floor, deferrals and queued maintenance.
func (t *MetadataTracker) Status(ctx context.Context) Status {
	s := t.status()
	s.Floor, _ = t.store.GetFloor(ctx, t.core, t.typ)
	s.Deferred, s.Stuck, _ = t.store.CountDeferred(ctx, t.core)
	s.Maintenance = t.maint.len()
	return s
}
