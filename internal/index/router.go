package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zanzrukiav/SearchServices/internal/config"
	"github.com/zanzrukiav/SearchServices/internal/models"
)

// ShardRouter spreads node documents over shards and presents the shards
// hosted by this process as one IndexStore. Documents that are not node
// documents (ACL, transaction and change set documents) go to every hosted shard.
type ShardRouter struct {
	method string
	count  int
	ranges []config.IDRange
	shards map[int]IndexStore
	hosted []int
}

var _ IndexStore = (*ShardRouter)(nil)

// NewShardRouter creates a router over the hosted shards, keyed by shard number.
func NewShardRouter(method string, count int, ranges []config.IDRange, shards map[int]IndexStore) (*ShardRouter, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("shard router: no hosted shards")
	}
	switch method {
	case config.ShardMethodDbID:
	case config.ShardMethodRange:
		if len(ranges) != count {
			return nil, fmt.Errorf("shard router: %d ranges for %d shards", len(ranges), count)
		}
	default:
		return nil, fmt.Errorf("shard router: unknown method %q", method)
	}

	r := &ShardRouter{method: method, count: count, ranges: ranges, shards: shards}
	for n := range shards {
		if n < 0 || n >= count {
			return nil, fmt.Errorf("shard router: shard %d outside [0, %d)", n, count)
		}
		r.hosted = append(r.hosted, n)
	}
	sort.Ints(r.hosted)
	return r, nil
}

// Single wraps one store as a single-shard router.
func Single(store IndexStore) *ShardRouter {
	return &ShardRouter{
		method: config.ShardMethodDbID,
		count:  1,
		shards: map[int]IndexStore{0: store},
		hosted: []int{0},
	}
}

// ShardFor returns the shard a node belongs to. The second result is false
// when no shard range covers the id.
func (r *ShardRouter) ShardFor(dbID int64) (int, bool) {
	if r.method == config.ShardMethodRange {
		for i, rg := range r.ranges {
			if dbID >= rg.Start && dbID <= rg.End {
				return i, true
			}
		}
		return -1, false
	}
	h := xxhash.Sum64String(strconv.FormatInt(dbID, 10))
	return int(h % uint64(r.count)), true
}

// Owns reports whether the node's shard is hosted here.
func (r *ShardRouter) Owns(dbID int64) bool {
	n, ok := r.ShardFor(dbID)
	if !ok {
		return false
	}
	_, hosted := r.shards[n]
	return hosted
}

// Hosted returns the hosted shard numbers in ascending order.
func (r *ShardRouter) Hosted() []int {
	return append([]int(nil), r.hosted...)
}

// Shard returns a hosted shard's store.
func (r *ShardRouter) Shard(n int) (IndexStore, bool) {
	s, ok := r.shards[n]
	return s, ok
}

// owner resolves the store of a node document. ok is false for
// documents that are replicated to every shard.
func (r *ShardRouter) owner(id string) (store IndexStore, node bool, err error) {
	if !models.IsNodeDocumentID(id) {
		return nil, false, nil
	}
	dbID, err := models.ParseNodeDocumentID(id)
	if err != nil {
		return nil, true, err
	}
	n, ok := r.ShardFor(dbID)
	if !ok {
		return nil, true, fmt.Errorf("node %d: %w", dbID, ErrNotHosted)
	}
	s, ok := r.shards[n]
	if !ok {
		return nil, true, fmt.Errorf("node %d on shard %d: %w", dbID, n, ErrNotHosted)
	}
	return s, true, nil
}

func (r *ShardRouter) each(fn func(IndexStore) error) error {
	for _, n := range r.hosted {
		if err := fn(r.shards[n]); err != nil {
			return fmt.Errorf("shard %d: %w", n, err)
		}
	}
	return nil
}

// Upsert writes a node document to its shard, other documents to all shards.
func (r *ShardRouter) Upsert(ctx context.Context, doc *Document) error {
	s, node, err := r.owner(doc.ID)
	if err != nil {
		return err
	}
	if node {
		return s.Upsert(ctx, doc)
	}
	return r.each(func(s IndexStore) error { return s.Upsert(ctx, doc) })
}

// Delete removes a document. Node documents of unhosted shards are ignored.
func (r *ShardRouter) Delete(ctx context.Context, id string) error {
	s, node, err := r.owner(id)
	if errors.Is(err, ErrNotHosted) {
		return nil
	}
	if err != nil {
		return err
	}
	if node {
		return s.Delete(ctx, id)
	}
	return r.each(func(s IndexStore) error { return s.Delete(ctx, id) })
}

// Patch updates a document where it lives.
func (r *ShardRouter) Patch(ctx context.Context, id string, fields map[string][]string) error {
	s, node, err := r.owner(id)
	if err != nil {
		return err
	}
	if node {
		return s.Patch(ctx, id, fields)
	}
	return r.each(func(s IndexStore) error { return s.Patch(ctx, id, fields) })
}

// Commit commits every hosted shard concurrently.
func (r *ShardRouter) Commit(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range r.hosted {
		n, s := n, r.shards[n]
		g.Go(func() error {
			if err := s.Commit(ctx); err != nil {
				return fmt.Errorf("commit shard %d: %w", n, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Exists looks the document up on the shard that would hold it.
func (r *ShardRouter) Exists(ctx context.Context, id string) (bool, error) {
	s, node, err := r.owner(id)
	if errors.Is(err, ErrNotHosted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !node {
		s = r.shards[r.hosted[0]]
	}
	return s.Exists(ctx, id)
}

// Get reads the document from the shard that would hold it.
func (r *ShardRouter) Get(ctx context.Context, id string) (*Document, error) {
	s, node, err := r.owner(id)
	if errors.Is(err, ErrNotHosted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !node {
		s = r.shards[r.hosted[0]]
	}
	return s.Get(ctx, id)
}

// Search queries every hosted shard concurrently and merges the results.
// Replicated documents are returned once.
func (r *ShardRouter) Search(ctx context.Context, q Query) ([]*Document, error) {
	perShard := q
	perShard.Offset = 0
	if q.Limit > 0 {
		perShard.Limit = q.Offset + q.Limit
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]*Document)
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range r.hosted {
		n, s := n, r.shards[n]
		g.Go(func() error {
			docs, err := s.Search(ctx, perShard)
			if err != nil {
				return fmt.Errorf("search shard %d: %w", n, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, d := range docs {
				if _, dup := seen[d.ID]; !dup {
					seen[d.ID] = d
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Document, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	return page(out, q), nil
}

// Close closes every hosted shard.
func (r *ShardRouter) Close() error {
	var errs []error
	for _, n := range r.hosted {
		if err := r.shards[n].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %d: %w", n, err))
		}
	}
	return errors.Join(errs...)
}
