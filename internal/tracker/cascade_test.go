package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/config"
	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
)

// rangeRouter hosts shard 0 ([0, 100]) and shard 1 ([101, 200]).
func rangeRouter(t *testing.T, first, second index.IndexStore) *index.ShardRouter {
	t.Helper()
	r, err := index.NewShardRouter(config.ShardMethodRange, 2,
		[]config.IDRange{{Start: 0, End: 100}, {Start: 101, End: 200}},
		map[int]index.IndexStore{0: first, 1: second})
	require.NoError(t, err)
	return r
}

func (f *fixture) cascade(t *testing.T) *CascadeTracker {
	t.Helper()
	tr, err := NewCascadeTracker(f.options())
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

const folderRef = "workspace://SpacesStore/node-10"

func TestCascadeTracker_RewritesDescendantsAcrossShards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := index.NewMemory()
	f.index = rangeRouter(t, f.shard, second)
	meta := f.metadata(t)

	require.NoError(t, f.repo.AddTransaction(1, []*models.NodeMetadata{
		node(10, 0, "/cm:folder"),
		node(99, 0, "/cm:folder/cm:a", folderRef),
		node(101, 0, "/cm:folder/cm:b", folderRef),
		node(50, 0, "/cm:other"),
	}, nil))
	require.NoError(t, meta.Poll(ctx))
	other := f.doc(t, 50)

	renamed := node(10, 0, "/cm:renamed")
	renamed.Properties[models.PropCascadeTx] = int64(2)
	require.NoError(t, f.repo.AddTransaction(2, []*models.NodeMetadata{renamed}, nil))
	require.NoError(t, meta.Poll(ctx))
	assert.Equal(t, index.True, f.doc(t, 10).Get(index.FieldCascadePending))

	// the repository reports the children under their new paths
	require.NoError(t, f.repo.AddTransaction(3, []*models.NodeMetadata{
		node(99, 0, "/cm:renamed/cm:a", folderRef),
		node(101, 0, "/cm:renamed/cm:b", folderRef),
	}, nil))

	tr := f.cascade(t)
	require.NoError(t, tr.Poll(ctx))

	a := f.doc(t, 99)
	b := f.doc(t, 101)
	assert.Equal(t, "/cm:renamed/cm:a", a.Get(index.FieldDisplayPath))
	assert.Equal(t, "/cm:renamed/cm:b", b.Get(index.FieldDisplayPath))
	assert.Equal(t, int64(1), a.Int(index.FieldTxnID), "only path fields are rewritten")
	assert.Equal(t, "1", b.Get(index.FieldShard))

	ok, err := second.Exists(ctx, models.NodeDocumentID(101))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, other, f.doc(t, 50))
	assert.False(t, f.doc(t, 10).Has(index.FieldCascadePending, index.True))
	assert.Equal(t, int64(2), f.floor(t, models.TrackerCascade))
	assert.Equal(t, int64(2), tr.Status(ctx).Floor)
}

func TestCascadeTracker_NothingPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.AddTransaction(1, []*models.NodeMetadata{node(10, 0, "/cm:folder")}, nil))
	require.NoError(t, f.metadata(t).Poll(ctx))

	require.NoError(t, f.cascade(t).Poll(ctx))
	assert.Zero(t, f.floor(t, models.TrackerCascade))
	assert.Zero(t, f.repo.Calls("GetNodePaths"))
}

func TestCascadeTracker_FailureKeepsParentPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.metadata(t)

	folder := node(10, 0, "/cm:folder")
	folder.Properties[models.PropCascadeTx] = int64(1)
	require.NoError(t, f.repo.AddTransaction(1, []*models.NodeMetadata{folder, node(11, 0, "/cm:folder/cm:a", folderRef)}, nil))
	require.NoError(t, meta.Poll(ctx))

	f.repo.Err = assert.AnError
	tr := f.cascade(t)
	assert.Error(t, tr.Poll(ctx))
	assert.Equal(t, index.True, f.doc(t, 10).Get(index.FieldCascadePending))
	assert.Zero(t, f.floor(t, models.TrackerCascade))

	f.repo.Err = nil
	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, int64(1), f.floor(t, models.TrackerCascade))
}

// patchFailure fails every patch of one document while armed.
type patchFailure struct {
	Index
	id    string
	armed atomic.Bool
}

func (p *patchFailure) Patch(ctx context.Context, id string, fields map[string][]string) error {
	if p.armed.Load() && id == p.id {
		return errors.New("shard rejected patch")
	}
	return p.Index.Patch(ctx, id, fields)
}

func TestCascadeTracker_FloorStaysBelowFailedParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failing := &patchFailure{Index: f.index, id: models.NodeDocumentID(11)}
	f.index = failing
	meta := f.metadata(t)

	const otherRef = "workspace://SpacesStore/node-20"
	first := node(10, 0, "/cm:first")
	first.Properties[models.PropCascadeTx] = int64(2)
	second := node(20, 0, "/cm:second")
	second.Properties[models.PropCascadeTx] = int64(3)
	require.NoError(t, f.repo.AddTransaction(1, []*models.NodeMetadata{
		node(11, 0, "/cm:folder/cm:a", folderRef),
		node(21, 0, "/cm:other/cm:b", otherRef),
	}, nil))
	require.NoError(t, f.repo.AddTransaction(2, []*models.NodeMetadata{first}, nil))
	require.NoError(t, f.repo.AddTransaction(3, []*models.NodeMetadata{second}, nil))
	require.NoError(t, meta.Poll(ctx))

	failing.armed.Store(true)
	tr := f.cascade(t)
	require.Error(t, tr.Poll(ctx))
	assert.Zero(t, f.floor(t, models.TrackerCascade))
	assert.Equal(t, index.True, f.doc(t, 10).Get(index.FieldCascadePending))
	assert.False(t, f.doc(t, 20).Has(index.FieldCascadePending, index.True))

	// an ordinary update of the parent keeps its cascade owed
	require.NoError(t, f.repo.AddTransaction(5, []*models.NodeMetadata{node(10, 0, "/cm:first")}, nil))
	require.NoError(t, meta.Poll(ctx))
	parent := f.doc(t, 10)
	assert.Equal(t, int64(5), parent.Int(index.FieldTxnID))
	assert.Equal(t, index.True, parent.Get(index.FieldCascadePending))
	assert.Equal(t, int64(2), parent.Int(index.FieldCascadeTx))

	failing.armed.Store(false)
	require.NoError(t, tr.Poll(ctx))
	assert.False(t, f.doc(t, 10).Has(index.FieldCascadePending, index.True))
	assert.Equal(t, int64(2), f.floor(t, models.TrackerCascade))
}
