package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
)

func (f *fixture) aclDoc(t *testing.T, aclID int64) *index.Document {
	t.Helper()
	doc, err := f.index.Get(context.Background(), models.AclDocumentID(aclID))
	require.NoError(t, err)
	return doc
}

func TestAclTracker_IndexesChangeSets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.acl(t)

	require.NoError(t, f.repo.AddAclChangeSet(3, models.Acl{ID: 1, Readers: []string{"bob", "alice", "bob"}, Deniers: []string{"eve"}}))
	require.NoError(t, f.repo.AddAclChangeSet(4, models.Acl{ID: 2, Readers: []string{"GROUP_EVERYONE"}}))
	require.NoError(t, tr.Poll(ctx))

	doc := f.aclDoc(t, 1)
	assert.Equal(t, index.DocTypeAcl, doc.Get(index.FieldDocType))
	assert.Equal(t, []string{"alice", "bob"}, doc.Fields[index.FieldReaders])
	assert.Equal(t, []string{"eve"}, doc.Fields[index.FieldDeniers])
	assert.Equal(t, int64(3), doc.Int(index.FieldChangeSetID))

	assert.True(t, f.exists(t, models.ChangeSetDocumentID(3)))
	assert.True(t, f.exists(t, models.ChangeSetDocumentID(4)))
	assert.Equal(t, int64(4), f.floor(t, models.TrackerAcl))
	assert.Equal(t, int64(4), tr.Status(ctx).Floor)
}

func TestAclTracker_LatestVersionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.acl(t)

	require.NoError(t, f.repo.AddAclChangeSet(1, models.Acl{ID: 7, Readers: []string{"old"}}))
	require.NoError(t, f.repo.AddAclChangeSet(2, models.Acl{ID: 7, Readers: []string{"new"}}))
	require.NoError(t, tr.Poll(ctx))

	doc := f.aclDoc(t, 7)
	assert.Equal(t, []string{"new"}, doc.Fields[index.FieldReaders])
	assert.Equal(t, int64(2), doc.Int(index.FieldChangeSetID))

	// an earlier version replayed by maintenance does not overwrite
	require.NoError(t, tr.Enqueue(Request{Action: ActionReindexAclChangeSet, ID: 1}))
	require.NoError(t, tr.Track(ctx))
	assert.Equal(t, []string{"new"}, f.aclDoc(t, 7).Fields[index.FieldReaders])
}

func TestAclTracker_ReplicatedToEveryShard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := index.NewMemory()
	f.index = rangeRouter(t, f.shard, second)
	tr := f.acl(t)

	require.NoError(t, f.repo.AddAclChangeSet(1, models.Acl{ID: 5}))
	require.NoError(t, tr.Poll(ctx))

	for _, s := range []*index.Memory{f.shard, second} {
		ok, err := s.Exists(ctx, models.AclDocumentID(5))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAclTracker_FetchFailureKeepsFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.acl(t)

	require.NoError(t, f.repo.AddAclChangeSet(1, models.Acl{ID: 1}))
	require.NoError(t, tr.Poll(ctx))

	require.NoError(t, f.repo.AddAclChangeSet(2, models.Acl{ID: 2}))
	f.repo.Err = assert.AnError
	assert.ErrorIs(t, tr.Track(ctx), assert.AnError)
	assert.Equal(t, int64(1), f.floor(t, models.TrackerAcl))

	f.repo.Err = nil
	require.NoError(t, tr.Track(ctx))
	assert.Equal(t, int64(2), f.floor(t, models.TrackerAcl))
}

func TestAclTracker_InvalidateState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.acl(t)

	require.NoError(t, f.repo.AddAclChangeSet(1, models.Acl{ID: 1}))
	require.NoError(t, tr.Poll(ctx))
	require.NoError(t, f.index.Delete(ctx, models.AclDocumentID(1)))
	require.NoError(t, f.index.Commit(ctx))

	require.NoError(t, tr.InvalidateState(ctx))
	assert.Zero(t, f.floor(t, models.TrackerAcl))
	require.NoError(t, tr.Poll(ctx))
	assert.True(t, f.exists(t, models.AclDocumentID(1)))
}

func TestAclTracker_Enqueue(t *testing.T) {
	f := newFixture(t)
	tr := f.acl(t)

	assert.ErrorIs(t, tr.Enqueue(Request{Action: ActionPurgeNode, ID: 1}), ErrNoSuchAction)
	assert.Error(t, tr.Enqueue(Request{Action: ActionReindexAclChangeSet, ID: -1}))
	require.NoError(t, tr.Enqueue(Request{Action: ActionReindexAclChangeSet, ID: 1}))
	assert.Equal(t, 1, tr.Status(context.Background()).Maintenance)
}
