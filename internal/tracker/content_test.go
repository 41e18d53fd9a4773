package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
)

func (f *fixture) content(t *testing.T) *ContentTracker {
	t.Helper()
	tr, err := NewContentTracker(f.options())
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

// contentNodes indexes nodes with a content stream and gives each a text body.
func (f *fixture) contentNodes(t *testing.T, txnID int64, ids ...int64) {
	t.Helper()
	var mds []*models.NodeMetadata
	for _, id := range ids {
		md := node(id, 0, "/doc")
		md.Content = &models.ContentDescriptor{MimeType: "text/plain", Size: 5}
		mds = append(mds, md)
	}
	require.NoError(t, f.repo.AddTransaction(txnID, mds, nil))
	for _, id := range ids {
		f.repo.SetContent(id, "text of "+models.NodeDocumentID(id))
	}
	require.NoError(t, f.metadata(t).Poll(context.Background()))
}

func TestContentTracker_FillsText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.contentNodes(t, 1, 1, 2)
	assert.Equal(t, index.ContentDirty, f.doc(t, 1).Get(index.FieldContentStatus))

	tr := f.content(t)
	require.NoError(t, tr.Poll(ctx))

	doc := f.doc(t, 1)
	assert.Equal(t, index.ContentClean, doc.Get(index.FieldContentStatus))
	assert.Equal(t, "text of "+models.NodeDocumentID(1), doc.Get(index.FieldContent))
	assert.NotEmpty(t, doc.Get(index.FieldContentSum))
	assert.Equal(t, "/doc", doc.Get(index.FieldDisplayPath), "metadata fields are kept")

	docs, _ := tr.Throughput()
	assert.Equal(t, int64(2), docs)
}

func TestContentTracker_SkipsMatchingChecksum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.contentNodes(t, 1, 1)
	tr := f.content(t)
	require.NoError(t, tr.Poll(ctx))

	require.NoError(t, f.index.Patch(ctx, models.NodeDocumentID(1), map[string][]string{index.FieldContent: {"stale"}}))
	require.NoError(t, f.index.Commit(ctx))

	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, "stale", f.doc(t, 1).Get(index.FieldContent))

	require.NoError(t, tr.InvalidateState(ctx))
	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, "text of "+models.NodeDocumentID(1), f.doc(t, 1).Get(index.FieldContent))
}

func TestContentTracker_CommitsPerGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.contentNodes(t, 1, 1, 2, 3, 4, 5)

	opts := f.options()
	opts.Settings.BatchSize = 2
	opts.Settings.UpdateBatchSize = 2
	tr, err := NewContentTracker(opts)
	require.NoError(t, err)
	defer tr.Close()

	before := f.shard.Commits()
	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, 3, f.shard.Commits()-before)
	for id := int64(1); id <= 5; id++ {
		assert.Equal(t, index.ContentClean, f.doc(t, id).Get(index.FieldContentStatus))
	}
}

func TestContentTracker_FailedDocumentIsSteppedOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.contentNodes(t, 1, 1, 2, 3)
	f.repo.ContentErrs[2] = errors.New("extraction failed")

	opts := f.options()
	opts.Settings.UpdateBatchSize = 1
	tr, err := NewContentTracker(opts)
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, index.ContentClean, f.doc(t, 1).Get(index.FieldContentStatus))
	assert.Equal(t, index.ContentDirty, f.doc(t, 2).Get(index.FieldContentStatus))
	assert.Equal(t, index.ContentClean, f.doc(t, 3).Get(index.FieldContentStatus))

	delete(f.repo.ContentErrs, 2)
	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, index.ContentClean, f.doc(t, 2).Get(index.FieldContentStatus))
}

func TestContentTracker_MissingContentIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	md := node(1, 0, "/doc")
	md.Content = &models.ContentDescriptor{MimeType: "text/plain"}
	require.NoError(t, f.repo.AddTransaction(1, []*models.NodeMetadata{md}, nil))
	require.NoError(t, f.metadata(t).Poll(ctx))

	require.NoError(t, f.content(t).Poll(ctx))
	assert.Equal(t, index.ContentDirty, f.doc(t, 1).Get(index.FieldContentStatus))
}

func TestContentTracker_WaitsForMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	md := node(1, 0, "/doc")
	md.Content = &models.ContentDescriptor{MimeType: "text/plain", Size: 5}
	require.NoError(t, f.repo.AddTransaction(1, []*models.NodeMetadata{md}, nil))
	f.repo.SetContent(1, "hello")

	tr := f.content(t)
	require.NoError(t, tr.Track(ctx))
	assert.False(t, f.exists(t, models.NodeDocumentID(1)))
	assert.Empty(t, tr.Status(ctx).LastError)

	require.NoError(t, f.metadata(t).Poll(ctx))
	require.NoError(t, tr.Poll(ctx))
	doc := f.doc(t, 1)
	assert.Equal(t, index.ContentClean, doc.Get(index.FieldContentStatus))
	assert.Equal(t, "hello", doc.Get(index.FieldContent))
}
