package weaviate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
)

func newTestStore(t *testing.T) (*Store, *MockClient) {
	t.Helper()
	mock := NewMockClient()
	s, err := New(context.Background(), mock, "")
	require.NoError(t, err)
	assert.True(t, mock.Classes[DefaultClass])
	return s, mock
}

func TestObjectID_Deterministic(t *testing.T) {
	id := models.NodeDocumentID(42)
	assert.Equal(t, ObjectID(id), ObjectID(id))
	assert.NotEqual(t, ObjectID(id), ObjectID(models.NodeDocumentID(43)))
}

func TestStore_BuffersUntilCommit(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStore(t)

	doc := index.NewDocument(models.NodeDocumentID(1))
	doc.SetInt(index.FieldTxnID, 5)
	require.NoError(t, s.Upsert(ctx, doc))

	ok, err := s.Exists(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, mock.Puts)

	require.NoError(t, s.Commit(ctx))
	got, err := s.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Int(index.FieldTxnID))

	require.NoError(t, s.Delete(ctx, doc.ID))
	require.NoError(t, s.Commit(ctx))
	ok, err = s.Exists(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PatchReadsStoredDocument(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	assert.ErrorIs(t, s.Patch(ctx, "missing", map[string][]string{"x": {"1"}}), index.ErrNotFound)

	doc := index.NewDocument("d1")
	doc.Set(index.FieldPaths, "/old")
	require.NoError(t, s.Upsert(ctx, doc))
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, s.Patch(ctx, "d1", map[string][]string{index.FieldPaths: {"/new"}}))
	require.NoError(t, s.Commit(ctx))

	got, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "/new", got.Get(index.FieldPaths))
}

func TestStore_Search(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, id := range []string{"c", "a", "b"} {
		d := index.NewDocument(id)
		d.Set(index.FieldAncestors, "parent", "root")
		require.NoError(t, s.Upsert(ctx, d))
	}
	other := index.NewDocument("z")
	other.Set(index.FieldAncestors, "elsewhere")
	require.NoError(t, s.Upsert(ctx, other))
	require.NoError(t, s.Commit(ctx))

	docs, err := s.Search(ctx, index.Query{Field: index.FieldAncestors, Term: "parent", Limit: 2})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)

	_, err = s.Search(ctx, index.Query{Field: index.FieldContent, Term: "x"})
	assert.ErrorIs(t, err, index.ErrUnsupportedQuery)
}

func TestStore_FailedCommitKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, index.NewDocument("a")))
	mock.Err = assert.AnError
	assert.ErrorIs(t, s.Commit(ctx), assert.AnError)

	mock.Err = nil
	require.NoError(t, s.Commit(ctx))
	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}
