package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

func TestMemory_Transactions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.AddTransaction(5, []*models.NodeMetadata{{Node: models.Node{DbID: 1}, AclID: 9}}, nil))
	require.NoError(t, m.AddTransaction(6, nil, []int64{1}))
	assert.Error(t, m.AddTransaction(6, nil, nil))

	txns, err := m.GetTransactions(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, txns, 2)

	txns, err = m.GetTransactions(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(6), txns[0].ID)

	nodes, err := m.GetNodes(ctx, 6)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, models.NodeDeleted, nodes[0].Status)
	assert.Equal(t, "workspace://SpacesStore/node-1", nodes[0].NodeRef)

	_, err = m.GetNodeMetadata(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_MetadataIsCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AddTransaction(1, []*models.NodeMetadata{{
		Node:       models.Node{DbID: 3},
		Properties: map[string]any{"name": "a"},
	}}, nil))

	md, err := m.GetNodeMetadata(ctx, 3)
	require.NoError(t, err)
	md.Properties["name"] = "changed"

	md, err = m.GetNodeMetadata(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "a", md.Properties["name"])
	assert.Equal(t, int64(1), md.Node.TxnID)
}

func TestMemory_UncleanContentPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var mds []*models.NodeMetadata
	for i := int64(1); i <= 5; i++ {
		mds = append(mds, &models.NodeMetadata{Node: models.Node{DbID: i}})
	}
	require.NoError(t, m.AddTransaction(1, mds, nil))
	for i := int64(1); i <= 5; i++ {
		m.SetContent(i, "text")
	}

	page, err := m.GetUncleanContentDocs(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].DbID)

	m.MarkClean(1)
	m.MarkClean(2)
	page, err = m.GetUncleanContentDocs(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(5), page[0].DbID)

	page, err = m.GetUncleanContentDocs(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemory_ModelsDiff(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	cm := &models.Model{Name: "cm", Namespace: "http://example.com/cm"}
	m.PutModel(cm)

	diffs, err := m.GetModelsDiff(ctx, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, models.ModelNew, diffs[0].Kind)

	known := []models.ModelChecksum{{Name: "cm", Checksum: diffs[0].Checksum}, {Name: "old", Checksum: "x"}}
	diffs, err = m.GetModelsDiff(ctx, known)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "old", diffs[0].Name)
	assert.Equal(t, models.ModelRemoved, diffs[0].Kind)

	_, err = m.GetModel(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Err(t *testing.T) {
	m := NewMemory()
	m.Err = assert.AnError

	_, err := m.GetAclChangeSets(context.Background(), 0, 1)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, m.Calls("GetAclChangeSets"))
}
