package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeID_SortsNumerically(t *testing.T) {
	ids := []int64{-5, 0, 1, 99, 101, 1 << 40}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, EncodeID(ids[i-1]), EncodeID(ids[i]))
	}
}

func TestDocumentIDs_RoundTrip(t *testing.T) {
	id, err := ParseNodeDocumentID(NodeDocumentID(101))
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)

	txn, err := ParseTrailingID(TransactionDocumentID(6))
	require.NoError(t, err)
	assert.Equal(t, int64(6), txn)

	cs, err := ParseTrailingID(ChangeSetDocumentID(12))
	require.NoError(t, err)
	assert.Equal(t, int64(12), cs)
}

func TestIsNodeDocumentID(t *testing.T) {
	assert.True(t, IsNodeDocumentID(NodeDocumentID(1)))
	assert.False(t, IsNodeDocumentID(AclDocumentID(1)))
	assert.False(t, IsNodeDocumentID(TransactionDocumentID(1)))
	assert.False(t, IsNodeDocumentID(ChangeSetDocumentID(1)))
}

func TestCascadeTxn(t *testing.T) {
	m := &NodeMetadata{Properties: map[string]any{PropCascadeTx: "42"}}
	assert.Equal(t, int64(42), m.CascadeTxn())

	m.Properties[PropCascadeTx] = float64(7)
	assert.Equal(t, int64(7), m.CascadeTxn())

	assert.Equal(t, int64(0), (&NodeMetadata{}).CascadeTxn())
}

func TestAclNormalize(t *testing.T) {
	a := &Acl{Readers: []string{"phil", "joel", "phil"}}
	a.Normalize()
	assert.Equal(t, []string{"joel", "phil"}, a.Readers)
	assert.Equal(t, []string{}, a.Deniers)
}
