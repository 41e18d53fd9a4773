package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/dictionary"
	"github.com/zanzrukiav/SearchServices/internal/models"
)

func (f *fixture) model(t *testing.T) *ModelTracker {
	t.Helper()
	tr, err := NewModelTracker(f.options())
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func contentModel(props ...*models.PropertyDef) *models.Model {
	return &models.Model{
		Name:      "cm:contentmodel",
		Namespace: "http://www.alfresco.org/model/content/1.0",
		Types:     []*models.TypeDef{{Name: "content", Properties: props}},
	}
}

func TestModelTracker_AppliesNewAndAdditiveModels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.model(t)

	f.repo.PutModel(contentModel(&models.PropertyDef{Name: "title", DataType: "d:text", Indexed: true}))
	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, []string{"cm:contentmodel"}, f.dict.Names())

	f.repo.PutModel(contentModel(
		&models.PropertyDef{Name: "title", DataType: "d:text", Indexed: true},
		&models.PropertyDef{Name: "author", DataType: "d:text", Indexed: false},
	))
	require.NoError(t, tr.Poll(ctx))
	assert.False(t, f.dict.Indexed("{http://www.alfresco.org/model/content/1.0}author"))

	stored, err := f.state.LoadModels(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Types[0].Properties, 2)
}

func TestModelTracker_RejectsIncompatibleChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.model(t)

	f.repo.PutModel(contentModel(&models.PropertyDef{Name: "size", DataType: "d:int", Indexed: true}))
	require.NoError(t, tr.Poll(ctx))

	f.repo.PutModel(contentModel(&models.PropertyDef{Name: "size", DataType: "d:text", Indexed: true}))
	require.NoError(t, tr.Poll(ctx))

	p, ok := f.dict.Property("{http://www.alfresco.org/model/content/1.0}size")
	require.True(t, ok)
	assert.Equal(t, "d:int", p.DataType)

	s := tr.Status(ctx)
	require.Len(t, s.Rejected, 1)
	assert.Contains(t, s.Rejected[0], "cm:contentmodel")
	assert.ErrorIs(t, f.dict.Errors()["cm:contentmodel"], dictionary.ErrIncompatibleModel)

	// the same rejected version is not fetched again
	fetched := f.repo.Calls("GetModel")
	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, fetched, f.repo.Calls("GetModel"))

	require.NoError(t, tr.InvalidateState(ctx))
	require.NoError(t, tr.Poll(ctx))
	assert.Equal(t, fetched+1, f.repo.Calls("GetModel"))
}

func TestModelTracker_RemovesWithdrawnModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.model(t)

	f.repo.PutModel(contentModel())
	require.NoError(t, tr.Poll(ctx))
	f.repo.RemoveModel("cm:contentmodel")
	require.NoError(t, tr.Poll(ctx))

	assert.Empty(t, f.dict.Names())
	stored, err := f.state.LoadModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestModelTracker_Restore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.state.PutModel(ctx, contentModel(&models.PropertyDef{Name: "title", DataType: "d:text"})))

	tr := f.model(t)
	require.NoError(t, tr.Restore(ctx))
	assert.Equal(t, []string{"cm:contentmodel"}, f.dict.Names())

	// the restored version is already current
	f.repo.PutModel(contentModel(&models.PropertyDef{Name: "title", DataType: "d:text"}))
	require.NoError(t, tr.Poll(ctx))
	assert.Zero(t, f.repo.Calls("GetModel"))
}
