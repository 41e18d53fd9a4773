package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

func newTestStore(t *testing.T) *BboltStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test-state.db")
	s, err := NewBboltStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBboltStore_FloorDefaultsToZero(t *testing.T) {
	floor, err := newTestStore(t).GetFloor(context.Background(), "alfresco", models.TrackerMetadata)
	require.NoError(t, err)
	assert.Equal(t, int64(0), floor)
}

func TestBboltStore_SetFloorMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetFloor(ctx, "alfresco", models.TrackerMetadata, 5))
	require.NoError(t, s.SetFloor(ctx, "alfresco", models.TrackerMetadata, 5))
	require.NoError(t, s.SetFloor(ctx, "alfresco", models.TrackerMetadata, 6))

	err := s.SetFloor(ctx, "alfresco", models.TrackerMetadata, 4)
	assert.ErrorIs(t, err, ErrFloorRegressed)

	floor, err := s.GetFloor(ctx, "alfresco", models.TrackerMetadata)
	require.NoError(t, err)
	assert.Equal(t, int64(6), floor)

	require.NoError(t, s.ResetFloor(ctx, "alfresco", models.TrackerMetadata, 0))
	floor, err = s.GetFloor(ctx, "alfresco", models.TrackerMetadata)
	require.NoError(t, err)
	assert.Equal(t, int64(0), floor)
}

func TestBboltStore_FloorsPerCore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetFloor(ctx, "alfresco", models.TrackerMetadata, 10))
	require.NoError(t, s.SetFloor(ctx, "alfresco", models.TrackerAcl, 3))
	require.NoError(t, s.SetFloor(ctx, "archive", models.TrackerMetadata, 99))

	floors, err := s.Floors(ctx, "alfresco")
	require.NoError(t, err)
	require.Len(t, floors, 2)
	assert.Equal(t, models.TrackerAcl, floors[0].Type)
	assert.Equal(t, int64(3), floors[0].LastAppliedID)
	assert.Equal(t, int64(10), floors[1].LastAppliedID)
}

func TestBboltStore_FloorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewBboltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SetFloor(ctx, "alfresco", models.TrackerAcl, 42))
	require.NoError(t, s.Close())

	s, err = NewBboltStore(path)
	require.NoError(t, err)
	defer s.Close()
	floor, err := s.GetFloor(ctx, "alfresco", models.TrackerAcl)
	require.NoError(t, err)
	assert.Equal(t, int64(42), floor)
}

func TestBboltStore_DeferredLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	_, err := s.GetDeferred(ctx, "alfresco", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutDeferred(ctx, &DeferredNode{Core: "alfresco", DbID: 2, AclID: 7, NextAttempt: now.Add(-time.Second)}))
	require.NoError(t, s.PutDeferred(ctx, &DeferredNode{Core: "alfresco", DbID: 1, AclID: 8, NextAttempt: now.Add(time.Hour)}))
	require.NoError(t, s.PutDeferred(ctx, &DeferredNode{Core: "alfresco", DbID: 3, AclID: 7, Stuck: true}))
	require.NoError(t, s.PutDeferred(ctx, &DeferredNode{Core: "other", DbID: 4, AclID: 7}))

	due, err := s.DueDeferred(ctx, "alfresco", now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2), due[0].DbID)

	pending, stuck, err := s.CountDeferred(ctx, "alfresco")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 1, stuck)

	stuckNodes, err := s.StuckDeferred(ctx, "alfresco")
	require.NoError(t, err)
	require.Len(t, stuckNodes, 1)
	assert.Equal(t, int64(3), stuckNodes[0].DbID)

	n, err := s.ReleaseDeferred(ctx, "alfresco", []int64{7})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	due, err = s.DueDeferred(ctx, "alfresco", now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(2), due[0].DbID)
	assert.Equal(t, int64(3), due[1].DbID)

	due, err = s.DueDeferred(ctx, "alfresco", now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, s.DeleteDeferred(ctx, "alfresco", 2))
	_, err = s.GetDeferred(ctx, "alfresco", 2)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ClearDeferred(ctx, "alfresco"))
	pending, stuck, err = s.CountDeferred(ctx, "alfresco")
	require.NoError(t, err)
	assert.Zero(t, pending+stuck)

	pending, _, err = s.CountDeferred(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestBboltStore_Models(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutModel(ctx, &models.Model{Name: "cm", Namespace: "http://example.com/cm"}))
	require.NoError(t, s.PutModel(ctx, &models.Model{Name: "app"}))

	loaded, err := s.LoadModels(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "app", loaded[0].Name)
	assert.Equal(t, "http://example.com/cm", loaded[1].Namespace)

	require.NoError(t, s.DeleteModel(ctx, "cm"))
	loaded, err = s.LoadModels(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
