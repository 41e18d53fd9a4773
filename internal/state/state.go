// Package state persists tracker progress: committed floors, node updates
// deferred on unresolved ACLs, and accepted dictionary models.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound       = errors.New("not found")
	ErrFloorRegressed = errors.New("floor would move backwards")
)

// DeferredNode is a node update postponed because its ACL was not yet indexed.
type DeferredNode struct {
	Core          string    `json:"core"`
	DbID          int64     `json:"db_id"`
	TxnID         int64     `json:"txn_id"`
	AclID         int64     `json:"acl_id"`
	Attempts      int       `json:"attempts"`
	NextAttempt   time.Time `json:"next_attempt"`
	FirstDeferred time.Time `json:"first_deferred"`
	Stuck         bool      `json:"stuck"`
	LastError     string    `json:"last_error,omitempty"`
}

// TrackerStateStore is the durable store behind the trackers. Every write
// is synced to disk before it returns.
type TrackerStateStore interface {
	// Floors
	GetFloor(ctx context.Context, core string, t models.TrackerType) (int64, error)
	SetFloor(ctx context.Context, core string, t models.TrackerType, id int64) error
	ResetFloor(ctx context.Context, core string, t models.TrackerType, id int64) error
	Floors(ctx context.Context, core string) ([]models.TrackerFloor, error)

	// Deferred node updates
	PutDeferred(ctx context.Context, d *DeferredNode) error
	GetDeferred(ctx context.Context, core string, dbID int64) (*DeferredNode, error)
	DueDeferred(ctx context.Context, core string, now time.Time, limit int) ([]*DeferredNode, error)
	DeleteDeferred(ctx context.Context, core string, dbID int64) error
	ReleaseDeferred(ctx context.Context, core string, aclIDs []int64) (int, error)
	CountDeferred(ctx context.Context, core string) (pending, stuck int, err error)
	StuckDeferred(ctx context.Context, core string) ([]*DeferredNode, error)
	ClearDeferred(ctx context.Context, core string) error

	// Accepted dictionary models
	PutModel(ctx context.Context, m *models.Model) error
	DeleteModel(ctx context.Context, name string) error
	LoadModels(ctx context.Context) ([]*models.Model, error)

	Close() error
}
