package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

var (
	bucketFloors   = []byte("floors")
	bucketDeferred = []byte("deferred")
	bucketModels   = []byte("models")
)

// BboltStore implements TrackerStateStore using bbolt.
type BboltStore struct {
	db *bolt.DB
}

var _ TrackerStateStore = (*BboltStore)(nil)

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFloors, bucketDeferred, bucketModels} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func corePrefix(core string) []byte {
	return []byte(core + "/")
}

func floorKey(core string, t models.TrackerType) []byte {
	return []byte(core + "/" + string(t))
}

func deferredKey(core string, dbID int64) []byte {
	return []byte(core + "/" + models.EncodeID(dbID))
}

// GetFloor returns the committed floor, or 0 if the tracker never committed.
func (s *BboltStore) GetFloor(_ context.Context, core string, t models.TrackerType) (int64, error) {
	var floor int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFloors).Get(floorKey(core, t))
		if data == nil {
			return nil
		}
		var f models.TrackerFloor
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode floor %s/%s: %w", core, t, err)
		}
		floor = f.LastAppliedID
		return nil
	})
	return floor, err
}

func putFloor(tx *bolt.Tx, core string, t models.TrackerType, id int64, allowDecrease bool) error {
	b := tx.Bucket(bucketFloors)
	key := floorKey(core, t)
	if !allowDecrease {
		if data := b.Get(key); data != nil {
			var prev models.TrackerFloor
			if err := json.Unmarshal(data, &prev); err != nil {
				return fmt.Errorf("decode floor %s/%s: %w", core, t, err)
			}
			if id < prev.LastAppliedID {
				return fmt.Errorf("%s/%s from %d to %d: %w", core, t, prev.LastAppliedID, id, ErrFloorRegressed)
			}
		}
	}
	data, err := json.Marshal(models.TrackerFloor{Core: core, Type: t, LastAppliedID: id})
	if err != nil {
		return fmt.Errorf("marshal floor: %w", err)
	}
	return b.Put(key, data)
}

// SetFloor durably advances a floor. A lower value than the stored one is rejected.
func (s *BboltStore) SetFloor(_ context.Context, core string, t models.TrackerType, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putFloor(tx, core, t, id, false)
	})
}

// ResetFloor sets a floor unconditionally, used for full reindexing.
func (s *BboltStore) ResetFloor(_ context.Context, core string, t models.TrackerType, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putFloor(tx, core, t, id, true)
	})
}

// Floors returns every stored floor of a core.
func (s *BboltStore) Floors(_ context.Context, core string) ([]models.TrackerFloor, error) {
	var floors []models.TrackerFloor
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := corePrefix(core)
		c := tx.Bucket(bucketFloors).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f models.TrackerFloor
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode floor %s: %w", k, err)
			}
			floors = append(floors, f)
		}
		return nil
	})
	return floors, err
}

// PutDeferred stores or replaces the deferral of a node.
func (s *BboltStore) PutDeferred(_ context.Context, d *DeferredNode) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deferred node: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeferred).Put(deferredKey(d.Core, d.DbID), data)
	})
}

// GetDeferred returns the deferral of a node. Returns ErrNotFound if none.
func (s *BboltStore) GetDeferred(_ context.Context, core string, dbID int64) (*DeferredNode, error) {
	var d *DeferredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeferred).Get(deferredKey(core, dbID))
		if data == nil {
			return ErrNotFound
		}
		d = &DeferredNode{}
		return json.Unmarshal(data, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// scanDeferred calls fn for every deferral of a core in db id order.
func (s *BboltStore) scanDeferred(tx *bolt.Tx, core string, fn func(k []byte, d *DeferredNode) (bool, error)) error {
	prefix := corePrefix(core)
	c := tx.Bucket(bucketDeferred).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var d DeferredNode
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("decode deferred node %s: %w", k, err)
		}
		more, err := fn(k, &d)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// DueDeferred returns deferrals that are not stuck and whose next attempt is due.
func (s *BboltStore) DueDeferred(_ context.Context, core string, now time.Time, limit int) ([]*DeferredNode, error) {
	var due []*DeferredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.scanDeferred(tx, core, func(_ []byte, d *DeferredNode) (bool, error) {
			if !d.Stuck && !d.NextAttempt.After(now) {
				due = append(due, d)
			}
			return limit <= 0 || len(due) < limit, nil
		})
	})
	return due, err
}

// DeleteDeferred removes the deferral of a node.
func (s *BboltStore) DeleteDeferred(_ context.Context, core string, dbID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeferred).Delete(deferredKey(core, dbID))
	})
}

// ReleaseDeferred makes every deferral waiting on one of the ACLs due now,
// including stuck ones. It returns how many were released.
func (s *BboltStore) ReleaseDeferred(_ context.Context, core string, aclIDs []int64) (int, error) {
	if len(aclIDs) == 0 {
		return 0, nil
	}
	wanted := make(map[int64]bool, len(aclIDs))
	for _, id := range aclIDs {
		wanted[id] = true
	}

	released := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		type update struct {
			key  []byte
			data []byte
		}
		var updates []update
		err := s.scanDeferred(tx, core, func(k []byte, d *DeferredNode) (bool, error) {
			if !wanted[d.AclID] {
				return true, nil
			}
			d.NextAttempt = time.Time{}
			d.Stuck = false
			data, err := json.Marshal(d)
			if err != nil {
				return false, err
			}
			updates = append(updates, update{key: append([]byte(nil), k...), data: data})
			return true, nil
		})
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketDeferred)
		for _, u := range updates {
			if err := b.Put(u.key, u.data); err != nil {
				return err
			}
		}
		released = len(updates)
		return nil
	})
	return released, err
}

// CountDeferred returns the number of pending and stuck deferrals.
func (s *BboltStore) CountDeferred(_ context.Context, core string) (pending, stuck int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return s.scanDeferred(tx, core, func(_ []byte, d *DeferredNode) (bool, error) {
			if d.Stuck {
				stuck++
			} else {
				pending++
			}
			return true, nil
		})
	})
	return pending, stuck, err
}

// StuckDeferred returns deferrals that exhausted their attempts.
func (s *BboltStore) StuckDeferred(_ context.Context, core string) ([]*DeferredNode, error) {
	var stuck []*DeferredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.scanDeferred(tx, core, func(_ []byte, d *DeferredNode) (bool, error) {
			if d.Stuck {
				stuck = append(stuck, d)
			}
			return true, nil
		})
	})
	return stuck, err
}

// ClearDeferred drops every deferral of a core.
func (s *BboltStore) ClearDeferred(_ context.Context, core string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var keys [][]byte
		if err := s.scanDeferred(tx, core, func(k []byte, _ *DeferredNode) (bool, error) {
			keys = append(keys, append([]byte(nil), k...))
			return true, nil
		}); err != nil {
			return err
		}
		b := tx.Bucket(bucketDeferred)
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutModel stores an accepted model.
func (s *BboltStore) PutModel(_ context.Context, m *models.Model) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).Put([]byte(m.Name), data)
	})
}

// DeleteModel removes a stored model.
func (s *BboltStore) DeleteModel(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).Delete([]byte(name))
	})
}

// LoadModels returns every stored model ordered by name.
func (s *BboltStore) LoadModels(_ context.Context) ([]*models.Model, error) {
	var out []*models.Model
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).ForEach(func(k, v []byte) error {
			m := &models.Model{}
			if err := json.Unmarshal(v, m); err != nil {
				return fmt.Errorf("decode model %s: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}
