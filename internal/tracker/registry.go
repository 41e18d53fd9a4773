package tracker

import (
	"errors"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// ErrDuplicate is returned when a (core, type) pair is registered twice.
var ErrDuplicate = errors.New("tracker already registered")

// Registry is the process-wide table of tracker instances per core.
type Registry struct {
	trackers *xsync.MapOf[string, Tracker]
}

func NewRegistry() *Registry {
	return &Registry{trackers: xsync.NewMapOf[string, Tracker]()}
}

// Key identifies a tracker instance.
func Key(core string, t models.TrackerType) string {
	return core + "/" + string(t)
}

// Register adds a tracker. A second tracker for the same core and type is rejected.
func (r *Registry) Register(t Tracker) error {
	key := Key(t.Core(), t.Type())
	if _, loaded := r.trackers.LoadOrStore(key, t); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	return nil
}

// Get returns the tracker of a core and type.
func (r *Registry) Get(core string, t models.TrackerType) (Tracker, bool) {
	return r.trackers.Load(Key(core, t))
}

// Remove unregisters exactly this instance; a different instance under
// the same key is left alone.
func (r *Registry) Remove(t Tracker) bool {
	removed := false
	r.trackers.Compute(Key(t.Core(), t.Type()), func(old Tracker, loaded bool) (Tracker, bool) {
		if loaded && old == t {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	return removed
}

// ForCore returns the trackers of a core in scheduling order.
func (r *Registry) ForCore(core string) []Tracker {
	var out []Tracker
	for _, typ := range models.AllTrackerTypes {
		if t, ok := r.Get(core, typ); ok {
			out = append(out, t)
		}
	}
	return out
}

// Cores lists the cores with at least one tracker.
func (r *Registry) Cores() []string {
	seen := make(map[string]bool)
	r.trackers.Range(func(_ string, t Tracker) bool {
		seen[t.Core()] = true
		return true
	})
	cores := make([]string, 0, len(seen))
	for c := range seen {
		cores = append(cores, c)
	}
	sort.Strings(cores)
	return cores
}

// All returns every registered tracker.
func (r *Registry) All() []Tracker {
	var out []Tracker
	for _, c := range r.Cores() {
		out = append(out, r.ForCore(c)...)
	}
	return out
}

func (r *Registry) Len() int { return r.trackers.Size() }

// ShutdownAll signals every tracker to stop at its next checkpoint.
func (r *Registry) ShutdownAll() {
	r.trackers.Range(func(_ string, t Tracker) bool {
		t.Shutdown()
		return true
	})
}
