// Package dictionary holds the content models the index currently
// understands. A Dictionary is constructed once per process and injected
// into the trackers that need it.
package dictionary

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// ErrIncompatibleModel is returned when a model update is not purely additive.
var ErrIncompatibleModel = errors.New("incompatible model change")

// IncompatibleError lists the non-incremental changes of a rejected model.
type IncompatibleError struct {
	Model   string
	Changes []Change
}

func (e *IncompatibleError) Error() string {
	parts := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		parts = append(parts, c.String())
	}
	return fmt.Sprintf("model %s: %s", e.Model, strings.Join(parts, ", "))
}

// Unwrap lets errors.Is match ErrIncompatibleModel.
func (e *IncompatibleError) Unwrap() error { return ErrIncompatibleModel }

// Dictionary is the set of accepted models and their property index.
type Dictionary struct {
	mu     sync.RWMutex
	models map[string]*models.Model
	sums   map[string]string
	props  map[string]*models.PropertyDef // qualified name -> definition
	errs   map[string]error
}

// New creates an empty dictionary.
func New() *Dictionary {
	return &Dictionary{
		models: make(map[string]*models.Model),
		sums:   make(map[string]string),
		props:  make(map[string]*models.PropertyDef),
		errs:   make(map[string]error),
	}
}

// PutModel installs a model. New models and purely additive updates are
// accepted. Any other change is rejected with an IncompatibleError, recorded
// in Errors, and leaves the installed version untouched.
func (d *Dictionary) PutModel(m *models.Model) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("model has no name")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.models[m.Name]; ok {
		if bad := Diff(prev, m).Incompatible(); len(bad) > 0 {
			err := &IncompatibleError{Model: m.Name, Changes: bad}
			d.errs[m.Name] = err
			return err
		}
	}

	c := m.Clone()
	d.models[m.Name] = c
	d.sums[m.Name] = c.Checksum()
	delete(d.errs, m.Name)
	d.reindexLocked()
	return nil
}

// RemoveModel uninstalls a model. Removing an unknown model is a no-op.
func (d *Dictionary) RemoveModel(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.models, name)
	delete(d.sums, name)
	delete(d.errs, name)
	d.reindexLocked()
}

func (d *Dictionary) reindexLocked() {
	d.props = make(map[string]*models.PropertyDef)
	for _, m := range d.models {
		for _, t := range m.Types {
			for _, p := range t.Properties {
				d.props[m.QName(p.Name)] = p
			}
		}
	}
}

// Model returns a copy of an installed model.
func (d *Dictionary) Model(name string) (*models.Model, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.models[name]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Names returns installed model names in order.
func (d *Dictionary) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.models))
	for n := range d.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Checksums returns the checksum of every installed model.
func (d *Dictionary) Checksums() []models.ModelChecksum {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.ModelChecksum, 0, len(d.sums))
	for n, s := range d.sums {
		out = append(out, models.ModelChecksum{Name: n, Checksum: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Property looks a property up by qualified name.
func (d *Dictionary) Property(qname string) (*models.PropertyDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.props[qname]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Indexed reports whether a property should be indexed. Properties that
// no model declares are indexed.
func (d *Dictionary) Indexed(qname string) bool {
	p, ok := d.Property(qname)
	return !ok || p.Indexed
}

// Errors returns the last rejection of each model that is still pending.
func (d *Dictionary) Errors() map[string]error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]error, len(d.errs))
	for k, v := range d.errs {
		out[k] = v
	}
	return out
}
