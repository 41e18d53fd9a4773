package index

import (
	"context"
	"sync"
)

// Memory is an in-process IndexStore. Uncommitted writes live in a pending
// overlay; a nil entry in the overlay is a pending delete.
type Memory struct {
	mu        sync.RWMutex
	committed map[string]*Document
	pending   map[string]*Document
	commits   int

	// Err can be set to make every method return an error
	Err error
}

var _ IndexStore = (*Memory)(nil)

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{
		committed: make(map[string]*Document),
		pending:   make(map[string]*Document),
	}
}

// Upsert stages a full replacement of the document.
func (m *Memory) Upsert(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.pending[doc.ID] = doc.Clone()
	return nil
}

// Delete stages removal of a document.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.pending[id] = nil
	return nil
}

// Patch stages a field update against the latest staged or committed version.
func (m *Memory) Patch(ctx context.Context, id string, fields map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	base, staged := m.pending[id]
	if !staged {
		base = m.committed[id]
	}
	if base == nil {
		return ErrNotFound
	}
	doc := base.Clone()
	doc.Apply(fields)
	m.pending[id] = doc
	return nil
}

// Commit publishes every staged write.
func (m *Memory) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for id, doc := range m.pending {
		if doc == nil {
			delete(m.committed, id)
		} else {
			m.committed[id] = doc
		}
	}
	m.pending = make(map[string]*Document)
	m.commits++
	return nil
}

// Exists reports whether a committed document exists.
func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return false, m.Err
	}
	_, ok := m.committed[id]
	return ok, nil
}

// Get returns a copy of a committed document.
func (m *Memory) Get(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	doc, ok := m.committed[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// Search scans committed documents for the term.
func (m *Memory) Search(ctx context.Context, q Query) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*Document
	for _, doc := range m.committed {
		if doc.Has(q.Field, q.Term) {
			out = append(out, doc.Clone())
		}
	}
	return page(out, q), nil
}

// Len returns the number of committed documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.committed)
}

// Pending returns the number of staged writes.
func (m *Memory) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Commits returns how many commits have been applied.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
