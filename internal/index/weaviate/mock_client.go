package weaviate

import (
	"context"
	"sort"
	"sync"
)

// MockClient is an in-memory ObjectClient for testing.
type MockClient struct {
	mu sync.Mutex
	// Objects stores object properties by "ClassName/ObjectID" key
	Objects map[string]map[string]interface{}
	// Classes records created classes
	Classes map[string]bool
	// Err can be set to make methods return an error
	Err error
	// Puts counts PutObject calls
	Puts int
}

var _ ObjectClient = (*MockClient)(nil)

// NewMockClient creates a new MockClient for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		Objects: make(map[string]map[string]interface{}),
		Classes: make(map[string]bool),
	}
}

func objectKey(className, objectID string) string {
	return className + "/" + objectID
}

// EnsureClass records the class.
func (m *MockClient) EnsureClass(ctx context.Context, className string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Classes[className] = true
	return nil
}

// PutObject stores a copy of the properties.
func (m *MockClient) PutObject(ctx context.Context, className, objectID string, props map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := make(map[string]interface{}, len(props))
	for k, v := range props {
		cp[k] = v
	}
	m.Objects[objectKey(className, objectID)] = cp
	m.Puts++
	return nil
}

// GetObject returns a stored object.
func (m *MockClient) GetObject(ctx context.Context, className, objectID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[objectKey(className, objectID)]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj, nil
}

// DeleteObject removes a stored object.
func (m *MockClient) DeleteObject(ctx context.Context, className, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Objects, objectKey(className, objectID))
	return nil
}

// FindObjects scans stored objects of the class for value in property.
func (m *MockClient) FindObjects(ctx context.Context, className, property, value string, limit, offset int) ([]map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	keys := make([]string, 0, len(m.Objects))
	for k := range m.Objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []map[string]interface{}
	for _, k := range keys {
		if len(k) <= len(className) || k[:len(className)+1] != className+"/" {
			continue
		}
		obj := m.Objects[k]
		if !containsTerm(obj[property], value) {
			continue
		}
		out = append(out, obj)
	}

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsTerm(v interface{}, term string) bool {
	switch vals := v.(type) {
	case []string:
		for _, s := range vals {
			if s == term {
				return true
			}
		}
	case []interface{}:
		for _, s := range vals {
			if s == term {
				return true
			}
		}
	}
	return false
}
