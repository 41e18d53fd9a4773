package dictionary

import (
	"fmt"
	"sort"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// ChangeKind classifies one structural difference between model versions.
type ChangeKind string

const (
	TypeAdded        ChangeKind = "type_added"
	TypeDeleted      ChangeKind = "type_deleted"
	TypeModified     ChangeKind = "type_modified"
	PropertyAdded    ChangeKind = "property_added"
	PropertyDeleted  ChangeKind = "property_deleted"
	PropertyModified ChangeKind = "property_modified"
	NamespaceChanged ChangeKind = "namespace_changed"
)

// Change is one difference between two versions of a model.
type Change struct {
	Kind     ChangeKind
	Type     string
	Property string
	Previous string
	Current  string
}

func (c Change) String() string {
	switch {
	case c.Property != "":
		return fmt.Sprintf("%s %s.%s", c.Kind, c.Type, c.Property)
	case c.Type != "":
		return fmt.Sprintf("%s %s", c.Kind, c.Type)
	default:
		return fmt.Sprintf("%s %q -> %q", c.Kind, c.Previous, c.Current)
	}
}

// Incremental reports whether the change only adds structure.
func (c Change) Incremental() bool {
	return c.Kind == TypeAdded || c.Kind == PropertyAdded
}

// DiffResult lists the differences between two model versions.
type DiffResult struct {
	Changes []Change
}

// HasChanges returns true if there are any changes
func (d *DiffResult) HasChanges() bool {
	return len(d.Changes) > 0
}

// Incompatible returns the changes that are not purely additive.
func (d *DiffResult) Incompatible() []Change {
	var out []Change
	for _, c := range d.Changes {
		if !c.Incremental() {
			out = append(out, c)
		}
	}
	return out
}

// Diff compares a new model version against the previous one. A nil
// previous model makes every type an addition.
func Diff(previous, current *models.Model) *DiffResult {
	result := &DiffResult{}

	if previous != nil && current != nil && previous.Namespace != current.Namespace {
		result.Changes = append(result.Changes, Change{
			Kind:     NamespaceChanged,
			Previous: previous.Namespace,
			Current:  current.Namespace,
		})
	}

	prevTypes := buildTypeMap(previous)
	currTypes := buildTypeMap(current)

	for name, currType := range currTypes {
		prevType, exists := prevTypes[name]
		if !exists {
			result.Changes = append(result.Changes, Change{Kind: TypeAdded, Type: name})
			continue
		}
		compareTypes(name, prevType, currType, result)
	}

	for name := range prevTypes {
		if _, exists := currTypes[name]; !exists {
			result.Changes = append(result.Changes, Change{Kind: TypeDeleted, Type: name})
		}
	}

	sort.Slice(result.Changes, func(i, j int) bool {
		a, b := result.Changes[i], result.Changes[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Property != b.Property {
			return a.Property < b.Property
		}
		return a.Kind < b.Kind
	})
	return result
}

func buildTypeMap(m *models.Model) map[string]*models.TypeDef {
	out := make(map[string]*models.TypeDef)
	if m == nil {
		return out
	}
	for _, t := range m.Types {
		if t != nil {
			out[t.Name] = t
		}
	}
	return out
}

func buildPropertyMap(t *models.TypeDef) map[string]*models.PropertyDef {
	out := make(map[string]*models.PropertyDef)
	if t == nil {
		return out
	}
	for _, p := range t.Properties {
		if p != nil {
			out[p.Name] = p
		}
	}
	return out
}

func compareTypes(name string, prev, curr *models.TypeDef, result *DiffResult) {
	if prev.Parent != curr.Parent {
		result.Changes = append(result.Changes, Change{
			Kind:     TypeModified,
			Type:     name,
			Previous: prev.Parent,
			Current:  curr.Parent,
		})
	}

	prevProps := buildPropertyMap(prev)
	currProps := buildPropertyMap(curr)

	for propName, currProp := range currProps {
		prevProp, exists := prevProps[propName]
		if !exists {
			result.Changes = append(result.Changes, Change{Kind: PropertyAdded, Type: name, Property: propName})
			continue
		}
		if !propertiesEqual(prevProp, currProp) {
			result.Changes = append(result.Changes, Change{
				Kind:     PropertyModified,
				Type:     name,
				Property: propName,
				Previous: describe(prevProp),
				Current:  describe(currProp),
			})
		}
	}

	for propName := range prevProps {
		if _, exists := currProps[propName]; !exists {
			result.Changes = append(result.Changes, Change{Kind: PropertyDeleted, Type: name, Property: propName})
		}
	}
}

func propertiesEqual(a, b *models.PropertyDef) bool {
	return a.DataType == b.DataType &&
		a.Multiple == b.Multiple &&
		a.Indexed == b.Indexed &&
		a.Tokenised == b.Tokenised
}

func describe(p *models.PropertyDef) string {
	return fmt.Sprintf("%s multiple=%t indexed=%t tokenised=%s", p.DataType, p.Multiple, p.Indexed, p.Tokenised)
}
