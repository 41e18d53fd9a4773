package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Model is a dictionary (content model) definition: the structural schema
// that indexed documents rely on.
type Model struct {
	Name      string     `json:"name"`
	Namespace string     `json:"namespace,omitempty"`
	Types     []*TypeDef `json:"types"`
}

// TypeDef is a type or aspect declared by a model.
type TypeDef struct {
	Name       string         `json:"name"`
	Parent     string         `json:"parent,omitempty"`
	Properties []*PropertyDef `json:"properties"`
}

// PropertyDef is a property declared on a type.
type PropertyDef struct {
	Name      string `json:"name"`
	DataType  string `json:"data_type"`
	Multiple  bool   `json:"multiple,omitempty"`
	Indexed   bool   `json:"indexed"`
	Tokenised string `json:"tokenised,omitempty"`
}

// ModelChecksum identifies the version of a model known locally.
type ModelChecksum struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

// ModelDiffKind classifies a model difference reported by the repository.
type ModelDiffKind string

const (
	ModelNew     ModelDiffKind = "NEW"
	ModelChanged ModelDiffKind = "CHANGED"
	ModelRemoved ModelDiffKind = "REMOVED"
)

// ModelDiff is one entry of the repository's model diff.
type ModelDiff struct {
	Name     string        `json:"name"`
	Kind     ModelDiffKind `json:"kind"`
	Checksum string        `json:"checksum,omitempty"`
}

// QName returns the qualified name "{namespace}local" used for properties.
func (m *Model) QName(local string) string {
	if m.Namespace == "" {
		return local
	}
	return "{" + m.Namespace + "}" + local
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	out := &Model{Name: m.Name, Namespace: m.Namespace, Types: make([]*TypeDef, 0, len(m.Types))}
	for _, t := range m.Types {
		tc := &TypeDef{Name: t.Name, Parent: t.Parent, Properties: make([]*PropertyDef, 0, len(t.Properties))}
		for _, p := range t.Properties {
			pc := *p
			tc.Properties = append(tc.Properties, &pc)
		}
		out.Types = append(out.Types, tc)
	}
	return out
}

// Checksum returns a deterministic SHA256 of the model. Types and
// properties are sorted by name first so declaration order does not matter.
func (m *Model) Checksum() string {
	c := m.Clone()
	sort.Slice(c.Types, func(i, j int) bool { return c.Types[i].Name < c.Types[j].Name })
	for _, t := range c.Types {
		sort.Slice(t.Properties, func(i, j int) bool { return t.Properties[i].Name < t.Properties[j].Name })
	}
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
