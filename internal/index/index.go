// Package index defines the search index contract the trackers write to,
// the document model, an in-memory store, and the shard router.
package index

import (
	"context"
	"errors"
	"sort"
	"strconv"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrUnsupportedQuery is returned by backends that cannot serve a query.
	ErrUnsupportedQuery = errors.New("unsupported query")
	// ErrNotHosted is returned when a node document belongs to a shard this process does not host.
	ErrNotHosted = errors.New("shard not hosted")
)

// Field names written by the trackers.
const (
	FieldDocType        = "DOC_TYPE"
	FieldDbID           = "DBID"
	FieldNodeRef        = "NODEREF"
	FieldTxnID          = "TXID"
	FieldTxnCommitTime  = "TXCOMMITTIME"
	FieldAclID          = "ACLID"
	FieldChangeSetID    = "ACLTXID"
	FieldReaders        = "READER"
	FieldDeniers        = "DENIED"
	FieldType           = "TYPE"
	FieldPaths          = "PATH"
	FieldQNames         = "QNAME"
	FieldDisplayPath    = "DISPLAY_PATH"
	FieldAncestors      = "ANCESTOR"
	FieldCascadeTx      = "CASCADE_TX"
	FieldCascadePending = "CASCADE_PENDING"
	FieldContent        = "CONTENT"
	FieldContentStatus  = "CONTENT_STATUS"
	FieldContentSum     = "CONTENT_CHECKSUM"
	FieldContentMime    = "CONTENT_MIMETYPE"
	FieldContentSize    = "CONTENT_SIZE"
	FieldShard          = "SHARD"

	// PropertyPrefix prefixes indexed node properties.
	PropertyPrefix = "@"
)

// Document types.
const (
	DocTypeNode      = "Node"
	DocTypeAcl       = "Acl"
	DocTypeTx        = "Tx"
	DocTypeChangeSet = "AclTx"
)

// Content states.
const (
	ContentDirty = "DIRTY"
	ContentClean = "CLEAN"
)

// True is the term stored in boolean marker fields.
const True = "true"

// Document is a flat, multi-valued field map addressed by id.
type Document struct {
	ID     string              `json:"id"`
	Fields map[string][]string `json:"fields"`
}

// NewDocument creates an empty document.
func NewDocument(id string) *Document {
	return &Document{ID: id, Fields: make(map[string][]string)}
}

// Set replaces a field. No values removes the field.
func (d *Document) Set(field string, values ...string) {
	if len(values) == 0 {
		delete(d.Fields, field)
		return
	}
	d.Fields[field] = append([]string(nil), values...)
}

// SetInt stores a single integer value.
func (d *Document) SetInt(field string, v int64) {
	d.Fields[field] = []string{strconv.FormatInt(v, 10)}
}

// Get returns the first value of a field.
func (d *Document) Get(field string) string {
	if v := d.Fields[field]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Int returns the first value of a field as an integer, or 0.
func (d *Document) Int(field string) int64 {
	n, _ := strconv.ParseInt(d.Get(field), 10, 64)
	return n
}

// Has reports whether any value of field equals term.
func (d *Document) Has(field, term string) bool {
	for _, v := range d.Fields[field] {
		if v == term {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{ID: d.ID, Fields: make(map[string][]string, len(d.Fields))}
	for k, v := range d.Fields {
		c.Fields[k] = append([]string(nil), v...)
	}
	return c
}

// Apply merges a patch into the document. A nil value removes the field.
func (d *Document) Apply(patch map[string][]string) {
	for k, v := range patch {
		if v == nil {
			delete(d.Fields, k)
			continue
		}
		d.Fields[k] = append([]string(nil), v...)
	}
}

// Query is a single-field term match. Results are ordered by document id.
type Query struct {
	Field  string
	Term   string
	Offset int
	Limit  int // 0 means no limit
}

// IndexStore is a search index core. Writes become visible to readers only
// after Commit; implementations must accept concurrent writers.
type IndexStore interface {
	// Upsert replaces the whole document.
	Upsert(ctx context.Context, doc *Document) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, id string) error
	// Patch updates selected fields of an existing document.
	Patch(ctx context.Context, id string, fields map[string][]string) error
	// Commit makes every write since the previous commit visible.
	Commit(ctx context.Context) error
	// Exists reports whether a committed document exists.
	Exists(ctx context.Context, id string) (bool, error)
	// Get returns a committed document or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)
	// Search returns committed documents matching the query.
	Search(ctx context.Context, q Query) ([]*Document, error)
	Close() error
}

// page sorts docs by id and applies the query's offset and limit.
func page(docs []*Document, q Query) []*Document {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	if q.Offset > 0 {
		if q.Offset >= len(docs) {
			return nil
		}
		docs = docs[q.Offset:]
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}
