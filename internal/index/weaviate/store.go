package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zanzrukiav/SearchServices/internal/index"
)

// DefaultClass is the Weaviate class documents are stored in.
const DefaultClass = "SearchDocument"

// searchPage is the page size used when collecting search results.
const searchPage = 100

// Store is an IndexStore on Weaviate. Weaviate makes writes visible as
// soon as they are acknowledged, so the store buffers writes until
// Commit flushes them.
type Store struct {
	client ObjectClient
	class  string

	mu      sync.Mutex
	pending map[string]*index.Document // nil marks a delete
}

var _ index.IndexStore = (*Store)(nil)

// New creates the store and makes sure the class exists.
func New(ctx context.Context, client ObjectClient, className string) (*Store, error) {
	if className == "" {
		className = DefaultClass
	}
	if err := client.EnsureClass(ctx, className); err != nil {
		return nil, err
	}
	return &Store{
		client:  client,
		class:   className,
		pending: make(map[string]*index.Document),
	}, nil
}

// ObjectID maps a document id onto a stable UUID.
func ObjectID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(docID)).String()
}

// terms flattens indexed fields into "FIELD=value" entries.
func terms(doc *index.Document) []string {
	var out []string
	for field, values := range doc.Fields {
		if field == index.FieldContent {
			continue
		}
		for _, v := range values {
			out = append(out, field+"="+v)
		}
	}
	sort.Strings(out)
	return out
}

func toProperties(doc *index.Document) (map[string]interface{}, error) {
	data, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}
	return map[string]interface{}{
		PropDocID:  doc.ID,
		PropFields: string(data),
		PropTerms:  terms(doc),
	}, nil
}

func fromProperties(props map[string]interface{}) (*index.Document, error) {
	id, _ := props[PropDocID].(string)
	raw, _ := props[PropFields].(string)
	doc := index.NewDocument(id)
	if raw == "" {
		return doc, nil
	}
	if err := json.Unmarshal([]byte(raw), &doc.Fields); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

// Upsert buffers a full replacement of the document.
func (s *Store) Upsert(ctx context.Context, doc *index.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[doc.ID] = doc.Clone()
	return nil
}

// Delete buffers removal of a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = nil
	return nil
}

// Patch buffers a field update on top of the latest buffered or stored version.
func (s *Store) Patch(ctx context.Context, id string, fields map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, buffered := s.pending[id]
	if !buffered {
		var err error
		base, err = s.get(ctx, id)
		if err != nil {
			return err
		}
	}
	if base == nil {
		return index.ErrNotFound
	}
	doc := base.Clone()
	doc.Apply(fields)
	s.pending[id] = doc
	return nil
}

// Commit flushes buffered writes in document id order. Writes that were
// not flushed stay buffered for the next commit.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		doc := s.pending[id]
		if doc == nil {
			if err := s.client.DeleteObject(ctx, s.class, ObjectID(id)); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		} else {
			props, err := toProperties(doc)
			if err != nil {
				return err
			}
			if err := s.client.PutObject(ctx, s.class, ObjectID(id), props); err != nil {
				return fmt.Errorf("put %s: %w", id, err)
			}
		}
		delete(s.pending, id)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (*index.Document, error) {
	props, err := s.client.GetObject(ctx, s.class, ObjectID(id))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, index.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return fromProperties(props)
}

// Exists reports whether the document has been committed.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.get(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get returns a committed document.
func (s *Store) Get(ctx context.Context, id string) (*index.Document, error) {
	return s.get(ctx, id)
}

// Search matches a term against the flattened term property.
// The content field is not searchable.
func (s *Store) Search(ctx context.Context, q index.Query) ([]*index.Document, error) {
	if q.Field == index.FieldContent {
		return nil, fmt.Errorf("search on %s: %w", q.Field, index.ErrUnsupportedQuery)
	}

	var docs []*index.Document
	for offset := 0; ; offset += searchPage {
		objs, err := s.client.FindObjects(ctx, s.class, PropTerms, q.Field+"="+q.Term, searchPage, offset)
		if err != nil {
			return nil, fmt.Errorf("search %s=%s: %w", q.Field, q.Term, err)
		}
		for _, props := range objs {
			doc, err := fromProperties(props)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
		if len(objs) < searchPage {
			break
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	if q.Offset > 0 {
		if q.Offset >= len(docs) {
			return nil, nil
		}
		docs = docs[q.Offset:]
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Close drops buffered writes.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]*index.Document)
	return nil
}
