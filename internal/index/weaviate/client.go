// Package weaviate provides an IndexStore that keeps documents in a
// Weaviate class. Each document is one object whose id is derived from
// the document id.
package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"
)

// ErrObjectNotFound is returned when an object id is unknown.
var ErrObjectNotFound = errors.New("object not found")

// Object property names.
const (
	PropDocID  = "docId"
	PropFields = "fields"
	PropTerms  = "terms"
)

// ObjectClient is the subset of Weaviate operations the store needs.
type ObjectClient interface {
	EnsureClass(ctx context.Context, className string) error
	PutObject(ctx context.Context, className, objectID string, props map[string]interface{}) error
	GetObject(ctx context.Context, className, objectID string) (map[string]interface{}, error)
	DeleteObject(ctx context.Context, className, objectID string) error
	// FindObjects returns objects whose text[] property contains value.
	FindObjects(ctx context.Context, className, property, value string, limit, offset int) ([]map[string]interface{}, error)
}

// Client wraps the Weaviate client.
type Client struct {
	client *weaviate.Client
	url    string
}

var _ ObjectClient = (*Client)(nil)

// NewClient creates a new Weaviate client
func NewClient(url string) (*Client, error) {
	cfg := weaviate.Config{
		Host:   url,
		Scheme: "http",
	}

	if rest, ok := strings.CutPrefix(url, "http://"); ok {
		cfg.Host = rest
	} else if rest, ok := strings.CutPrefix(url, "https://"); ok {
		cfg.Host = rest
		cfg.Scheme = "https"
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	return &Client{
		client: client,
		url:    url,
	}, nil
}

// Ping checks if Weaviate is reachable
func (c *Client) Ping(ctx context.Context) error {
	live, err := c.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to Weaviate: %w", err)
	}
	if !live {
		return fmt.Errorf("weaviate is not live")
	}
	return nil
}

// EnsureClass creates the document class unless it already exists.
func (c *Client) EnsureClass(ctx context.Context, className string) error {
	exists, err := c.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", className, err)
	}
	if exists {
		return nil
	}

	filterable := true
	off := false
	class := &weaviatemodels.Class{
		Class:       className,
		Description: "Search index documents",
		Vectorizer:  "none",
		Properties: []*weaviatemodels.Property{
			{
				Name:            PropDocID,
				DataType:        []string{"text"},
				Tokenization:    weaviatemodels.PropertyTokenizationField,
				IndexFilterable: &filterable,
			},
			{
				Name:            PropFields,
				DataType:        []string{"text"},
				IndexFilterable: &off,
				IndexSearchable: &off,
			},
			{
				Name:            PropTerms,
				DataType:        []string{"text[]"},
				Tokenization:    weaviatemodels.PropertyTokenizationField,
				IndexFilterable: &filterable,
			},
		},
	}
	if err := c.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", className, err)
	}
	return nil
}

// PutObject creates the object or replaces it if it exists.
func (c *Client) PutObject(ctx context.Context, className, objectID string, props map[string]interface{}) error {
	exists, err := c.client.Data().Checker().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check object %s: %w", objectID, err)
	}

	if exists {
		return c.client.Data().Updater().
			WithClassName(className).
			WithID(objectID).
			WithProperties(props).
			Do(ctx)
	}

	_, err = c.client.Data().Creator().
		WithClassName(className).
		WithID(objectID).
		WithProperties(props).
		Do(ctx)
	return err
}

// GetObject fetches the properties of a single object.
func (c *Client) GetObject(ctx context.Context, className, objectID string) (map[string]interface{}, error) {
	objs, err := c.client.Data().ObjectsGetter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	if err != nil {
		var ce *fault.WeaviateClientError
		if errors.As(err, &ce) && ce.StatusCode == 404 {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	if len(objs) == 0 {
		return nil, ErrObjectNotFound
	}
	return propertiesOf(objs[0].Properties)
}

// DeleteObject deletes an object. Missing objects are ignored.
func (c *Client) DeleteObject(ctx context.Context, className, objectID string) error {
	err := c.client.Data().Deleter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	var ce *fault.WeaviateClientError
	if errors.As(err, &ce) && ce.StatusCode == 404 {
		return nil
	}
	return err
}

// FindObjects runs a GraphQL Get with a ContainsAny filter.
func (c *Client) FindObjects(ctx context.Context, className, property, value string, limit, offset int) ([]map[string]interface{}, error) {
	where := filters.Where().
		WithPath([]string{property}).
		WithOperator(filters.ContainsAny).
		WithValueText(value)

	result, err := c.client.GraphQL().Get().
		WithClassName(className).
		WithFields(graphql.Field{Name: PropDocID}, graphql.Field{Name: PropFields}).
		WithWhere(where).
		WithLimit(limit).
		WithOffset(offset).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", className, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query %s: %s", className, result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected query response format")
	}
	items, _ := data[className].([]interface{})

	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// propertiesOf converts the client's untyped property schema to a map.
func propertiesOf(v interface{}) (map[string]interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
