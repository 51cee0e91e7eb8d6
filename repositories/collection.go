package repositories

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection is a typed view over one collection of a Store. Documents are
// JSON encoded; key extracts the storage key from a document.
type Collection[T any] struct {
	store Store
	name  string
	key   func(*T) string
}

// NewCollection binds a typed collection to store
func NewCollection[T any](store Store, name string, key func(*T) string) *Collection[T] {
	return &Collection[T]{store: store, name: name, key: key}
}

// Name returns the collection name
func (c *Collection[T]) Name() string {
	return c.name
}

// Get retrieves and decodes the document stored under key
func (c *Collection[T]) Get(ctx context.Context, key string) (*T, error) {
	raw, err := c.store.Get(ctx, c.name, key)
	if err != nil {
		return nil, err
	}
	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", c.name, key, err)
	}
	return &doc, nil
}

// Put encodes and stores doc under its key
func (c *Collection[T]) Put(ctx context.Context, doc *T) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s document: %w", c.name, err)
	}
	return c.store.Put(ctx, c.name, c.key(doc), raw)
}

// Delete removes the document stored under key
func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.name, key)
}

// List decodes every document in key order
func (c *Collection[T]) List(ctx context.Context) ([]*T, error) {
	var docs []*T
	err := c.store.Scan(ctx, c.name, func(key string, raw []byte) error {
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", c.name, key, err)
		}
		docs = append(docs, &doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
