// Package memory provides an in-process ordered document store. It backs
// tests and development servers and is the replay target of the file log.
package memory

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/upb/funding-control-plane/repositories"
)

const degree = 32

type record struct {
	key   string
	value []byte
}

func less(a, b record) bool {
	return a.key < b.key
}

// Store keeps one btree per collection
type Store struct {
	mu          sync.RWMutex
	collections map[string]*btree.BTreeG[record]
}

// New returns an empty store
func New() *Store {
	return &Store{collections: make(map[string]*btree.BTreeG[record])}
}

// Get implements repositories.Store
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.collections[collection]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	rec, ok := tree.Get(record{key: key})
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return clone(rec.value), nil
}

// Put implements repositories.Store
func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.collections[collection]
	if !ok {
		tree = btree.NewG(degree, less)
		s.collections[collection] = tree
	}
	tree.ReplaceOrInsert(record{key: key, value: clone(value)})
	return nil
}

// Delete implements repositories.Store
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tree, ok := s.collections[collection]; ok {
		tree.Delete(record{key: key})
	}
	return nil
}

// Scan implements repositories.Store. It iterates over a copy-on-write
// snapshot, so fn may call back into the store.
func (s *Store) Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	tree, ok := s.collections[collection]
	var snapshot *btree.BTreeG[record]
	if ok {
		snapshot = tree.Clone()
	}
	s.mu.Unlock()

	if snapshot == nil {
		return nil
	}

	var err error
	snapshot.Ascend(func(rec record) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		err = fn(rec.key, clone(rec.value))
		return err == nil
	})
	return err
}

// Len returns the number of records in collection
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tree, ok := s.collections[collection]; ok {
		return tree.Len()
	}
	return 0
}

// Collections returns the names of every non-empty collection
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name, tree := range s.collections {
		if tree.Len() > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Close implements repositories.Store
func (s *Store) Close() error {
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
