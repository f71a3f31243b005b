package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"kasirinaja/ledger/internal/store"
)

// Store is an in-process document authority with the same upsert semantics as
// the database-backed ones. It backs dry-run pushes and tests.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	order []string
	docs  map[string]store.Document
}

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) UpsertMany(ctx context.Context, name string, key string, docs []store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]store.Document)}
		s.collections[name] = c
	}

	for _, doc := range docs {
		keyValue, ok := doc[key]
		if !ok || keyValue == nil {
			return fmt.Errorf("%s: document without %q", name, key)
		}
		id := fmt.Sprint(keyValue)

		existing, found := c.docs[id]
		if !found {
			existing = store.Document{}
			c.order = append(c.order, id)
		} else {
			existing = maps.Clone(existing)
		}
		for field, value := range doc {
			if field == "_id" {
				continue
			}
			existing[field] = value
		}
		c.docs[id] = existing
	}
	return nil
}

func (s *Store) Find(ctx context.Context, name string, opts store.FindOptions) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	c, ok := s.collections[name]
	if !ok {
		s.mu.RUnlock()
		return []store.Document{}, nil
	}
	out := make([]store.Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, maps.Clone(c.docs[id]))
	}
	s.mu.RUnlock()

	if opts.SortBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return greater(out[i][opts.SortBy], out[j][opts.SortBy])
		})
	}
	if opts.Limit > 0 && int64(len(out)) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, name string) (store.Document, error) {
	docs, err := s.Find(ctx, name, store.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	return docs[0], nil
}

func (s *Store) Close(context.Context) error {
	return nil
}

// Count reports how many documents a collection holds.
func (s *Store) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return len(c.order)
	}
	return 0
}

// greater orders values for a descending sort; missing values sort last.
func greater(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.After(bv)
		}
		return true
	case float64:
		if bv, ok := b.(float64); ok {
			return av > bv
		}
		return true
	case string:
		if bv, ok := b.(string); ok {
			return av > bv
		}
		return true
	default:
		return false
	}
}
