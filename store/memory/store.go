// Package memory is the in-process allocator.Store used when no database is configured.
// State lives only as long as the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"resource-allocator/allocator"
)

// Table is a generic map-backed record set keyed by K.
type Table[K comparable, T any] struct {
	mu          sync.RWMutex
	records     map[K]T
	keySelector func(*T) K
}

// NewTable creates a Table; keySelector extracts the record key, usually its ID.
func NewTable[K comparable, T any](keySelector func(*T) K) *Table[K, T] {
	return &Table[K, T]{
		records:     make(map[K]T),
		keySelector: keySelector,
	}
}

// Save stores or overwrites a record.
func (t *Table[K, T]) Save(_ context.Context, v T) error {
	key := t.keySelector(&v)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[key] = v
	return nil
}

// Load returns the record for key; ok is false when it is absent.
func (t *Table[K, T]) Load(_ context.Context, key K) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.records[key]
	return v, ok
}

func (t *Table[K, T]) Delete(_ context.Context, key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key)
	return nil
}

// List returns a copy of all records in unspecified order.
func (t *Table[K, T]) List(_ context.Context) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.records))
	for _, v := range t.records {
		out = append(out, v)
	}
	return out
}

// Store keeps resources and requests in two tables.
type Store struct {
	Resources *Table[string, allocator.Resource]
	Requests  *Table[string, allocator.Request]
}

var _ allocator.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		Resources: NewTable(func(r *allocator.Resource) string { return r.ID }),
		Requests:  NewTable(func(r *allocator.Request) string { return r.ID }),
	}
}

func (s *Store) LoadResources(ctx context.Context) ([]allocator.Resource, error) {
	out := s.Resources.List(ctx)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) LoadRequests(ctx context.Context) ([]allocator.Request, error) {
	out := s.Requests.List(ctx)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveResource(ctx context.Context, r allocator.Resource) error {
	return s.Resources.Save(ctx, r)
}

func (s *Store) DeleteResource(ctx context.Context, id string) error {
	return s.Resources.Delete(ctx, id)
}

func (s *Store) SaveRequest(ctx context.Context, r allocator.Request) error {
	return s.Requests.Save(ctx, r)
}

