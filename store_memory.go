package flume

import (
	"bytes"
	"context"
	"sort"
)

// MemoryStore is an in-memory StoreBackend. It keeps encoded pairs in a map
// and sorts keys lazily when an iterator is opened.
type MemoryStore struct {
	data map[string][]byte
}

// NewMemoryStore builds an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

// MemoryStoreBuilder satisfies StoreBackendBuilder.
func MemoryStoreBuilder(string) (StoreBackend, error) {
	return NewMemoryStore(), nil
}

func (s *MemoryStore) Init() error { return nil }

func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(key, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[string(key)] = cp
	return nil
}

func (s *MemoryStore) Delete(key []byte) error {
	delete(s.data, string(key))
	return nil
}

func (s *MemoryStore) Iterator(prefix []byte) (Iterator, error) {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memoryIterator{store: s, keys: keys, pos: -1}, nil
}

func (s *MemoryStore) Flush(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.data = nil
	return nil
}

// Len returns the number of stored pairs.
func (s *MemoryStore) Len() int { return len(s.data) }

type memoryIterator struct {
	store *MemoryStore
	keys  []string
	pos   int
}

func (it *memoryIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memoryIterator) Key() []byte { return []byte(it.keys[it.pos]) }

func (it *memoryIterator) Value() []byte { return it.store.data[it.keys[it.pos]] }

func (it *memoryIterator) Err() error { return nil }

func (it *memoryIterator) Close() error { return nil }
