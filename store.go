package flume

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by store lookups for absent keys.
var ErrKeyNotFound = errors.New("flume: key not found")

// StoreBackend is a byte-level key-value store. The grouping engine spills
// large groups to a backend; window state can be persisted the same way.
// Implementations need not be safe for concurrent use; the engines serialize
// access per shard.
type StoreBackend interface {
	Init() error
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Iterator walks all pairs whose key starts with prefix, in ascending
	// key order.
	Iterator(prefix []byte) (Iterator, error)
	Flush(ctx context.Context) error
	Close() error
}

// StoreBackendBuilder creates a named backend, one per shard.
type StoreBackendBuilder func(name string) (StoreBackend, error)

// Iterator walks key-value pairs. Key and Value are only valid after Next
// returns true and may be invalidated by the following Next call.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}
