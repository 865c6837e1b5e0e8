// Package pebble provides a pebble-backed StoreBackend, for grouping state
// and spilled groups too large for the in-memory store.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/flumehq/flume"
)

type pebbleStore struct {
	db *pebble.DB
}

func (s *pebbleStore) Init() error {
	return nil
}

func (s *pebbleStore) Flush(ctx context.Context) error {
	return s.db.Flush()
}

func (s *pebbleStore) Close() error {
	if err := s.db.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *pebbleStore) Set(k, v []byte) error {
	return s.db.Set(k, v, &pebble.WriteOptions{Sync: false})
}

func (s *pebbleStore) Get(k []byte) ([]byte, error) {
	v, closer, err := s.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, flume.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)

	return res, nil
}

func (s *pebbleStore) Delete(k []byte) error {
	return s.db.Delete(k, &pebble.WriteOptions{Sync: false})
}

func (s *pebbleStore) Iterator(prefix []byte) (flume.Iterator, error) {
	opts := &pebble.IterOptions{}
	if len(prefix) > 0 {
		opts.LowerBound = prefix
		opts.UpperBound = prefixUpperBound(prefix)
	}
	it := s.db.NewIter(opts)
	return &pebbleIterator{it: it}, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists (all-0xff prefix).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

type pebbleIterator struct {
	it      *pebble.Iterator
	started bool
}

func (p *pebbleIterator) Next() bool {
	if !p.started {
		p.started = true
		return p.it.First()
	}
	return p.it.Next()
}

func (p *pebbleIterator) Key() []byte { return p.it.Key() }

func (p *pebbleIterator) Value() []byte { return p.it.Value() }

func (p *pebbleIterator) Err() error { return p.it.Error() }

func (p *pebbleIterator) Close() error { return p.it.Close() }

func newStore(stateDir, name string) (flume.StoreBackend, error) {
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "flume")
	}
	dir := filepath.Join(stateDir, name)
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}

	return &pebbleStore{db: db}, nil
}

// NewStoreBuilder returns a builder creating one pebble database per store
// name under stateDir.
func NewStoreBuilder(stateDir string) flume.StoreBackendBuilder {
	return func(name string) (flume.StoreBackend, error) {
		return newStore(stateDir, name)
	}
}

var _ = flume.StoreBackend(&pebbleStore{})
