package flume

import (
	"github.com/flumehq/flume/coder"
)

// Group is the immutable collection of values a grouping emitted for one
// (key, window) pane. It supports any number of independent iterations;
// each Iterator call starts over from the first value.
type Group[V any] struct {
	values []V

	// Set when the group was spilled to a store backend.
	store  StoreBackend
	coder  coder.Coder[V]
	prefix []byte
	n      int
}

// newGroup snapshots values into an in-memory group. The slice is copied so
// later appends to the engine's accumulator cannot alias into an emitted
// pane.
func newGroup[V any](values []V) *Group[V] {
	cp := make([]V, len(values))
	copy(cp, values)
	return &Group[V]{values: cp, n: len(cp)}
}

func newSpilledGroup[V any](store StoreBackend, c coder.Coder[V], prefix []byte, n int) *Group[V] {
	return &Group[V]{store: store, coder: c, prefix: prefix, n: n}
}

// Len returns the number of values in the group.
func (g *Group[V]) Len() int { return g.n }

// Iterator starts a fresh iteration over the group's values.
func (g *Group[V]) Iterator() *GroupIterator[V] {
	it := &GroupIterator[V]{group: g, pos: -1}
	if g.store != nil {
		it.backing, it.err = g.store.Iterator(g.prefix)
	}
	return it
}

// Values materializes the group into a slice. For spilled groups this reads
// every value back through the store.
func (g *Group[V]) Values() ([]V, error) {
	if g.store == nil {
		out := make([]V, len(g.values))
		copy(out, g.values)
		return out, nil
	}
	out := make([]V, 0, g.n)
	it := g.Iterator()
	defer it.Close()
	for it.Next() {
		out = append(out, it.Value())
	}
	return out, it.Err()
}

// GroupIterator walks one pass over a group. Iterators are independent:
// advancing one does not affect another.
type GroupIterator[V any] struct {
	group   *Group[V]
	pos     int
	backing Iterator
	cur     V
	err     error
}

// Next advances to the next value, reporting whether one is available.
func (it *GroupIterator[V]) Next() bool {
	if it.err != nil {
		return false
	}
	if it.backing == nil {
		it.pos++
		return it.pos < len(it.group.values)
	}
	if !it.backing.Next() {
		it.err = it.backing.Err()
		return false
	}
	it.cur, it.err = it.group.coder.Decode(it.backing.Value())
	return it.err == nil
}

// Value returns the value at the iterator's position. Only valid after Next
// returned true.
func (it *GroupIterator[V]) Value() V {
	if it.backing != nil {
		return it.cur
	}
	return it.group.values[it.pos]
}

// Err returns the first error the iteration hit, if any.
func (it *GroupIterator[V]) Err() error { return it.err }

// Close releases any store resources held by the iteration.
func (it *GroupIterator[V]) Close() error {
	if it.backing != nil {
		return it.backing.Close()
	}
	return nil
}
