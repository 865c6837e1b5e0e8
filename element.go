// Package flume is the execution core of a unified batch/stream dataflow
// model: it runs user processing functions over bounded or unbounded
// collections with a defined per-bundle lifecycle, assigns elements to
// event-time windows, groups values by key within those windows, combines
// grouped values through an associative accumulator protocol, and can
// quarantine failing elements instead of aborting a run.
package flume

import (
	"time"

	"github.com/flumehq/flume/window"
)

// KV is the key-value pair shape consumed by keyed operations.
type KV[K, V any] struct {
	Key   K
	Value V
}

// Element is one value moving through the pipeline, together with its event
// timestamp and the window(s) it currently belongs to. Elements are treated
// as immutable; processing produces new elements rather than mutating.
type Element[V any] struct {
	Value     V
	Timestamp time.Time
	Windows   []window.Window
	Pane      window.PaneInfo
}

// NewElement builds an element in the global window with the given event time.
func NewElement[V any](v V, ts time.Time) Element[V] {
	return Element[V]{
		Value:     v,
		Timestamp: ts,
		Windows:   []window.Window{window.GlobalWindow{}},
		Pane:      window.NoFiringPane(),
	}
}

// Elements wraps plain values as timestamp-less elements in the global
// window, the shape bounded test inputs usually take.
func Elements[V any](vs ...V) []Element[V] {
	out := make([]Element[V], len(vs))
	for i, v := range vs {
		out[i] = NewElement(v, time.UnixMilli(0).UTC())
	}
	return out
}

// KVElements wraps (key, value) pairs as elements, for feeding keyed stages.
func KVElements[K, V any](pairs ...KV[K, V]) []Element[KV[K, V]] {
	out := make([]Element[KV[K, V]], len(pairs))
	for i, p := range pairs {
		out[i] = NewElement(p, time.UnixMilli(0).UTC())
	}
	return out
}

// WithTimestamp returns a copy of the element carrying a new event time.
func (e Element[V]) WithTimestamp(ts time.Time) Element[V] {
	e.Timestamp = ts
	return e
}

// WithWindows returns a copy of the element assigned to the given windows.
func (e Element[V]) WithWindows(ws ...window.Window) Element[V] {
	e.Windows = ws
	return e
}
