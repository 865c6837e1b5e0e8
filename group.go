package flume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/flumehq/flume/coder"
	"github.com/flumehq/flume/coders"
	"github.com/flumehq/flume/window"
)

// Boundedness declares whether an input may ever end.
type Boundedness int8

const (
	Bounded Boundedness = iota
	Unbounded
)

// GroupByKey collects all values sharing a (key, window) pair into one
// group, emitting one (key, group) pair per fired pane. Windows are assigned
// from element timestamps using the stage's windowing strategy.
//
// Keys are bucketed by their encoded bytes, which is why the key coder must
// be deterministic: a coder that encodes equal keys differently would split
// a group. The gate is checked at construction.
type GroupByKey[K, V any] struct {
	name     string
	strategy window.Strategy
	keyCoder coder.Coder[K]
	opts     *Options

	spillBuilder   StoreBackendBuilder
	spillCoder     coder.Coder[V]
	spillThreshold int
}

// NewGroupByKey builds a grouping stage. All configuration problems are
// reported here, before any element is processed:
//
//   - no key coder resolvable (explicit, registry, or fallback),
//   - a non-deterministic key coder without the override (a deterministic
//     variant is substituted transparently when the coder can provide one),
//   - the unsafe-trigger combination: unbounded input under the global
//     window's default single-shot trigger, when unsafe triggers are
//     disallowed.
func NewGroupByKey[K, V any](name string, boundedness Boundedness, strategy window.Strategy, keyCoder coder.Coder[K], opts ...Option) (*GroupByKey[K, V], error) {
	o := newOptions(opts...)
	strategy = strategy.WithDefaults()

	if keyCoder == nil && o.Registry != nil {
		if c, err := coder.For[K](o.Registry); err == nil {
			keyCoder = c
		}
	}
	if keyCoder == nil {
		return nil, configErrorf(name, "no key coder for %v: pass one explicitly or register one (or a fallback)", coder.TypeOf[K]())
	}

	if !keyCoder.Deterministic() {
		substituted := false
		if dp, ok := keyCoder.(coder.DeterministicProvider[K]); ok {
			if det, ok := dp.AsDeterministic(); ok {
				keyCoder = det
				substituted = true
			}
		}
		if !substituted && !o.AllowNonDeterministicKeyCoders {
			return nil, configErrorf(name,
				"the key coder for %v is not deterministic: grouping by key requires that equal keys encode to identical bytes; register a deterministic coder or explicitly allow non-deterministic key coders",
				coder.TypeOf[K]())
		}
	}

	if boundedness == Unbounded && strategy.IsSingleShotGlobal() && !o.AllowUnsafeTriggers {
		return nil, configErrorf(name,
			"unsafe trigger: %s with trigger %s never fires on unbounded input; configure a trigger or allow unsafe triggers",
			window.GlobalWindow{}, strategy.Trigger)
	}

	return &GroupByKey[K, V]{
		name:     name,
		strategy: strategy,
		keyCoder: keyCoder,
		opts:     o,
	}, nil
}

// EnableSpill makes the stage write groups with at least threshold values
// through a store backend instead of holding them on the heap. Iterating a
// spilled group decodes values back through the given coder.
func (g *GroupByKey[K, V]) EnableSpill(builder StoreBackendBuilder, valueCoder coder.Coder[V], threshold int) {
	g.spillBuilder = builder
	g.spillCoder = valueCoder
	g.spillThreshold = threshold
}

// Name returns the stage name used in error messages and logs.
func (g *GroupByKey[K, V]) Name() string { return g.name }

// Execute groups a bounded input in one call: all elements are fed through
// the engine, then the watermark is advanced past the end of time so every
// remaining pane fires.
func (g *GroupByKey[K, V]) Execute(ctx context.Context, input []Element[KV[K, V]]) ([]Element[KV[K, *Group[V]]], error) {
	eng := g.NewEngine()
	var out []Element[KV[K, *Group[V]]]
	for _, elem := range input {
		fired, err := eng.Add(ctx, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, fired...)
	}
	final, err := eng.Close(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, final...), nil
}

// NewEngine returns an incremental grouping engine for streaming use: feed
// elements with Add, advance the watermark as the input's completeness is
// learned, and Close at end of input.
func (g *GroupByKey[K, V]) NewEngine() *GroupingEngine[K, V] {
	shards := make([]*groupShard[K, V], g.opts.Shards)
	for i := range shards {
		shards[i] = &groupShard[K, V]{states: map[string]*keyState[K, V]{}}
	}
	return &GroupingEngine[K, V]{
		gbk:       g,
		shards:    shards,
		watermark: window.NewWatermark(),
	}
}

// GroupingEngine is the mutable grouping state for one run. Per-(key,
// window) state is owned by exactly one shard; shards serialize access with
// a mutex, so Add may be called from concurrent bundles.
type GroupingEngine[K, V any] struct {
	gbk       *GroupByKey[K, V]
	shards    []*groupShard[K, V]
	watermark *window.Watermark

	spillMu  sync.Mutex
	spill    StoreBackend
	spillSeq int
}

type groupShard[K, V any] struct {
	mu     sync.Mutex
	states map[string]*keyState[K, V]
}

type keyState[K, V any] struct {
	key      K
	keyBytes []byte
	windows  map[window.Window]*windowState[V]
}

type windowState[V any] struct {
	acc        []V // all values accumulated for the window
	firedIndex int // how many of acc were already emitted (discarding mode)
	trig       *window.State
}

// Add feeds one element and returns any panes it caused to fire.
func (e *GroupingEngine[K, V]) Add(ctx context.Context, elem Element[KV[K, V]]) ([]Element[KV[K, *Group[V]]], error) {
	g := e.gbk
	ctx = withMetrics(ctx, g.opts.Metrics)

	keyBytes, err := g.keyCoder.Encode(elem.Value.Key)
	if err != nil {
		return nil, fmt.Errorf("flume: %s: encoding key: %w", g.name, err)
	}

	shard := e.shards[murmur3.Sum32(keyBytes)%uint32(len(e.shards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	ks, ok := shard.states[string(keyBytes)]
	if !ok {
		ks = &keyState[K, V]{
			key:      elem.Value.Key,
			keyBytes: keyBytes,
			windows:  map[window.Window]*windowState[V]{},
		}
		shard.states[string(keyBytes)] = ks
	}

	assigned := g.strategy.Fn.Assign(elem.Timestamp)
	if merging, ok := g.strategy.Fn.(window.MergingFn); ok {
		assigned = e.mergeWindows(ks, merging, assigned)
	}

	wm := e.watermark.Current()
	var fired []Element[KV[K, *Group[V]]]
	for _, w := range assigned {
		wst, ok := ks.windows[w]
		if !ok {
			if g.strategy.Expired(w, wm) {
				// Allowed lateness has elapsed; the element is dropped.
				Counter(ctx, g.name+"_late_elements_dropped").Inc()
				continue
			}
			wst = &windowState[V]{trig: window.NewState()}
			ks.windows[w] = wst
		}
		if wst.trig.Phase == window.Closed {
			Counter(ctx, g.name+"_late_elements_dropped").Inc()
			continue
		}

		wst.acc = append(wst.acc, elem.Value.Value)
		g.strategy.Trigger.OnElement(wst.trig, g.opts.Clock.Now())

		if g.strategy.Trigger.ShouldFire(wst.trig, w, wm) {
			pane, err := e.fire(ks, w, wst, wm, false)
			if err != nil {
				return nil, err
			}
			if pane != nil {
				fired = append(fired, *pane)
			}
		}
	}
	return fired, nil
}

// AdvanceWatermark moves the engine's watermark forward and fires or
// finalizes every window the new position affects.
func (e *GroupingEngine[K, V]) AdvanceWatermark(ctx context.Context, t time.Time) ([]Element[KV[K, *Group[V]]], error) {
	e.watermark.Advance(t)
	return e.sweep(false)
}

// Close declares end of input: the watermark jumps past the end of time,
// every remaining pane fires, and all state is released.
func (e *GroupingEngine[K, V]) Close(ctx context.Context) ([]Element[KV[K, *Group[V]]], error) {
	e.watermark.Advance(window.EndOfGlobalWindow)
	return e.sweep(true)
}

func (e *GroupingEngine[K, V]) sweep(final bool) ([]Element[KV[K, *Group[V]]], error) {
	g := e.gbk
	wm := e.watermark.Current()

	var out []Element[KV[K, *Group[V]]]
	for _, shard := range e.shards {
		shard.mu.Lock()
		for encKey, ks := range shard.states {
			for w, wst := range ks.windows {
				if wst.trig.Phase == window.Closed {
					delete(ks.windows, w)
					continue
				}

				expired := final || g.strategy.Expired(w, wm)
				shouldFire := g.strategy.Trigger.ShouldFire(wst.trig, w, wm)
				// At expiry, residue that a trigger never released still
				// forms one final pane; data is never silently dropped at
				// close.
				residue := len(e.paneValues(wst)) > 0 || wst.trig.Phase == window.Pending

				switch {
				case expired && (shouldFire || residue):
					pane, err := e.fire(ks, w, wst, wm, true)
					if err != nil {
						shard.mu.Unlock()
						return nil, err
					}
					if pane != nil {
						out = append(out, *pane)
					}
					delete(ks.windows, w)
				case expired:
					wst.trig.Phase = window.Closed
					delete(ks.windows, w)
				case shouldFire:
					pane, err := e.fire(ks, w, wst, wm, false)
					if err != nil {
						shard.mu.Unlock()
						return nil, err
					}
					if pane != nil {
						out = append(out, *pane)
					}
				}
			}
			if len(ks.windows) == 0 {
				delete(shard.states, encKey)
			}
		}
		shard.mu.Unlock()
	}
	return out, nil
}

// paneValues returns what the next pane would contain under the strategy's
// accumulation mode.
func (e *GroupingEngine[K, V]) paneValues(wst *windowState[V]) []V {
	if e.gbk.strategy.Mode == window.Accumulating {
		return wst.acc
	}
	return wst.acc[wst.firedIndex:]
}

func (e *GroupingEngine[K, V]) fire(ks *keyState[K, V], w window.Window, wst *windowState[V], wm time.Time, isLast bool) (*Element[KV[K, *Group[V]]], error) {
	g := e.gbk

	values := e.paneValues(wst)
	if len(values) == 0 && wst.trig.Phase != window.Pending && !isLast {
		return nil, nil
	}

	var timing window.Timing
	switch {
	case wm.Before(w.MaxTimestamp()):
		timing = window.TimingEarly
	case !wst.trig.OnTimeFired:
		timing = window.TimingOnTime
		wst.trig.OnTimeFired = true
	default:
		timing = window.TimingLate
	}

	grp, err := e.buildGroup(ks.keyBytes, w, values)
	if err != nil {
		return nil, err
	}

	pane := window.PaneInfo{
		Index:   wst.trig.PaneIndex,
		IsFirst: wst.trig.PaneIndex == 0,
		IsLast:  isLast,
		Timing:  timing,
	}

	wst.trig.PaneIndex++
	wst.trig.Phase = window.Fired
	if isLast {
		wst.trig.Phase = window.Closed
	}
	wst.firedIndex = len(wst.acc)
	g.strategy.Trigger.OnFire(wst.trig)

	return &Element[KV[K, *Group[V]]]{
		Value:     KV[K, *Group[V]]{Key: ks.key, Value: grp},
		Timestamp: w.MaxTimestamp(),
		Windows:   []window.Window{w},
		Pane:      pane,
	}, nil
}

// mergeWindows folds the element's newly assigned windows into the key's
// active set and returns the canonical windows the element now belongs to.
// Firing state of coalesced windows is merged: pause firing, merge state,
// resume.
func (e *GroupingEngine[K, V]) mergeWindows(ks *keyState[K, V], fn window.MergingFn, assigned []window.Window) []window.Window {
	active := make([]window.Window, 0, len(ks.windows)+len(assigned))
	for w := range ks.windows {
		active = append(active, w)
	}
	merged := fn.Merge(append(active, assigned...))

	remapped := map[window.Window]*windowState[V]{}
	for _, mw := range merged {
		if st, ok := ks.windows[mw]; ok {
			remapped[mw] = st
			delete(ks.windows, mw)
		}
	}
	for old, st := range ks.windows {
		target := coveringWindow(merged, old)
		dst, ok := remapped[target]
		if !ok {
			remapped[target] = st
			continue
		}
		// Keep fired values ahead of unfired ones so firedIndex still
		// splits the merged accumulator correctly in discarding mode.
		acc := make([]V, 0, len(dst.acc)+len(st.acc))
		acc = append(acc, dst.acc[:dst.firedIndex]...)
		acc = append(acc, st.acc[:st.firedIndex]...)
		acc = append(acc, dst.acc[dst.firedIndex:]...)
		acc = append(acc, st.acc[st.firedIndex:]...)
		dst.acc = acc
		dst.firedIndex += st.firedIndex
		dst.trig.MergeFrom(st.trig)
	}
	ks.windows = remapped

	out := make([]window.Window, 0, len(assigned))
	for _, w := range assigned {
		out = append(out, coveringWindow(merged, w))
	}
	return out
}

func coveringWindow(merged []window.Window, w window.Window) window.Window {
	iw, ok := w.(window.IntervalWindow)
	if !ok {
		return w
	}
	for _, mw := range merged {
		if miw, ok := mw.(window.IntervalWindow); ok && miw.Overlaps(iw) {
			return mw
		}
	}
	return w
}

func (e *GroupingEngine[K, V]) buildGroup(keyBytes []byte, w window.Window, values []V) (*Group[V], error) {
	g := e.gbk
	if g.spillBuilder == nil || g.spillCoder == nil || len(values) < g.spillThreshold {
		return newGroup(values), nil
	}

	e.spillMu.Lock()
	defer e.spillMu.Unlock()
	if e.spill == nil {
		backend, err := g.spillBuilder(g.name + "-spill")
		if err != nil {
			return nil, fmt.Errorf("flume: %s: opening spill store: %w", g.name, err)
		}
		if err := backend.Init(); err != nil {
			return nil, fmt.Errorf("flume: %s: initializing spill store: %w", g.name, err)
		}
		e.spill = backend
	}

	wk, err := windowedStateKey(keyBytes, w)
	if err != nil {
		return nil, err
	}
	e.spillSeq++
	prefix := fmt.Sprintf("%06d/%x/", e.spillSeq, wk)
	for i, v := range values {
		enc, err := g.spillCoder.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("flume: %s: encoding spilled value: %w", g.name, err)
		}
		if err := e.spill.Set([]byte(fmt.Sprintf("%s%012d", prefix, i)), enc); err != nil {
			return nil, err
		}
	}
	return newSpilledGroup(e.spill, g.spillCoder, []byte(prefix), len(values)), nil
}

// windowedStateKey encodes a (key bytes, window) pair into the byte key that
// state stores and pre-combine buckets index by.
func windowedStateKey(keyBytes []byte, w window.Window) (string, error) {
	b, err := coders.Windowed(coders.Bytes()).Encode(coders.WindowedKey[[]byte]{Key: keyBytes, Window: w})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
