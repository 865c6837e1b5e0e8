package flume

import (
	"context"
	"fmt"
	"time"

	"github.com/flumehq/flume/coder"
	"github.com/flumehq/flume/window"
)

// CombineFn is an associative, commutative reduction split into four hooks
// over an accumulator type A. The algebra must satisfy the merge law: any
// partitioning of an input, pre-reduced per partition and merged, yields the
// same result as a single linear fold. The engine relies on this to reorder
// and parallelize freely.
type CombineFn[I, A, O any] interface {
	CreateAccumulator() A
	AddInput(acc A, input I) A
	MergeAccumulators(accs ...A) A
	ExtractOutput(acc A) O
}

// CombineFuncs assembles a CombineFn from plain functions. Merge takes two
// accumulators; the engine folds it over any number. All four fields are
// required; a nil hook is a configuration error at stage construction.
type CombineFuncs[I, A, O any] struct {
	Create  func() A
	Add     func(A, I) A
	Merge   func(A, A) A
	Extract func(A) O
}

func (c CombineFuncs[I, A, O]) CreateAccumulator() A { return c.Create() }

func (c CombineFuncs[I, A, O]) AddInput(acc A, input I) A { return c.Add(acc, input) }

func (c CombineFuncs[I, A, O]) MergeAccumulators(accs ...A) A {
	if len(accs) == 0 {
		return c.Create()
	}
	out := accs[0]
	for _, a := range accs[1:] {
		out = c.Merge(out, a)
	}
	return out
}

func (c CombineFuncs[I, A, O]) ExtractOutput(acc A) O { return c.Extract(acc) }

func (c CombineFuncs[I, A, O]) validateHooks() error {
	switch {
	case c.Create == nil:
		return fmt.Errorf("CreateAccumulator hook is nil")
	case c.Add == nil:
		return fmt.Errorf("AddInput hook is nil")
	case c.Merge == nil:
		return fmt.Errorf("MergeAccumulators hook is nil")
	case c.Extract == nil:
		return fmt.Errorf("ExtractOutput hook is nil")
	}
	return nil
}

type combineValidator interface {
	validateHooks() error
}

func validateCombineFn[I, A, O any](name string, fn CombineFn[I, A, O]) error {
	if fn == nil {
		return configErrorf(name, "combine function must not be nil")
	}
	if v, ok := any(fn).(combineValidator); ok {
		if err := v.validateHooks(); err != nil {
			return configErrorf(name, "%v", err)
		}
	}
	return nil
}

// SideInputReceiver is implemented by combine functions that consume side
// inputs. Bindings are resolved once per combine invocation and delivered
// before any hook runs; they are never resolved per element.
type SideInputReceiver interface {
	ReceiveSideInputs(values map[string]any)
}

// SideInput declares a named binding resolved at invocation time.
type SideInput struct {
	Name    string
	Resolve func(ctx context.Context) (any, error)
}

// CombineOption configures one combine stage.
type CombineOption func(*combineConfig)

type combineConfig struct {
	withoutDefaults bool
	sides           []SideInput
}

// WithoutDefaults suppresses the default output on empty input: an empty
// global combine yields nothing instead of ExtractOutput of an empty
// accumulator.
var WithoutDefaults = func() CombineOption {
	return func(c *combineConfig) { c.withoutDefaults = true }
}

// WithSideInput declares a named side input binding.
var WithSideInput = func(name string, resolve func(ctx context.Context) (any, error)) CombineOption {
	return func(c *combineConfig) {
		c.sides = append(c.sides, SideInput{Name: name, Resolve: resolve})
	}
}

func resolveSideInputs[I, A, O any](ctx context.Context, name string, fn CombineFn[I, A, O], sides []SideInput) error {
	if len(sides) == 0 {
		return nil
	}
	values := make(map[string]any, len(sides))
	for _, s := range sides {
		v, err := s.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("flume: %s: resolving side input %q: %w", name, s.Name, err)
		}
		values[s.Name] = v
	}
	if r, ok := any(fn).(SideInputReceiver); ok {
		r.ReceiveSideInputs(values)
	}
	return nil
}

// CombineGlobally reduces an entire collection to a single value.
type CombineGlobally[I, A, O any] struct {
	name            string
	fn              CombineFn[I, A, O]
	withoutDefaults bool
	sides           []SideInput
	opts            *Options
}

// NewCombineGlobally builds a global combine stage. A nil combine function
// or a nil hook is reported here.
func NewCombineGlobally[I, A, O any](name string, fn CombineFn[I, A, O], cOpts []CombineOption, opts ...Option) (*CombineGlobally[I, A, O], error) {
	if err := validateCombineFn(name, fn); err != nil {
		return nil, err
	}
	var cfg combineConfig
	for _, opt := range cOpts {
		opt(&cfg)
	}
	return &CombineGlobally[I, A, O]{
		name:            name,
		fn:              fn,
		withoutDefaults: cfg.withoutDefaults,
		sides:           cfg.sides,
		opts:            newOptions(opts...),
	}, nil
}

// Name returns the stage name used in error messages and logs.
func (c *CombineGlobally[I, A, O]) Name() string { return c.name }

// Execute reduces the input. The input is partitioned, each partition folded
// into its own accumulator, and the accumulators merged; the merge law makes
// this equivalent to one linear fold. An empty input yields the combine
// function's default output unless WithoutDefaults was set.
func (c *CombineGlobally[I, A, O]) Execute(ctx context.Context, input []Element[I]) ([]Element[O], error) {
	ctx = withMetrics(ctx, c.opts.Metrics)
	if err := resolveSideInputs(ctx, c.name, c.fn, c.sides); err != nil {
		return nil, err
	}

	if len(input) == 0 {
		if c.withoutDefaults {
			return nil, nil
		}
		out := c.fn.ExtractOutput(c.fn.CreateAccumulator())
		return []Element[O]{NewElement(out, time.UnixMilli(0).UTC())}, nil
	}

	accs := make([]A, 0, c.opts.Parallelism)
	maxTS := input[0].Timestamp
	for _, part := range splitBundles(input, bundleSizeFor(len(input), c.opts.Parallelism)) {
		acc := c.fn.CreateAccumulator()
		for _, elem := range part {
			acc = c.fn.AddInput(acc, elem.Value)
			if elem.Timestamp.After(maxTS) {
				maxTS = elem.Timestamp
			}
		}
		accs = append(accs, acc)
	}

	out := c.fn.ExtractOutput(c.fn.MergeAccumulators(accs...))
	Counter(ctx, c.name+"_elements_combined").Add(float64(len(input)))
	return []Element[O]{NewElement(out, maxTS)}, nil
}

// bundleSizeFor splits n elements into roughly one partition per worker.
func bundleSizeFor(n, parallelism int) int {
	size := (n + parallelism - 1) / parallelism
	if size < 1 {
		size = 1
	}
	return size
}

// CombinePerKey reduces values per key and window. The reduction is lifted:
// raw values are pre-combined into accumulators before the shuffle wherever
// the window function permits, so accumulators, not values, flow through the
// grouping.
type CombinePerKey[K, I, A, O any] struct {
	name     string
	fn       CombineFn[I, A, O]
	strategy window.Strategy
	gbk      *GroupByKey[K, A]
	sides    []SideInput
	opts     *Options
}

// NewCombinePerKey builds a per-key combine stage. The key coder gate and the
// unsafe-trigger rule of the underlying grouping apply here too.
func NewCombinePerKey[K, I, A, O any](name string, boundedness Boundedness, strategy window.Strategy, fn CombineFn[I, A, O], keyCoder coder.Coder[K], cOpts []CombineOption, opts ...Option) (*CombinePerKey[K, I, A, O], error) {
	if err := validateCombineFn(name, fn); err != nil {
		return nil, err
	}
	var cfg combineConfig
	for _, opt := range cOpts {
		opt(&cfg)
	}
	gbk, err := NewGroupByKey[K, A](name, boundedness, strategy, keyCoder, opts...)
	if err != nil {
		return nil, err
	}
	return &CombinePerKey[K, I, A, O]{
		name:     name,
		fn:       fn,
		strategy: strategy.WithDefaults(),
		gbk:      gbk,
		sides:    cfg.sides,
		opts:     newOptions(opts...),
	}, nil
}

// Name returns the stage name used in error messages and logs.
func (c *CombinePerKey[K, I, A, O]) Name() string { return c.name }

// Execute combines the input per key. One output element is produced per
// (key, window) pane the grouping fires, carrying that pane's merged and
// extracted value.
func (c *CombinePerKey[K, I, A, O]) Execute(ctx context.Context, input []Element[KV[K, I]]) ([]Element[KV[K, O]], error) {
	ctx = withMetrics(ctx, c.opts.Metrics)
	if err := resolveSideInputs(ctx, c.name, c.fn, c.sides); err != nil {
		return nil, err
	}

	lifted, err := c.lift(input)
	if err != nil {
		return nil, err
	}

	grouped, err := c.gbk.Execute(ctx, lifted)
	if err != nil {
		return nil, err
	}

	out := make([]Element[KV[K, O]], 0, len(grouped))
	for _, g := range grouped {
		accs, err := g.Value.Value.Values()
		if err != nil {
			return nil, err
		}
		merged := c.fn.MergeAccumulators(accs...)
		out = append(out, Element[KV[K, O]]{
			Value:     KV[K, O]{Key: g.Value.Key, Value: c.fn.ExtractOutput(merged)},
			Timestamp: g.Timestamp,
			Windows:   g.Windows,
			Pane:      g.Pane,
		})
	}
	return out, nil
}

// lift turns raw keyed values into keyed accumulators. For single-assignment
// window functions, values sharing a bundle, key and window are pre-combined
// into one accumulator; otherwise each value becomes a singleton accumulator
// and all merging happens after the shuffle.
func (c *CombinePerKey[K, I, A, O]) lift(input []Element[KV[K, I]]) ([]Element[KV[K, A]], error) {
	if !window.SingleAssignment(c.strategy.Fn) {
		out := make([]Element[KV[K, A]], len(input))
		for i, elem := range input {
			out[i] = Element[KV[K, A]]{
				Value: KV[K, A]{
					Key:   elem.Value.Key,
					Value: c.fn.AddInput(c.fn.CreateAccumulator(), elem.Value.Value),
				},
				Timestamp: elem.Timestamp,
				Windows:   elem.Windows,
				Pane:      elem.Pane,
			}
		}
		return out, nil
	}

	type liftState struct {
		key   K
		w     window.Window
		acc   A
		maxTS time.Time
	}

	var out []Element[KV[K, A]]
	for _, bundle := range splitBundles(input, c.opts.BundleSize) {
		accs := map[string]*liftState{}
		var order []string
		for _, elem := range bundle {
			keyBytes, err := c.gbk.keyCoder.Encode(elem.Value.Key)
			if err != nil {
				return nil, fmt.Errorf("flume: %s: encoding key: %w", c.name, err)
			}
			w := c.strategy.Fn.Assign(elem.Timestamp)[0]
			wk, err := windowedStateKey(keyBytes, w)
			if err != nil {
				return nil, err
			}

			st, ok := accs[wk]
			if !ok {
				st = &liftState{key: elem.Value.Key, w: w, acc: c.fn.CreateAccumulator(), maxTS: elem.Timestamp}
				accs[wk] = st
				order = append(order, wk)
			}
			st.acc = c.fn.AddInput(st.acc, elem.Value.Value)
			if elem.Timestamp.After(st.maxTS) {
				st.maxTS = elem.Timestamp
			}
		}
		for _, wk := range order {
			st := accs[wk]
			out = append(out, Element[KV[K, A]]{
				Value:     KV[K, A]{Key: st.key, Value: st.acc},
				Timestamp: st.maxTS,
				Windows:   []window.Window{st.w},
				Pane:      window.NoFiringPane(),
			})
		}
	}
	return out, nil
}
