package flume

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ParDo applies a DoFn over a collection, bundle by bundle. Bundles are the
// unit of concurrency: each bundle gets its own DoFn instance, elements
// within a bundle are processed sequentially, and no ordering holds between
// bundles.
type ParDo[In, Out any] struct {
	name      string
	builder   DoFnBuilder[In, Out]
	tags      map[string]struct{}
	inType    TypeDescriptor
	hasInType bool
	opts      *Options
}

// ParDoOption configures one ParDo stage.
type ParDoOption func(*parDoConfig)

type parDoConfig struct {
	tags   []string
	inType *TypeDescriptor
}

// WithOutputTags declares the named outputs downstream code may request.
// The set is closed at construction; requesting an undeclared tag from the
// result is a lookup error.
var WithOutputTags = func(tags ...string) ParDoOption {
	return func(c *parDoConfig) {
		c.tags = append(c.tags, tags...)
	}
}

// WithInputType declares the stage's expected input element type, validated
// per element when runtime type checking is enabled.
var WithInputType = func(d TypeDescriptor) ParDoOption {
	return func(c *parDoConfig) {
		c.inType = &d
	}
}

// NewParDo builds a ParDo stage. Configuration problems (nil builder, a
// builder producing nil instances, missing type declarations under strict
// pipeline type checking) are reported here, before any element is
// processed.
func NewParDo[In, Out any](name string, builder DoFnBuilder[In, Out], pdOpts []ParDoOption, opts ...Option) (*ParDo[In, Out], error) {
	o := newOptions(opts...)

	var cfg parDoConfig
	for _, opt := range pdOpts {
		opt(&cfg)
	}

	if builder == nil {
		return nil, configErrorf(name, "processing function must not be nil")
	}
	if probe := builder(); probe == nil {
		return nil, configErrorf(name, "builder produced a nil processing function")
	}
	if o.PipelineTypeCheck && o.TypeCheckStrictness == AllRequired && cfg.inType == nil {
		return nil, configErrorf(name, "pipeline type checking requires an input type declaration")
	}

	p := &ParDo[In, Out]{
		name:    name,
		builder: builder,
		tags:    map[string]struct{}{DefaultTag: {}},
		opts:    o,
	}
	for _, tag := range cfg.tags {
		p.tags[tag] = struct{}{}
	}
	if cfg.inType != nil {
		p.inType = *cfg.inType
		p.hasInType = true
	}
	return p, nil
}

// Name returns the stage name used in error messages and logs.
func (p *ParDo[In, Out]) Name() string { return p.name }

// Execute processes the input and returns the stage's outputs. Instances
// are retired (Teardown) whether or not processing succeeded.
func (p *ParDo[In, Out]) Execute(ctx context.Context, input []Element[In]) (*Result[Out], error) {
	ctx = withMetrics(ctx, p.opts.Metrics)

	res := &Result[Out]{
		outputs:   map[string][]Element[Out]{},
		requested: p.tags,
	}
	var mu sync.Mutex

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(p.opts.Parallelism)

	for _, bundle := range splitBundles(input, p.opts.BundleSize) {
		grp.Go(func() error {
			bundleID := uuid.NewString()
			inst := newInstance(p.builder(), p.name)
			inst.inType = p.inType
			inst.runtimeTC = p.opts.RuntimeTypeCheck && p.hasInType
			inst.tags = p.tags

			outputs, err := inst.processBundle(gctx, bundle)
			if rerr := inst.retire(); rerr != nil {
				p.opts.Log.Error("teardown failed", "stage", p.name, "bundle", bundleID, "error", rerr)
			}
			if err != nil {
				return fmt.Errorf("flume: %s: bundle %s: %w", p.name, bundleID, err)
			}

			mu.Lock()
			for tag, elems := range outputs {
				res.outputs[tag] = append(res.outputs[tag], elems...)
			}
			mu.Unlock()

			Counter(gctx, p.name+"_elements_processed").Add(float64(len(bundle)))
			Counter(gctx, p.name+"_bundles_completed").Inc()
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// Result holds a stage's outputs, keyed by tag.
type Result[Out any] struct {
	outputs   map[string][]Element[Out]
	requested map[string]struct{}
}

// Outputs returns the default (untagged) output elements.
func (r *Result[Out]) Outputs() []Element[Out] { return r.outputs[DefaultTag] }

// Values returns the default output stripped of element metadata.
func (r *Result[Out]) Values() []Out {
	elems := r.outputs[DefaultTag]
	out := make([]Out, len(elems))
	for i, e := range elems {
		out[i] = e.Value
	}
	return out
}

// Tagged returns the elements emitted to a named output. Requesting a tag
// the stage did not declare is a lookup error, even if nothing was emitted
// to it; a declared tag with no emissions yields an empty slice.
func (r *Result[Out]) Tagged(tag string) ([]Element[Out], error) {
	if _, ok := r.requested[tag]; !ok {
		return nil, fmt.Errorf("%w: %q was not requested by the stage", ErrUnknownTag, tag)
	}
	return r.outputs[tag], nil
}

func splitBundles[V any](input []Element[V], size int) [][]Element[V] {
	if len(input) == 0 {
		return nil
	}
	var out [][]Element[V]
	for start := 0; start < len(input); start += size {
		end := min(start+size, len(input))
		out = append(out, input[start:end])
	}
	return out
}
