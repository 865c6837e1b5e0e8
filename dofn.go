package flume

import (
	"context"
	"fmt"
	"time"

	"github.com/flumehq/flume/window"
)

// DoFn is a stateful element-processing unit with a defined lifecycle:
//
//	Setup (once per instance)
//	{ StartBundle → ProcessElement* → FinishBundle }*  (per bundle)
//	Teardown (once per instance, even after a failure)
//
// An instance is bound to one bundle at a time; state it keeps on itself
// persists across elements within a bundle and may be reset between bundles.
type DoFn[In, Out any] interface {
	// Setup runs exactly once before the first bundle.
	Setup(ctx context.Context) error
	// StartBundle runs once per bundle before its first element.
	StartBundle(ctx context.Context, emit *Emitter[Out]) error
	// ProcessElement runs once per element and may emit zero or more
	// outputs, to the default output or to named tags.
	ProcessElement(ctx context.Context, elem Element[In], emit *Emitter[Out]) error
	// FinishBundle runs once per bundle after its last element. Emissions
	// here may carry explicit timestamp/window overrides.
	FinishBundle(ctx context.Context, emit *Emitter[Out]) error
	// Teardown runs exactly once when the instance is retired, whether or
	// not processing failed. It must not panic; errors are logged.
	Teardown() error
}

// DoFnBuilder produces a fresh DoFn instance. Each bundle executor owns its
// own instance, so builders must not share mutable state between instances.
type DoFnBuilder[In, Out any] func() DoFn[In, Out]

// NopLifecycle provides no-op lifecycle hooks. Embed it and implement only
// ProcessElement.
type NopLifecycle[Out any] struct{}

func (NopLifecycle[Out]) Setup(context.Context) error                      { return nil }
func (NopLifecycle[Out]) StartBundle(context.Context, *Emitter[Out]) error { return nil }
func (NopLifecycle[Out]) FinishBundle(context.Context, *Emitter[Out]) error {
	return nil
}
func (NopLifecycle[Out]) Teardown() error { return nil }

type fnAdapter[In, Out any] struct {
	NopLifecycle[Out]
	fn func(ctx context.Context, elem Element[In], emit *Emitter[Out]) error
}

func (a *fnAdapter[In, Out]) ProcessElement(ctx context.Context, elem Element[In], emit *Emitter[Out]) error {
	return a.fn(ctx, elem, emit)
}

// ProcessFn adapts a plain per-element function into a DoFn builder. The
// adapter implements only ProcessElement; all other hooks are no-ops.
func ProcessFn[In, Out any](fn func(ctx context.Context, elem Element[In], emit *Emitter[Out]) error) DoFnBuilder[In, Out] {
	if fn == nil {
		return nil
	}
	return func() DoFn[In, Out] { return &fnAdapter[In, Out]{fn: fn} }
}

// MapFn adapts a one-to-one function into a DoFn builder.
func MapFn[In, Out any](fn func(In) (Out, error)) DoFnBuilder[In, Out] {
	if fn == nil {
		return nil
	}
	return ProcessFn(func(_ context.Context, elem Element[In], emit *Emitter[Out]) error {
		out, err := fn(elem.Value)
		if err != nil {
			return err
		}
		emit.Emit(out)
		return nil
	})
}

// DefaultTag is the tag of a stage's main output.
const DefaultTag = ""

// Emitter collects the outputs of one bundle. Emissions inherit the current
// element's timestamp and windows unless overridden.
type Emitter[Out any] struct {
	outputs map[string][]Element[Out]

	// declared, when non-nil, closes the set of acceptable tags; emissions
	// outside it are dropped and recorded as output errors.
	declared     map[string]struct{}
	outputErrors []error

	// inherited from the element currently being processed
	curTimestamp time.Time
	curWindows   []window.Window
	curPane      window.PaneInfo
}

func newEmitter[Out any]() *Emitter[Out] {
	return &Emitter[Out]{
		outputs:      map[string][]Element[Out]{},
		curTimestamp: time.UnixMilli(0).UTC(),
		curWindows:   []window.Window{window.GlobalWindow{}},
		curPane:      window.NoFiringPane(),
	}
}

func (e *Emitter[Out]) bindElement(ts time.Time, ws []window.Window, pane window.PaneInfo) {
	e.curTimestamp = ts
	e.curWindows = ws
	e.curPane = pane
}

// Emit sends a value to the default output.
func (e *Emitter[Out]) Emit(v Out) { e.EmitTo(DefaultTag, v) }

// EmitTo sends a value to a named output. The tag must be one the stage
// declared; an emission to an undeclared tag is dropped and recorded as an
// output error that fails the bundle.
func (e *Emitter[Out]) EmitTo(tag string, v Out) {
	if e.declared != nil {
		if _, ok := e.declared[tag]; !ok {
			e.outputErrors = append(e.outputErrors,
				fmt.Errorf("%w: emitted to undeclared tag %q", ErrUnknownTag, tag))
			return
		}
	}
	e.outputs[tag] = append(e.outputs[tag], Element[Out]{
		Value:     v,
		Timestamp: e.curTimestamp,
		Windows:   e.curWindows,
		Pane:      e.curPane,
	})
}

// EmitTimestamped sends a value to the default output with an explicit event
// time.
func (e *Emitter[Out]) EmitTimestamped(v Out, ts time.Time) {
	e.outputs[DefaultTag] = append(e.outputs[DefaultTag], Element[Out]{
		Value:     v,
		Timestamp: ts,
		Windows:   e.curWindows,
		Pane:      e.curPane,
	})
}

// EmitWindowed sends a value with explicit event time and window assignment.
func (e *Emitter[Out]) EmitWindowed(v Out, ts time.Time, ws ...window.Window) {
	e.outputs[DefaultTag] = append(e.outputs[DefaultTag], Element[Out]{
		Value:     v,
		Timestamp: ts,
		Windows:   ws,
		Pane:      e.curPane,
	})
}

func (e *Emitter[Out]) take() map[string][]Element[Out] {
	out := e.outputs
	e.outputs = map[string][]Element[Out]{}
	return out
}
