package flume

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/flumehq/flume/window"
)

// instance wraps one DoFn instance and enforces its lifecycle contract.
type instance[In, Out any] struct {
	fn        DoFn[In, Out]
	stage     string
	inType    TypeDescriptor
	runtimeTC bool
	tags      map[string]struct{}

	setupDone bool
	retired   bool
}

func newInstance[In, Out any](fn DoFn[In, Out], stage string) *instance[In, Out] {
	return &instance[In, Out]{fn: fn, stage: stage}
}

// processBundle runs one bundle through the instance:
// StartBundle → ProcessElement per element → FinishBundle. Setup runs lazily
// before the first bundle. On error the bundle is aborted; the instance must
// still be retired by the caller so Teardown runs.
func (i *instance[In, Out]) processBundle(ctx context.Context, elems []Element[In]) (map[string][]Element[Out], error) {
	if i.retired {
		return nil, fmt.Errorf("flume: %s: bundle handed to a retired instance", i.stage)
	}
	if !i.setupDone {
		if err := i.fn.Setup(ctx); err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
		i.setupDone = true
	}

	emit := newEmitter[Out]()
	emit.declared = i.tags
	if err := i.fn.StartBundle(ctx, emit); err != nil {
		return nil, fmt.Errorf("start bundle: %w", err)
	}

	for _, elem := range elems {
		if i.runtimeTC {
			if err := i.inType.check(i.stage, elem.Value); err != nil {
				return nil, err
			}
		}
		emit.bindElement(elem.Timestamp, elem.Windows, elem.Pane)
		if err := i.fn.ProcessElement(ctx, elem, emit); err != nil {
			return nil, fmt.Errorf("process element: %w", err)
		}
	}

	// FinishBundle emissions are not tied to any element; they default to
	// the global window unless the fn overrides timestamp/window.
	emit.bindElement(time.UnixMilli(0).UTC(), []window.Window{window.GlobalWindow{}}, window.NoFiringPane())
	if err := i.fn.FinishBundle(ctx, emit); err != nil {
		return nil, fmt.Errorf("finish bundle: %w", err)
	}

	if len(emit.outputErrors) > 0 {
		return nil, multierr.Combine(emit.outputErrors...)
	}
	return emit.take(), nil
}

// retire invokes Teardown exactly once. Safe to call multiple times and
// after failures; a panicking Teardown is converted into an error rather
// than propagated.
func (i *instance[In, Out]) retire() (err error) {
	if i.retired {
		return nil
	}
	i.retired = true
	if !i.setupDone {
		// Never set up, nothing to tear down.
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, fmt.Errorf("teardown panicked: %v", r))
		}
	}()
	return i.fn.Teardown()
}
