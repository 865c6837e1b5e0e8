package flume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flumehq/flume/coder"
	"github.com/flumehq/flume/internal/procpool"
	"github.com/flumehq/flume/window"
)

// IsolateOption configures one isolation wrapper.
type IsolateOption func(*isolateConfig)

type isolateConfig struct {
	catch        func(error) bool
	timeout      time.Duration
	threshold    float64
	thresholdFn  window.Fn
	hasThreshold bool
	partial      bool
	sub          *subprocessSpec
}

type subprocessSpec struct {
	handler   string
	encodeIn  func(any) ([]byte, error)
	decodeOut func([]byte) (any, error)
}

// Catch restricts which errors are quarantined. Errors the predicate rejects
// propagate and abort the run. Panics and per-element timeouts are always
// quarantined regardless of the predicate.
var Catch = func(pred func(error) bool) IsolateOption {
	return func(c *isolateConfig) { c.catch = pred }
}

// WithTimeout bounds the processing time of a single element. A timed-out
// element is quarantined and its siblings proceed. The element's goroutine is
// abandoned, not interrupted; processing functions used under a timeout must
// tolerate running to completion in the background.
var WithTimeout = func(d time.Duration) IsolateOption {
	return func(c *isolateConfig) { c.timeout = d }
}

// WithThreshold aborts the run with a ThresholdError when, within any window
// of fn, the fraction of quarantined elements exceeds limit. The check runs
// after processing completes.
var WithThreshold = func(limit float64, fn window.Fn) IsolateOption {
	return func(c *isolateConfig) {
		c.threshold = limit
		c.thresholdFn = fn
		c.hasThreshold = true
	}
}

// WithPartial keeps outputs a failing element emitted before its failure.
// The default discards them, so a failed element contributes nothing but its
// quarantine record.
var WithPartial = func(keep bool) IsolateOption {
	return func(c *isolateConfig) { c.partial = keep }
}

// WithSubprocess processes elements in a child process, so that crashes
// (segfaults in cgo, OOM kills, runtime aborts) surface as per-element
// quarantine records instead of taking the parent down. The handler must be
// registered with procpool in both parent and child, and the program's main
// (or TestMain) must call procpool.Main first. Counters incremented inside
// the child are invisible to the parent's metrics store.
func WithSubprocess[In, Out any](handler string, in coder.Coder[In], out coder.Coder[Out]) IsolateOption {
	return func(c *isolateConfig) {
		c.sub = &subprocessSpec{
			handler: handler,
			encodeIn: func(v any) ([]byte, error) {
				return in.Encode(v.(In))
			},
			decodeOut: func(b []byte) (any, error) {
				return out.Decode(b)
			},
		}
	}
}

// Isolated wraps a DoFn so element failures are quarantined instead of
// aborting the run. Results split into good outputs and bad records: exactly
// one QuarantineRecord per failed element.
type Isolated[In, Out any] struct {
	name    string
	builder DoFnBuilder[In, Out]
	cfg     isolateConfig
	opts    *Options
}

// Isolate builds an isolation wrapper around a DoFn builder.
func Isolate[In, Out any](name string, builder DoFnBuilder[In, Out], isoOpts []IsolateOption, opts ...Option) (*Isolated[In, Out], error) {
	cfg := isolateConfig{
		catch:       func(error) bool { return true },
		thresholdFn: window.GlobalWindows(),
	}
	for _, opt := range isoOpts {
		opt(&cfg)
	}

	if builder == nil {
		return nil, configErrorf(name, "processing function must not be nil")
	}
	if probe := builder(); probe == nil {
		return nil, configErrorf(name, "builder produced a nil processing function")
	}
	if cfg.timeout < 0 {
		return nil, configErrorf(name, "element timeout must not be negative")
	}
	if cfg.hasThreshold && (cfg.threshold <= 0 || cfg.threshold >= 1) {
		return nil, configErrorf(name, "failure threshold must be within (0, 1), got %v", cfg.threshold)
	}
	if cfg.thresholdFn == nil {
		cfg.thresholdFn = window.GlobalWindows()
	}

	return &Isolated[In, Out]{
		name:    name,
		builder: builder,
		cfg:     cfg,
		opts:    newOptions(opts...),
	}, nil
}

// Name returns the stage name used in error messages and logs.
func (iso *Isolated[In, Out]) Name() string { return iso.name }

// IsolateResult splits a run's results into surviving outputs and
// quarantined inputs.
type IsolateResult[In, Out any] struct {
	Good []Element[Out]
	Bad  []QuarantineRecord[In]
}

// Execute processes the input, quarantining failing elements. Only
// configuration-independent failures (context cancellation, errors the Catch
// predicate rejects, lifecycle hook errors, a tripped threshold) abort the
// run.
func (iso *Isolated[In, Out]) Execute(ctx context.Context, input []Element[In]) (*IsolateResult[In, Out], error) {
	ctx = withMetrics(ctx, iso.opts.Metrics)

	res := &IsolateResult[In, Out]{}
	var mu sync.Mutex

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(iso.opts.Parallelism)

	for _, bundle := range splitBundles(input, iso.opts.BundleSize) {
		grp.Go(func() error {
			good, bad, err := iso.processBundle(gctx, bundle)
			if err != nil {
				return fmt.Errorf("flume: %s: %w", iso.name, err)
			}
			mu.Lock()
			res.Good = append(res.Good, good...)
			res.Bad = append(res.Bad, bad...)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	if iso.cfg.hasThreshold {
		if err := iso.checkThreshold(input, res.Bad); err != nil {
			return nil, err
		}
	}
	Counter(ctx, iso.name+"_elements_quarantined").Add(float64(len(res.Bad)))
	return res, nil
}

func (iso *Isolated[In, Out]) processBundle(ctx context.Context, bundle []Element[In]) (good []Element[Out], bad []QuarantineRecord[In], err error) {
	if iso.cfg.sub != nil {
		return iso.processBundleIsolated(ctx, bundle)
	}

	inst := newInstance(iso.builder(), iso.name)
	defer func() {
		if rerr := inst.retire(); rerr != nil {
			iso.opts.Log.Error("teardown failed", "stage", iso.name, "error", rerr)
		}
	}()

	// Lifecycle hook errors are bundle-level, not element-level: nothing was
	// wrong with any particular element, so nothing is quarantined.
	if err := inst.fn.Setup(ctx); err != nil {
		return nil, nil, fmt.Errorf("setup: %w", err)
	}
	inst.setupDone = true

	bundleEmit := newEmitter[Out]()
	if err := inst.fn.StartBundle(ctx, bundleEmit); err != nil {
		return nil, nil, fmt.Errorf("start bundle: %w", err)
	}

	for _, elem := range bundle {
		outs, perr := iso.processOne(ctx, inst, elem)
		if perr == nil {
			good = append(good, outs...)
			continue
		}
		failure, caught := iso.classify(perr)
		if !caught {
			return nil, nil, perr
		}
		if iso.cfg.partial {
			good = append(good, outs...)
		}
		bad = append(bad, QuarantineRecord[In]{Element: elem, Failure: failure})
	}

	bundleEmit.bindElement(time.UnixMilli(0).UTC(), []window.Window{window.GlobalWindow{}}, window.NoFiringPane())
	if err := inst.fn.FinishBundle(ctx, bundleEmit); err != nil {
		return nil, nil, fmt.Errorf("finish bundle: %w", err)
	}
	good = append(good, flattenOutputs(bundleEmit.take())...)
	return good, bad, nil
}

// processOne runs a single element through a scratch emitter, so a failure
// only forfeits that element's own emissions.
func (iso *Isolated[In, Out]) processOne(ctx context.Context, inst *instance[In, Out], elem Element[In]) ([]Element[Out], error) {
	run := func() (outs []Element[Out], err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &elementFailure{tag: FailurePanic, msg: fmt.Sprint(r)}
			}
		}()
		em := newEmitter[Out]()
		em.bindElement(elem.Timestamp, elem.Windows, elem.Pane)
		err = inst.fn.ProcessElement(ctx, elem, em)
		outs = flattenOutputs(em.take())
		return outs, err
	}

	if iso.cfg.timeout <= 0 {
		return run()
	}

	type result struct {
		outs []Element[Out]
		err  error
	}
	done := make(chan result, 1)
	go func() {
		outs, err := run()
		done <- result{outs, err}
	}()

	select {
	case r := <-done:
		return r.outs, r.err
	case <-iso.opts.Clock.After(iso.cfg.timeout):
		return nil, &elementFailure{tag: FailureTimeout, msg: fmt.Sprintf("element exceeded %s", iso.cfg.timeout)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (iso *Isolated[In, Out]) processBundleIsolated(ctx context.Context, bundle []Element[In]) (good []Element[Out], bad []QuarantineRecord[In], err error) {
	w, err := procpool.Start(iso.cfg.sub.handler)
	if err != nil {
		return nil, nil, fmt.Errorf("spawning worker: %w", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			iso.opts.Log.Error("worker close failed", "stage", iso.name, "error", cerr)
		}
	}()

	for _, elem := range bundle {
		in, eerr := iso.cfg.sub.encodeIn(elem.Value)
		if eerr != nil {
			return nil, nil, fmt.Errorf("encoding element: %w", eerr)
		}

		outs, perr := w.Process(ctx, in, iso.cfg.timeout)
		if perr == nil || (iso.cfg.partial && len(outs) > 0) {
			decoded, derr := iso.decodeOutputs(elem, outs)
			if derr != nil {
				return nil, nil, derr
			}
			good = append(good, decoded...)
		}
		if perr == nil {
			continue
		}

		failure, caught := iso.classify(perr)
		if !caught {
			return nil, nil, perr
		}
		bad = append(bad, QuarantineRecord[In]{Element: elem, Failure: failure})
	}
	return good, bad, nil
}

func (iso *Isolated[In, Out]) decodeOutputs(elem Element[In], outs [][]byte) ([]Element[Out], error) {
	decoded := make([]Element[Out], 0, len(outs))
	for _, raw := range outs {
		v, err := iso.cfg.sub.decodeOut(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding worker output: %w", err)
		}
		decoded = append(decoded, Element[Out]{
			Value:     v.(Out),
			Timestamp: elem.Timestamp,
			Windows:   elem.Windows,
			Pane:      elem.Pane,
		})
	}
	return decoded, nil
}

// classify maps an element error to a quarantine failure, or reports that it
// must propagate.
func (iso *Isolated[In, Out]) classify(err error) (Failure, bool) {
	var ef *elementFailure
	if errors.As(err, &ef) {
		return Failure{Tag: ef.tag, Message: ef.msg}, true
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Failure{}, false
	case errors.Is(err, procpool.ErrCrashed):
		return Failure{Tag: FailureCrash, Message: err.Error()}, true
	case errors.Is(err, procpool.ErrTimeout):
		return Failure{Tag: FailureTimeout, Message: err.Error()}, true
	case errors.Is(err, procpool.ErrRemote):
		if iso.cfg.catch(err) {
			return Failure{Tag: FailureError, Message: err.Error()}, true
		}
		return Failure{}, false
	case iso.cfg.catch(err):
		return Failure{Tag: FailureError, Message: err.Error()}, true
	default:
		return Failure{}, false
	}
}

// checkThreshold verifies the quarantine ratio within every threshold window.
func (iso *Isolated[In, Out]) checkThreshold(input []Element[In], bad []QuarantineRecord[In]) error {
	totals := map[window.Window]int64{}
	for _, elem := range input {
		for _, w := range iso.cfg.thresholdFn.Assign(elem.Timestamp) {
			totals[w]++
		}
	}
	failed := map[window.Window]int64{}
	for _, rec := range bad {
		for _, w := range iso.cfg.thresholdFn.Assign(rec.Element.Timestamp) {
			failed[w]++
		}
	}
	for w, nbad := range failed {
		total := totals[w]
		if total == 0 {
			continue
		}
		if float64(nbad)/float64(total) > iso.cfg.threshold {
			return &ThresholdError{
				Stage:     iso.name,
				Window:    w.String(),
				Bad:       nbad,
				Total:     total,
				Threshold: iso.cfg.threshold,
			}
		}
	}
	return nil
}

type elementFailure struct {
	tag string
	msg string
}

func (e *elementFailure) Error() string { return e.tag + ": " + e.msg }

func flattenOutputs[Out any](outputs map[string][]Element[Out]) []Element[Out] {
	var out []Element[Out]
	out = append(out, outputs[DefaultTag]...)
	for tag, elems := range outputs {
		if tag == DefaultTag {
			continue
		}
		out = append(out, elems...)
	}
	return out
}
