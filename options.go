package flume

import (
	"log/slog"

	"github.com/zoobzio/clockz"

	"github.com/flumehq/flume/coder"
	"github.com/flumehq/flume/metrics"
)

// Strictness controls how much of the pipeline must carry type descriptors
// when pipeline type checking is enabled.
type Strictness int8

const (
	// AllRequired: every stage must declare its input type descriptor.
	AllRequired Strictness = iota
	// OptionalHints: stages without descriptors are skipped.
	OptionalHints
)

// Options is the configuration surface shared by the engines.
type Options struct {
	// AllowUnsafeTriggers permits grouping unbounded input under the
	// single-shot global-window default trigger, which would never fire.
	// Enabled by default; disable it to turn the check into a
	// construction-time error.
	AllowUnsafeTriggers bool

	// AllowNonDeterministicKeyCoders skips the grouping determinism gate.
	AllowNonDeterministicKeyCoders bool

	PipelineTypeCheck   bool
	RuntimeTypeCheck    bool
	TypeCheckStrictness Strictness

	// BundleSize is the number of elements handed to one lifecycle-unit
	// instance between its start and finish hooks.
	BundleSize int
	// Parallelism is the number of bundles processed concurrently.
	Parallelism int

	// Shards is the number of serialization shards for per-(key, window)
	// state in the grouping engine.
	Shards int

	Log      *slog.Logger
	Registry *coder.Registry
	Metrics  *metrics.Store
	Clock    clockz.Clock
}

// Option is a function that configures the engines.
type Option func(*Options)

// WithAllowUnsafeTriggers toggles the unsafe-trigger construction check.
var WithAllowUnsafeTriggers = func(allow bool) Option {
	return func(o *Options) {
		o.AllowUnsafeTriggers = allow
	}
}

// WithAllowNonDeterministicKeyCoders accepts key coders that cannot promise
// deterministic encoding. Grouping correctness is then the caller's problem.
var WithAllowNonDeterministicKeyCoders = func(allow bool) Option {
	return func(o *Options) {
		o.AllowNonDeterministicKeyCoders = allow
	}
}

// WithPipelineTypeCheck enables construction-time type descriptor checks.
var WithPipelineTypeCheck = func(enabled bool) Option {
	return func(o *Options) {
		o.PipelineTypeCheck = enabled
	}
}

// WithRuntimeTypeCheck validates every element against the stage's declared
// input type during execution.
var WithRuntimeTypeCheck = func(enabled bool) Option {
	return func(o *Options) {
		o.RuntimeTypeCheck = enabled
	}
}

// WithTypeCheckStrictness sets how strictly descriptors are required.
var WithTypeCheckStrictness = func(s Strictness) Option {
	return func(o *Options) {
		o.TypeCheckStrictness = s
	}
}

// WithBundleSize sets how many elements form one bundle.
var WithBundleSize = func(n int) Option {
	return func(o *Options) {
		o.BundleSize = n
	}
}

// WithParallelism sets how many bundles run concurrently.
var WithParallelism = func(n int) Option {
	return func(o *Options) {
		o.Parallelism = n
	}
}

// WithShards sets the number of state serialization shards.
var WithShards = func(n int) Option {
	return func(o *Options) {
		o.Shards = n
	}
}

// WithLog sets the logger used by the engines.
var WithLog = func(log *slog.Logger) Option {
	return func(o *Options) {
		o.Log = log
	}
}

// WithCoderRegistry sets the registry consulted when a keyed stage is built
// without an explicit key coder.
var WithCoderRegistry = func(r *coder.Registry) Option {
	return func(o *Options) {
		o.Registry = r
	}
}

// WithMetrics sets the metrics store counters are recorded against.
var WithMetrics = func(m *metrics.Store) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithClock injects the clock used for processing-time decisions. Tests pass
// a fake clock.
var WithClock = func(c clockz.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		AllowUnsafeTriggers: true,
		BundleSize:          1000,
		Parallelism:         1,
		Shards:              16,
		Log:                 NullLogger(),
		Clock:               clockz.RealClock,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.BundleSize < 1 {
		o.BundleSize = 1
	}
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.Shards < 1 {
		o.Shards = 1
	}
	return o
}

// NullWriter is a writer that discards all data.
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger creates a logger that discards all output.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
