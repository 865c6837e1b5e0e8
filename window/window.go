// Package window implements event-time windowing: window assignment,
// merging, triggers deciding when a window's accumulated state becomes
// visible, and the per-window pane state machine.
package window

import (
	"fmt"
	"math"
	"time"
)

// EndOfGlobalWindow is the maximum representable event time. The global
// window's trigger only fires by default once the watermark passes this
// point, i.e. when a bounded input is exhausted.
var EndOfGlobalWindow = time.UnixMilli(math.MaxInt64 / int64(time.Millisecond)).UTC()

// Window identifies one grouping interval. Concrete implementations are
// comparable value types so windows can key maps directly.
type Window interface {
	// MaxTimestamp is the latest event time that belongs to this window.
	MaxTimestamp() time.Time
	fmt.Stringer
}

// IntervalWindow is the half-open interval [Start, End) in unix
// milliseconds. Millisecond ints rather than time.Time keep the struct
// canonical and comparable: two windows over the same interval are always ==.
type IntervalWindow struct {
	Start int64
	End   int64
}

func NewIntervalWindow(start, end time.Time) IntervalWindow {
	return IntervalWindow{Start: start.UnixMilli(), End: end.UnixMilli()}
}

func (w IntervalWindow) StartTime() time.Time { return time.UnixMilli(w.Start).UTC() }

func (w IntervalWindow) EndTime() time.Time { return time.UnixMilli(w.End).UTC() }

func (w IntervalWindow) MaxTimestamp() time.Time { return time.UnixMilli(w.End - 1).UTC() }

// Overlaps reports whether the two intervals intersect or abut such that a
// session merge should coalesce them.
func (w IntervalWindow) Overlaps(o IntervalWindow) bool {
	return w.Start < o.End && o.Start < w.End
}

// Span returns the smallest interval covering both windows.
func (w IntervalWindow) Span(o IntervalWindow) IntervalWindow {
	return IntervalWindow{Start: min(w.Start, o.Start), End: max(w.End, o.End)}
}

func (w IntervalWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.StartTime().Format(time.RFC3339Nano), w.EndTime().Format(time.RFC3339Nano))
}

// GlobalWindow is the single window covering all of time.
type GlobalWindow struct{}

func (GlobalWindow) MaxTimestamp() time.Time { return EndOfGlobalWindow }

func (GlobalWindow) String() string { return "GlobalWindow" }
