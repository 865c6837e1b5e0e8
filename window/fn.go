package window

import (
	"sort"
	"time"
)

// Fn assigns an element, by event time, to the window(s) it belongs to.
type Fn interface {
	Assign(eventTime time.Time) []Window
}

// MergingFn is implemented by window functions whose windows can merge, e.g.
// sessions. Merge takes the currently active windows for a key and returns
// the canonical post-merge set. The operation must be idempotent,
// commutative and transitive: merging any permutation of overlapping
// windows, any number of times, yields the same canonical set.
type MergingFn interface {
	Fn
	Merge(active []Window) []Window
}

type globalWindows struct{}

func (globalWindows) Assign(time.Time) []Window { return []Window{GlobalWindow{}} }

// GlobalWindows places every element in the single global window.
func GlobalWindows() Fn { return globalWindows{} }

// IsGlobalWindows reports whether fn is the global window function.
func IsGlobalWindows(fn Fn) bool {
	_, ok := fn.(globalWindows)
	return ok
}

type fixedWindows struct {
	size int64 // millis
}

// FixedWindows divides time into aligned, non-overlapping windows of the
// given size. Assignment is left-inclusive, right-exclusive: an element on a
// boundary falls into the window starting at the boundary.
func FixedWindows(size time.Duration) Fn {
	if size <= 0 {
		panic("window: fixed window size must be positive")
	}
	return fixedWindows{size: size.Milliseconds()}
}

func (f fixedWindows) Assign(eventTime time.Time) []Window {
	start := floorTo(eventTime.UnixMilli(), f.size)
	return []Window{IntervalWindow{Start: start, End: start + f.size}}
}

type slidingWindows struct {
	size   int64
	period int64
}

// SlidingWindows assigns each element to every window of length size whose
// start is aligned to period and which contains the element's timestamp.
func SlidingWindows(size, period time.Duration) Fn {
	if size <= 0 || period <= 0 {
		panic("window: sliding window size and period must be positive")
	}
	return slidingWindows{size: size.Milliseconds(), period: period.Milliseconds()}
}

func (f slidingWindows) Assign(eventTime time.Time) []Window {
	ts := eventTime.UnixMilli()
	var out []Window
	for start := floorTo(ts, f.period); start > ts-f.size; start -= f.period {
		out = append(out, IntervalWindow{Start: start, End: start + f.size})
	}
	return out
}

type sessions struct {
	gap int64
}

// Sessions groups elements separated by less than gap into one window.
// Each element initially gets its own proto-window [ts, ts+gap); overlapping
// proto-windows merge into a single session.
func Sessions(gap time.Duration) MergingFn {
	if gap <= 0 {
		panic("window: session gap must be positive")
	}
	return sessions{gap: gap.Milliseconds()}
}

func (f sessions) Assign(eventTime time.Time) []Window {
	ts := eventTime.UnixMilli()
	return []Window{IntervalWindow{Start: ts, End: ts + f.gap}}
}

func (f sessions) Merge(active []Window) []Window {
	intervals := make([]IntervalWindow, 0, len(active))
	for _, w := range active {
		iw, ok := w.(IntervalWindow)
		if !ok {
			// Non-interval windows never participate in session merges.
			continue
		}
		intervals = append(intervals, iw)
	}
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].Start != intervals[j].Start {
			return intervals[i].Start < intervals[j].Start
		}
		return intervals[i].End < intervals[j].End
	})

	var out []Window
	var cur IntervalWindow
	have := false
	for _, iw := range intervals {
		switch {
		case !have:
			cur, have = iw, true
		case cur.Overlaps(iw):
			cur = cur.Span(iw)
		default:
			out = append(out, cur)
			cur = iw
		}
	}
	if have {
		out = append(out, cur)
	}
	return out
}

// SingleAssignment reports whether fn places every element in exactly one
// window and never merges. Pre-aggregation ahead of a grouping is only valid
// for such window functions.
func SingleAssignment(fn Fn) bool {
	switch fn.(type) {
	case globalWindows, fixedWindows:
		return true
	default:
		return false
	}
}

func floorTo(ts, size int64) int64 {
	r := ts % size
	if r < 0 {
		r += size
	}
	return ts - r
}
