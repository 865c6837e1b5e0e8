package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func iw(start, end time.Time) IntervalWindow {
	return NewIntervalWindow(start, end)
}

func TestGlobalWindows(t *testing.T) {
	fn := GlobalWindows()
	assert.Equal(t, []Window{GlobalWindow{}}, fn.Assign(testBase))
	assert.Equal(t, []Window{GlobalWindow{}}, fn.Assign(time.Time{}))
	assert.True(t, IsGlobalWindows(fn))
	assert.False(t, IsGlobalWindows(FixedWindows(time.Minute)))
	assert.Equal(t, EndOfGlobalWindow, GlobalWindow{}.MaxTimestamp())
}

func TestFixedWindowsAssign(t *testing.T) {
	fn := FixedWindows(time.Minute)

	tests := []struct {
		name string
		ts   time.Time
		want IntervalWindow
	}{
		{"mid window", testBase.Add(30 * time.Second), iw(testBase, testBase.Add(time.Minute))},
		{"on boundary goes right", testBase.Add(time.Minute), iw(testBase.Add(time.Minute), testBase.Add(2*time.Minute))},
		{"last representable instant", testBase.Add(time.Minute - time.Millisecond), iw(testBase, testBase.Add(time.Minute))},
		{"before the epoch", time.UnixMilli(-90_000).UTC(), IntervalWindow{Start: -120_000, End: -60_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fn.Assign(tt.ts)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}

	assert.Panics(t, func() { FixedWindows(0) })
}

func TestSlidingWindowsAssign(t *testing.T) {
	fn := SlidingWindows(10*time.Minute, 5*time.Minute)

	got := fn.Assign(testBase.Add(3 * time.Minute))
	require.Len(t, got, 2)
	assert.Equal(t, iw(testBase, testBase.Add(10*time.Minute)), got[0])
	assert.Equal(t, iw(testBase.Add(-5*time.Minute), testBase.Add(5*time.Minute)), got[1])

	// Every assigned window contains the timestamp.
	for _, w := range got {
		win := w.(IntervalWindow)
		ts := testBase.Add(3 * time.Minute).UnixMilli()
		assert.LessOrEqual(t, win.Start, ts)
		assert.Greater(t, win.End, ts)
	}

	// An aligned timestamp still falls into size/period windows.
	got = fn.Assign(testBase)
	assert.Len(t, got, 2)

	assert.Panics(t, func() { SlidingWindows(time.Minute, 0) })
}

func TestSessionsAssign(t *testing.T) {
	fn := Sessions(30 * time.Second)
	got := fn.Assign(testBase)
	require.Len(t, got, 1)
	assert.Equal(t, iw(testBase, testBase.Add(30*time.Second)), got[0])

	assert.Panics(t, func() { Sessions(-time.Second) })
}

func TestSessionsMerge(t *testing.T) {
	fn := Sessions(30 * time.Second)

	a := iw(testBase, testBase.Add(30*time.Second))
	b := iw(testBase.Add(10*time.Second), testBase.Add(40*time.Second))
	c := iw(testBase.Add(2*time.Minute), testBase.Add(2*time.Minute+30*time.Second))
	merged := iw(testBase, testBase.Add(40*time.Second))

	t.Run("overlapping windows coalesce", func(t *testing.T) {
		assert.Equal(t, []Window{merged, c}, fn.Merge([]Window{a, b, c}))
	})

	t.Run("order independence", func(t *testing.T) {
		perms := [][]Window{
			{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
		}
		for _, p := range perms {
			assert.Equal(t, []Window{merged, c}, fn.Merge(p))
		}
	})

	t.Run("idempotence", func(t *testing.T) {
		once := fn.Merge([]Window{a, b, c})
		assert.Equal(t, once, fn.Merge(once))
	})

	t.Run("transitive chains collapse", func(t *testing.T) {
		// a-b overlap, b-d overlap, a-d do not: all three still form one session.
		d := iw(testBase.Add(35*time.Second), testBase.Add(65*time.Second))
		got := fn.Merge([]Window{a, d, b})
		require.Len(t, got, 1)
		assert.Equal(t, iw(testBase, testBase.Add(65*time.Second)), got[0])
	})

	t.Run("abutting windows stay separate", func(t *testing.T) {
		e := iw(testBase.Add(30*time.Second), testBase.Add(time.Minute))
		assert.Equal(t, []Window{a, e}, fn.Merge([]Window{e, a}))
	})

	t.Run("non-interval windows are ignored", func(t *testing.T) {
		assert.Equal(t, []Window{a}, fn.Merge([]Window{GlobalWindow{}, a}))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, fn.Merge(nil))
	})
}

func TestIntervalWindow(t *testing.T) {
	w := iw(testBase, testBase.Add(time.Minute))

	assert.Equal(t, testBase, w.StartTime())
	assert.Equal(t, testBase.Add(time.Minute), w.EndTime())
	assert.Equal(t, testBase.Add(time.Minute-time.Millisecond), w.MaxTimestamp())

	t.Run("overlaps", func(t *testing.T) {
		assert.True(t, w.Overlaps(iw(testBase.Add(30*time.Second), testBase.Add(90*time.Second))))
		assert.True(t, w.Overlaps(w))
		// Half-open intervals: sharing only an endpoint is not an overlap.
		assert.False(t, w.Overlaps(iw(testBase.Add(time.Minute), testBase.Add(2*time.Minute))))
		assert.False(t, w.Overlaps(iw(testBase.Add(-time.Minute), testBase)))
	})

	t.Run("span", func(t *testing.T) {
		o := iw(testBase.Add(30*time.Second), testBase.Add(2*time.Minute))
		want := iw(testBase, testBase.Add(2*time.Minute))
		assert.Equal(t, want, w.Span(o))
		assert.Equal(t, want, o.Span(w))
		assert.Equal(t, w, w.Span(w))
	})

	t.Run("comparable as map keys", func(t *testing.T) {
		m := map[Window]int{}
		m[iw(testBase, testBase.Add(time.Minute))] = 1
		m[iw(testBase, testBase.Add(time.Minute))] = 2
		assert.Len(t, m, 1)
	})
}

func TestSingleAssignment(t *testing.T) {
	assert.True(t, SingleAssignment(GlobalWindows()))
	assert.True(t, SingleAssignment(FixedWindows(time.Minute)))
	assert.False(t, SingleAssignment(SlidingWindows(time.Minute, time.Second)))
	assert.False(t, SingleAssignment(Sessions(time.Minute)))
}

func TestStrategy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s := Strategy{}.WithDefaults()
		assert.True(t, IsGlobalWindows(s.Fn))
		assert.True(t, IsDefault(s.Trigger))
		assert.Equal(t, Discarding, s.Mode)
	})

	t.Run("single shot global detection", func(t *testing.T) {
		assert.True(t, Strategy{}.IsSingleShotGlobal())
		assert.True(t, DefaultStrategy().IsSingleShotGlobal())
		assert.False(t, Strategy{Trigger: AfterCount(1)}.IsSingleShotGlobal())
		assert.False(t, Strategy{Fn: FixedWindows(time.Minute)}.IsSingleShotGlobal())
	})

	t.Run("expiry honors allowed lateness", func(t *testing.T) {
		w := iw(testBase, testBase.Add(time.Minute))
		s := Strategy{Fn: FixedWindows(time.Minute), AllowedLateness: time.Minute}

		assert.False(t, s.Expired(w, testBase.Add(90*time.Second)))
		assert.False(t, s.Expired(w, w.MaxTimestamp().Add(time.Minute)))
		assert.True(t, s.Expired(w, testBase.Add(3*time.Minute)))
	})

	t.Run("accumulation mode strings", func(t *testing.T) {
		assert.Equal(t, "DISCARDING", Discarding.String())
		assert.Equal(t, "ACCUMULATING", Accumulating.String())
	})
}
