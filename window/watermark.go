package window

import (
	"math"
	"time"

	"go.uber.org/atomic"
)

// BeginningOfTime is the watermark before any input has been observed.
var BeginningOfTime = time.UnixMilli(math.MinInt64 / int64(time.Millisecond)).UTC()

// Watermark is a monotonically advancing estimate of "no element with an
// earlier timestamp will arrive". Safe for concurrent use.
type Watermark struct {
	millis atomic.Int64
}

func NewWatermark() *Watermark {
	w := &Watermark{}
	w.millis.Store(BeginningOfTime.UnixMilli())
	return w
}

// Advance moves the watermark forward to t. Attempts to move it backwards
// are ignored; the return value reports whether the watermark moved.
func (w *Watermark) Advance(t time.Time) bool {
	target := t.UnixMilli()
	for {
		cur := w.millis.Load()
		if target <= cur {
			return false
		}
		if w.millis.CompareAndSwap(cur, target) {
			return true
		}
	}
}

// Current returns the watermark's present position.
func (w *Watermark) Current() time.Time {
	return time.UnixMilli(w.millis.Load()).UTC()
}
