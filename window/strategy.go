package window

import "time"

// AccumulationMode controls what a pane after the first contains.
type AccumulationMode int8

const (
	// Discarding panes contain only values accumulated since the previous
	// pane for the window.
	Discarding AccumulationMode = iota
	// Accumulating panes contain the full accumulated set so far.
	Accumulating
)

func (m AccumulationMode) String() string {
	if m == Accumulating {
		return "ACCUMULATING"
	}
	return "DISCARDING"
}

// Strategy bundles a window function, trigger, accumulation mode and allowed
// lateness into the windowing configuration of a grouping.
type Strategy struct {
	Fn              Fn
	Trigger         Trigger
	Mode            AccumulationMode
	AllowedLateness time.Duration
}

// DefaultStrategy is the strategy a grouping gets when none is configured:
// single global window, single on-time firing at end of input, discarding.
func DefaultStrategy() Strategy {
	return Strategy{Fn: GlobalWindows(), Trigger: Default(), Mode: Discarding}
}

// WithDefaults fills unset fields with the default window fn and trigger.
func (s Strategy) WithDefaults() Strategy {
	if s.Fn == nil {
		s.Fn = GlobalWindows()
	}
	if s.Trigger == nil {
		s.Trigger = Default()
	}
	return s
}

// IsSingleShotGlobal reports whether this strategy is the global window with
// the default end-of-time trigger, i.e. the combination that never fires on
// an unbounded input.
func (s Strategy) IsSingleShotGlobal() bool {
	s = s.WithDefaults()
	return IsGlobalWindows(s.Fn) && IsDefault(s.Trigger)
}

// Expired reports whether the window's allowed lateness has fully elapsed at
// the given watermark, i.e. its state should be dropped.
func (s Strategy) Expired(w Window, watermark time.Time) bool {
	return watermark.After(w.MaxTimestamp().Add(s.AllowedLateness))
}
