package window

// Timing classifies a pane relative to the watermark at fire time.
type Timing int8

const (
	// TimingUnknown marks elements that did not pass through a grouping.
	TimingUnknown Timing = iota
	// TimingEarly panes fired before the watermark reached the window end.
	TimingEarly
	// TimingOnTime is the single pane fired when the watermark passes the
	// window end.
	TimingOnTime
	// TimingLate panes fired after the on-time pane, within allowed lateness.
	TimingLate
)

func (t Timing) String() string {
	switch t {
	case TimingEarly:
		return "EARLY"
	case TimingOnTime:
		return "ON_TIME"
	case TimingLate:
		return "LATE"
	default:
		return "UNKNOWN"
	}
}

// PaneInfo tags one fired emission of a window's accumulated state.
type PaneInfo struct {
	// Index is the zero-based firing sequence number within the window.
	Index   int64
	IsFirst bool
	// IsLast is set on the final pane of a window, after which its state
	// is dropped.
	IsLast bool
	Timing Timing
}

// NoFiringPane tags elements that have not been through a trigger.
func NoFiringPane() PaneInfo {
	return PaneInfo{IsFirst: true, IsLast: true, Timing: TimingUnknown}
}
