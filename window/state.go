package window

import "time"

// Phase is the lifecycle of one (key, window) pair's firing state.
type Phase int8

const (
	// Pending: no pane fired yet.
	Pending Phase = iota
	// Fired: at least one pane emitted, window still live.
	Fired
	// Closed is terminal: allowed lateness has elapsed, state is dropped.
	Closed
)

func (p Phase) String() string {
	switch p {
	case Fired:
		return "FIRED"
	case Closed:
		return "CLOSED"
	default:
		return "PENDING"
	}
}

// State is the per-(key, window) scratch a trigger works against. Composite
// triggers keep one child state per sub-trigger.
type State struct {
	Phase     Phase
	PaneIndex int64

	// ElementsSinceFire is maintained by count triggers and reset on fire.
	ElementsSinceFire int64
	// FirstArrival is the processing time of the first element since the
	// last fire, used by processing-time triggers.
	FirstArrival time.Time

	OnTimeFired bool

	sub []*State
}

func NewState() *State { return &State{} }

// Sub returns n child states, allocating them on first use.
func (s *State) Sub(n int) []*State {
	for len(s.sub) < n {
		s.sub = append(s.sub, NewState())
	}
	return s.sub[:n]
}

// MergeFrom folds another window's firing state into this one. Used when
// merging windows (sessions) coalesce previously distinct (key, window)
// states: firing is paused, state merged, firing resumed. Counts add up,
// the pane index continues from the highest seen, and Closed absorbs.
func (s *State) MergeFrom(o *State) {
	if o.Phase > s.Phase {
		s.Phase = o.Phase
	}
	if o.PaneIndex > s.PaneIndex {
		s.PaneIndex = o.PaneIndex
	}
	s.ElementsSinceFire += o.ElementsSinceFire
	if s.FirstArrival.IsZero() || (!o.FirstArrival.IsZero() && o.FirstArrival.Before(s.FirstArrival)) {
		s.FirstArrival = o.FirstArrival
	}
	s.OnTimeFired = s.OnTimeFired || o.OnTimeFired
	for i, os := range o.sub {
		if i < len(s.sub) {
			s.sub[i].MergeFrom(os)
		} else {
			s.sub = append(s.sub, os)
		}
	}
}
