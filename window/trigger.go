package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/clockz"
)

// Trigger decides, per (key, window), when accumulated state should be
// emitted as a pane. Triggers keep their scratch in the State the engine
// hands them; they own no state of their own and may be shared across keys.
type Trigger interface {
	// OnElement is invoked once per element arriving for the window.
	// arrival is processing time.
	OnElement(s *State, arrival time.Time)
	// ShouldFire reports whether a pane should be emitted now.
	ShouldFire(s *State, w Window, watermark time.Time) bool
	// OnFire resets whatever per-pane scratch the trigger keeps.
	OnFire(s *State)

	fmt.Stringer
}

type defaultTrigger struct{}

// Default fires a single on-time pane when the watermark passes the window
// end, then one pane per late element until allowed lateness elapses.
func Default() Trigger { return defaultTrigger{} }

// IsDefault reports whether t is the default watermark trigger. The unsafe
// trigger check needs to recognize it.
func IsDefault(t Trigger) bool {
	_, ok := t.(defaultTrigger)
	return ok
}

func (defaultTrigger) OnElement(s *State, _ time.Time) { s.ElementsSinceFire++ }

func (defaultTrigger) ShouldFire(s *State, w Window, watermark time.Time) bool {
	if watermark.Before(w.MaxTimestamp()) {
		return false
	}
	// After the on-time pane, fire only when late elements arrived.
	if s.OnTimeFired {
		return s.ElementsSinceFire > 0
	}
	return true
}

func (defaultTrigger) OnFire(s *State) { s.ElementsSinceFire = 0 }

func (defaultTrigger) String() string { return "Default" }

type afterCount struct {
	n int64
}

// AfterCount fires each time n elements have arrived since the last fire.
func AfterCount(n int) Trigger {
	if n <= 0 {
		panic("window: AfterCount requires a positive count")
	}
	return afterCount{n: int64(n)}
}

func (afterCount) OnElement(s *State, _ time.Time) { s.ElementsSinceFire++ }

func (t afterCount) ShouldFire(s *State, _ Window, _ time.Time) bool {
	return s.ElementsSinceFire >= t.n
}

func (afterCount) OnFire(s *State) { s.ElementsSinceFire = 0 }

func (t afterCount) String() string { return fmt.Sprintf("AfterCount(%d)", t.n) }

type afterProcessingTime struct {
	delay time.Duration
	clock clockz.Clock
}

// AfterProcessingTime fires once the given processing-time delay has elapsed
// since the first element arrived for the window (since the last fire).
func AfterProcessingTime(delay time.Duration, clock clockz.Clock) Trigger {
	if clock == nil {
		clock = clockz.RealClock
	}
	return afterProcessingTime{delay: delay, clock: clock}
}

func (afterProcessingTime) OnElement(s *State, arrival time.Time) {
	s.ElementsSinceFire++
	if s.FirstArrival.IsZero() {
		s.FirstArrival = arrival
	}
}

func (t afterProcessingTime) ShouldFire(s *State, _ Window, _ time.Time) bool {
	if s.FirstArrival.IsZero() {
		return false
	}
	return !t.clock.Now().Before(s.FirstArrival.Add(t.delay))
}

func (afterProcessingTime) OnFire(s *State) {
	s.ElementsSinceFire = 0
	s.FirstArrival = time.Time{}
}

func (t afterProcessingTime) String() string {
	return fmt.Sprintf("AfterProcessingTime(%s)", t.delay)
}

type afterAny struct {
	children []Trigger
}

// AfterAny fires when any child trigger would fire (logical OR).
func AfterAny(children ...Trigger) Trigger {
	if len(children) == 0 {
		panic("window: AfterAny requires at least one child trigger")
	}
	return afterAny{children: children}
}

func (t afterAny) OnElement(s *State, arrival time.Time) {
	s.ElementsSinceFire++
	sub := s.Sub(len(t.children))
	for i, c := range t.children {
		c.OnElement(sub[i], arrival)
	}
}

func (t afterAny) ShouldFire(s *State, w Window, watermark time.Time) bool {
	sub := s.Sub(len(t.children))
	for i, c := range t.children {
		if c.ShouldFire(sub[i], w, watermark) {
			return true
		}
	}
	return false
}

func (t afterAny) OnFire(s *State) {
	s.ElementsSinceFire = 0
	sub := s.Sub(len(t.children))
	for i, c := range t.children {
		c.OnFire(sub[i])
	}
}

func (t afterAny) String() string { return compositeString("AfterAny", t.children) }

type afterAll struct {
	children []Trigger
}

// AfterAll fires when every child trigger would fire (logical AND).
func AfterAll(children ...Trigger) Trigger {
	if len(children) == 0 {
		panic("window: AfterAll requires at least one child trigger")
	}
	return afterAll{children: children}
}

func (t afterAll) OnElement(s *State, arrival time.Time) {
	s.ElementsSinceFire++
	sub := s.Sub(len(t.children))
	for i, c := range t.children {
		c.OnElement(sub[i], arrival)
	}
}

func (t afterAll) ShouldFire(s *State, w Window, watermark time.Time) bool {
	sub := s.Sub(len(t.children))
	for i, c := range t.children {
		if !c.ShouldFire(sub[i], w, watermark) {
			return false
		}
	}
	return true
}

func (t afterAll) OnFire(s *State) {
	s.ElementsSinceFire = 0
	sub := s.Sub(len(t.children))
	for i, c := range t.children {
		c.OnFire(sub[i])
	}
}

func (t afterAll) String() string { return compositeString("AfterAll", t.children) }

type repeat struct {
	child Trigger
}

// Repeat fires whenever its child would fire and rearms the child after each
// pane, so the child's firing condition applies pane after pane for the
// lifetime of the window.
func Repeat(child Trigger) Trigger {
	if child == nil {
		panic("window: Repeat requires a child trigger")
	}
	return repeat{child: child}
}

func (t repeat) OnElement(s *State, arrival time.Time) {
	t.child.OnElement(s.Sub(1)[0], arrival)
	s.ElementsSinceFire++
}

func (t repeat) ShouldFire(s *State, w Window, watermark time.Time) bool {
	return t.child.ShouldFire(s.Sub(1)[0], w, watermark)
}

func (t repeat) OnFire(s *State) {
	s.ElementsSinceFire = 0
	sub := s.Sub(1)[0]
	t.child.OnFire(sub)
	// Rearm fully: a child that latched (processing-time scratch) starts over.
	sub.FirstArrival = time.Time{}
}

func (t repeat) String() string { return fmt.Sprintf("Repeat(%s)", t.child) }

func compositeString(name string, children []Trigger) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
