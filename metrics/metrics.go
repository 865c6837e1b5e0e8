// Package metrics exposes the counter hooks processing functions increment
// during execution. Values are queryable by name after a run.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Store owns a prometheus registry and the counters created against it.
// Counters are created on first use; Value reads them back by name.
type Store struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
}

func NewStore() *Store {
	return &Store{
		reg:      prometheus.NewRegistry(),
		counters: map[string]prometheus.Counter{},
	}
}

// Registry exposes the underlying prometheus registry, e.g. to mount it on
// an HTTP handler.
func (s *Store) Registry() *prometheus.Registry { return s.reg }

// Counter returns the counter with the given name, creating it on first use.
// Names are sanitized to the prometheus charset, so "events.bad" and
// "events_bad" address the same counter.
func (s *Store) Counter(name string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = sanitize(name)
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name})
	s.reg.MustRegister(c)
	s.counters[name] = c
	return c
}

// Value returns the current value of the named counter, or zero if it was
// never incremented.
func (s *Store) Value(name string) float64 {
	s.mu.Lock()
	c, ok := s.counters[sanitize(name)]
	s.mu.Unlock()
	if !ok {
		return 0
	}

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func sanitize(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

type nopCounter struct{}

func (nopCounter) Inc()        {}
func (nopCounter) Add(float64) {}

// Nop is a counter that discards increments, handed out when no store is
// configured.
var Nop Counter = nopCounter{}
