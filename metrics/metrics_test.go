package metrics

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestStore(t *testing.T) {
	s := NewStore()

	t.Run("counters accumulate", func(t *testing.T) {
		s.Counter("elements_processed").Inc()
		s.Counter("elements_processed").Add(4)
		assert.Equal(t, 5.0, s.Value("elements_processed"))
	})

	t.Run("unknown counters read zero", func(t *testing.T) {
		assert.Equal(t, 0.0, s.Value("never_touched"))
	})

	t.Run("names are sanitized to one counter", func(t *testing.T) {
		s.Counter("events.bad").Inc()
		s.Counter("events_bad").Inc()
		assert.Equal(t, 2.0, s.Value("events.bad"))
		assert.Equal(t, 2.0, s.Value("events_bad"))
	})

	t.Run("registry is exposed for scraping", func(t *testing.T) {
		families, err := s.Registry().Gather()
		assert.NoError(t, err)
		names := make([]string, len(families))
		for i, f := range families {
			names[i] = f.GetName()
		}
		assert.SliceContains(t, names, "elements_processed")
	})
}

func TestNopCounter(t *testing.T) {
	// Must not panic; increments go nowhere.
	Nop.Inc()
	Nop.Add(10)
}
