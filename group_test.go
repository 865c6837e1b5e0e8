package flume

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/flumehq/flume/coder"
	"github.com/flumehq/flume/coders"
	"github.com/flumehq/flume/window"
)

func groupValues(t *testing.T, g *Group[int]) []int {
	t.Helper()
	vs, err := g.Values()
	assert.NoError(t, err)
	sort.Ints(vs)
	return vs
}

func TestGroupByKey(t *testing.T) {
	t.Run("values collect per key", func(t *testing.T) {
		gbk, err := NewGroupByKey[int, int]("group", Bounded, window.DefaultStrategy(), coders.VarInt[int]())
		assert.NoError(t, err)

		out, err := gbk.Execute(context.Background(), KVElements(
			KV[int, int]{1, 1}, KV[int, int]{1, 2}, KV[int, int]{1, 3},
			KV[int, int]{2, 1}, KV[int, int]{2, 2},
			KV[int, int]{3, 1},
		))
		assert.NoError(t, err)
		assert.Equal(t, 3, len(out))

		byKey := map[int][]int{}
		for _, elem := range out {
			byKey[elem.Value.Key] = groupValues(t, elem.Value.Value)
		}
		assert.Equal(t, map[int][]int{
			1: {1, 2, 3},
			2: {1, 2},
			3: {1},
		}, byKey)
	})

	t.Run("groups support unlimited re-iteration", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), coders.String())
		assert.NoError(t, err)

		pairs := make([]KV[string, int], 10)
		for i := range pairs {
			pairs[i] = KV[string, int]{"k", i + 1}
		}
		out, err := gbk.Execute(context.Background(), KVElements(pairs...))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out))

		g := out[0].Value.Value
		assert.Equal(t, 10, g.Len())

		total := 0
		for pass := 0; pass < 17; pass++ {
			it := g.Iterator()
			for it.Next() {
				_ = it.Value()
				total++
			}
			assert.NoError(t, it.Err())
			assert.NoError(t, it.Close())
		}
		assert.Equal(t, 170, total)
	})

	t.Run("no pane for a key that never appeared", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), coders.String())
		assert.NoError(t, err)

		out, err := gbk.Execute(context.Background(), nil)
		assert.NoError(t, err)
		assert.Equal(t, 0, len(out))
	})
}

// nonDetCoder encodes strings non-deterministically and cannot provide a
// deterministic variant.
type nonDetCoder struct{}

func (nonDetCoder) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (nonDetCoder) Decode(b []byte) (string, error) { return string(b), nil }
func (nonDetCoder) Deterministic() bool             { return false }

func TestGroupByKeyDeterminismGate(t *testing.T) {
	t.Run("non-deterministic key coder is rejected", func(t *testing.T) {
		_, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), nonDetCoder{})
		assert.Error(t, err)
		assert.True(t, IsConfigError(err))
		assert.Contains(t, err.Error(), "deterministic")
		assert.Contains(t, err.Error(), "string")
	})

	t.Run("explicit override accepts it", func(t *testing.T) {
		_, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), nonDetCoder{},
			WithAllowNonDeterministicKeyCoders(true))
		assert.NoError(t, err)
	})

	t.Run("deterministic variant is substituted silently", func(t *testing.T) {
		type point struct {
			X, Y int
		}
		// JSON is non-deterministic but provides a deterministic variant.
		gbk, err := NewGroupByKey[point, string]("group", Bounded, window.DefaultStrategy(), coders.JSON[point]())
		assert.NoError(t, err)

		out, err := gbk.Execute(context.Background(), KVElements(
			KV[point, string]{point{1, 2}, "a"},
			KV[point, string]{point{1, 2}, "b"},
		))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out))
		assert.Equal(t, 2, out[0].Value.Value.Len())
	})

	t.Run("registry resolves the key coder", func(t *testing.T) {
		reg := coder.NewRegistry()
		coder.RegisterFor[string](reg, coders.String())

		gbk, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), nil,
			WithCoderRegistry(reg))
		assert.NoError(t, err)

		out, err := gbk.Execute(context.Background(), KVElements(KV[string, int]{"k", 1}))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out))
	})

	t.Run("deterministic fallback satisfies the gate", func(t *testing.T) {
		type id struct {
			Name string
		}
		reg := coder.NewRegistry()
		reg.SetFallback(coders.FallbackJSON())

		_, err := NewGroupByKey[id, int]("group", Bounded, window.DefaultStrategy(), nil,
			WithCoderRegistry(reg))
		assert.NoError(t, err)
	})

	t.Run("no coder anywhere is a config error", func(t *testing.T) {
		_, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), nil)
		assert.Error(t, err)
		assert.True(t, IsConfigError(err))
	})
}

func TestGroupByKeyUnsafeTrigger(t *testing.T) {
	t.Run("allowed by default", func(t *testing.T) {
		_, err := NewGroupByKey[string, int]("group", Unbounded, window.DefaultStrategy(), coders.String())
		assert.NoError(t, err)
	})

	t.Run("rejected when disallowed", func(t *testing.T) {
		_, err := NewGroupByKey[string, int]("group", Unbounded, window.DefaultStrategy(), coders.String(),
			WithAllowUnsafeTriggers(false))
		assert.Error(t, err)
		assert.True(t, IsConfigError(err))
		assert.Contains(t, err.Error(), "unsafe trigger")
	})

	t.Run("bounded input under the default trigger is fine", func(t *testing.T) {
		_, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), coders.String(),
			WithAllowUnsafeTriggers(false))
		assert.NoError(t, err)
	})

	t.Run("a real trigger makes unbounded global windows safe", func(t *testing.T) {
		strategy := window.Strategy{Trigger: window.AfterCount(10)}
		_, err := NewGroupByKey[string, int]("group", Unbounded, strategy, coders.String(),
			WithAllowUnsafeTriggers(false))
		assert.NoError(t, err)
	})
}

func TestGroupByKeyTriggers(t *testing.T) {
	ctx := context.Background()

	t.Run("count trigger fires early panes", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Unbounded,
			window.Strategy{Trigger: window.AfterCount(4), Mode: window.Accumulating},
			coders.String())
		assert.NoError(t, err)

		eng := gbk.NewEngine()
		var fired []Element[KV[string, *Group[int]]]
		for i := 1; i <= 6; i++ {
			out, err := eng.Add(ctx, NewElement(KV[string, int]{"k", i}, time.UnixMilli(0).UTC()))
			assert.NoError(t, err)
			fired = append(fired, out...)
		}

		// The fourth element fired the first pane.
		assert.Equal(t, 1, len(fired))
		assert.Equal(t, []int{1, 2, 3, 4}, groupValues(t, fired[0].Value.Value))
		assert.Equal(t, int64(0), fired[0].Pane.Index)
		assert.True(t, fired[0].Pane.IsFirst)
		assert.False(t, fired[0].Pane.IsLast)
		assert.Equal(t, window.TimingEarly, fired[0].Pane.Timing)

		// Close releases the rest; accumulating panes carry everything.
		final, err := eng.Close(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, len(final))
		assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, groupValues(t, final[0].Value.Value))
		assert.Equal(t, int64(1), final[0].Pane.Index)
		assert.False(t, final[0].Pane.IsFirst)
		assert.True(t, final[0].Pane.IsLast)
	})

	t.Run("discarding panes carry only the increment", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Unbounded,
			window.Strategy{Trigger: window.AfterCount(2), Mode: window.Discarding},
			coders.String())
		assert.NoError(t, err)

		eng := gbk.NewEngine()
		var fired []Element[KV[string, *Group[int]]]
		for i := 1; i <= 5; i++ {
			out, err := eng.Add(ctx, NewElement(KV[string, int]{"k", i}, time.UnixMilli(0).UTC()))
			assert.NoError(t, err)
			fired = append(fired, out...)
		}
		assert.Equal(t, 2, len(fired))
		assert.Equal(t, []int{1, 2}, groupValues(t, fired[0].Value.Value))
		assert.Equal(t, []int{3, 4}, groupValues(t, fired[1].Value.Value))

		final, err := eng.Close(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, len(final))
		assert.Equal(t, []int{5}, groupValues(t, final[0].Value.Value))
	})
}

func TestGroupByKeyWindowing(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("fixed windows separate groups", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Bounded,
			window.Strategy{Fn: window.FixedWindows(time.Minute)},
			coders.String())
		assert.NoError(t, err)

		out, err := gbk.Execute(ctx, []Element[KV[string, int]]{
			NewElement(KV[string, int]{"k", 1}, base),
			NewElement(KV[string, int]{"k", 2}, base.Add(10*time.Second)),
			NewElement(KV[string, int]{"k", 3}, base.Add(90*time.Second)),
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, len(out))

		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
		assert.Equal(t, []int{1, 2}, groupValues(t, out[0].Value.Value))
		assert.Equal(t, []int{3}, groupValues(t, out[1].Value.Value))

		// Pane timestamps sit at the end of their window.
		w0 := out[0].Windows[0].(window.IntervalWindow)
		assert.True(t, out[0].Timestamp.Equal(w0.MaxTimestamp()))
		assert.Equal(t, window.TimingOnTime, out[0].Pane.Timing)
	})

	t.Run("sessions merge overlapping activity", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Bounded,
			window.Strategy{Fn: window.Sessions(10 * time.Second)},
			coders.String())
		assert.NoError(t, err)

		out, err := gbk.Execute(ctx, []Element[KV[string, int]]{
			NewElement(KV[string, int]{"k", 1}, base),
			NewElement(KV[string, int]{"k", 2}, base.Add(5*time.Second)),
			NewElement(KV[string, int]{"k", 3}, base.Add(30*time.Second)),
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, len(out))

		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
		assert.Equal(t, []int{1, 2}, groupValues(t, out[0].Value.Value))
		assert.Equal(t, []int{3}, groupValues(t, out[1].Value.Value))

		// First session spans both elements plus the gap.
		w0 := out[0].Windows[0].(window.IntervalWindow)
		assert.Equal(t, base.UnixMilli(), w0.Start)
		assert.Equal(t, base.Add(15*time.Second).UnixMilli(), w0.End)
	})

	t.Run("merge during firing pauses and resumes", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Unbounded,
			window.Strategy{Fn: window.Sessions(10 * time.Second), Trigger: window.AfterCount(1), Mode: window.Accumulating},
			coders.String())
		assert.NoError(t, err)

		eng := gbk.NewEngine()

		// Two disjoint sessions, each fired once.
		out1, err := eng.Add(ctx, NewElement(KV[string, int]{"k", 1}, base))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out1))
		out2, err := eng.Add(ctx, NewElement(KV[string, int]{"k", 2}, base.Add(20*time.Second)))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out2))

		// The bridging element merges them; the merged window resumes firing
		// with the pane index continuing past the highest seen.
		out3, err := eng.Add(ctx, NewElement(KV[string, int]{"k", 3}, base.Add(8*time.Second)))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out3))
		assert.Equal(t, []int{1, 2, 3}, groupValues(t, out3[0].Value.Value))
		assert.True(t, out3[0].Pane.Index >= 1)
		assert.False(t, out3[0].Pane.IsFirst)

		merged := out3[0].Windows[0].(window.IntervalWindow)
		assert.Equal(t, base.UnixMilli(), merged.Start)
		assert.Equal(t, base.Add(30*time.Second).UnixMilli(), merged.End)
	})

	t.Run("merge keeps discarding panes disjoint", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Unbounded,
			window.Strategy{Fn: window.Sessions(10 * time.Second), Trigger: window.AfterCount(2), Mode: window.Discarding},
			coders.String())
		assert.NoError(t, err)

		eng := gbk.NewEngine()

		// First session fires a pane, second accumulates without firing.
		_, err = eng.Add(ctx, NewElement(KV[string, int]{"k", 1}, base))
		assert.NoError(t, err)
		out1, err := eng.Add(ctx, NewElement(KV[string, int]{"k", 2}, base.Add(5*time.Second)))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out1))
		assert.Equal(t, []int{1, 2}, groupValues(t, out1[0].Value.Value))

		_, err = eng.Add(ctx, NewElement(KV[string, int]{"k", 3}, base.Add(20*time.Second)))
		assert.NoError(t, err)

		// The bridging element merges fired and unfired state. The next pane
		// must hold exactly the values not yet emitted, whichever window the
		// merge picked as its base.
		out2, err := eng.Add(ctx, NewElement(KV[string, int]{"k", 4}, base.Add(12*time.Second)))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(out2))
		assert.Equal(t, []int{3, 4}, groupValues(t, out2[0].Value.Value))

		// Everything has been emitted; close produces no residue pane.
		final, err := eng.Close(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 0, len(final))
	})
}

func TestGroupByKeyLateness(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("late data within lateness fires a late pane", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Unbounded,
			window.Strategy{Fn: window.FixedWindows(time.Minute), AllowedLateness: time.Minute},
			coders.String())
		assert.NoError(t, err)

		eng := gbk.NewEngine()
		_, err = eng.Add(ctx, NewElement(KV[string, int]{"k", 1}, base))
		assert.NoError(t, err)

		// Watermark passes the window end: on-time pane.
		onTime, err := eng.AdvanceWatermark(ctx, base.Add(61*time.Second))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(onTime))
		assert.Equal(t, window.TimingOnTime, onTime[0].Pane.Timing)

		// A late element within allowed lateness fires a late pane.
		late, err := eng.Add(ctx, NewElement(KV[string, int]{"k", 2}, base.Add(30*time.Second)))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(late))
		assert.Equal(t, window.TimingLate, late[0].Pane.Timing)
		assert.Equal(t, int64(1), late[0].Pane.Index)
	})

	t.Run("data beyond allowed lateness is dropped", func(t *testing.T) {
		gbk, err := NewGroupByKey[string, int]("group", Unbounded,
			window.Strategy{Fn: window.FixedWindows(time.Minute)},
			coders.String())
		assert.NoError(t, err)

		eng := gbk.NewEngine()
		_, err = eng.Add(ctx, NewElement(KV[string, int]{"k", 1}, base))
		assert.NoError(t, err)

		_, err = eng.AdvanceWatermark(ctx, base.Add(2*time.Minute))
		assert.NoError(t, err)

		dropped, err := eng.Add(ctx, NewElement(KV[string, int]{"k", 2}, base.Add(10*time.Second)))
		assert.NoError(t, err)
		assert.Equal(t, 0, len(dropped))

		final, err := eng.Close(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 0, len(final))
	})
}

func TestGroupByKeySpill(t *testing.T) {
	gbk, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), coders.String())
	assert.NoError(t, err)
	gbk.EnableSpill(MemoryStoreBuilder, coders.VarInt[int](), 3)

	out, err := gbk.Execute(context.Background(), KVElements(
		KV[string, int]{"big", 1}, KV[string, int]{"big", 2},
		KV[string, int]{"big", 3}, KV[string, int]{"big", 4},
		KV[string, int]{"small", 9},
	))
	assert.NoError(t, err)
	assert.Equal(t, 2, len(out))

	byKey := map[string]*Group[int]{}
	for _, elem := range out {
		byKey[elem.Value.Key] = elem.Value.Value
	}

	// The large group went through the store; values decode back intact and
	// re-iteration still works.
	big := byKey["big"]
	assert.Equal(t, 4, big.Len())
	for pass := 0; pass < 3; pass++ {
		assert.Equal(t, []int{1, 2, 3, 4}, groupValues(t, big))
	}
	assert.Equal(t, []int{9}, groupValues(t, byKey["small"]))
}

func TestGroupByKeyEncodedKeyBucketing(t *testing.T) {
	// Two distinct string values with equal bytes must land in one bucket
	// regardless of how the strings were built.
	gbk, err := NewGroupByKey[string, int]("group", Bounded, window.DefaultStrategy(), coders.String())
	assert.NoError(t, err)

	k1 := "ab"
	k2 := strings.Join([]string{"a", "b"}, "")

	out, err := gbk.Execute(context.Background(), KVElements(
		KV[string, int]{k1, 1}, KV[string, int]{k2, 2},
	))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(out))
	assert.Equal(t, []int{1, 2}, groupValues(t, out[0].Value.Value))
}
