package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ubx-rt/ubxkernel/internal/kernel"
)

func newStepBlock(t *testing.T, name string, fail func() bool) *kernel.Block {
	proto := kernel.NewPrototype(name, kernel.Computation, "", kernel.Hooks{
		Step: func(b *kernel.Block) error {
			if fail != nil && fail() {
				return &kernel.Error{Kind: kernel.KindInvalidArg}
			}
			return nil
		},
	})
	node := kernel.NewNode("t_" + name)
	require.NoError(t, node.RegisterPrototype(proto))
	inst, err := node.BlockCreate(name, name+"_0")
	require.NoError(t, err)
	require.NoError(t, node.BlockInit(inst))
	require.NoError(t, node.BlockStart(inst))
	return inst
}

func TestEveryNth(t *testing.T) {
	count := 0
	b := newStepBlock(t, "every3", func() bool { count++; return false })

	entry := NewEntry(b, 1, 3)
	c := New(Config{ID: "c1", Mode: Disabled}, []*Entry{entry})

	for i := 0; i < 9; i++ {
		require.NoError(t, c.Fire())
	}
	require.Equal(t, 3, count) // fires on the 3rd, 6th, 9th
}

func TestSkipFirstExcludesFromStats(t *testing.T) {
	b := newStepBlock(t, "skipfirst", nil)
	entry := NewEntry(b, 1, 1)
	c := New(Config{ID: "c2", Mode: Global, SkipFirst: 2}, []*Entry{entry})

	require.NoError(t, c.Fire())
	require.NoError(t, c.Fire())
	stats := c.GlobalStats()
	require.Equal(t, uint64(0), stats.Count)

	require.NoError(t, c.Fire())
	stats = c.GlobalStats()
	require.Equal(t, uint64(1), stats.Count)
}

func TestFailingStepDoesNotAbortChain(t *testing.T) {
	var secondRan bool
	failing := newStepBlock(t, "failing", func() bool { return true })
	ok := newStepBlock(t, "ok", func() bool { secondRan = true; return false })

	c := New(Config{ID: "c3", Mode: Disabled}, []*Entry{
		NewEntry(failing, 1, 1),
		NewEntry(ok, 1, 1),
	})
	require.NoError(t, c.Fire())
	require.True(t, secondRan)
}

func TestNumStepsNegativeDisablesEntry(t *testing.T) {
	var ran bool
	b := newStepBlock(t, "disabled", func() bool { ran = true; return false })
	entry := NewEntry(b, -1, 1)
	c := New(Config{ID: "c4", Mode: Disabled}, []*Entry{entry})
	require.NoError(t, c.Fire())
	require.False(t, ran)
}

func TestPerBlockTracksEachEntryAndGlobal(t *testing.T) {
	var aRan, bRan bool
	a := newStepBlock(t, "pbA", func() bool { aRan = true; return false })
	b := newStepBlock(t, "pbB", func() bool { bRan = true; return false })

	c := New(Config{ID: "pb", Mode: PerBlock}, []*Entry{
		NewEntry(a, 1, 1),
		NewEntry(b, 1, 1),
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Fire())
	}
	require.True(t, aRan)
	require.True(t, bRan)

	statA, ok := c.BlockStats(0)
	require.True(t, ok)
	statB, ok := c.BlockStats(1)
	require.True(t, ok)
	require.EqualValues(t, 3, statA.Count)
	require.EqualValues(t, 3, statB.Count)
	require.EqualValues(t, 3, c.GlobalStats().Count)

	_, ok = c.BlockStats(2)
	require.False(t, ok)
}

func TestPerBlockRoundRobinCyclesThroughEntriesThenGlobal(t *testing.T) {
	a := newStepBlock(t, "rrA", nil)
	b := newStepBlock(t, "rrB", nil)
	c := New(Config{ID: "rr", Mode: PerBlock}, []*Entry{NewEntry(a, 1, 1), NewEntry(b, 1, 1)})

	require.Same(t, c.perBlock[0], c.nextRoundRobin())
	require.Same(t, c.perBlock[1], c.nextRoundRobin())
	require.Same(t, c.global, c.nextRoundRobin())
	require.Same(t, c.perBlock[0], c.nextRoundRobin()) // wraps
}

func TestTstatMinMaxMean(t *testing.T) {
	ts := newTstat("x")
	start := time.Now()
	ts.update(start, start.Add(10*time.Millisecond))
	ts.update(start, start.Add(30*time.Millisecond))
	ts.update(start, start.Add(20*time.Millisecond))
	require.Equal(t, 10*time.Millisecond, ts.Min)
	require.Equal(t, 30*time.Millisecond, ts.Max)
	require.Equal(t, 20*time.Millisecond, ts.Mean())
	require.Equal(t, uint64(3), ts.Count)
}
