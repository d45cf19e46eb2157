package ptrig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ubx-rt/ubxkernel/internal/arena"
	"github.com/ubx-rt/ubxkernel/internal/kernel"
	"github.com/ubx-rt/ubxkernel/internal/ring"
	"github.com/ubx-rt/ubxkernel/internal/trigger"
)

func newCountingChain(t *testing.T, name string) (*trigger.Chain, *int) {
	count := 0
	proto := kernel.NewPrototype(name, kernel.Computation, "", kernel.Hooks{
		Step: func(b *kernel.Block) error { count++; return nil },
	})
	node := kernel.NewNode("n_" + name)
	require.NoError(t, node.RegisterPrototype(proto))
	inst, err := node.BlockCreate(name, name+"_0")
	require.NoError(t, err)
	require.NoError(t, node.BlockInit(inst))
	require.NoError(t, node.BlockStart(inst))

	entry := trigger.NewEntry(inst, 1, 1)
	chain := trigger.New(trigger.Config{ID: name, Mode: trigger.Disabled}, []*trigger.Entry{entry})
	return chain, &count
}

func TestStartStopTicks(t *testing.T) {
	chain, count := newCountingChain(t, "pt1")
	p := New(Config{Name: "pt1", Period: 5 * time.Millisecond, Chains: []*trigger.Chain{chain}})
	require.NoError(t, p.Init())
	require.NoError(t, p.Start())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, p.Stop())
	time.Sleep(10 * time.Millisecond)
	stopped := *count
	require.Greater(t, stopped, 0)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, stopped, *count) // no further ticks once stopped

	require.NoError(t, p.Cleanup())
}

func TestActiveChainSwitch(t *testing.T) {
	chainA, countA := newCountingChain(t, "chainA")
	chainB, countB := newCountingChain(t, "chainB")
	p := New(Config{Name: "pt2", Period: 5 * time.Millisecond, Chains: []*trigger.Chain{chainA, chainB}})
	require.NoError(t, p.Init())
	p.SetActiveChain(1)
	require.NoError(t, p.Start())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Cleanup())

	require.Equal(t, 0, *countA)
	require.Greater(t, *countB, 0)
}

// TestNewBlockActiveChainPort drives PeriodicTrigger through NewBlock's
// kernel.Block wrapping end to end: a ring interaction feeds the
// active_chain input port, and the worker polls it once per cycle, the
// same way a connected selector block would in a real node (spec.md
// Scenario E, against the kernel-wired port rather than a direct
// SetActiveChain call).
func TestNewBlockActiveChainPort(t *testing.T) {
	node := kernel.NewNode("nb")
	int32Type := &kernel.TypeDescriptor{Name: "int32", Size: 4, Class: kernel.Basic}
	require.NoError(t, node.TypeRegister(int32Type))

	chainA, countA := newCountingChain(t, "nbA")
	chainB, countB := newCountingChain(t, "nbB")
	p := New(Config{Name: "nb", Period: 5 * time.Millisecond, Chains: []*trigger.Chain{chainA, chainB}})

	require.NoError(t, node.RegisterPrototype(NewBlock("periodic_trigger", node, p, int32Type)))
	ptBlock, err := node.BlockCreate("periodic_trigger", "pt_0")
	require.NoError(t, err)
	require.NoError(t, node.BlockInit(ptBlock))

	selRing := ring.New(int32Type, 4, 1, ring.DropNew)
	require.NoError(t, node.RegisterPrototype(ring.NewBlock("sel_ring", selRing, int32Type)))
	selBlock, err := node.BlockCreate("sel_ring", "sel_0")
	require.NoError(t, err)
	require.NoError(t, node.BlockInit(selBlock))
	require.NoError(t, node.BlockStart(selBlock))

	activePort := ptBlock.Port("active_chain")
	require.NotNil(t, activePort)
	require.NoError(t, activePort.ConnectIn(selBlock))

	mem := arena.NewDefault()
	writeIdx := func(idx int32) {
		v, err := kernel.NewValue(mem, int32Type, 1)
		require.NoError(t, err)
		encodeInt32(v.Bytes(), idx)
		require.NoError(t, selRing.Write(v))
	}

	// Select chain 1 before the worker ever polls the port.
	writeIdx(1)
	require.NoError(t, node.BlockStart(ptBlock))

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, node.BlockStop(ptBlock))
	require.NoError(t, node.BlockCleanup(ptBlock))

	require.Equal(t, 0, *countA)
	require.Greater(t, *countB, 0)
}
