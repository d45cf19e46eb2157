package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubx-rt/ubxkernel/internal/arena"
)

func newBindTestNode(t *testing.T) (*Node, *arena.Arena, *TypeDescriptor) {
	t.Helper()
	n := NewNode("bind-test")
	typ := &TypeDescriptor{Name: "double", Size: 8, Class: Basic}
	require.NoError(t, n.TypeRegister(typ))
	return n, arena.NewDefault(), typ
}

// sinkInteraction records every value it's written and, when armed,
// yields one queued value back on Read.
func sinkInteraction(n *Node, name string, typ *TypeDescriptor) (*Block, *[]*Value) {
	received := make([]*Value, 0)
	proto := NewPrototype(name, KindInteraction, "", Hooks{
		Write: func(_ *Block, v *Value) error {
			received = append(received, v)
			return nil
		},
		Read: func(_ *Block) (*Value, bool, error) {
			if len(received) == 0 {
				return nil, false, nil
			}
			v := received[0]
			received = received[1:]
			return v, true, nil
		},
	})
	proto.AddPort("dummy", "", DirOut, "", typ.Name, 0, 1)
	return proto, &received
}

func TestPort_WriteOut_TypeMismatchBlocksAllDispatch(t *testing.T) {
	n, mem, typ := newBindTestNode(t)
	otherType := &TypeDescriptor{Name: "uint64", Size: 8, Class: Basic}
	require.NoError(t, n.TypeRegister(otherType))

	src := NewPrototype("src", Computation, "", Hooks{})
	require.NoError(t, n.RegisterPrototype(src))
	srcInst, err := n.BlockCreate("src", "src1")
	require.NoError(t, err)
	port := srcInst.AddPort("out", "", DirOut, "", typ.Name, 0, 1)
	require.NoError(t, port.resolve(n.types))

	iface, _ := sinkInteraction(n, "sink1", typ)
	require.NoError(t, n.RegisterPrototype(iface))
	inst, err := n.BlockCreate("sink1", "sink1a")
	require.NoError(t, err)
	require.NoError(t, port.ConnectOut(inst))

	v, err := NewValue(mem, otherType, 1)
	require.NoError(t, err)

	err = port.WriteOut(v)
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KindTypeMismatch, kerr.Kind)
	assert.Equal(t, uint64(0), port.writes.Load())
}

func TestPort_WriteOut_MultiplexesToEveryActiveBinding(t *testing.T) {
	n, mem, typ := newBindTestNode(t)

	src := NewPrototype("src2", Computation, "", Hooks{})
	require.NoError(t, n.RegisterPrototype(src))
	srcInst, err := n.BlockCreate("src2", "src2a")
	require.NoError(t, err)
	port := srcInst.AddPort("out", "", DirOut, "", typ.Name, 0, 1)
	require.NoError(t, port.resolve(n.types))

	iface1, recv1 := sinkInteraction(n, "sinkA", typ)
	require.NoError(t, n.RegisterPrototype(iface1))
	instA, err := n.BlockCreate("sinkA", "sinkA1")
	require.NoError(t, err)
	require.NoError(t, n.BlockInit(instA))
	require.NoError(t, n.BlockStart(instA))

	iface2, recv2 := sinkInteraction(n, "sinkB", typ)
	require.NoError(t, n.RegisterPrototype(iface2))
	instB, err := n.BlockCreate("sinkB", "sinkB1")
	require.NoError(t, err)
	// instB stays Preinit: an inactive binding must be skipped.

	require.NoError(t, port.ConnectOut(instA))
	require.NoError(t, port.ConnectOut(instB))

	v, err := NewValue(mem, typ, 1)
	require.NoError(t, err)
	require.NoError(t, port.WriteOut(v))

	assert.Len(t, *recv1, 1)
	assert.Len(t, *recv2, 0)
	assert.Equal(t, uint64(1), port.writes.Load())
}

func TestPort_ReadIn_FirstActiveBindingWins(t *testing.T) {
	n, mem, typ := newBindTestNode(t)

	dst := NewPrototype("dst", Computation, "", Hooks{})
	require.NoError(t, n.RegisterPrototype(dst))
	dstInst, err := n.BlockCreate("dst", "dst1")
	require.NoError(t, err)
	port := dstInst.AddPort("in", typ.Name, DirIn, typ.Name, "", 1, 0)
	require.NoError(t, port.resolve(n.types))

	iface1, recv1 := sinkInteraction(n, "srcA", typ)
	require.NoError(t, n.RegisterPrototype(iface1))
	instA, err := n.BlockCreate("srcA", "srcA1")
	require.NoError(t, err)
	// Left Preinit on purpose: first-in-line but inactive, must be skipped.

	iface2, recv2 := sinkInteraction(n, "srcB", typ)
	require.NoError(t, n.RegisterPrototype(iface2))
	instB, err := n.BlockCreate("srcB", "srcB1")
	require.NoError(t, err)
	require.NoError(t, n.BlockInit(instB))
	require.NoError(t, n.BlockStart(instB))

	require.NoError(t, port.ConnectIn(instA))
	require.NoError(t, port.ConnectIn(instB))

	v, err := NewValue(mem, typ, 1)
	require.NoError(t, err)
	*recv1 = append(*recv1, v)
	*recv2 = append(*recv2, v)

	got, err := port.ReadIn()
	require.NoError(t, err)
	assert.Same(t, v, got)
	// srcA (inactive) must not have been drained.
	assert.Len(t, *recv1, 1)
	assert.Len(t, *recv2, 0)
}

func TestConnectUni_RollsBackOnSecondFailure(t *testing.T) {
	n, _, typ := newBindTestNode(t)

	src := NewPrototype("srcU", Computation, "", Hooks{})
	require.NoError(t, n.RegisterPrototype(src))
	srcInst, err := n.BlockCreate("srcU", "srcU1")
	require.NoError(t, err)
	outPort := srcInst.AddPort("out", "", DirOut, "", typ.Name, 0, 1)
	require.NoError(t, outPort.resolve(n.types))

	// inPort is declared Out-only, so ConnectIn on it must fail.
	dst := NewPrototype("dstU", Computation, "", Hooks{})
	require.NoError(t, n.RegisterPrototype(dst))
	dstInst, err := n.BlockCreate("dstU", "dstU1")
	require.NoError(t, err)
	badInPort := dstInst.AddPort("notin", "", DirOut, "", typ.Name, 0, 1)
	require.NoError(t, badInPort.resolve(n.types))

	iface, _ := sinkInteraction(n, "ifaceU", typ)
	require.NoError(t, n.RegisterPrototype(iface))
	inst, err := n.BlockCreate("ifaceU", "ifaceU1")
	require.NoError(t, err)

	err = ConnectUni(outPort, badInPort, inst)
	require.Error(t, err)
	assert.Empty(t, outPort.outBindings, "failed second leg must roll back the first")
}

func TestPort_DisconnectOut_SwapRemove(t *testing.T) {
	n, _, typ := newBindTestNode(t)

	src := NewPrototype("srcD", Computation, "", Hooks{})
	require.NoError(t, n.RegisterPrototype(src))
	srcInst, err := n.BlockCreate("srcD", "srcD1")
	require.NoError(t, err)
	port := srcInst.AddPort("out", "", DirOut, "", typ.Name, 0, 1)
	require.NoError(t, port.resolve(n.types))

	iface1, _ := sinkInteraction(n, "d1", typ)
	require.NoError(t, n.RegisterPrototype(iface1))
	inst1, err := n.BlockCreate("d1", "d1a")
	require.NoError(t, err)

	iface2, _ := sinkInteraction(n, "d2", typ)
	require.NoError(t, n.RegisterPrototype(iface2))
	inst2, err := n.BlockCreate("d2", "d2a")
	require.NoError(t, err)

	require.NoError(t, port.ConnectOut(inst1))
	require.NoError(t, port.ConnectOut(inst2))
	require.Len(t, port.outBindings, 2)

	port.DisconnectOut(inst1)
	require.Len(t, port.outBindings, 1)
	assert.Same(t, inst2.Block(), port.outBindings[0].Block())
}
