package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(name string) *Node {
	return NewNode(name)
}

func counterType() *TypeDescriptor {
	return &TypeDescriptor{Name: "uint64", Size: 8, Class: Basic}
}

func countingModule(id string, counterT *TypeDescriptor) *Module {
	return &Module{
		ID: id,
		Init: func(node *Node) error {
			proto := NewPrototype(id, Computation, "", Hooks{
				Step: func(b *Block) error { return nil },
			})
			proto.AddPort("out", "", DirOut, "", counterT.Name, 0, 1)
			return node.RegisterPrototype(proto)
		},
	}
}

func TestNode_ModuleLoad_DuplicateRejected(t *testing.T) {
	n := newTestNode("n")
	ct := counterType()
	require.NoError(t, n.TypeRegister(ct))

	m := countingModule("mod.a", ct)
	require.NoError(t, n.ModuleLoad(m))

	err := n.ModuleLoad(countingModule("mod.a", ct))
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KindAlreadyRegistered, kerr.Kind)
}

func TestNode_ModuleLoad_MissingDependencyRolledBack(t *testing.T) {
	n := newTestNode("n")
	ct := counterType()
	require.NoError(t, n.TypeRegister(ct))

	m := countingModule("mod.b", ct)
	m.Dependencies = []DependencySpec{{ModuleID: "mod.missing"}}

	err := n.ModuleLoad(m)
	require.Error(t, err)

	// The failed load must leave no trace: mod.b's block never registers.
	_, err = n.BlockGet("mod.b")
	require.Error(t, err)
}

func TestNode_BlockCreate_RejectsNonPrototypeSource(t *testing.T) {
	n := newTestNode("n")
	ct := counterType()
	require.NoError(t, n.TypeRegister(ct))
	require.NoError(t, n.ModuleLoad(countingModule("mod.c", ct)))

	inst, err := n.BlockCreate("mod.c", "inst1")
	require.NoError(t, err)

	_, err = n.BlockCreate("inst1", "inst2")
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KindInvalidBlock, kerr.Kind)
	assert.NotNil(t, inst)
}

func TestNode_ConfigAdd_RejectsUnknownType(t *testing.T) {
	n := newTestNode("n")
	ct := counterType()
	require.NoError(t, n.TypeRegister(ct))
	require.NoError(t, n.ModuleLoad(countingModule("mod.d", ct)))

	inst, err := n.BlockCreate("mod.d", "inst1")
	require.NoError(t, err)

	_, err = n.ConfigAdd(inst, "threshold", "no-such-type", 1, 1)
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KindInvalidType, kerr.Kind)
}

func TestNode_ConfigAdd_RejectsDuplicateName(t *testing.T) {
	n := newTestNode("n")
	ct := counterType()
	require.NoError(t, n.TypeRegister(ct))
	require.NoError(t, n.ModuleLoad(countingModule("mod.e", ct)))

	inst, err := n.BlockCreate("mod.e", "inst1")
	require.NoError(t, err)

	_, err = n.ConfigAdd(inst, "threshold", "uint64", 1, 1)
	require.NoError(t, err)

	_, err = n.ConfigAdd(inst, "threshold", "uint64", 1, 1)
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KindEntityExists, kerr.Kind)
}

func TestNode_BlockRm_RequiresPreinit(t *testing.T) {
	n := newTestNode("n")
	ct := counterType()
	require.NoError(t, n.TypeRegister(ct))
	require.NoError(t, n.ModuleLoad(countingModule("mod.f", ct)))

	inst, err := n.BlockCreate("mod.f", "inst1")
	require.NoError(t, err)
	require.NoError(t, n.BlockInit(inst))
	require.NoError(t, n.BlockStart(inst))

	err = n.BlockRm("inst1")
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KindWrongState, kerr.Kind)

	require.NoError(t, n.BlockStop(inst))
	require.NoError(t, n.BlockCleanup(inst))
	require.NoError(t, n.BlockRm("inst1"))
}

func TestNode_Cleanup_TearsDownInOrder(t *testing.T) {
	n := newTestNode("n")
	ct := counterType()
	require.NoError(t, n.TypeRegister(ct))
	require.NoError(t, n.ModuleLoad(countingModule("mod.g", ct)))

	a, err := n.BlockCreate("mod.g", "a")
	require.NoError(t, err)
	require.NoError(t, n.BlockInit(a))
	require.NoError(t, n.BlockStart(a))

	b, err := n.BlockCreate("mod.g", "b")
	require.NoError(t, err)
	require.NoError(t, n.BlockInit(b))
	// b left Inactive on purpose.

	n.Cleanup()

	_, err = n.BlockGet("a")
	assert.Error(t, err)
	_, err = n.BlockGet("b")
	assert.Error(t, err)
	// The prototype itself is removed too, along with the module.
	_, err = n.BlockGet("mod.g")
	assert.Error(t, err)
}
