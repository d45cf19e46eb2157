package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is a block instance's lifecycle state.
type State int

const (
	Preinit State = iota
	Inactive
	Active
)

var stateNames = [...]string{"Preinit", "Inactive", "Active"}

// String range-checks the index before formatting rather than
// indexing unsafely off a raw integer.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Kind distinguishes computation blocks (step) from interaction blocks
// (read/write).
type Kind int

const (
	Computation Kind = iota
	KindInteraction
)

// Hooks are the lifecycle and kind-specific function hooks a block
// prototype supplies. Exactly one of
// Step or (Read, Write) must be set, matching Kind.
type Hooks struct {
	Init    func(b *Block) error
	Start   func(b *Block) error
	Stop    func(b *Block)
	Cleanup func(b *Block)

	Step func(b *Block) error

	Read  func(b *Block) (*Value, bool, error)
	Write func(b *Block, v *Value) error
}

// Block is an instantiable unit of computation or interaction.
// A Block value is used both as a prototype (Prototype == "") and as a
// live instance (Prototype != "").
type Block struct {
	Name       string
	Prototype  string // prototype name this was cloned from; "" for prototypes themselves
	Kind       Kind
	Meta       string

	mu    sync.Mutex
	state State

	node *Node

	Ports   []*Port
	Configs []*Config

	hooks Hooks

	LogLevelOverride int // -1 means "use node default"
	IsTrigger        bool

	Private any // block-private state blob, set by Init

	stepCount  atomic.Uint64
	readCount  atomic.Uint64
	writeCount atomic.Uint64
}

// NewPrototype constructs an unregistered, unnamed-instance Block
// carrying the given schema; modules and standard block packages call
// this to build what they then pass to Node.RegisterPrototype.
func NewPrototype(name string, kind Kind, meta string, hooks Hooks) *Block {
	return newPrototype(name, kind, meta, hooks)
}

// newPrototype constructs an unregistered, unnamed-instance Block
// carrying the given schema; used by module Init hooks.
func newPrototype(name string, kind Kind, meta string, hooks Hooks) *Block {
	return &Block{
		Name:             name,
		Kind:             kind,
		Meta:             meta,
		hooks:            hooks,
		state:            Preinit,
		LogLevelOverride: -1,
	}
}

// AddPort appends a port to a prototype's schema before registration,
// or dynamically to an instance during Init.
func (b *Block) AddPort(name, doc string, dir Direction, inType, outType string, inLen, outLen uint32) *Port {
	p := newPort(b, name, doc, dir, inType, outType, inLen, outLen)
	b.Ports = append(b.Ports, p)
	return p
}

// AddConfig appends a config slot; see Node.ConfigAdd for the validated,
// post-registration entry point blocks and callers should use instead.
func (b *Block) AddConfig(name, doc, typeName string, min, max int) *Config {
	c := newConfig(name, doc, typeName, min, max)
	b.Configs = append(b.Configs, c)
	return c
}

func (b *Block) Port(name string) *Port {
	for _, p := range b.Ports {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (b *Block) Config(name string) *Config {
	for _, c := range b.Configs {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (b *Block) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Block) Block() *Block { return b }

func (b *Block) StepCount() uint64  { return b.stepCount.Load() }
func (b *Block) ReadCount() uint64  { return b.readCount.Load() }
func (b *Block) WriteCount() uint64 { return b.writeCount.Load() }

// clone produces a fresh Preinit instance from a prototype: ports and
// configs are rebuilt (not memcpy'd); hooks and
// metadata are shared by value since they're immutable function
// pointers/strings.
func (proto *Block) clone(instanceName string) *Block {
	inst := &Block{
		Name:             instanceName,
		Prototype:        proto.Name,
		Kind:             proto.Kind,
		Meta:             proto.Meta,
		hooks:            proto.hooks,
		state:            Preinit,
		LogLevelOverride: -1,
		IsTrigger:        proto.IsTrigger,
	}
	for _, p := range proto.Ports {
		inst.Ports = append(inst.Ports, p.clone(inst))
	}
	for _, c := range proto.Configs {
		inst.Configs = append(inst.Configs, c.clone())
	}
	return inst
}

// transition enforces the strict line-graph rule of the "Block state
// transitions": on success the state advances exactly one step; on
// failure the state is unchanged. want is the required predecessor
// state.
func (b *Block) transition(op string, want, next State, hook func() error) error {
	b.mu.Lock()
	if b.state != want {
		cur := b.state
		b.mu.Unlock()
		return newErr(op, KindWrongState, fmt.Errorf("block %q: need state %s, have %s", b.Name, want, cur))
	}
	b.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.state = next
	b.mu.Unlock()
	return nil
}

// Init runs the Init hook (after config bounds are checked by the
// caller, Node.BlockInit) and advances Preinit -> Inactive.
func (b *Block) Init() error {
	return b.transition("block_init", Preinit, Inactive, func() error {
		if b.hooks.Init != nil {
			return b.hooks.Init(b)
		}
		return nil
	})
}

// Start advances Inactive -> Active.
func (b *Block) Start() error {
	return b.transition("block_start", Inactive, Active, func() error {
		if b.hooks.Start != nil {
			return b.hooks.Start(b)
		}
		return nil
	})
}

// Stop advances Active -> Inactive.
func (b *Block) Stop() error {
	return b.transition("block_stop", Active, Inactive, func() error {
		if b.hooks.Stop != nil {
			b.hooks.Stop(b)
		}
		return nil
	})
}

// Cleanup advances Inactive -> Preinit.
func (b *Block) Cleanup() error {
	return b.transition("block_cleanup", Inactive, Preinit, func() error {
		if b.hooks.Cleanup != nil {
			b.hooks.Cleanup(b)
		}
		return nil
	})
}

// Step invokes the computation hook if the block is Active, counting
// successful invocations. Returns WrongState if the
// block is not Active — the trigger chain engine treats that as a
// per-step failure to log and continue past, not a reason to abort.
func (b *Block) Step() error {
	if b.Kind != Computation {
		return newErr("block_step", KindInvalidBlockType, fmt.Errorf("block %q is not a computation block", b.Name))
	}
	if b.State() != Active {
		return newErr("block_step", KindWrongState, fmt.Errorf("block %q not active", b.Name))
	}
	if b.hooks.Step == nil {
		return nil
	}
	if err := b.hooks.Step(b); err != nil {
		return err
	}
	b.stepCount.Add(1)
	return nil
}

// Write implements Interaction.Write for interaction blocks.
func (b *Block) Write(v *Value) error {
	if b.Kind != KindInteraction || b.hooks.Write == nil {
		return newErr("block_write", KindInvalidBlockType, fmt.Errorf("block %q is not a writable interaction", b.Name))
	}
	if err := b.hooks.Write(b, v); err != nil {
		return err
	}
	b.writeCount.Add(1)
	return nil
}

// Read implements Interaction.Read for interaction blocks.
func (b *Block) Read() (*Value, bool, error) {
	if b.Kind != KindInteraction || b.hooks.Read == nil {
		return nil, false, newErr("block_read", KindInvalidBlockType, fmt.Errorf("block %q is not a readable interaction", b.Name))
	}
	v, ok, err := b.hooks.Read(b)
	if err != nil {
		return nil, false, err
	}
	if ok {
		b.readCount.Add(1)
	}
	return v, ok, nil
}
