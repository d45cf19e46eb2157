// Package kernel implements the reflective kernel and its port
// transfer & interaction binding: the node registry, block/port/config/
// type model, lifecycle state machine, and the write/read dispatch
// across interaction bindings.
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ubx-rt/ubxkernel/internal/arena"
	"github.com/ubx-rt/ubxkernel/internal/log"
)

// Node is a process-scoped registry of loaded modules, registered
// types, and registered blocks (prototypes and instances both).
type Node struct {
	Name string
	Log  *log.Logger
	Mem  *arena.Arena

	mu      sync.RWMutex
	types   *typeTable
	modules map[string]*Module
	modOrd  []string // registration order, for reverse-order unload
	blocks  map[string]*Block
	blkOrd  []string
}

// NewNode creates a fresh, empty node. name must be unique per process;
// enforcing that uniqueness is left to the host, not tracked here.
func NewNode(name string) *Node {
	return &Node{
		Name:    name,
		Log:     log.Default(name),
		Mem:     arena.NewDefault(),
		types:   newTypeTable(),
		modules: make(map[string]*Module),
		blocks:  make(map[string]*Block),
	}
}

// --- Types -----------------------------------------------------------

// TypeRegister registers t in the node, assigning its hash and seqid.
func (n *Node) TypeRegister(t *TypeDescriptor) error {
	return n.types.register(t)
}

// TypeUnregister removes a type by name; fails with KindInvalidType if
// any live block still references it.
func (n *Node) TypeUnregister(name string) error {
	return n.types.unregister(name)
}

// TypeGet resolves a type by name.
func (n *Node) TypeGet(name string) (*TypeDescriptor, bool) {
	return n.types.lookup(name)
}

// TypeList returns all registered types in registration order.
func (n *Node) TypeList() []*TypeDescriptor {
	return n.types.list()
}

// --- Modules -----------------------------------------------------------

// ModuleLoad registers m with the node: dependency versions are checked
// (a module whose dependency is missing or version-incompatible is
// rejected before Init runs), then its Init hook is called. If Init
// fails, anything it registered must be rolled back by the caller's
// Cleanup — this implementation calls Cleanup immediately so the node
// is left unchanged.
func (n *Node) ModuleLoad(m *Module) error {
	n.mu.Lock()
	if _, exists := n.modules[m.ID]; exists {
		n.mu.Unlock()
		return newErr("module_load", KindAlreadyRegistered, fmt.Errorf("module %q", m.ID))
	}
	// Validate dependencies against what's already loaded.
	for _, dep := range m.Dependencies {
		dm, ok := n.modules[dep.ModuleID]
		if !ok {
			if dep.Optional {
				continue
			}
			n.mu.Unlock()
			return newErr("module_load", KindModuleInitFailed, fmt.Errorf("module %q requires %q", m.ID, dep.ModuleID))
		}
		if !versionInRange(dm.Version, dep.MinVer, dep.MaxVer) {
			n.mu.Unlock()
			return newErr("module_load", KindModuleInitFailed, fmt.Errorf("module %q: incompatible %q version %s", m.ID, dep.ModuleID, dm.Version))
		}
	}
	n.modules[m.ID] = m
	n.modOrd = append(n.modOrd, m.ID)
	n.mu.Unlock()

	if m.Init == nil {
		return newErr("module_load", KindMissingInitSymbol, fmt.Errorf("module %q has no Init", m.ID))
	}
	if err := m.Init(n); err != nil {
		if m.Cleanup != nil {
			m.Cleanup(n)
		}
		n.mu.Lock()
		delete(n.modules, m.ID)
		n.modOrd = removeString(n.modOrd, m.ID)
		n.mu.Unlock()
		return newErr("module_load", KindModuleInitFailed, err)
	}
	return nil
}

// ModuleUnload calls the module's Cleanup hook and deregisters it.
func (n *Node) ModuleUnload(id string) error {
	n.mu.Lock()
	m, ok := n.modules[id]
	if !ok {
		n.mu.Unlock()
		return newErr("module_unload", KindNoSuchEntity, fmt.Errorf("module %q", id))
	}
	delete(n.modules, id)
	n.modOrd = removeString(n.modOrd, id)
	n.mu.Unlock()

	if m.Cleanup != nil {
		m.Cleanup(n)
	}
	return nil
}

// ModuleDependencyOrder returns currently-loaded module IDs in
// dependency order (leaves first) — exposed for hosts that want to
// sanity-check their load plan; ModuleLoad itself enforces
// dependencies incrementally rather than requiring a precomputed order.
func (n *Node) ModuleDependencyOrder() ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return dependencyOrder(n.modules)
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// --- Blocks ------------------------------------------------------------

// RegisterPrototype makes proto available to BlockCreate under
// proto.Name. Every port's declared type name must already resolve in
// the node's type table.
func (n *Node) RegisterPrototype(proto *Block) error {
	for _, p := range proto.Ports {
		if err := p.resolve(n.types); err != nil {
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.blocks[proto.Name]; exists {
		return newErr("block_register", KindEntityExists, fmt.Errorf("prototype %q", proto.Name))
	}
	n.blocks[proto.Name] = proto
	n.blkOrd = append(n.blkOrd, proto.Name)
	return nil
}

// BlockCreate clones proto_name into a new Preinit instance named
// instance_name. Every cloned port's resolved type must equal
// the type named in its declaration; since clone()
// copies the already-resolved prototype's declared names, resolution
// is repeated here so a type re-registered between prototype
// registration and this call is picked up.
func (n *Node) BlockCreate(protoName, instanceName string) (*Block, error) {
	n.mu.Lock()
	proto, ok := n.blocks[protoName]
	if !ok {
		n.mu.Unlock()
		return nil, newErr("block_create", KindNoSuchEntity, fmt.Errorf("prototype %q", protoName))
	}
	if proto.Prototype != "" {
		n.mu.Unlock()
		return nil, newErr("block_create", KindInvalidBlock, fmt.Errorf("%q is an instance, not a prototype", protoName))
	}
	if _, exists := n.blocks[instanceName]; exists {
		n.mu.Unlock()
		return nil, newErr("block_create", KindEntityExists, fmt.Errorf("instance %q", instanceName))
	}
	n.mu.Unlock()

	inst := proto.clone(instanceName)
	for _, p := range inst.Ports {
		if err := p.resolve(n.types); err != nil {
			return nil, newErr("block_create", KindInvalidType, err)
		}
		if p.InTypeName != "" {
			n.types.retain(p.InTypeName)
		}
		if p.OutTypeName != "" {
			n.types.retain(p.OutTypeName)
		}
	}
	inst.node = n

	n.mu.Lock()
	n.blocks[instanceName] = inst
	n.blkOrd = append(n.blkOrd, instanceName)
	n.mu.Unlock()
	return inst, nil
}

// ConfigAdd adds a config slot to an instance (not a prototype), either
// at construction time or dynamically during Init. type_name
// must already be registered.
func (n *Node) ConfigAdd(b *Block, name, typeName string, min, max int) (*Config, error) {
	if b.Prototype == "" {
		return nil, newErr("config_add", KindInvalidBlockType, fmt.Errorf("block %q is a prototype", b.Name))
	}
	if b.Config(name) != nil {
		return nil, newErr("config_add", KindEntityExists, fmt.Errorf("config %q on block %q", name, b.Name))
	}
	if _, ok := n.types.lookup(typeName); !ok {
		return nil, newErr("config_add", KindInvalidType, fmt.Errorf("type %q", typeName))
	}
	c := newConfig(name, "", typeName, min, max)
	c.Flags |= FlagDynamic
	b.Configs = append(b.Configs, c)
	return c, nil
}

// checkConfigs walks every declared config on b and enforces its
// min/max length bound.
func (n *Node) checkConfigs(b *Block) error {
	for _, c := range b.Configs {
		if err := c.checkBounds(); err != nil {
			return err
		}
	}
	return nil
}

// BlockInit validates configs then calls Block.Init.
func (n *Node) BlockInit(b *Block) error {
	if err := n.checkConfigs(b); err != nil {
		return err
	}
	return b.Init()
}

func (n *Node) BlockStart(b *Block) error { return b.Start() }
func (n *Node) BlockStop(b *Block) error  { return b.Stop() }

// BlockCleanup runs the block's Cleanup hook and releases its type
// refcounts.
func (n *Node) BlockCleanup(b *Block) error {
	if err := b.Cleanup(); err != nil {
		return err
	}
	for _, p := range b.Ports {
		if p.InTypeName != "" {
			n.types.release(p.InTypeName)
		}
		if p.OutTypeName != "" {
			n.types.release(p.OutTypeName)
		}
	}
	return nil
}

// BlockRm removes a Preinit, non-prototype block from the node.
func (n *Node) BlockRm(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.blocks[name]
	if !ok {
		return newErr("block_rm", KindNoSuchEntity, fmt.Errorf("block %q", name))
	}
	if b.Prototype == "" {
		return newErr("block_rm", KindInvalidBlock, fmt.Errorf("block %q is a prototype", name))
	}
	if b.State() != Preinit {
		return newErr("block_rm", KindWrongState, fmt.Errorf("block %q not in Preinit", name))
	}
	delete(n.blocks, name)
	n.blkOrd = removeString(n.blkOrd, name)
	return nil
}

// BlockGet looks up a block (prototype or instance) by name.
func (n *Node) BlockGet(name string) (*Block, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	b, ok := n.blocks[name]
	if !ok {
		return nil, newErr("block_get", KindNoSuchEntity, fmt.Errorf("block %q", name))
	}
	return b, nil
}

// Blocks returns all blocks (prototypes and instances) in registration
// order.
func (n *Node) Blocks() []*Block {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Block, 0, len(n.blkOrd))
	for _, name := range n.blkOrd {
		out = append(out, n.blocks[name])
	}
	return out
}

// Cleanup tears the node down in order:
//  1. stop every Active block
//  2. cleanup every Inactive block
//  3. remove every non-prototype block left in Preinit
//  4. unload every module in reverse-registration order
//
// Anything left after step 4 is logged as a warning — a module-cleanup
// bug, not a fatal condition — and then dropped from the node's block
// and module registries, so the node ends up with no blocks and no
// modules.
func (n *Node) Cleanup() {
	for _, b := range n.Blocks() {
		if b.State() == Active {
			if err := n.BlockStop(b); err != nil {
				n.Log.Warn("stop failed during node cleanup", log.String("block", b.Name), log.Err(err))
			}
		}
	}
	for _, b := range n.Blocks() {
		if b.State() == Inactive {
			if err := n.BlockCleanup(b); err != nil {
				n.Log.Warn("cleanup failed during node cleanup", log.String("block", b.Name), log.Err(err))
			}
		}
	}
	for _, b := range n.Blocks() {
		if b.Prototype != "" && b.State() == Preinit {
			if err := n.BlockRm(b.Name); err != nil {
				n.Log.Warn("rm failed during node cleanup", log.String("block", b.Name), log.Err(err))
			}
		}
	}

	n.mu.RLock()
	ids := make([]string, len(n.modOrd))
	copy(ids, n.modOrd)
	n.mu.RUnlock()
	for i := len(ids) - 1; i >= 0; i-- {
		if err := n.ModuleUnload(ids[i]); err != nil {
			n.Log.Warn("module unload failed during node cleanup", log.String("module", ids[i]), log.Err(err))
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.blocks) > 0 || len(n.modules) > 0 {
		leftover := make([]string, 0, len(n.blocks))
		for name := range n.blocks {
			leftover = append(leftover, name)
		}
		sort.Strings(leftover)
		n.Log.Warn("node cleanup left residue", log.Any("blocks", leftover), log.Int("modules", len(n.modules)))
		n.blocks = make(map[string]*Block)
		n.blkOrd = nil
		n.modules = make(map[string]*Module)
		n.modOrd = nil
	}
}
