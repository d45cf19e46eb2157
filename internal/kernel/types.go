package kernel

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"google.golang.org/protobuf/encoding/protowire"
)

// TypeClass tags how a type's bytes must be interpreted.
type TypeClass int

const (
	// Basic is a scalar (int32, float64, ...).
	Basic TypeClass = iota
	// Struct is a plain fixed-layout aggregate.
	Struct
	// Custom needs bespoke (de)serialization described by SchemaHex.
	Custom
)

func (c TypeClass) String() string {
	switch c {
	case Basic:
		return "Basic"
	case Struct:
		return "Struct"
	case Custom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// TypeDescriptor is a process-wide immutable record identified by name.
// Size/Class/SchemaHex/Hash never change after registration; SeqID
// orders types for external introspection.
type TypeDescriptor struct {
	Name      string
	Size      uint32
	Class     TypeClass
	SchemaHex string
	Hash      [16]byte
	SeqID     uint64

	refcount int32 // guarded by the owning Node's mutex
}

// hashName derives the type's 16-byte content hash deterministically
// from its name with MD5; this is not a security hash, just a
// fixed-width deterministic digest, so the standard library
// implementation is used directly rather than adding a third-party
// hashing dependency (see DESIGN.md).
func hashName(name string) [16]byte {
	return md5.Sum([]byte(name))
}

// encodeStructSchema builds the Custom-class schema blob: a small
// protobuf-wire-format record (field 1 = name, field 2 = size) built
// with the low-level protowire primitives rather than a generated
// message type, since no .proto/generated code ships with this module.
func encodeStructSchema(name string, size uint32) string {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, name)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(size))
	return hex.EncodeToString(buf)
}

// typeTable is the node's type registry: an insertion-ordered map
// guarded by one mutex, with a bloom filter fronting membership checks
// so an unresolved port-type lookup (common during module reload races)
// doesn't always pay for a map probe under lock — adapted from the
// teacher's threads/pattern/bloom.go tiered membership filter.
type typeTable struct {
	mu      sync.RWMutex
	byName  map[string]*TypeDescriptor
	order   []string
	filter  *bloom.BloomFilter
	nextSeq uint64
}

func newTypeTable() *typeTable {
	return &typeTable{
		byName: make(map[string]*TypeDescriptor),
		filter: bloom.NewWithEstimates(1024, 0.01),
	}
}

// register validates and inserts t, assigning SeqID and Hash.
func (tt *typeTable) register(t *TypeDescriptor) error {
	if t.Name == "" || t.Size == 0 {
		return newErr("type_register", KindInvalidType, fmt.Errorf("name and size required"))
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if _, exists := tt.byName[t.Name]; exists {
		return newErr("type_register", KindAlreadyRegistered, fmt.Errorf("type %q", t.Name))
	}

	t.Hash = hashName(t.Name)
	if t.Class == Custom && t.SchemaHex == "" {
		t.SchemaHex = encodeStructSchema(t.Name, t.Size)
	}
	t.SeqID = tt.nextSeq
	tt.nextSeq++

	tt.byName[t.Name] = t
	tt.order = append(tt.order, t.Name)
	tt.filter.Add([]byte(t.Name))
	return nil
}

// lookup resolves a type by name, or ok=false if unregistered. The
// bloom filter fronts the map probe: a miss there is authoritative (a
// bloom filter never false-negatives), so an unresolved port-type name —
// the common case during module reload races — returns without ever
// touching byName.
func (tt *typeTable) lookup(name string) (*TypeDescriptor, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	if !tt.filter.Test([]byte(name)) {
		return nil, false
	}
	t, ok := tt.byName[name]
	return t, ok
}

// has is a fast, possibly-false-positive existence probe: a true result
// may be a false positive and must be confirmed with lookup, but a
// false result is authoritative on its own.
func (tt *typeTable) has(name string) bool {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.filter.Test([]byte(name))
}

// unregister removes a type by name. It refuses with KindInvalidType
// while the type's refcount is above zero.
func (tt *typeTable) unregister(name string) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	t, ok := tt.byName[name]
	if !ok {
		return newErr("type_unregister", KindNoSuchEntity, fmt.Errorf("type %q", name))
	}
	if t.refcount > 0 {
		return newErr("type_unregister", KindInvalidType, fmt.Errorf("type %q still referenced (refcount=%d)", name, t.refcount))
	}

	delete(tt.byName, name)
	for i, n := range tt.order {
		if n == name {
			tt.order = append(tt.order[:i], tt.order[i+1:]...)
			break
		}
	}
	// bloom.BloomFilter supports no removal, so the filter is rebuilt
	// from byName right away.
	tt.rebuildFilterLocked()
	return nil
}

func (tt *typeTable) rebuildFilterLocked() {
	f := bloom.NewWithEstimates(uint(len(tt.byName))+64, 0.01)
	for name := range tt.byName {
		f.Add([]byte(name))
	}
	tt.filter = f
}

// list returns type descriptors in registration order.
func (tt *typeTable) list() []*TypeDescriptor {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make([]*TypeDescriptor, 0, len(tt.order))
	for _, n := range tt.order {
		out = append(out, tt.byName[n])
	}
	return out
}

func (tt *typeTable) retain(name string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if t, ok := tt.byName[name]; ok {
		t.refcount++
	}
}

func (tt *typeTable) release(name string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if t, ok := tt.byName[name]; ok && t.refcount > 0 {
		t.refcount--
	}
}
