// Package ring implements the lock-free single-producer/
// single-consumer cyclic interaction that carries fixed-size typed
// samples between a computation block's output port and another's
// input port. The slot layout and atomic handshake are grounded on the
// teacher's threads/foundation.MessageQueue (a SAB-backed SPSC ring
// keyed by atomic head/tail indices into a power-of-two slot array);
// here the backing store is a plain Go slice of *kernel.Value instead
// of a shared-memory byte region, since this ring never crosses a
// process boundary — only goroutines within one node touch it.
package ring

import (
	"sync/atomic"

	"github.com/ubx-rt/ubxkernel/internal/kernel"
)

// OverrunPolicy selects what happens when a writer finds the ring full.
// DropNew is the only policy the core mandates; DropOld is an optional
// extension a ring instance may opt into.
type OverrunPolicy int

const (
	DropNew OverrunPolicy = iota
	DropOld
)

// Ring is a fixed-capacity SPSC cyclic interaction block. Capacity
// is a power of two (New rounds up) so index wraparound is a mask,
// matching the teacher's NewMessageQueue convention. Fullness is
// tracked with an explicit size counter rather than the classic
// "reserve one sentinel slot" scheme, so a ring of capacity N holds
// exactly N samples before overrunning.
type Ring struct {
	slots    []*kernel.Value
	capacity uint32 // power of two
	mask     uint32

	head atomic.Uint32 // next slot to read
	tail atomic.Uint32 // next slot to write
	size atomic.Uint32 // number of filled slots

	typ      *kernel.TypeDescriptor
	dataLen  uint32
	policy   OverrunPolicy
	overruns atomic.Uint64
	lastPub  uint64 // last overrun count published on the stats port
}

// New creates a ring of the given capacity (rounded up to the next
// power of two) carrying values of typ, each up to dataLen elements.
func New(typ *kernel.TypeDescriptor, capacity, dataLen uint32, policy OverrunPolicy) *Ring {
	capacity = nextPow2(capacity)
	return &Ring{
		slots:    make([]*kernel.Value, capacity),
		capacity: capacity,
		mask:     capacity - 1,
		typ:      typ,
		dataLen:  dataLen,
		policy:   policy,
	}
}

func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Write claims the next slot and publishes v. Writes never block. A
// type mismatch is reported and is a no-op; an oversize value
// is InvalidArg and is a no-op — neither condition touches the ring.
func (r *Ring) Write(v *kernel.Value) error {
	if v.Type != r.typ {
		return &kernel.Error{Kind: kernel.KindTypeMismatch}
	}
	if v.Count > r.dataLen {
		return &kernel.Error{Kind: kernel.KindInvalidArg}
	}

	if r.size.Load() >= r.capacity {
		switch r.policy {
		case DropOld:
			// Discard the oldest unread sample to make room, then fall
			// through to the normal publish path below.
			head := r.head.Load()
			if old := r.slots[head&r.mask]; old != nil {
				old.Release()
				r.slots[head&r.mask] = nil
			}
			r.head.Store(head + 1)
			r.size.Add(^uint32(0)) // -1
		default: // DropNew
			r.recordOverrun()
			return nil
		}
	}

	tail := r.tail.Load()
	r.slots[tail&r.mask] = v
	v.Retain()
	r.tail.Store(tail + 1)
	r.size.Add(1)
	return nil
}

// recordOverrun increments the overrun counter; publication to the
// dedicated output port happens only when the value actually changes,
// handled by PublishOverrun.
func (r *Ring) recordOverrun() {
	r.overruns.Add(1)
}

// Overruns returns the current overrun count.
func (r *Ring) Overruns() uint64 { return r.overruns.Load() }

// PublishOverrun writes the current overrun counter to port if it has
// changed since the last publication, returning whether it wrote.
func (r *Ring) PublishOverrun(port *kernel.Port, mk func(n uint64) (*kernel.Value, error)) (bool, error) {
	cur := r.overruns.Load()
	if cur == r.lastPub {
		return false, nil
	}
	v, err := mk(cur)
	if err != nil {
		return false, err
	}
	if err := port.WriteOut(v); err != nil {
		return false, err
	}
	r.lastPub = cur
	return true, nil
}

// Read acquires the oldest unread slot if any, returning ok=false for
// an empty ring (the hot-path "no data" condition, not an error).
func (r *Ring) Read() (*kernel.Value, bool, error) {
	if r.size.Load() == 0 {
		return nil, false, nil
	}
	head := r.head.Load()
	slot := head & r.mask
	v := r.slots[slot]
	r.slots[slot] = nil
	r.head.Store(head + 1)
	r.size.Add(^uint32(0)) // -1
	return v, true, nil
}

// Len reports the number of unread slots — approximate under
// concurrent access from the other side, exact when called from
// either the sole producer or sole consumer goroutine.
func (r *Ring) Len() uint32 {
	return r.size.Load()
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() uint32 { return r.capacity }

// overrunPortName is the well-known output port exporting the overrun
// counter, required to exist on every ring interaction block.
const overrunPortName = "overruns"

// NewBlock builds the kernel.Block prototype wrapping a ring: an
// interaction-kind block whose Write/Read hooks delegate to the ring,
// with a dedicated uint64 output port for the overrun counter. name is
// the prototype name registered with a node (e.g. "ring_iblock");
// counterType must be a registered scalar type sized for a uint64.
func NewBlock(name string, r *Ring, counterType *kernel.TypeDescriptor) *kernel.Block {
	b := kernel.NewPrototype(name, kernel.KindInteraction, "cyclic ring interaction", kernel.Hooks{
		Write: func(_ *kernel.Block, v *kernel.Value) error { return r.Write(v) },
		Read:  func(_ *kernel.Block) (*kernel.Value, bool, error) { return r.Read() },
	})
	b.AddPort(overrunPortName, "overrun counter, published on change", kernel.DirOut, "", counterType.Name, 0, 1)
	b.AddConfig("buffer_len", "ring capacity in slots", "", 0, 1)
	b.AddConfig("overrun_policy", "DropNew (0) or DropOld (1)", "", 0, 1)
	return b
}
