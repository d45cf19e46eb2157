package kernel

import (
	"sync/atomic"

	"github.com/ubx-rt/ubxkernel/internal/arena"
)

// Value is a typed, length-tagged heap region: (type, element count, raw
// bytes) with len(raw) == type.Size * count. Values
// are reference-countable so a config can be reseated without copy.
type Value struct {
	Type  *TypeDescriptor
	Count uint32

	arena *arena.Arena
	buf   []byte
	rc    atomic.Int32
}

// NewValue allocates a zeroed value of count elements of t from a.
func NewValue(a *arena.Arena, t *TypeDescriptor, count uint32) (*Value, error) {
	if t == nil {
		return nil, newErr("value_new", KindInvalidType, nil)
	}
	size := t.Size * count
	buf, err := a.Alloc(size)
	if err != nil {
		return nil, newErr("value_new", KindOutOfMem, err)
	}
	v := &Value{Type: t, Count: count, arena: a, buf: buf}
	v.rc.Store(1)
	return v, nil
}

// Bytes returns the value's raw payload. Callers must not retain it
// past a Resize/Release.
func (v *Value) Bytes() []byte { return v.buf }

// Resize grows or shrinks the value in place to hold newCount elements,
// preserving the overlapping prefix.
func (v *Value) Resize(newCount uint32) error {
	newSize := v.Type.Size * newCount
	buf, err := v.arena.Realloc(v.buf, newSize)
	if err != nil {
		return newErr("value_resize", KindOutOfMem, err)
	}
	v.buf = buf
	v.Count = newCount
	return nil
}

// Retain increments the reference count so a config can share the value
// without copying.
func (v *Value) Retain() { v.rc.Add(1) }

// Release decrements the reference count, freeing the backing buffer
// back to the arena when it reaches zero.
func (v *Value) Release() {
	if v.rc.Add(-1) == 0 {
		v.arena.Free(v.buf)
		v.buf = nil
	}
}

// CopyFrom overwrites v's payload with src's, provided the types match
// and src fits within v's current element count, copying without
// reallocating. v.Count is left unchanged.
func (v *Value) CopyFrom(src *Value) error {
	if src.Type != v.Type && src.Type.Name != v.Type.Name {
		return newErr("value_copy", KindTypeMismatch, nil)
	}
	if src.Count > v.Count {
		return newErr("value_copy", KindInvalidArg, nil)
	}
	copy(v.buf, src.buf[:src.Type.Size*src.Count])
	return nil
}
