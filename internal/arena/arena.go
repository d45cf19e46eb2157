// Package arena implements a bounded, preallocated two-tier memory pool
// used to back data-value payloads so the hot path never calls into the
// Go allocator. Small objects (<= slabMaxObject bytes) are served from a
// slab allocator with fixed size classes; everything larger is served by
// a buddy allocator. Both sub-allocators carve their region out of one
// []byte owned by the Arena.
package arena

import (
	"fmt"
	"sync"
)

const (
	slabMaxObject = 256

	// DefaultSlabSize and DefaultBuddySize are used when callers don't
	// have a better estimate of their working set (256KB slab, 1MB buddy).
	DefaultSlabSize  = 256 * 1024
	DefaultBuddySize = 1024 * 1024
)

// Arena is a fixed-capacity memory pool. All allocations are bounded by
// the pool's configured size; callers needing more than is available
// get ErrOutOfMemory rather than an unbounded heap grow.
type Arena struct {
	mu    sync.Mutex
	slab  *slabAllocator
	buddy *buddyAllocator

	allocCount uint64
	freeCount  uint64
}

// ErrOutOfMemory is returned when neither sub-allocator can satisfy a
// request.
var ErrOutOfMemory = fmt.Errorf("arena: out of memory")

// New creates an arena with the given slab and buddy region sizes.
func New(slabSize, buddySize int) *Arena {
	return &Arena{
		slab:  newSlabAllocator(slabSize),
		buddy: newBuddyAllocator(buddySize),
	}
}

// NewDefault creates an arena sized for typical block-instance payloads.
func NewDefault() *Arena {
	return New(DefaultSlabSize, DefaultBuddySize)
}

// Alloc reserves size bytes and returns an owning handle. size == 0 is
// rounded up to 1 so every value has a distinct, freeable handle.
func (a *Arena) Alloc(size uint32) ([]byte, error) {
	if size == 0 {
		size = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf []byte
	var err error
	if size <= slabMaxObject {
		buf, err = a.slab.alloc(size)
	} else {
		buf, err = a.buddy.alloc(size)
	}
	if err != nil {
		return nil, ErrOutOfMemory
	}
	a.allocCount++
	return buf, nil
}

// Free releases a buffer previously returned by Alloc. It is a no-op
// (not an error) if buf is nil, so callers can defer Free unconditionally.
func (a *Arena) Free(buf []byte) {
	if buf == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if cap(buf) <= slabMaxObject {
		a.slab.free(buf)
	} else {
		a.buddy.free(buf)
	}
	a.freeCount++
}

// Realloc grows or shrinks buf to newSize, preserving the overlapping
// prefix of bytes. The returned slice may alias a freshly allocated
// region; callers must stop using the old slice after this call.
func (a *Arena) Realloc(buf []byte, newSize uint32) ([]byte, error) {
	next, err := a.Alloc(newSize)
	if err != nil {
		return nil, err
	}
	n := copy(next, buf)
	_ = n
	a.Free(buf)
	return next, nil
}

// Stats reports coarse utilization counters.
type Stats struct {
	AllocCount uint64
	FreeCount  uint64
	SlabInUse  int
	BuddyInUse int
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		AllocCount: a.allocCount,
		FreeCount:  a.freeCount,
		SlabInUse:  a.slab.inUse(),
		BuddyInUse: a.buddy.inUse(),
	}
}
