// Package wasmmodule implements a WASM backend for dynamically loaded
// modules: a .wasm file compiled against a small export convention
// (init, step, cleanup, each operating on a shared linear-memory
// scratch buffer) becomes one kernel.Module whose Init registers a
// single computation block prototype wired to those exports. Unlike a
// one-shot job executor that loads, calls, and discards an instance,
// this instance is long-lived for the node's lifetime and the export
// surface is the step-function convention a trigger chain expects
// instead of a single "main" call.
package wasmmodule

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/ubx-rt/ubxkernel/internal/kernel"
)

// scratchSize bounds the shared input/output buffer exposed to a WASM
// module's step export, analogous to the arena's slab-class ceiling —
// large transfers should use the ring buffer, not this ABI.
const scratchSize = 4096

// Backend holds the compiled module/instance pair and the scratch
// region used to pass bytes across the host/guest boundary.
type Backend struct {
	engine   *wasmer.Engine
	store    *wasmer.Store
	module   *wasmer.Module
	instance *wasmer.Instance

	memory *wasmer.Memory
	alloc  *wasmer.Function

	initFn    *wasmer.Function
	stepFn    *wasmer.Function
	cleanupFn *wasmer.Function
}

// Load compiles wasmBytes and resolves the block ABI exports. Only
// "step" is mandatory; "init" and "cleanup" are optional lifecycle
// hooks. "memory" and "alloc" (a guest-side bump allocator export
// taking a size and returning an offset) are required so the host can
// write input bytes before calling step.
func Load(wasmBytes []byte) (*Backend, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: compile: %w", err)
	}

	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: instantiate: %w", err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: module does not export linear memory: %w", err)
	}

	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: module does not export alloc: %w", err)
	}

	stepFn, err := instance.Exports.GetFunction("step")
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: module does not export step: %w", err)
	}

	b := &Backend{
		engine: engine, store: store, module: module, instance: instance,
		memory: mem, alloc: alloc, stepFn: stepFn,
	}
	b.initFn, _ = instance.Exports.GetFunction("init")
	b.cleanupFn, _ = instance.Exports.GetFunction("cleanup")
	return b, nil
}

// writeScratch bump-allocates len(data) bytes in guest memory via
// alloc and copies data in, returning the guest offset.
func (b *Backend) writeScratch(data []byte) (int32, error) {
	if len(data) > scratchSize {
		return 0, fmt.Errorf("wasmmodule: payload %d exceeds scratch size %d", len(data), scratchSize)
	}
	offsetAny, err := b.alloc(int32(len(data)))
	if err != nil {
		return 0, fmt.Errorf("wasmmodule: alloc: %w", err)
	}
	offset, ok := offsetAny.(int32)
	if !ok {
		return 0, fmt.Errorf("wasmmodule: alloc returned non-i32")
	}
	copy(b.memory.Data()[offset:], data)
	return offset, nil
}

// Step calls the guest's step export with input copied into scratch
// memory, returning whatever bytes the guest wrote back starting at
// the returned offset up to outLen (the guest's own convention for
// reporting output length — expected as the step export's second
// return value is not supported by wasmer-go's single-result calling
// convention, so output length is read from a guest export "out_len").
func (b *Backend) Step(input []byte) ([]byte, error) {
	offset, err := b.writeScratch(input)
	if err != nil {
		return nil, err
	}
	outOffsetAny, err := b.stepFn(offset, int32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: step: %w", err)
	}
	outOffset, ok := outOffsetAny.(int32)
	if !ok {
		return nil, fmt.Errorf("wasmmodule: step returned non-i32")
	}
	if outOffset < 0 {
		return nil, nil
	}

	outLenFn, err := b.instance.Exports.GetFunction("out_len")
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: module does not export out_len: %w", err)
	}
	outLenAny, err := outLenFn()
	if err != nil {
		return nil, fmt.Errorf("wasmmodule: out_len: %w", err)
	}
	outLen, ok := outLenAny.(int32)
	if !ok || outLen < 0 {
		return nil, fmt.Errorf("wasmmodule: invalid out_len")
	}

	data := make([]byte, outLen)
	copy(data, b.memory.Data()[outOffset:int(outOffset)+int(outLen)])
	return data, nil
}

// Init calls the guest's optional init export.
func (b *Backend) Init() error {
	if b.initFn == nil {
		return nil
	}
	_, err := b.initFn()
	return err
}

// Cleanup calls the guest's optional cleanup export.
func (b *Backend) Cleanup() {
	if b.cleanupFn == nil {
		return
	}
	b.cleanupFn()
}

// AsModule wraps a loaded Backend as a kernel.Module whose Init
// registers id as a single computation-block prototype named id; the
// block's Step hook round-trips its Private field ([]byte set by the
// caller before stepping) through the guest's step export.
func AsModule(id string, backend *Backend) *kernel.Module {
	return &kernel.Module{
		ID:      id,
		License: "guest-defined",
		Init: func(node *kernel.Node) error {
			if err := backend.Init(); err != nil {
				return err
			}
			proto := kernel.NewPrototype(id, kernel.Computation, "wasm guest block", kernel.Hooks{
				Step: func(blk *kernel.Block) error {
					in, _ := blk.Private.([]byte)
					out, err := backend.Step(in)
					if err != nil {
						return err
					}
					blk.Private = out
					return nil
				},
				Cleanup: func(blk *kernel.Block) { backend.Cleanup() },
			})
			return node.RegisterPrototype(proto)
		},
		Cleanup: func(node *kernel.Node) {
			backend.Cleanup()
		},
	}
}
