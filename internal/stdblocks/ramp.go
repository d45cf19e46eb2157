// Package stdblocks holds the kernel's built-in block prototypes,
// translated from a reflective type-lookup/void-pointer style into
// typed Go closures over a block-private state struct resolved once
// at init.
package stdblocks

import (
	"math"

	"github.com/ubx-rt/ubxkernel/internal/arena"
	"github.com/ubx-rt/ubxkernel/internal/kernel"
)

// rampState is the block-private state a ramp instance keeps between
// steps, translated from struct ramp_info in the original.
type rampState struct {
	cur   float64
	slope float64
}

// RampModule builds the kernel.Module that registers the "ramp"
// prototype: a single-output computation block that increments an
// accumulator by "slope" every step, translated from ramp_init/
// ramp_step/ramp_cleanup. outType must be a registered scalar type
// sized for a float64; mem backs the Value each step writes.
func RampModule(outType *kernel.TypeDescriptor, mem *arena.Arena) *kernel.Module {
	return &kernel.Module{
		ID:      "std.ramp",
		License: "MPL-2.0",
		Init: func(node *kernel.Node) error {
			proto := kernel.NewPrototype("ramp", kernel.Computation, "linear ramp generator", kernel.Hooks{
				Init: func(b *kernel.Block) error {
					st := &rampState{slope: 1}
					if c := b.Config("start"); c != nil {
						if v := c.Value(); v != nil && v.Count > 0 {
							st.cur = decodeFloat64(v.Bytes())
						}
					}
					if c := b.Config("slope"); c != nil {
						if v := c.Value(); v != nil && v.Count > 0 {
							s := decodeFloat64(v.Bytes())
							if math.Abs(s) > 1e-6 {
								st.slope = s
							}
						}
					}
					b.Private = st
					return nil
				},
				Step: func(b *kernel.Block) error {
					st := b.Private.(*rampState)
					st.cur += st.slope

					out := b.Port("out")
					if out == nil {
						return nil
					}
					v, err := kernel.NewValue(mem, outType, 1)
					if err != nil {
						return err
					}
					encodeFloat64(v.Bytes(), st.cur)
					return out.WriteOut(v)
				},
				Cleanup: func(b *kernel.Block) { b.Private = nil },
			})
			proto.AddPort("out", "current ramp value", kernel.DirOut, "", outType.Name, 0, 1)
			proto.AddConfig("start", "initial value", outType.Name, 0, 1)
			proto.AddConfig("slope", "per-step increment", outType.Name, 0, 1)
			return node.RegisterPrototype(proto)
		},
	}
}

func encodeFloat64(buf []byte, v float64) {
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
}

func decodeFloat64(buf []byte) float64 {
	var bits uint64
	for i := 7; i >= 0; i-- {
		bits = bits<<8 | uint64(buf[i])
	}
	return math.Float64frombits(bits)
}
