// Port transfer & interaction binding: a write to an output port
// multiplexes into every Active interaction bound to it; a read on an
// input port pulls from the first Active interaction that yields data.
package kernel

import "fmt"

// ConnectOut appends interaction to port's out-binding list. port must
// be an Out (or InOut) port and interaction must be an Interaction-kind
// block.
func (p *Port) ConnectOut(interaction Interaction) error {
	if p.Dir&DirOut == 0 {
		return newErr("port_connect_out", KindInvalidPortDir, fmt.Errorf("port %q is not Out", p.Name))
	}
	if interaction.Block().Kind != KindInteraction {
		return newErr("port_connect_out", KindInvalidBlockType, fmt.Errorf("target is not an interaction block"))
	}
	p.outBindings = append(p.outBindings, interaction)
	return nil
}

// ConnectIn appends interaction to port's in-binding list. port must be
// an In (or InOut) port.
func (p *Port) ConnectIn(interaction Interaction) error {
	if p.Dir&DirIn == 0 {
		return newErr("port_connect_in", KindInvalidPortDir, fmt.Errorf("port %q is not In", p.Name))
	}
	if interaction.Block().Kind != KindInteraction {
		return newErr("port_connect_in", KindInvalidBlockType, fmt.Errorf("target is not an interaction block"))
	}
	p.inBindings = append(p.inBindings, interaction)
	return nil
}

// DisconnectOut removes interaction from the out-binding list by
// identity. Removal swaps the last
// element into the removed slot — order is not preserved across a
// disconnect, only across steady-state traversals.
func (p *Port) DisconnectOut(interaction Interaction) {
	p.outBindings = swapRemove(p.outBindings, interaction)
}

// DisconnectIn removes interaction from the in-binding list by identity.
func (p *Port) DisconnectIn(interaction Interaction) {
	p.inBindings = swapRemove(p.inBindings, interaction)
}

func swapRemove(list []Interaction, target Interaction) []Interaction {
	for i, v := range list {
		if v == target {
			last := len(list) - 1
			list[i] = list[last]
			return list[:last]
		}
	}
	return list
}

// ConnectUni wires outPort -> interaction -> inPort as one transaction:
// append-to-out then append-to-in; if the second append fails, the
// first is rolled back.
func ConnectUni(outPort, inPort *Port, interaction Interaction) error {
	if err := outPort.ConnectOut(interaction); err != nil {
		return err
	}
	if err := inPort.ConnectIn(interaction); err != nil {
		outPort.DisconnectOut(interaction)
		return err
	}
	return nil
}

// WriteOut is the port write path: the value's type must equal the
// port's resolved out-type before any binding is touched (no partial
// dispatch on a type mismatch), then every Active binding's Write hook
// is invoked in insertion order, each success incrementing the port's
// write counter.
func (p *Port) WriteOut(v *Value) error {
	if p.outType == nil || v.Type != p.outType {
		return newErr("port_write", KindTypeMismatch, fmt.Errorf("port %q: value type %q != out-type %q", p.Name, typeNameOf(v), p.OutTypeName))
	}
	for _, it := range p.outBindings {
		if it.Block().State() != Active {
			continue
		}
		if err := it.Write(v); err != nil {
			return err
		}
		p.writes.Add(1)
	}
	return nil
}

// ReadIn is the port read path: walks in-bindings in insertion order and
// returns the first Active interaction's sample. Ordering is stable and
// observable — higher-priority interactions should be connected first.
func (p *Port) ReadIn() (*Value, error) {
	for _, it := range p.inBindings {
		if it.Block().State() != Active {
			continue
		}
		v, ok, err := it.Read()
		if err != nil {
			return nil, err
		}
		if ok {
			if p.inType != nil && v.Type != p.inType {
				return nil, newErr("port_read", KindTypeMismatch, fmt.Errorf("port %q: value type %q != in-type %q", p.Name, typeNameOf(v), p.InTypeName))
			}
			p.reads.Add(1)
			return v, nil
		}
	}
	return nil, ErrNoData
}

func typeNameOf(v *Value) string {
	if v == nil || v.Type == nil {
		return "<nil>"
	}
	return v.Type.Name
}
