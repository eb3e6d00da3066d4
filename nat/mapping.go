// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Variant selects the NAPT matching discipline at runtime.
type Variant uint8

const (
	// FullCone remembers only the internal endpoint and its external
	// translation; inbound packets match on destination alone, so
	// unsolicited traffic to a mapped port is forwarded.
	FullCone Variant = iota
	// Symmetric remembers both translations and matches the full
	// five-tuple in each direction.
	Symmetric
)

func (v Variant) String() string {
	if v == FullCone {
		return "full-cone"
	}
	return "symmetric"
}

// TCP tear-down state. A FIN in each direction makes the mapping done;
// SYN clears both bits (connection reuse), RST clears its direction's bit
// (reset recovery).
const (
	flagClear   uint8 = 0
	flagOutDone uint8 = 1
	flagInDone  uint8 = 2
	flagDone    uint8 = flagOutDone | flagInDone
)

// Mapping is one live translation pair. For full-cone only the id quad is
// live: SrcAddr/SrcPort hold the internal endpoint, DstAddr/DstPort the
// external one. For symmetric the two precomputed Translations carry the
// whole state; id stays zero and the keys are derived from them.
type Mapping struct {
	variant Variant
	id      FlowID
	out     Translation
	in      Translation
	used    bool
	flags   uint8
}

// newMapping translates flow before so it originates from extAddr:extPort.
func newMapping(v Variant, before FlowID, extAddr uint32, extPort uint16) *Mapping {
	m := &Mapping{variant: v}
	switch v {
	case FullCone:
		m.id = FlowID{
			SrcAddr: before.SrcAddr,
			DstAddr: extAddr,
			SrcPort: before.SrcPort,
			DstPort: extPort,
			Proto:   before.Proto,
		}
	case Symmetric:
		after := FlowID{
			SrcAddr: extAddr,
			DstAddr: before.DstAddr,
			SrcPort: extPort,
			DstPort: before.DstPort,
			Proto:   before.Proto,
		}
		m.out = NewTranslation(before, after)
		m.in = NewTranslation(after.Reverse(), before.Reverse())
	}
	return m
}

// OutKey is the lookup key matching this mapping's outbound packets.
func (m *Mapping) OutKey() FlowID {
	switch m.variant {
	case FullCone:
		return FlowID{SrcAddr: m.id.SrcAddr, SrcPort: m.id.SrcPort, Proto: m.id.Proto}
	default:
		return m.in.FlowID().Reverse()
	}
}

// InKey is the lookup key matching this mapping's inbound packets.
func (m *Mapping) InKey() FlowID {
	switch m.variant {
	case FullCone:
		return FlowID{DstAddr: m.id.DstAddr, DstPort: m.id.DstPort, Proto: m.id.Proto}
	default:
		return m.out.FlowID().Reverse()
	}
}

// Proto returns the mapping's IP protocol.
func (m *Mapping) Proto() uint8 {
	if m.variant == FullCone {
		return m.id.Proto
	}
	return m.in.FlowID().Proto
}

// Port returns the external port held by this mapping, owed back to the
// matching pool on removal.
func (m *Mapping) Port() uint16 {
	if m.variant == FullCone {
		return m.id.DstPort
	}
	return m.out.FlowID().SrcPort
}

// ApplyOut rewrites an outbound packet whose extracted identity is before.
func (m *Mapping) ApplyOut(before FlowID, pkt []byte) {
	switch m.variant {
	case FullCone:
		after := FlowID{
			SrcAddr: m.id.DstAddr,
			DstAddr: before.DstAddr,
			SrcPort: m.id.DstPort,
			DstPort: before.DstPort,
			Proto:   before.Proto,
		}
		tr := NewTranslation(before, after)
		tr.Apply(pkt)
	case Symmetric:
		m.out.Apply(pkt)
	}
	m.updateFlags(pkt, true)
	m.used = true
}

// ApplyIn rewrites an inbound packet whose extracted identity is before.
func (m *Mapping) ApplyIn(before FlowID, pkt []byte) {
	switch m.variant {
	case FullCone:
		after := FlowID{
			SrcAddr: before.SrcAddr,
			DstAddr: m.id.SrcAddr,
			SrcPort: before.SrcPort,
			DstPort: m.id.SrcPort,
			Proto:   before.Proto,
		}
		tr := NewTranslation(before, after)
		tr.Apply(pkt)
	case Symmetric:
		m.in.Apply(pkt)
	}
	m.updateFlags(pkt, false)
	m.used = true
}

// updateFlags watches SYN, FIN and RST on TCP flows.
func (m *Mapping) updateFlags(pkt []byte, out bool) {
	if m.Proto() != protoTCP {
		return
	}
	if len(pkt) < header.IPv4MinimumSize {
		return
	}
	hlen := int(header.IPv4(pkt).HeaderLength())
	if hlen < header.IPv4MinimumSize || len(pkt) < hlen+header.TCPMinimumSize {
		return
	}
	bit := flagInDone
	if out {
		bit = flagOutDone
	}
	switch flags := header.TCP(pkt[hlen:]).Flags(); {
	case flags&header.TCPFlagRst != 0:
		m.flags &^= bit
	case flags&header.TCPFlagFin != 0:
		m.flags |= bit
	case flags&header.TCPFlagSyn != 0:
		m.flags = flagClear
	}
}

// Done reports FIN seen in both directions.
func (m *Mapping) Done() bool { return m.flags == flagDone }

// Used reports traffic since the last sweep.
func (m *Mapping) Used() bool { return m.used }

// Reset clears the used bit; the sweeper calls it on retained mappings.
func (m *Mapping) Reset() { m.used = false }
