// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"github.com/szym/barnacle/log"
	"github.com/szym/barnacle/metrics"
)

// RewriterConfig carries everything the translation engine needs; the
// addresses come from the interfaces at start and may be refreshed on
// restart via Configure.
type RewriterConfig struct {
	Variant   Variant
	OutAddr   uint32 // external address packets leave with
	Netmask   uint32 // LAN netmask
	Subnet    uint32 // LAN subnet (address & netmask)
	Preserved []uint16
	NumPorts  int
	FirstPort uint16
	Log       bool
}

// Rewriter is the NAPT engine: flow classification, port allocation and
// in-place address/port substitution for both directions. It never
// propagates errors to the loop; each packet either forwards or drops.
type Rewriter struct {
	cfg    RewriterConfig
	table  *flowTable
	uports *PortPool
	tports *PortPool
}

// NewRewriter builds the engine and plugs both port pools.
func NewRewriter(cfg RewriterConfig, plugUDP, plugTCP PlugFunc, closeFn CloseFunc) *Rewriter {
	return &Rewriter{
		cfg:    cfg,
		table:  newFlowTable(),
		uports: NewPortPool(cfg.Preserved, cfg.NumPorts, cfg.FirstPort, plugUDP, closeFn),
		tports: NewPortPool(cfg.Preserved, cfg.NumPorts, cfg.FirstPort, plugTCP, closeFn),
	}
}

// Configure refreshes the address fields after the interfaces come up.
// Pools and live mappings are untouched.
func (rw *Rewriter) Configure(outAddr, netmask, subnet uint32) {
	rw.cfg.OutAddr = outAddr
	rw.cfg.Netmask = netmask
	rw.cfg.Subnet = subnet
}

// Size returns the number of live mappings.
func (rw *Rewriter) Size() int { return rw.table.size() }

// Close releases the plug sockets.
func (rw *Rewriter) Close() {
	rw.uports.Close()
	rw.tports.Close()
}

// filtered rejects destinations no tether should forward: the all-ones
// broadcast and anything inside the LAN subnet itself.
func (rw *Rewriter) filtered(id FlowID) bool {
	return id.DstAddr == 0xffffffff || id.DstAddr&rw.cfg.Netmask == rw.cfg.Subnet
}

func (rw *Rewriter) pool(proto uint8) *PortPool {
	switch proto {
	case protoUDP:
		return rw.uports
	case protoTCP:
		return rw.tports
	}
	return nil
}

// insert creates a mapping translating out to originate from extPort and
// indexes it both ways.
func (rw *Rewriter) insert(out FlowID, extPort uint16) *Mapping {
	m := newMapping(rw.cfg.Variant, out, rw.cfg.OutAddr, extPort)
	rw.table.insert(m)
	metrics.Mappings.Set(float64(rw.table.size()))
	if rw.cfg.Log {
		log.D("nat: NEW %s ==> %d", out, extPort)
	}
	return m
}

// remove unindexes the mapping and returns its external port to the pool.
func (rw *Rewriter) remove(m *Mapping) {
	rw.table.remove(m)
	if p := rw.pool(m.Proto()); p != nil {
		p.Free(m.Port())
	}
	metrics.Mappings.Set(float64(rw.table.size()))
	if rw.cfg.Log {
		log.D("nat: DEL %s ==> %d", m.OutKey(), m.Port())
	}
}

// freePort evicts any TCP/UDP mapping holding the given external port.
func (rw *Rewriter) freePort(port uint16) {
	rw.table.each(func(m *Mapping) {
		proto := m.Proto()
		if m.Port() == port && (proto == protoTCP || proto == protoUDP) {
			rw.remove(m)
		}
	})
}

// PacketOut handles a packet leaving the LAN. It reports whether the
// packet was rewritten and should be queued for injection.
func (rw *Rewriter) PacketOut(pkt []byte) bool {
	out := ExtractFlow(pkt)
	if !out.Valid() || rw.filtered(out) {
		return false
	}
	m := rw.table.lookupOut(outKey(rw.cfg.Variant, out))
	if m == nil {
		port := out.SrcPort
		switch out.Proto {
		case protoUDP, protoTCP:
			port = rw.pool(out.Proto).Alloc(port)
			if port == 0 {
				log.W("nat: out of ports for %s", out)
				metrics.PortExhaustion.WithLabelValues(protoStr(out.Proto)).Inc()
				return false
			}
		default:
			// ICMP echo id and GRE call-id pass through unchanged
		}
		m = rw.insert(out, port)
	}
	m.ApplyOut(out, pkt)
	if m.Done() {
		rw.remove(m)
	}
	return true
}

// PacketIn handles a packet arriving from the WAN. A miss is the implicit
// firewall: the packet is silently dropped.
func (rw *Rewriter) PacketIn(pkt []byte) bool {
	in := ExtractFlow(pkt)
	if !in.Valid() {
		return false
	}
	m := rw.table.lookupIn(inKey(rw.cfg.Variant, in))
	if m == nil {
		return false
	}
	m.ApplyIn(in, pkt)
	if m.Done() {
		rw.remove(m)
	}
	return true
}

// Cleanup removes mappings that carried no traffic since the previous
// sweep. Idle TCP flows are retained while keepTCP holds so long-lived
// connections survive the short sweep, without living forever.
func (rw *Rewriter) Cleanup(keepTCP bool) {
	rw.table.each(func(m *Mapping) {
		if m.Used() || (keepTCP && m.Proto() == protoTCP) {
			m.Reset()
		} else {
			rw.remove(m)
		}
	})
}

// SetDMZ forwards every preserved port, plus GRE, to the given LAN host.
// Full-cone only: symmetric matching has no notion of unsolicited inbound.
func (rw *Rewriter) SetDMZ(dmz uint32) {
	if rw.cfg.Variant != FullCone {
		log.W("nat: DMZ ignored for %s nat", rw.cfg.Variant)
		return
	}
	log.D("nat: DMZ for %d ports", len(rw.cfg.Preserved))
	succeeded := 0
	for _, port := range rw.cfg.Preserved {
		rw.freePort(port)
		if np := rw.uports.Alloc(port); np == port {
			rw.insert(FlowID{SrcAddr: dmz, SrcPort: port, DstPort: port, Proto: protoUDP}, port)
			succeeded++
		} else if np != 0 {
			rw.uports.Free(np)
		}
		if np := rw.tports.Alloc(port); np == port {
			rw.insert(FlowID{SrcAddr: dmz, SrcPort: port, DstPort: port, Proto: protoTCP}, port)
			succeeded++
		} else if np != 0 {
			rw.tports.Free(np)
		}
	}
	// PPTP passthrough rides on a fixed GRE mapping
	rw.insert(FlowID{SrcAddr: dmz, SrcPort: 47, DstPort: 47, Proto: protoGRE}, 47)
	log.I("nat: DMZ configured for %d ports", succeeded)
}

// outKey masks the extracted identity down to the variant's outbound key.
func outKey(v Variant, id FlowID) FlowID {
	if v == FullCone {
		return FlowID{SrcAddr: id.SrcAddr, SrcPort: id.SrcPort, Proto: id.Proto}
	}
	return id
}

// inKey masks the extracted identity down to the variant's inbound key.
func inKey(v Variant, id FlowID) FlowID {
	if v == FullCone {
		return FlowID{DstAddr: id.DstAddr, DstPort: id.DstPort, Proto: id.Proto}
	}
	return id
}

func protoStr(p uint8) string {
	switch p {
	case protoTCP:
		return "tcp"
	case protoUDP:
		return "udp"
	case protoICMP:
		return "icmp"
	case protoGRE:
		return "gre"
	}
	return "other"
}
