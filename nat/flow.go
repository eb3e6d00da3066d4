// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Protocols the rewriter understands. Anything else extracts as invalid
// and is rejected before a mapping can exist.
const (
	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
	protoGRE  = 47
)

// RFC 2637: enhanced GRE carrying PPTP has version 1 and a call-id.
const greVersionPPTP = 1

// IPv4 header field offsets used by the in-place rewrite.
const (
	ipCsumOff = 10
	ipSrcOff  = 12
	ipDstOff  = 16
)

// FlowID identifies one direction of a conversation. Addresses and ports
// are big-endian numerics as read off the wire. For ICMP both ports carry
// the echo identifier, for GRE/PPTP the call-id. SrcPort == 0 marks an
// unrecognized flow and is always rejected.
type FlowID struct {
	SrcAddr uint32
	DstAddr uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// Reverse swaps the source and destination halves.
func (id FlowID) Reverse() FlowID {
	return FlowID{
		SrcAddr: id.DstAddr,
		DstAddr: id.SrcAddr,
		SrcPort: id.DstPort,
		DstPort: id.SrcPort,
		Proto:   id.Proto,
	}
}

// Valid reports whether extraction recognized the flow.
func (id FlowID) Valid() bool { return id.SrcPort != 0 }

// words returns the identity as the six 16-bit wire words the checksum
// delta algebra runs over: both addresses then both ports.
func (id FlowID) words() [6]uint16 {
	return [6]uint16{
		uint16(id.SrcAddr >> 16), uint16(id.SrcAddr),
		uint16(id.DstAddr >> 16), uint16(id.DstAddr),
		id.SrcPort, id.DstPort,
	}
}

func (id FlowID) String() string {
	return fmt.Sprintf("(%d| %s:%d > %s:%d)",
		id.Proto, addrStr(id.SrcAddr), id.SrcPort, addrStr(id.DstAddr), id.DstPort)
}

func addrStr(a uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// ExtractFlow reads the flow identity from an IPv4 packet. Captured
// payloads are not aligned, so every multi-byte field goes through a
// byte-level read. A zero value (SrcPort == 0) means the packet does not
// belong to a translatable flow.
func ExtractFlow(pkt []byte) FlowID {
	var id FlowID
	if len(pkt) < header.IPv4MinimumSize {
		return id
	}
	ip := header.IPv4(pkt)
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(pkt) < hlen {
		return id
	}
	id.SrcAddr = binary.BigEndian.Uint32(pkt[ipSrcOff:])
	id.DstAddr = binary.BigEndian.Uint32(pkt[ipDstOff:])
	id.Proto = uint8(ip.TransportProtocol())

	th := pkt[hlen:]
	switch id.Proto {
	case protoICMP:
		if len(th) < header.ICMPv4MinimumSize {
			break
		}
		icmp := header.ICMPv4(th)
		if t := icmp.Type(); t == header.ICMPv4Echo || t == header.ICMPv4EchoReply {
			id.SrcPort = icmp.Ident()
			id.DstPort = icmp.Ident() // so the echo reply matches too
		}
	case protoTCP, protoUDP:
		if len(th) < 4 {
			break
		}
		id.SrcPort = binary.BigEndian.Uint16(th)
		id.DstPort = binary.BigEndian.Uint16(th[2:])
	case protoGRE:
		if len(th) < 8 {
			break
		}
		if th[1]&0x07 == greVersionPPTP {
			id.SrcPort = binary.BigEndian.Uint16(th[6:])
			id.DstPort = id.SrcPort
		}
	}
	return id
}
