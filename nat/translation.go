// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Translation substitutes one flow identity for another in place. The two
// 16-bit deltas are precomputed from the old and new identities: ipDelta
// covers the address words for the IP header checksum, thDelta additionally
// covers the port words for the transport pseudo-header checksum. Fixup is
// always incremental; the full sum is never recomputed on the data path.
type Translation struct {
	mapto   FlowID
	ipDelta uint16
	thDelta uint16
}

// NewTranslation precomputes the checksum deltas for rewriting from into to.
func NewTranslation(from, to FlowID) Translation {
	fw := from.words()
	tw := to.words()
	var delta uint32
	for i := 0; i < 4; i++ {
		delta += uint32(^fw[i])
		delta += uint32(tw[i])
	}
	delta = (delta & 0xffff) + (delta >> 16)
	ipDelta := uint16(delta + (delta >> 16))
	for i := 4; i < 6; i++ {
		delta += uint32(^fw[i])
		delta += uint32(tw[i])
	}
	delta = (delta & 0xffff) + (delta >> 16)
	thDelta := uint16(delta + (delta >> 16))
	return Translation{mapto: to, ipDelta: ipDelta, thDelta: thDelta}
}

// FlowID returns the identity packets carry after Apply.
func (t *Translation) FlowID() FlowID { return t.mapto }

// updateChecksum applies a precomputed delta to a one's-complement sum,
// folding the end-around carry twice.
func updateChecksum(old, delta uint16) uint16 {
	sum := uint32(^old) + uint32(delta)
	sum = (sum & 0xffff) + (sum >> 16)
	return ^uint16(sum + (sum >> 16))
}

// Apply overwrites the packet's addresses and, on first fragments, its
// transport ports, fixing both checksums incrementally.
func (t *Translation) Apply(pkt []byte) {
	if len(pkt) < header.IPv4MinimumSize {
		return
	}
	ip := header.IPv4(pkt)
	binary.BigEndian.PutUint32(pkt[ipSrcOff:], t.mapto.SrcAddr)
	binary.BigEndian.PutUint32(pkt[ipDstOff:], t.mapto.DstAddr)
	old := binary.BigEndian.Uint16(pkt[ipCsumOff:])
	binary.BigEndian.PutUint16(pkt[ipCsumOff:], updateChecksum(old, t.ipDelta))

	// non-first fragments carry no transport header
	if ip.FragmentOffset() != 0 {
		return
	}
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(pkt) < hlen {
		return
	}
	th := pkt[hlen:]
	switch t.mapto.Proto {
	case protoTCP:
		if len(th) < header.TCPMinimumSize {
			return
		}
		tcp := header.TCP(th)
		tcp.SetSourcePort(t.mapto.SrcPort)
		tcp.SetDestinationPort(t.mapto.DstPort)
		tcp.SetChecksum(updateChecksum(tcp.Checksum(), t.thDelta))
	case protoUDP:
		if len(th) < header.UDPMinimumSize {
			return
		}
		udp := header.UDP(th)
		udp.SetSourcePort(t.mapto.SrcPort)
		udp.SetDestinationPort(t.mapto.DstPort)
		// RFC 768: zero means no checksum; leave it zero
		if c := udp.Checksum(); c != 0 {
			udp.SetChecksum(updateChecksum(c, t.thDelta))
		}
	case protoICMP, protoGRE:
		// echo id and call-id are carried unchanged
	}
}
