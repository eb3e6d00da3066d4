// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/szym/barnacle/core"
)

const defaultTTL = 64

// icmpErrDataLen is how much of the offending packet an ICMP error quotes:
// the IP header plus eight bytes, per RFC 792.
const icmpErrDataLen = header.IPv4MinimumSize + 8

// makeFragNeeded replaces the packet in b with an ICMP destination
// unreachable / fragmentation needed error addressed back to its sender,
// quoting the original header. src becomes the error's source address and
// mtu the advertised next-hop MTU. The IP checksum is left zero for the
// raw socket to fill.
func makeFragNeeded(b *core.Buffer, src uint32, mtu int) {
	var quoted [icmpErrDataLen]byte
	copy(quoted[:], b.Bytes())
	origSrc := binary.BigEndian.Uint32(quoted[ipSrcOff:])

	size := header.IPv4MinimumSize + header.ICMPv4MinimumSize + icmpErrDataLen
	b.Clear()
	b.Put(size)
	pkt := b.Bytes()
	copy(pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:], quoted[:])

	var sa, da [4]byte
	binary.BigEndian.PutUint32(sa[:], src)
	binary.BigEndian.PutUint32(da[:], origSrc)
	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(size),
		TTL:         defaultTTL,
		Protocol:    protoICMP,
		SrcAddr:     tcpip.AddrFrom4(sa),
		DstAddr:     tcpip.AddrFrom4(da),
	})
	ip.SetChecksum(0)

	icmp := header.ICMPv4(pkt[header.IPv4MinimumSize:])
	for i := 0; i < header.ICMPv4MinimumSize; i++ {
		icmp[i] = 0
	}
	icmp.SetType(header.ICMPv4DstUnreachable)
	icmp.SetCode(header.ICMPv4FragmentationNeeded)
	icmp.SetChecksum(0)
	icmp.SetMTU(uint16(mtu))
	icmp.SetChecksum(^checksum.Checksum(pkt[header.IPv4MinimumSize:], 0))
}
