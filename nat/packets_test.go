// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Packet builders on gopacket so the checksums the rewriter must preserve
// are computed by an independent implementation.

func ip4(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s).To4()
	require.NotNil(t, ip, "bad test address %s", s)
	return ip
}

func addr4(t *testing.T, s string) uint32 {
	t.Helper()
	return binary.BigEndian.Uint32(ip4(t, s))
}

func serialize(t *testing.T, ip *layers.IPv4, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	all := append([]gopacket.SerializableLayer{ip}, ls...)
	require.NoError(t, gopacket.SerializeLayers(buf, opts, all...))
	return buf.Bytes()
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: ip4(t, src), DstIP: ip4(t, dst)}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func tcpPacket(t *testing.T, src, dst string, sport, dport uint16, syn, fin, rst bool) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: ip4(t, src), DstIP: ip4(t, dst)}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport),
		SYN: syn, FIN: fin, RST: rst, ACK: !syn, Window: 4096, DataOffset: 5}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp)
}

func icmpEcho(t *testing.T, src, dst string, id uint16, reply bool) []byte {
	t.Helper()
	typ := uint8(layers.ICMPv4TypeEchoRequest)
	if reply {
		typ = layers.ICMPv4TypeEchoReply
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: ip4(t, src), DstIP: ip4(t, dst)}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0), Id: id, Seq: 1}
	return serialize(t, ip, icmp, gopacket.Payload([]byte("ping")))
}

// grePPTP hand-rolls an enhanced-GRE (RFC 2637) header: flags, version 1,
// protocol 0x880b, payload length, call id.
func grePPTP(t *testing.T, src, dst string, callID uint16) []byte {
	t.Helper()
	gre := []byte{0x30, 0x81, 0x88, 0x0b, 0x00, 0x00, 0x00, 0x00}
	binary.BigEndian.PutUint16(gre[6:], callID)
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocol(protoGRE),
		SrcIP: ip4(t, src), DstIP: ip4(t, dst)}
	return serialize(t, ip, gopacket.Payload(gre))
}

// validIPChecksum recomputes the header sum; a correct checksum folds to
// all ones.
func validIPChecksum(pkt []byte) bool {
	hlen := int(header.IPv4(pkt).HeaderLength())
	return checksum.Checksum(pkt[:hlen], 0) == 0xffff
}

// transportChecksum independently recomputes the correct TCP/UDP checksum
// value for pkt by full pseudo-header summation.
func transportChecksum(t *testing.T, pkt []byte) uint16 {
	t.Helper()
	ip := header.IPv4(pkt)
	hlen := int(ip.HeaderLength())
	th := pkt[hlen:]
	var csumOff int
	switch uint8(ip.TransportProtocol()) {
	case protoTCP:
		csumOff = 16
	case protoUDP:
		csumOff = 6
	default:
		t.Fatalf("no transport checksum for proto %d", ip.TransportProtocol())
	}
	pseudo := header.PseudoHeaderChecksum(ip.TransportProtocol(),
		tcpip.AddrFrom4Slice(pkt[ipSrcOff:ipSrcOff+4]),
		tcpip.AddrFrom4Slice(pkt[ipDstOff:ipDstOff+4]),
		uint16(len(th)))
	saved := binary.BigEndian.Uint16(th[csumOff:])
	binary.BigEndian.PutUint16(th[csumOff:], 0)
	sum := ^checksum.Checksum(th, pseudo)
	binary.BigEndian.PutUint16(th[csumOff:], saved)
	return sum
}
