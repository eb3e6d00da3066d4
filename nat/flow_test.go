// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFlowUDP(t *testing.T) {
	pkt := udpPacket(t, "192.168.5.10", "8.8.8.8", 53000, 53, []byte("query"))
	id := ExtractFlow(pkt)
	require.True(t, id.Valid())
	assert.Equal(t, addr4(t, "192.168.5.10"), id.SrcAddr)
	assert.Equal(t, addr4(t, "8.8.8.8"), id.DstAddr)
	assert.Equal(t, uint16(53000), id.SrcPort)
	assert.Equal(t, uint16(53), id.DstPort)
	assert.Equal(t, uint8(protoUDP), id.Proto)
}

func TestExtractFlowTCP(t *testing.T) {
	pkt := tcpPacket(t, "192.168.5.10", "93.184.216.34", 41000, 443, true, false, false)
	id := ExtractFlow(pkt)
	require.True(t, id.Valid())
	assert.Equal(t, uint16(41000), id.SrcPort)
	assert.Equal(t, uint16(443), id.DstPort)
	assert.Equal(t, uint8(protoTCP), id.Proto)
}

func TestExtractFlowICMPEcho(t *testing.T) {
	pkt := icmpEcho(t, "192.168.5.10", "8.8.8.8", 600, false)
	id := ExtractFlow(pkt)
	require.True(t, id.Valid())
	// both ports carry the echo id so the reply matches the same flow
	assert.Equal(t, uint16(600), id.SrcPort)
	assert.Equal(t, uint16(600), id.DstPort)

	reply := icmpEcho(t, "8.8.8.8", "192.168.5.10", 600, true)
	rid := ExtractFlow(reply)
	require.True(t, rid.Valid())
	assert.Equal(t, uint16(600), rid.SrcPort)
}

func TestExtractFlowGREPPTP(t *testing.T) {
	pkt := grePPTP(t, "192.168.5.10", "203.0.113.7", 777)
	id := ExtractFlow(pkt)
	require.True(t, id.Valid())
	assert.Equal(t, uint16(777), id.SrcPort)
	assert.Equal(t, uint16(777), id.DstPort)
	assert.Equal(t, uint8(protoGRE), id.Proto)
}

func TestExtractFlowUnsupported(t *testing.T) {
	// ESP is not translatable; extraction must reject it
	pkt := udpPacket(t, "192.168.5.10", "8.8.8.8", 500, 500, nil)
	pkt[9] = 50 // protocol
	id := ExtractFlow(pkt)
	assert.False(t, id.Valid())
}

func TestExtractFlowRunt(t *testing.T) {
	assert.False(t, ExtractFlow([]byte{0x45, 0x00}).Valid())
	assert.False(t, ExtractFlow(nil).Valid())
}

func TestFlowReverse(t *testing.T) {
	id := FlowID{SrcAddr: 1, DstAddr: 2, SrcPort: 3, DstPort: 4, Proto: protoTCP}
	rev := id.Reverse()
	assert.Equal(t, FlowID{SrcAddr: 2, DstAddr: 1, SrcPort: 4, DstPort: 3, Proto: protoTCP}, rev)
	assert.Equal(t, id, rev.Reverse())
}
