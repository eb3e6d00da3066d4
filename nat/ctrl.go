// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/szym/barnacle/core"
	"github.com/szym/barnacle/log"
)

// Control wire format: a single-byte length header followed by that many
// bytes of ASCII command. One controller at a time; a short read leaves
// the message pending until the next readiness wakeup.

const ctrlMsgMax = 255

// ctrlMsg accumulates one length-prefixed control message.
type ctrlMsg struct {
	buf  [1 + ctrlMsgMax]byte
	size int
}

func (m *ctrlMsg) msgSize() int {
	return int(m.buf[0])
}

// toRead returns how many bytes are still missing.
func (m *ctrlMsg) toRead() int {
	if m.size < 1 {
		return 1 - m.size
	}
	return 1 + m.msgSize() - m.size
}

func (m *ctrlMsg) complete() bool {
	return m.size >= 1 && m.size >= 1+m.msgSize()
}

// payload returns the command bytes, valid only when complete.
func (m *ctrlMsg) payload() []byte {
	return m.buf[1 : 1+m.msgSize()]
}

func (m *ctrlMsg) clear() {
	m.size = 0
}

// feed consumes bytes read off the socket into the message.
func (m *ctrlMsg) feed(b []byte) {
	m.size += copy(m.buf[m.size:], b)
}

// dispatchCtrl applies one complete control command. Malformed commands
// are logged and ignored; the channel never fails the loop.
//
// Commands, with the size gates of the wire protocol:
//
//	MACA|<mac>  allow <mac>, enable filtering
//	MACD|<mac>  deny <mac>, enable filtering
//	FILT|<1|0>  toggle filtering
//	DMZ|<ip>    install DMZ mappings toward <ip>
func dispatchCtrl(msg []byte, f *Filter, rw *Rewriter) {
	log.D("nat: --- control --- %d : %q", len(msg), msg)
	switch {
	case len(msg) > 21 && string(msg[:3]) == "MAC":
		allowed := msg[3] == 'A'
		mac, err := core.ParseMAC(cstr(msg[5:]))
		if err != nil {
			log.W("nat: ctrl: bad mac %q", msg[5:])
			return
		}
		f.Set(mac, allowed)
		f.SetFiltering(true) // an explicit list implies enforcement
	case len(msg) > 5 && string(msg[:4]) == "FILT":
		f.SetFiltering(msg[5] == '1')
	case len(msg) > 10 && string(msg[:3]) == "DMZ":
		addr, err := netip.ParseAddr(cstr(msg[4:]))
		if err != nil || !addr.Is4() {
			log.W("nat: ctrl: bad dmz addr %q", msg[4:])
			return
		}
		rw.SetDMZ(binary.BigEndian.Uint32(addr.AsSlice()))
	default:
		log.W("nat: ctrl: unrecognized command %q", msg)
	}
}

// cstr trims at the first NUL, tolerating C-style terminated senders.
func cstr(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
