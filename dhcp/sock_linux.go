// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package dhcp

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Init binds the blocking UDP socket: port 67 on all addresses so both
// broadcasts and unicast renewals arrive, then pinned to the LAN interface
// with SO_BINDTODEVICE, with SO_BROADCAST for the replies.
func (s *Server) Init() error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			cerr := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				if serr == nil {
					serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, s.cfg.Ifname)
				}
			})
			if cerr != nil {
				return cerr
			}
			return serr
		},
	}
	conn, err := lc.ListenPacket(context.Background(), "udp4", ":67")
	if err != nil {
		return fmt.Errorf("dhcp: bind :67 on %s: %w", s.cfg.Ifname, err)
	}
	s.conn = conn
	s.lastOffer = 0
	return nil
}

// Close releases the socket.
func (s *Server) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
