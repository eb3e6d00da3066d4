// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package nat

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/szym/barnacle/core"
	"github.com/szym/barnacle/log"
)

// Kernel support for a user-space IP data plane splits awkwardly across
// two socket families: AF_PACKET sockets see every IP frame but bypass
// ARP on send, while AF_INET raw sockets resolve ARP on the way out but
// cannot capture arbitrary protocols. So capture happens on AF_PACKET
// and injection on AF_INET with IP_HDRINCL.

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// tryAgain maps non-fatal recv/send results onto the loop's no-progress
// convention: (0, nil).
func tryAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// PacketSocket captures IP frames on one interface.
type PacketSocket struct {
	fd int
}

// OpenPacketSocket binds a non-blocking (AF_PACKET, SOCK_DGRAM) socket,
// filtered to ETH_P_IP, to the named interface.
func OpenPacketSocket(ifname string, promisc bool) (*PacketSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return nil, fmt.Errorf("nat: packet socket: %w", err)
	}
	ifc, err := net.InterfaceByName(ifname)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nat: %s: %w", ifname, err)
	}
	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_IP), Ifindex: ifc.Index}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nat: bind %s: %w", ifname, err)
	}
	if promisc {
		mreq := &unix.PacketMreq{Ifindex: int32(ifc.Index), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("nat: promisc %s: %w", ifname, err)
		}
	}
	return &PacketSocket{fd: fd}, nil
}

func (s *PacketSocket) Fd() int { return s.fd }

func (s *PacketSocket) Close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

// recvFrom fills b with one frame and returns its length along with the
// link-layer source. Returns (0, _, nil) when there is nothing to take:
// would-block or our own outgoing copy. A frame larger than the buffer is
// cut to MaxSize bytes.
func (s *PacketSocket) recvFrom(b *core.Buffer) (int, *unix.SockaddrLinklayer, error) {
	b.Clear()
	n, from, err := unix.Recvfrom(s.fd, b.Room(), unix.MSG_TRUNC)
	if err != nil {
		if tryAgain(err) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("nat: capture recv: %w", err)
	}
	ll, _ := from.(*unix.SockaddrLinklayer)
	if ll != nil && ll.Pkttype == unix.PACKET_OUTGOING {
		return 0, nil, nil
	}
	if n > core.MaxSize {
		n = core.MaxSize
	}
	b.Put(n)
	return n, ll, nil
}

// Recv fills b with one frame; 0 with nil error means try again.
func (s *PacketSocket) Recv(b *core.Buffer) (int, error) {
	n, _, err := s.recvFrom(b)
	return n, err
}

// FilterSocket is the LAN capture socket with MAC admission applied
// before a frame is surfaced to the loop.
type FilterSocket struct {
	*PacketSocket
	filter *Filter
}

func OpenFilterSocket(ifname string, f *Filter) (*FilterSocket, error) {
	ps, err := OpenPacketSocket(ifname, false)
	if err != nil {
		return nil, err
	}
	return &FilterSocket{PacketSocket: ps, filter: f}, nil
}

// Recv behaves like PacketSocket.Recv but drops frames from hardware
// addresses outside the admission set while filtering is on.
func (s *FilterSocket) Recv(b *core.Buffer) (int, error) {
	n, ll, err := s.recvFrom(b)
	if n <= 0 || err != nil {
		return n, err
	}
	if s.filter.Filtering() {
		if ll == nil {
			return 0, nil
		}
		mac, merr := core.MACFromBytes(ll.Addr[:])
		if merr != nil || !s.filter.Admit(mac) {
			return 0, nil
		}
	}
	return n, nil
}

// IPSocket injects fully-formed IP datagrams. The kernel resolves ARP for
// the next hop but insists on a valid destination sockaddr and rewrites
// parts of the included header.
type IPSocket struct {
	fd int
}

func OpenIPSocket() (*IPSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("nat: raw socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nat: IP_HDRINCL: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nat: bind raw: %w", err)
	}
	return &IPSocket{fd: fd}, nil
}

func (s *IPSocket) Fd() int { return s.fd }

func (s *IPSocket) Close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

// Send writes the datagram in b. Returns (0, nil) when the socket would
// block. EMSGSIZE surfaces to the caller for MTU self-healing; other
// errors are fatal to the loop.
func (s *IPSocket) Send(b *core.Buffer) (int, error) {
	pkt := b.Bytes()
	if len(pkt) < ipMinLen {
		return len(pkt), nil // runt, drop quietly
	}
	totlen := int(pkt[2])<<8 | int(pkt[3])
	if totlen > len(pkt) {
		log.D("nat: inject: header claims %d of %d bytes, ignored", totlen, len(pkt))
		return len(pkt), nil
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], pkt[ipDstOff:ipDstOff+4])
	err := unix.Sendto(s.fd, pkt[:totlen], 0, &sa)
	if err != nil {
		if tryAgain(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("nat: inject: %w", err)
	}
	return totlen, nil
}

const ipMinLen = 20

// RealPlug returns a PlugFunc that binds actual kernel sockets. TCP plugs
// carry a reject-all classic BPF program and sit in listen so no handshake
// ever completes; UDP plugs only need the bind.
func RealPlug(tcp bool) PlugFunc {
	return func(port uint16) (int, error) {
		typ, proto := unix.SOCK_DGRAM, unix.IPPROTO_UDP
		if tcp {
			typ, proto = unix.SOCK_STREAM, unix.IPPROTO_TCP
		}
		fd, err := unix.Socket(unix.AF_INET, typ|unix.SOCK_CLOEXEC, proto)
		if err != nil {
			return -1, err
		}
		if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
			unix.Close(fd)
			return -1, err
		}
		if !tcp {
			return fd, nil
		}
		prog := rejectAll()
		if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
			unix.Close(fd)
			return -1, err
		}
		if err := unix.Listen(fd, 0); err != nil {
			unix.Close(fd)
			return -1, err
		}
		return fd, nil
	}
}

// ClosePlug releases a plug fd.
func ClosePlug(fd int) { unix.Close(fd) }

// rejectAll assembles the one-instruction program "return 0".
func rejectAll() unix.SockFprog {
	ins, _ := bpf.Assemble([]bpf.Instruction{bpf.RetConstant{Val: 0}})
	filt := make([]unix.SockFilter, len(ins))
	for i, in := range ins {
		filt[i] = unix.SockFilter{Code: in.Op, Jt: in.Jt, Jf: in.Jf, K: in.K}
	}
	return unix.SockFprog{Len: uint16(len(filt)), Filter: &filt[0]}
}

// localListener is the control channel's AF_UNIX stream listener.
type localListener struct {
	fd   int
	path string
}

func listenLocal(path string) (*localListener, error) {
	_ = os.Remove(path) // stale socket from a previous run
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("nat: ctrl socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nat: ctrl bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nat: ctrl listen %s: %w", path, err)
	}
	return &localListener{fd: fd, path: path}, nil
}

func (l *localListener) Fd() int { return l.fd }

// accept takes one pending controller; (-1, nil) means none waiting.
func (l *localListener) accept() (int, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if tryAgain(err) {
			return -1, nil
		}
		return -1, err
	}
	return fd, nil
}

func (l *localListener) Close() {
	if l.fd >= 0 {
		unix.Close(l.fd)
		l.fd = -1
	}
	_ = os.Remove(l.path)
}

// ctrlConn is the single active control session.
type ctrlConn struct {
	fd  int
	msg ctrlMsg
}

// recv pulls pending bytes into the message. complete reports a whole
// command ready for dispatch; err ends the session.
func (c *ctrlConn) recv() (complete bool, err error) {
	var tmp [1 + ctrlMsgMax]byte
	toread := c.msg.toRead()
	if toread <= 0 {
		return true, nil
	}
	n, err := unix.Read(c.fd, tmp[:toread])
	if n > 0 {
		c.msg.feed(tmp[:n])
		return c.msg.complete(), nil
	}
	if err != nil && tryAgain(err) {
		return false, nil
	}
	if err == nil { // EOF
		err = unix.ECONNRESET
	}
	return false, err
}

func (c *ctrlConn) Close() {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
}
